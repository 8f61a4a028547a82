package camera

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlecFessler/mocap-capture-node/internal/framepool"
	"github.com/AlecFessler/mocap-capture-node/internal/logger"
	"github.com/AlecFessler/mocap-capture-node/internal/ring"
)

// fakeDevice is a software stand-in for a V4L2 device: Configure only
// records that it was called, ApplyControls does nothing, and QueueBuffer
// synchronously posts a CompletionEvent instead of waiting on real
// hardware, so Source's completion path can be exercised without
// /dev/videoN.
type fakeDevice struct {
	m          int
	frameBytes int
	planes     [][]byte
	events     chan CompletionEvent
	configured bool
}

func newFakeDevice(m, frameBytes int) *fakeDevice {
	planes := make([][]byte, m)
	for i := range planes {
		planes[i] = make([]byte, frameBytes)
		for j := range planes[i] {
			planes[i][j] = byte(i + 1) // distinct content per buffer
		}
	}
	return &fakeDevice{
		m:          m,
		frameBytes: frameBytes,
		planes:     planes,
		events:     make(chan CompletionEvent, m),
	}
}

func (f *fakeDevice) Configure(width, height, bufferCount, frameBytes int) error {
	f.configured = true
	return nil
}
func (f *fakeDevice) ApplyControls(ControlSettings) error { return nil }
func (f *fakeDevice) Start() error                        { return nil }
func (f *fakeDevice) Stop() error {
	close(f.events)
	return nil
}
func (f *fakeDevice) Plane(cookie int) []byte { return f.planes[cookie] }
func (f *fakeDevice) QueueBuffer(cookie int) error {
	f.events <- CompletionEvent{Cookie: cookie}
	return nil
}
func (f *fakeDevice) Completions() <-chan CompletionEvent { return f.events }
func (f *fakeDevice) BufferCount() int                    { return f.m }

// fakeSink records InFlight/Post calls without any real semaphore.
type fakeSink struct {
	inFlight int
}

func (s *fakeSink) InFlight() int { return s.inFlight }
func (s *fakeSink) Post()         { s.inFlight++ }

func TestOpenConfiguresAndStarts(t *testing.T) {
	dev := newFakeDevice(4, 12)
	pool, err := framepool.New(4, 12)
	require.NoError(t, err)
	q := ring.New(8)
	sink := &fakeSink{}
	log := logger.Nop()

	src, err := Open(dev, pool, q, sink, log, 4, 3, ControlSettings{})
	require.NoError(t, err)
	assert.True(t, dev.configured)
	require.NoError(t, src.Close())
}

func TestQueueRequestDeliversCompletedFrame(t *testing.T) {
	dev := newFakeDevice(3, 6)
	pool, err := framepool.New(4, 6)
	require.NoError(t, err)
	q := ring.New(8)
	sink := &fakeSink{}
	log := logger.Nop()

	src, err := Open(dev, pool, q, sink, log, 2, 3, ControlSettings{})
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.QueueRequest())
	require.Eventually(t, func() bool {
		return q.Dequeue() != nil
	}, time.Second, time.Millisecond)
}

func TestQueueRequestReportsOverrunAndIsSticky(t *testing.T) {
	dev := newFakeDevice(2, 4)
	pool, err := framepool.New(3, 4)
	require.NoError(t, err)
	q := ring.New(8)
	sink := &fakeSink{inFlight: 10} // already way past n-2
	log := logger.Nop()

	src, err := Open(dev, pool, q, sink, log, 2, 2, ControlSettings{})
	require.NoError(t, err)
	defer src.Close()

	err = src.QueueRequest()
	require.ErrorIs(t, err, ErrOverrun)
	assert.True(t, src.Overrun())

	sink.inFlight = 0
	err = src.QueueRequest()
	assert.ErrorIs(t, err, ErrOverrun, "overrun must remain sticky even after pressure subsides")
}
