package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlecFessler/mocap-capture-node/internal/encoder"
	"github.com/AlecFessler/mocap-capture-node/internal/logger"
	"github.com/AlecFessler/mocap-capture-node/internal/netconn"
	"github.com/AlecFessler/mocap-capture-node/internal/ring"
)

// noopControl binds a real (ephemeral-port) control socket so
// Controller.Run has something to range over; the test itself never
// sends datagrams to it.
func noopControl(t *testing.T) *netconn.Control {
	t.Helper()
	c, err := netconn.ListenControl(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type fakeRequester struct {
	mu       sync.Mutex
	queued   int
	overrun  bool
}

func (f *fakeRequester) QueueRequest() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued++
	return nil
}

func (f *fakeRequester) Overrun() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overrun
}

type fakeEncoder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeEncoder) EncodeFrame(yuv420 []byte, out encoder.Sink) error {
	f.mu.Lock()
	f.frames = append(f.frames, yuv420)
	f.mu.Unlock()
	return out.Write(yuv420)
}

func (f *fakeEncoder) Flush(out encoder.Sink) error { return nil }

type fakeStream struct {
	mu      sync.Mutex
	written [][]byte
}

func (f *fakeStream) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func TestControllerConsumesQueuedFramesAndStopsOnOverrun(t *testing.T) {
	q := ring.New(8)
	gauge := NewGauge(4)
	req := &fakeRequester{}
	enc := &fakeEncoder{}
	stream := &fakeStream{}
	log := logger.Nop()

	frame := []byte{1, 2, 3}
	require.NoError(t, q.Enqueue(frame))
	gauge.Post()

	ctrl := New(q, gauge, req, enc, stream, noopControl(t), log, time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		req.mu.Lock()
		req.overrun = true
		req.mu.Unlock()
		gauge.Nudge()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := ctrl.Run(ctx)
	require.ErrorIs(t, err, ErrOverrun, "overrun must be fatal so the process exits nonzero")

	stream.mu.Lock()
	defer stream.mu.Unlock()
	require.Len(t, stream.written, 1)
	assert.Equal(t, frame, stream.written[0])
}

// fakeFailingEncoder always fails, simulating a dead stream socket
// whose redial on the next Write fails as well.
type fakeFailingEncoder struct{}

func (fakeFailingEncoder) EncodeFrame(yuv420 []byte, out encoder.Sink) error {
	return errors.New("simulated encode/stream failure")
}

func (fakeFailingEncoder) Flush(out encoder.Sink) error { return nil }

func TestControllerStopsAfterRepeatedEncodeFailures(t *testing.T) {
	q := ring.New(8)
	gauge := NewGauge(4)
	req := &fakeRequester{}
	stream := &fakeStream{}
	log := logger.Nop()

	for i := 0; i < maxConsecutiveEncodeFailures; i++ {
		require.NoError(t, q.Enqueue([]byte{byte(i)}))
		gauge.Post()
	}

	ctrl := New(q, gauge, req, fakeFailingEncoder{}, stream, noopControl(t), log, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := ctrl.Run(ctx)
	require.ErrorIs(t, err, ErrStreamUnhealthy, "repeated encode/stream failures must be fatal")
}
