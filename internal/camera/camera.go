// Package camera models the platform camera as an abstract source that
// yields DMA-backed plane buffers tied to reusable request handles.
//
// Grounded on original_source/dataset_creation/pi/src/camera_handler.cpp
// (libcamera) and reimplemented against Linux V4L2 the way
// lanikai-alohartc/internal/v4l2 wraps the same kernel ABI in Go (ioctl
// via golang.org/x/sys/unix, mmap'd buffers). The concrete device lives
// in v4l2_linux.go (build-tagged linux); this file holds the
// platform-independent completion-path logic, driven through the
// Device interface so it can be exercised in tests with a fake.
package camera

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/AlecFessler/mocap-capture-node/internal/framepool"
	"github.com/AlecFessler/mocap-capture-node/internal/logger"
	"github.com/AlecFessler/mocap-capture-node/internal/ring"
)

// ErrOverrun is the sole back-pressure signal from QueueRequest: the
// consumer has fallen behind and more than N-2 frames are in flight.
// This is fatal — it indicates a misconfigured fps/exposure pairing,
// not a transient condition to retry.
var ErrOverrun = errors.New("camera: overrun, consumer not keeping up")

// ControlSettings are the fixed capture controls applied once at
// startup: auto-exposure off with exposure set to FrameDurationMinNs,
// manual focus, auto white balance off, and fixed gain. The V4L2
// device does not apply FrameDurationMaxNs and sets no HDR mode.
type ControlSettings struct {
	FrameDurationMinNs int64
	FrameDurationMaxNs int64
	LensPosition       float64 // reciprocal of focus distance in meters
	AnalogueGain       float64
}

// CompletionEvent reports one finished capture request.
type CompletionEvent struct {
	Cookie    int // index in [0, M), identifies the DMA buffer/request
	Cancelled bool
}

// Device is the platform-specific half of the camera source: device
// acquisition, buffer allocation/mmap, and the QBUF/DQBUF cycle. The
// real implementation (v4l2_linux.go) talks to /dev/videoN; tests use
// a fake.
type Device interface {
	// Configure requests YUV420 capture at (width, height) with
	// bufferCount DMA buffers, validates the negotiated format exactly
	// matches what was requested (no silent adjustment), and memory
	// maps each buffer. frameBytes is w*h*3/2, validated against each
	// buffer's mapped length.
	Configure(width, height, bufferCount, frameBytes int) error
	ApplyControls(ControlSettings) error
	Start() error
	Stop() error

	// Plane returns the mmap'd bytes for the DMA buffer identified by
	// cookie. The returned slice aliases kernel-owned memory and must
	// be copied, never retained, by the caller.
	Plane(cookie int) []byte

	// QueueBuffer submits the DMA buffer identified by cookie for the
	// next capture (VIDIOC_QBUF). cookie cycles across the M buffers
	// in round-robin order, driven by the timer-fired QueueRequest.
	QueueBuffer(cookie int) error

	// Completions delivers one event per finished capture request.
	// The device's own poll goroutine is the producer; it must never
	// block the kernel's completion delivery path.
	Completions() <-chan CompletionEvent

	BufferCount() int // M
}

// FrameSink is the loop-control gauge/semaphore the pipeline
// controller owns. Camera only needs to read the current in-flight
// count (for the overrun check) and post on completion — the
// semaphore's wait side belongs entirely to the pipeline. Defined
// here (the consumer) rather than in package pipeline to avoid an
// import cycle; pipeline's Gauge type implements it.
type FrameSink interface {
	// InFlight returns the number of frames enqueued but not yet
	// consumed by the main loop. Backed by a dedicated atomic counter
	// rather than the semaphore's own value, so the gauge and the
	// wakeup mechanism never drift: every post corresponds to exactly
	// one consumed frame, a property a shared counter could not
	// guarantee on its own.
	InFlight() int
	// Post signals a frame is available for the main loop to consume.
	Post()
}

// Source is the platform-independent camera source: it owns the
// request round-robin and the completion path (copy into the pool,
// enqueue to the SPSC queue, post the sink). The completion path does
// not itself resubmit the buffer to the device; the next kernel
// resubmission of a given buffer happens naturally the next time
// QueueRequest cycles back to that buffer's cookie. Nothing further is
// needed once DQBUF returns the buffer to userspace.
type Source struct {
	dev   Device
	pool  *framepool.Pool
	queue *ring.Queue
	sink  FrameSink
	log   logger.Logger

	m          int // dma buffers
	n          int // frame buffers (pool slots)
	nextReqIdx int
	poolCursor int

	overrun atomic.Bool
	done    chan struct{}
}

// Open configures and starts the device, then launches the background
// goroutine draining the device's completion channel. frameBytes must
// equal pool.FrameSize().
func Open(
	dev Device,
	pool *framepool.Pool,
	queue *ring.Queue,
	sink FrameSink,
	log logger.Logger,
	width, height int,
	controls ControlSettings,
) (*Source, error) {
	frameBytes := pool.FrameSize()
	m := dev.BufferCount()
	n := pool.Slots()

	if err := dev.Configure(width, height, m, frameBytes); err != nil {
		return nil, errors.Wrap(err, "camera: configure device")
	}
	if err := dev.ApplyControls(controls); err != nil {
		return nil, errors.Wrap(err, "camera: apply controls")
	}
	if err := dev.Start(); err != nil {
		return nil, errors.Wrap(err, "camera: start device")
	}

	s := &Source{
		dev:   dev,
		pool:  pool,
		queue: queue,
		sink:  sink,
		log:   log,
		m:     m,
		n:     n,
		done:  make(chan struct{}),
	}

	go s.drainCompletions()

	return s, nil
}

// QueueRequest submits the next DMA buffer in round-robin order,
// refusing when more than N-2 frames are already in flight — the sole
// back-pressure signal this source raises. Called from the capture
// timer's fire handler.
func (s *Source) QueueRequest() error {
	if s.overrun.Load() {
		return ErrOverrun
	}

	if s.sink.InFlight() > s.n-2 {
		s.overrun.Store(true)
		s.log.Error("camera overrun: buffer not ready for requeuing", "in_flight", s.sink.InFlight(), "n", s.n)
		return ErrOverrun
	}

	if err := s.dev.QueueBuffer(s.nextReqIdx); err != nil {
		return errors.Wrap(err, "camera: queue buffer")
	}

	s.nextReqIdx = (s.nextReqIdx + 1) % s.m
	return nil
}

// Overrun reports whether a sticky overrun error has been recorded.
// The pipeline controller inspects this after every semaphore wake
// rather than propagating an error across the timer callback boundary,
// where there is no caller left to return it to.
func (s *Source) Overrun() bool {
	return s.overrun.Load()
}

// Close stops the device and waits for the completion drain goroutine
// to exit.
func (s *Source) Close() error {
	err := s.dev.Stop()
	<-s.done
	return err
}

func (s *Source) drainCompletions() {
	defer close(s.done)
	for ev := range s.dev.Completions() {
		if ev.Cancelled {
			continue
		}
		s.handleCompletion(ev)
	}
}

// handleCompletion runs once per finished capture request: copy the
// DMA plane into the next pool slot, enqueue the slot to the SPSC
// queue (busy-retrying, though the queue is sized so this is
// effectively one attempt), and post the sink so the main loop wakes.
func (s *Source) handleCompletion(ev CompletionEvent) {
	src := s.dev.Plane(ev.Cookie)
	slot := s.pool.SlotAt(s.poolCursor)
	n := copy(slot, src)
	if n != len(slot) {
		s.log.Error("camera: short plane copy", "want", len(slot), "got", n)
	}
	s.poolCursor = (s.poolCursor + 1) % s.n

	for s.queue.Enqueue(slot) != nil {
		// Queue is sized so this loop is effectively one iteration.
	}

	s.sink.Post()
	s.log.Debug("capture request completed", "cookie", ev.Cookie)
}
