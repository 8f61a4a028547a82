package pipeline

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/AlecFessler/mocap-capture-node/internal/encoder"
	"github.com/AlecFessler/mocap-capture-node/internal/logger"
	"github.com/AlecFessler/mocap-capture-node/internal/netconn"
	"github.com/AlecFessler/mocap-capture-node/internal/ring"
)

// ErrOverrun is returned by Run when the camera source reports a
// sticky overrun: the consumer has fallen too far behind to recover,
// and the process must exit nonzero rather than silently stop.
var ErrOverrun = errors.New("pipeline: sticky overrun detected")

// ErrStreamUnhealthy is returned by Run when encoding or streaming a
// frame has failed on maxConsecutiveEncodeFailures consecutive
// attempts — netconn.Stream drops its connection after a failed write
// and redials on the next Write, so a second consecutive failure means
// that one reconnect attempt has also failed, and further failures
// are treated as fatal rather than logged and skipped forever.
var ErrStreamUnhealthy = errors.New("pipeline: repeated encode/stream failures")

// maxConsecutiveEncodeFailures bounds how many back-to-back
// EncodeFrame failures (which includes the stream write inside it) are
// tolerated before Run gives up: one failure is allowed to be a
// transient disconnect that netconn.Stream's lazy-reconnect on the
// next Write can recover from; a second consecutive failure means that
// reconnect attempt also failed.
const maxConsecutiveEncodeFailures = 2

// Requester is the subset of camera.Source the controller drives from
// the capture timer's fire callback.
type Requester interface {
	QueueRequest() error
	Overrun() bool
}

// StreamWriter is the outbound video sink the encoder pushes encoded
// access units to; netconn.Stream implements this.
type StreamWriter interface {
	Write(ctx context.Context, data []byte) error
}

// Encoder is the subset of encoder.Encoder the controller drives per
// captured frame.
type Encoder interface {
	EncodeFrame(yuv420 []byte, out encoder.Sink) error
	Flush(out encoder.Sink) error
}

// Controller runs the capture/encode/stream loop: the Go translation
// of main()'s while(running) body in
// original_source/dataset_gen/pi/src/main.cpp, with the timer-arm and
// dequeue-or-continue structure preserved, driven now by a single
// Gauge wakeup instead of three separate signal handlers poking one
// semaphore.
type Controller struct {
	queue    *ring.Queue
	gauge    *Gauge
	requester Requester
	enc      Encoder
	stream   StreamWriter
	control  *netconn.Control
	log      logger.Logger

	frameDurationNs int64
	timestamp       atomic.Int64
	running         atomic.Bool
}

func New(
	queue *ring.Queue,
	gauge *Gauge,
	requester Requester,
	enc Encoder,
	stream StreamWriter,
	control *netconn.Control,
	log logger.Logger,
	frameDuration time.Duration,
) *Controller {
	return &Controller{
		queue:           queue,
		gauge:           gauge,
		requester:       requester,
		enc:             enc,
		stream:          stream,
		control:         control,
		log:             log,
		frameDurationNs: frameDuration.Nanoseconds(),
	}
}

// streamSink adapts Controller.StreamWriter to encoder.Sink.
type streamSink struct {
	ctx context.Context
	w   StreamWriter
}

func (s streamSink) Write(data []byte) error {
	return s.w.Write(s.ctx, data)
}

// Run drives the loop until ctx is cancelled or an OS termination
// signal (SIGINT/SIGTERM) arrives, matching exit_signal_handler's
// role: set running false and wake the loop so it can notice.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	timer := newCaptureTimer(func() {
		if err := c.requester.QueueRequest(); err != nil {
			c.log.Error("pipeline: capture request failed", "error", err)
			return
		}
		c.log.Debug("pipeline: capture request queued")
	})
	defer timer.close()

	c.running.Store(true)

	// The two background listeners replace exit_signal_handler and
	// io_signal_handler; errgroup supervises their lifecycle so the
	// control-reader and termination paths are joined on shutdown
	// rather than left running as fire-and-forget goroutines.
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		select {
		case <-sigCh:
			c.log.Info("pipeline: termination signal received")
			c.running.Store(false)
			c.gauge.Nudge()
		case <-gctx.Done():
		}
		return nil
	})
	group.Go(func() error {
		for {
			select {
			case msg, ok := <-c.control.Messages():
				if !ok {
					return nil
				}
				if msg.Stop {
					c.log.Info("pipeline: received stop control message")
					c.timestamp.Store(0)
					continue
				}
				c.log.Info("pipeline: received start timestamp", "timestamp_ns", msg.Timestamp)
				c.timestamp.Store(msg.Timestamp)
				c.gauge.Nudge()
			case <-gctx.Done():
				return nil
			}
		}
	})

	sink := streamSink{ctx: ctx, w: c.stream}

	var runErr error
	consecutiveFailures := 0

	for c.running.Load() {
		ts := c.timestamp.Load()
		if ts != 0 {
			ts += c.frameDurationNs
			c.timestamp.Store(ts)
		}
		timer.arm(ts)

		if err := c.gauge.Wait(ctx); err != nil {
			break
		}

		if c.requester.Overrun() {
			c.log.Error("pipeline: sticky overrun detected, stopping")
			c.running.Store(false)
			runErr = ErrOverrun
			break
		}

		v := c.queue.Dequeue()
		if v == nil {
			continue
		}
		c.gauge.Consume()

		frame, ok := v.([]byte)
		if !ok {
			c.log.Error("pipeline: unexpected queue element type")
			continue
		}

		if err := c.enc.EncodeFrame(frame, sink); err != nil {
			consecutiveFailures++
			c.log.Error("pipeline: encode frame failed", "error", err, "consecutive_failures", consecutiveFailures)
			if consecutiveFailures >= maxConsecutiveEncodeFailures {
				c.log.Error("pipeline: repeated encode/stream failures, stopping")
				c.running.Store(false)
				runErr = ErrStreamUnhealthy
				break
			}
			continue
		}
		consecutiveFailures = 0
	}

	cancel()
	_ = group.Wait() // both goroutines return nil unconditionally; nothing to propagate

	flushErr := c.enc.Flush(sink)
	if runErr != nil {
		if flushErr != nil {
			c.log.Error("pipeline: flush encoder during fatal shutdown failed", "error", flushErr)
		}
		return runErr
	}
	if flushErr != nil {
		return errors.Wrap(flushErr, "pipeline: flush encoder on shutdown")
	}
	return nil
}
