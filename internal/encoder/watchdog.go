package encoder

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tinyzimmer/go-gst/gst"

	"github.com/AlecFessler/mocap-capture-node/internal/logger"
)

// pipelineHandle is the subset of *Encoder the Watchdog supervises and
// swaps out across restarts. Defined as an interface so tests can
// substitute a fake rather than building a real GStreamer pipeline.
type pipelineHandle interface {
	Pipeline() *gst.Pipeline
	EncodeFrame(yuv420 []byte, out Sink) error
	Flush(out Sink) error
	Close() error
}

// Watchdog bounds how many times the encoder pipeline may be
// restarted after an internal GStreamer error and how long it may go
// without producing output before being considered stalled. It also
// implements pipeline.Encoder itself, delegating every call to
// whichever pipeline is currently live, so a restart can swap the
// pipeline out from under the controller without the controller
// holding a stale reference.
//
// Adapted from doxx-NOLO/broadcast/broadcast.go's BroadcastMonitor,
// which tracks an ffmpeg subprocess's restart count and a health
// timeout the same way, tearing the process down with stopFFmpeg and
// respawning it with startFFmpeg on every restart; here there is no
// subprocess to exec, so "restart" means calling Close on the current
// pipeline and New to build a fresh one in its place. The thing being
// monitored is the pipeline's own message bus (polled the way
// e7canasta-orion-care-sensor/modules/stream-capture/internal/rtsp/monitor.go
// polls rtspsrc's bus for Error/EOS).
type Watchdog struct {
	mu        sync.Mutex
	current   pipelineHandle
	newHandle func() (pipelineHandle, error)

	maxRestarts   int
	healthTimeout time.Duration
	log           logger.Logger

	restarts int
}

// NewWatchdog wraps initial, an already-built Encoder, with supervision
// that rebuilds via newEncoder whenever the pipeline errors out or
// stalls, up to maxRestarts times.
func NewWatchdog(initial *Encoder, newEncoder func() (*Encoder, error), maxRestarts int, healthTimeout time.Duration, log logger.Logger) *Watchdog {
	return &Watchdog{
		current: initial,
		newHandle: func() (pipelineHandle, error) {
			return newEncoder()
		},
		maxRestarts:   maxRestarts,
		healthTimeout: healthTimeout,
		log:           log,
	}
}

// EncodeFrame implements pipeline.Encoder by delegating to whichever
// pipeline is currently live.
func (w *Watchdog) EncodeFrame(yuv420 []byte, out Sink) error {
	w.mu.Lock()
	h := w.current
	w.mu.Unlock()
	return h.EncodeFrame(yuv420, out)
}

// Flush implements pipeline.Encoder by delegating to whichever
// pipeline is currently live.
func (w *Watchdog) Flush(out Sink) error {
	w.mu.Lock()
	h := w.current
	w.mu.Unlock()
	return h.Flush(out)
}

// Close tears down whichever pipeline is currently live.
func (w *Watchdog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.Close()
}

// Monitor polls the current pipeline's bus until ctx is cancelled, a
// fatal bus error is seen and the restart budget is exhausted, or a
// stall outlasts healthTimeout with the budget exhausted. It returns
// nil on clean shutdown (ctx cancellation or end-of-stream) and a
// non-nil error when the pipeline should be considered dead for good.
func (w *Watchdog) Monitor(ctx context.Context) error {
	w.mu.Lock()
	pipeline := w.current.Pipeline()
	w.mu.Unlock()
	bus := pipeline.GetPipelineBus()
	lastMessage := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPopFiltered(100*time.Millisecond, gst.MessageError|gst.MessageEOS|gst.MessageStateChanged)
		if msg == nil {
			if time.Since(lastMessage) > w.healthTimeout {
				w.log.Warn("encoder: pipeline stalled, no bus activity", "timeout", w.healthTimeout)
				if !w.tryRestart() {
					return errors.New("encoder: pipeline stalled and restart budget exhausted")
				}
				w.mu.Lock()
				bus = w.current.Pipeline().GetPipelineBus()
				w.mu.Unlock()
				lastMessage = time.Now()
			}
			continue
		}
		lastMessage = time.Now()

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			w.log.Error("encoder: pipeline error", "error", gerr.Error(), "category", classify(gerr.Error()))
			if !w.tryRestart() {
				return errors.Wrap(errors.New(gerr.Error()), "encoder: pipeline error, restart budget exhausted")
			}
			w.mu.Lock()
			bus = w.current.Pipeline().GetPipelineBus()
			w.mu.Unlock()
		case gst.MessageEOS:
			w.log.Info("encoder: pipeline reported end-of-stream")
			return nil
		}
	}
}

// tryRestart tears the current pipeline down and replaces it with a
// freshly built one, unless the restart budget is already exhausted.
func (w *Watchdog) tryRestart() bool {
	if w.restarts >= w.maxRestarts {
		return false
	}
	w.restarts++

	w.mu.Lock()
	defer w.mu.Unlock()

	next, err := w.newHandle()
	if err != nil {
		w.log.Error("encoder: failed to rebuild pipeline on restart", "error", err, "attempt", w.restarts)
		return false
	}
	if err := w.current.Close(); err != nil {
		w.log.Warn("encoder: error closing prior pipeline on restart", "error", err)
	}
	w.current = next

	w.log.Warn("encoder: restarted pipeline", "attempt", w.restarts, "max", w.maxRestarts)
	return true
}

// classify offers a coarse category for log correlation, mirroring
// the keyword-matching approach in
// e7canasta-orion-care-sensor/modules/stream-capture/internal/rtsp/errors.go
// without pulling in its full network/codec/auth taxonomy, which
// targets a decode path this node doesn't have.
func classify(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "negotiat") || strings.Contains(lower, "caps") || strings.Contains(lower, "codec"):
		return "codec"
	case strings.Contains(lower, "resource") || strings.Contains(lower, "device"):
		return "resource"
	default:
		return "unknown"
	}
}
