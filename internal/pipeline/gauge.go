// Package pipeline is the main recording/streaming loop: the Go
// translation of main()'s while(running) loop in
// original_source/dataset_gen/pi/src/main.cpp, together with the
// three signal handlers that loop depends on (capture_signal_handler,
// io_signal_handler, exit_signal_handler). Each POSIX signal handler
// becomes a goroutine; the single counting semaphore used both as a
// wakeup mechanism and an in-flight frame gauge is split into two:
// golang.org/x/sync/semaphore.Weighted as the pure wakeup primitive,
// and a dedicated atomic counter that only ever changes when a frame
// actually arrives or is consumed.
package pipeline

import (
	"context"
	"math"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gauge is both the frame-in-flight counter the camera's overrun check
// reads (it implements camera.FrameSink) and the mechanism the main
// loop blocks on to wake up when there's work to do.
//
// The wakeup side is a semaphore.Weighted of size math.MaxInt64 whose
// whole weight is acquired up front, so it starts with no free
// permits: every Release call (Post/Nudge) makes one permit available,
// and Wait's Acquire(ctx, 1) blocks until a permit exists — the
// standard "use Weighted as a plain counting semaphore" idiom, good
// for any practical number of pending wakeups between Acquires.
type Gauge struct {
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// NewGauge creates a gauge. capacity is not used: the camera source's
// overrun check takes N from the frame pool, and the semaphore has no
// capacity limit of its own.
func NewGauge(capacity int) *Gauge {
	sem := semaphore.NewWeighted(math.MaxInt64)
	sem.TryAcquire(math.MaxInt64)
	return &Gauge{sem: sem}
}

// InFlight implements camera.FrameSink.
func (g *Gauge) InFlight() int {
	return int(g.inFlight.Load())
}

// Post implements camera.FrameSink: called exactly once per frame
// that becomes available to the main loop.
func (g *Gauge) Post() {
	g.inFlight.Add(1)
	g.sem.Release(1)
}

// Nudge wakes the main loop without incrementing the in-flight count,
// for the two non-frame wakeup reasons the original's semaphore also
// served: an initial/updated timestamp arriving over the control
// channel, and process termination.
func (g *Gauge) Nudge() {
	g.sem.Release(1)
}

// Wait blocks until Post or Nudge is called, or ctx is cancelled.
func (g *Gauge) Wait(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Consume decrements the in-flight count; the caller invokes this
// exactly once for each frame it successfully dequeues, so InFlight
// always reflects frames posted but not yet consumed — never the raw
// wakeup count, which Nudge calls also contribute to.
func (g *Gauge) Consume() {
	g.inFlight.Add(-1)
}
