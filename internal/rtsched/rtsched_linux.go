//go:build linux

// Package rtsched pins the capture process to a dedicated CPU core and
// raises it to SCHED_FIFO at maximum priority, the same two properties
// original_source/dataset_gen/pi/src/main.cpp's init_realtime_scheduling
// sets via sched_setaffinity/sched_setscheduler. Go's runtime schedules
// goroutines onto OS threads that migrate across Ms, so this pins and
// elevates the calling OS thread specifically (via runtime.LockOSThread),
// not the whole process — callers must invoke Apply from the goroutine
// that must not be preempted, before that goroutine does anything else.
package rtsched

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Apply locks the calling goroutine to its current OS thread, pins
// that thread to cpu, and raises its scheduling policy to SCHED_FIFO
// at the maximum priority the kernel allows for that policy.
func Apply(cpu int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrap(err, "rtsched: set cpu affinity")
	}

	maxPriority, err := unix.SchedGetPriorityMax(unix.SCHED_FIFO)
	if err != nil {
		return errors.Wrap(err, "rtsched: get max SCHED_FIFO priority")
	}

	param := &unix.SchedParam{Priority: int32(maxPriority)}
	if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, param); err != nil {
		return errors.Wrap(err, "rtsched: set SCHED_FIFO scheduler")
	}

	return nil
}
