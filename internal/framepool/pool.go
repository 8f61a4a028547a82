// Package framepool implements the fixed-size frame buffer arena the
// capture-completion path copies DMA planes into.
//
// Grounded on the original frame_bytes_buffer_ arena in
// original_source/dataset_creation/pi/src/camera_handler.cpp: one
// contiguous allocation of N * frame_bytes, sliced into N equal slots.
// The pool itself carries no synchronization — only the capture-
// completion context ever writes the pool cursor, so mutual exclusion
// over the cursor is a property of the caller, not this type.
package framepool

import "github.com/pkg/errors"

// Pool is a single contiguous arena of N equal-sized slots.
type Pool struct {
	slots     int
	frameSize int
	arena     []byte
}

// New allocates a contiguous arena for `slots` frames of `frameSize`
// bytes each. slots must be >= 3: fewer leaves no room for a frame to
// be in flight to the encoder while another is mid-capture and a third
// is queued for the next request.
func New(slots, frameSize int) (*Pool, error) {
	if slots < 3 {
		return nil, errors.New("framepool: slots (N) must be >= 3")
	}
	if frameSize <= 0 {
		return nil, errors.New("framepool: frameSize must be positive")
	}
	return &Pool{
		slots:     slots,
		frameSize: frameSize,
		arena:     make([]byte, slots*frameSize),
	}, nil
}

// Slots returns N, the number of slots in the pool.
func (p *Pool) Slots() int { return p.slots }

// FrameSize returns the byte size of a single slot.
func (p *Pool) FrameSize() int { return p.frameSize }

// SlotAt returns the byte slice backing slot i, i in [0, slots).
// The returned slice aliases the pool's arena; callers must not retain
// it past the next time this slot is overwritten (cyclically, slot i
// is next overwritten after `slots` more writes to the pool).
func (p *Pool) SlotAt(i int) []byte {
	if i < 0 || i >= p.slots {
		panic("framepool: slot index out of range")
	}
	start := i * p.frameSize
	return p.arena[start : start+p.frameSize]
}
