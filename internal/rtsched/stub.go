//go:build !linux

package rtsched

import "github.com/pkg/errors"

// Apply is unavailable outside Linux; real-time scheduling and CPU
// affinity are Linux-specific facilities this node only needs on the
// Raspberry Pi target it actually runs on.
func Apply(cpu int) error {
	return errors.New("rtsched: real-time scheduling is only supported on linux")
}
