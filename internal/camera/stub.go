//go:build !linux

package camera

import "github.com/pkg/errors"

// OpenDevice is unavailable outside Linux: V4L2 is a Linux-specific
// kernel ABI. Mirrors the platform split in
// lanikai-alohartc/internal/v4l2/stub.go, which takes the same
// approach for the same reason.
func OpenDevice(path string) (Device, error) {
	return nil, errors.New("camera: v4l2 device support requires linux")
}
