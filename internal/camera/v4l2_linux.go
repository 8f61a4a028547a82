//go:build linux

package camera

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// v4l2Device is the real camera acquired via a V4L2 character device
// (/dev/video0 and friends). It is the Go-native equivalent of the
// original libcamera path in
// original_source/dataset_creation/pi/src/camera_handler.cpp,
// implemented the way lanikai-alohartc/internal/v4l2 wraps the same
// kernel ABI: raw unix.Syscall(unix.SYS_IOCTL, ...) calls and
// unix.Mmap over the device's file descriptor.
type v4l2Device struct {
	path string
	fd   int

	width, height int
	frameBytes    int
	bufferCount   int

	planes [][]byte // mmap'd buffer per cookie, index == cookie

	completions chan CompletionEvent
	stop        chan struct{}
}

// OpenDevice acquires the V4L2 device at path. Configure must be
// called before Start.
func OpenDevice(path string) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "v4l2: open %s", path)
	}
	return &v4l2Device{
		path:        path,
		fd:          fd,
		completions: make(chan CompletionEvent, 4),
		stop:        make(chan struct{}),
	}, nil
}

func (d *v4l2Device) ioctl(request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Configure requests YUV420 capture at (width,height) with
// bufferCount DMA buffers, fails hard if the kernel silently adjusted
// the negotiated format rather than honoring it exactly, allocates and
// mmaps each buffer, and verifies every buffer's mapped length exactly
// equals frameBytes (w*h*3/2) — the Y/U/V planes must land contiguous
// in one mapping for this to hold.
func (d *v4l2Device) Configure(width, height, bufferCount, frameBytes int) error {
	d.width, d.height, d.bufferCount, d.frameBytes = width, height, bufferCount, frameBytes

	pix := v4l2PixFormat{
		width:       uint32(width),
		height:      uint32(height),
		pixelformat: v4l2PixFmtYUV420,
		field:       v4l2FieldAny,
	}
	var format v4l2Format
	format.typ = v4l2BufTypeVideoCapture
	*(*v4l2PixFormat)(unsafe.Pointer(&format.raw[0])) = pix

	if err := d.ioctl(vidiocSFmt, unsafe.Pointer(&format)); err != nil {
		return errors.Wrap(err, "v4l2: VIDIOC_S_FMT")
	}

	negotiated := *(*v4l2PixFormat)(unsafe.Pointer(&format.raw[0]))
	if negotiated.width != uint32(width) || negotiated.height != uint32(height) || negotiated.pixelformat != v4l2PixFmtYUV420 {
		return errors.Errorf(
			"v4l2: driver adjusted format (want %dx%d fmt=%x, got %dx%d fmt=%x); refusing silent adjustment",
			width, height, v4l2PixFmtYUV420, negotiated.width, negotiated.height, negotiated.pixelformat,
		)
	}

	rb := v4l2RequestBuffers{
		count:  uint32(bufferCount),
		typ:    v4l2BufTypeVideoCapture,
		memory: v4l2MemoryMMAP,
	}
	if err := d.ioctl(vidiocReqbufs, unsafe.Pointer(&rb)); err != nil {
		return errors.Wrap(err, "v4l2: VIDIOC_REQBUFS")
	}
	if rb.count != uint32(bufferCount) {
		return errors.Errorf("v4l2: driver adjusted buffer count (want %d, got %d)", bufferCount, rb.count)
	}

	d.planes = make([][]byte, bufferCount)
	for cookie := 0; cookie < bufferCount; cookie++ {
		length, offset, err := d.queryBuffer(cookie)
		if err != nil {
			return errors.Wrapf(err, "v4l2: VIDIOC_QUERYBUF cookie=%d", cookie)
		}
		if int(length) != frameBytes {
			return errors.Errorf(
				"v4l2: buffer %d length %d does not match expected frame size %d (Y+U+V planes)",
				cookie, length, frameBytes,
			)
		}

		mapped, err := unix.Mmap(d.fd, int64(offset), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return errors.Wrapf(err, "v4l2: mmap cookie=%d", cookie)
		}
		d.planes[cookie] = mapped
	}

	return nil
}

func (d *v4l2Device) queryBuffer(cookie int) (length, offset uint32, err error) {
	qb := v4l2Buffer{
		index:  uint32(cookie),
		typ:    v4l2BufTypeVideoCapture,
		memory: v4l2MemoryMMAP,
	}
	if err = d.ioctl(vidiocQuerybuf, unsafe.Pointer(&qb)); err != nil {
		return
	}
	length = qb.length
	offset = nativeEndian.Uint32(qb.m[0:4])
	return
}

// ApplyControls fixes exposure, focus, white balance, and gain for
// deterministic capture timing: auto exposure off with exposure pinned
// to the minimum frame duration, manual focus at a fixed lens
// position, auto white balance off, and a fixed analogue gain.
// Individual control failures are ignored, not fatal — not every
// sensor exposes every control, unlike stream configuration, which
// must be strict.
func (d *v4l2Device) ApplyControls(c ControlSettings) error {
	d.setControl(v4l2CIDExposureAuto, v4l2CIDExposureAutoManual)
	d.setControl(v4l2CIDExposureAbsolute, int32(c.FrameDurationMinNs/100_000)) // V4L2 exposure is in 100us units
	d.setControl(v4l2CIDFocusAuto, 0)
	d.setControl(v4l2CIDFocusAbsolute, int32(c.LensPosition*1000))
	d.setControl(v4l2CIDAutoWhiteBalance, 0)
	d.setControl(v4l2CIDAnalogueGain, int32(c.AnalogueGain*100))
	return nil
}

func (d *v4l2Device) setControl(id uint32, value int32) {
	ctrl := v4l2Control{id: id, value: value}
	_ = d.ioctl(vidiocSCtrl, unsafe.Pointer(&ctrl))
}

func (d *v4l2Device) Start() error {
	typ := v4l2BufTypeVideoCapture
	if err := d.ioctl(vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return errors.Wrap(err, "v4l2: VIDIOC_STREAMON")
	}
	go d.pollLoop()
	return nil
}

func (d *v4l2Device) Stop() error {
	close(d.stop)
	typ := v4l2BufTypeVideoCapture
	if err := d.ioctl(vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		return errors.Wrap(err, "v4l2: VIDIOC_STREAMOFF")
	}
	for _, m := range d.planes {
		_ = unix.Munmap(m)
	}
	return unix.Close(d.fd)
}

func (d *v4l2Device) Plane(cookie int) []byte {
	return d.planes[cookie]
}

func (d *v4l2Device) QueueBuffer(cookie int) error {
	qb := v4l2Buffer{
		typ:    v4l2BufTypeVideoCapture,
		memory: v4l2MemoryMMAP,
		index:  uint32(cookie),
	}
	if err := d.ioctl(vidiocQbuf, unsafe.Pointer(&qb)); err != nil {
		return errors.Wrap(err, "v4l2: VIDIOC_QBUF")
	}
	return nil
}

func (d *v4l2Device) Completions() <-chan CompletionEvent {
	return d.completions
}

func (d *v4l2Device) BufferCount() int {
	return d.bufferCount
}

// pollLoop blocks on VIDIOC_DQBUF, the kernel's own completion
// notification, and forwards each finished buffer's cookie as a
// CompletionEvent. It must never block downstream, so the completions
// channel is only ever read by the Source's single drain goroutine.
func (d *v4l2Device) pollLoop() {
	defer close(d.completions)
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		dqbuf := v4l2Buffer{typ: v4l2BufTypeVideoCapture, memory: v4l2MemoryMMAP}
		err := d.ioctl(vidiocDqbuf, unsafe.Pointer(&dqbuf))
		if err != nil {
			if errno, ok := err.(unix.Errno); ok && errno == unix.EAGAIN {
				continue
			}
			return
		}

		select {
		case d.completions <- CompletionEvent{Cookie: int(dqbuf.index)}:
		case <-d.stop:
			return
		}
	}
}
