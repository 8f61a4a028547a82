//go:build linux

package camera

import "encoding/binary"

// nativeEndian decodes the union fields embedded in v4l2_buffer (the
// offset half of the m union) and v4l2_ext_control. Both amd64 and
// arm64 — the two targets this node builds for — are little-endian,
// so this is fixed rather than detected at init, matching the
// assumption lanikai-alohartc/internal/v4l2 makes for the same
// structs.
var nativeEndian = binary.LittleEndian

// Linux V4L2 UAPI constants (linux/videodev2.h). These are fixed ioctl
// request numbers and control IDs from the kernel's stable userspace
// ABI, not project-specific values — the same constants any V4L2
// client (including lanikai-alohartc/internal/v4l2, which this file's
// structure mirrors) must hard-code in the absence of cgo headers.
const (
	v4l2BufTypeVideoCapture uint32 = 1
	v4l2MemoryMMAP          uint32 = 1
	v4l2FieldAny            uint32 = 0

	v4l2CtrlClassUser  uint32 = 0x00980000
	v4l2CtrlClassImage uint32 = 0x009a0000

	v4l2CIDExposureAuto      uint32 = 0x009a0901
	v4l2CIDExposureAbsolute  uint32 = 0x009a0902
	v4l2CIDFocusAuto         uint32 = 0x009a090c
	v4l2CIDFocusAbsolute     uint32 = 0x009a090a
	v4l2CIDAutoWhiteBalance  uint32 = 0x0098090c
	v4l2CIDAnalogueGain      uint32 = 0x009e0903
	v4l2CIDExposureAutoManual int32 = 1

	// YUV420 planar, 4cc 'Y','U','1','2'.
	v4l2PixFmtYUV420 uint32 = 0x32315559
)

// ioctl request numbers, computed the same way the kernel's _IOWR/_IOW
// macros do for the struct sizes used here on amd64/arm64 (both
// little-endian, matching the mmap/ioctl path this node targets).
const (
	vidiocQuerycap    uintptr = 0x80685600
	vidiocReqbufs     uintptr = 0xc0145608
	vidiocQuerybuf    uintptr = 0xc0585609
	vidiocQbuf        uintptr = 0xc058560f
	vidiocDqbuf       uintptr = 0xc0585611
	vidiocStreamon    uintptr = 0x40045612
	vidiocStreamoff   uintptr = 0x40045613
	vidiocSFmt        uintptr = 0xc0d05605
	vidiocGFmt        uintptr = 0xc0d05604
	vidiocSCtrl       uintptr = 0xc008561c
	vidiocSExtCtrls   uintptr = 0xc0205648
)

type v4l2Control struct {
	id    uint32
	value int32
}

type v4l2ExtControl struct {
	id    uint32
	size  uint32
	value [8]byte // reserved2 + value union, sized generously
}

type v4l2ExtControls struct {
	ctrlClass uint32
	count     uint32
	errorIdx  uint32
	reserved  [2]uint32
	controls  uintptr // pointer to []v4l2ExtControl
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// v4l2Format mirrors struct v4l2_format's discriminated union by
// reserving enough trailing bytes for the largest member this node
// touches (v4l2_pix_format), matching the marshal-into-raw-bytes
// technique lanikai-alohartc/internal/v4l2 uses for the same struct.
// The padding word puts the union at offset 8, as the kernel's 8-byte
// aligned union is, for a total of 208 bytes.
type v4l2Format struct {
	typ uint32
	_   uint32
	raw [200]byte
}

type v4l2RequestBuffers struct {
	count  uint32
	typ    uint32
	memory uint32
	capabilities uint32
	reserved     [1]uint32
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	_         uint32 // kernel aligns timestamp to 8 bytes
	timestamp [16]byte
	timecode  [16]byte
	sequence  uint32
	memory    uint32
	m         [8]byte // union: offset (4 bytes, low half) or userptr
	length    uint32
	reserved2 uint32
	reserved  uint32
	_         uint32 // trailing padding to the kernel's 88 bytes
}
