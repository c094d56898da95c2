package gocapture

import (
	"image"

	"github.com/pion/mediadevices/pkg/prop"
)

// MediaType identifies the kind of payload a device stream carries.
type MediaType int

// The media types a stream may carry.
const (
	MediaTypeUnknown MediaType = iota
	MediaTypeVideo
	MediaTypeAudio
)

// StreamInfo describes one stream exposed by an open device.
type StreamInfo struct {
	Index int
	Type  MediaType
	Codec CodecID
	Video prop.Video
}

// A Packet is a single unit of data read from a device stream. Devices that
// produce encoded bitstreams fill Data; devices that surface already
// rasterized pictures fill Image instead. Release, when set, must be called
// once the packet's buffers are no longer needed.
type Packet struct {
	StreamIndex int
	Data        []byte
	Image       image.Image
	Release     func()
}

// A DeviceOpener resolves device identities into open device handles.
type DeviceOpener interface {
	// OpenDevice opens the device named by identity in the given mode. The
	// returned handle starts with a device level open count of one.
	OpenDevice(identity string, mode VideoMode) (DeviceHandle, error)

	// DefaultIdentity returns the identity a source should open when the
	// caller expresses no preference.
	DefaultIdentity() string
}

// A DeviceHandle is an open, possibly shared device. Opens and closes at
// the device level are reference counted; the handle fully closes only
// once every open has been paired with a close.
type DeviceHandle interface {
	// Open takes another device level reference.
	Open()

	// Close drops one device level reference and reports whether the
	// device is now fully closed. Callers that need the device gone loop
	// until it reports true.
	Close() bool

	// Streams lists the streams the device exposes.
	Streams() []StreamInfo

	// ReadPacket reads the next packet from the device. A nil packet with
	// a nil error means nothing was available this time around.
	ReadPacket() (*Packet, error)
}
