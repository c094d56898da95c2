package v4l2

import (
	"sync"

	"github.com/blackjack/webcam"
	"github.com/edaniels/golog"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"

	"github.com/edaniels/gocapture"
)

// V4L2 reports pixel formats as little endian fourcc codes.
const (
	fourccMJPG webcam.PixelFormat = 0x47504A4D
	fourccYUYV webcam.PixelFormat = 0x56595559
	fourccUYVY webcam.PixelFormat = 0x59565955
	fourccNV12 webcam.PixelFormat = 0x3231564E
)

// formatCodecs maps fourcc codes to the codec IDs the root package
// registers decoders for.
var formatCodecs = map[webcam.PixelFormat]gocapture.CodecID{
	fourccMJPG: gocapture.CodecID(frame.FormatMJPEG),
	fourccYUYV: gocapture.CodecID(frame.FormatYUY2),
	fourccUYVY: gocapture.CodecID(frame.FormatUYVY),
	fourccNV12: gocapture.CodecID(frame.FormatNV12),
}

// formatPreference orders negotiation by USB bandwidth cost, compressed
// first.
var formatPreference = []webcam.PixelFormat{fourccMJPG, fourccYUYV, fourccUYVY, fourccNV12}

// An Opener opens V4L2 device nodes by path.
type Opener struct {
	logger golog.Logger
}

// NewOpener returns an opener logging to the given logger, or the package
// logger if nil.
func NewOpener(logger golog.Logger) *Opener {
	if logger == nil {
		logger = gocapture.Logger.Named("v4l2")
	}
	return &Opener{logger: logger}
}

// DefaultIdentity returns the conventional first camera node.
func (o *Opener) DefaultIdentity() string {
	return "/dev/video0"
}

// OpenDevice opens the device node at identity, negotiates a pixel format
// the root package can decode, and starts streaming.
func (o *Opener) OpenDevice(identity string, mode gocapture.VideoMode) (gocapture.DeviceHandle, error) {
	cam, err := webcam.Open(identity)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", identity)
	}

	format, codec, err := pickFormat(cam)
	if err != nil {
		if cerr := cam.Close(); cerr != nil {
			o.logger.Errorw("error closing device", "device", identity, "error", cerr)
		}
		return nil, errors.Wrapf(err, "device %q", identity)
	}

	width, height := uint32(mode.Width), uint32(mode.Height)
	if mode.IsDefault() {
		width, height = defaultFrameSize(cam, format)
	}
	negFormat, negWidth, negHeight, err := cam.SetImageFormat(format, width, height)
	if err != nil {
		if cerr := cam.Close(); cerr != nil {
			o.logger.Errorw("error closing device", "device", identity, "error", cerr)
		}
		return nil, errors.Wrapf(err, "failed to set image format on %q", identity)
	}
	if negFormat != format {
		if cerr := cam.Close(); cerr != nil {
			o.logger.Errorw("error closing device", "device", identity, "error", cerr)
		}
		return nil, errors.Errorf("device %q switched to unsupported pixel format %08x", identity, uint32(negFormat))
	}
	if mode.FPS > 0 {
		// Best effort; many devices only stream at fixed rates.
		if err := cam.SetFramerate(mode.FPS); err != nil {
			o.logger.Debugw("failed to set framerate", "device", identity, "fps", mode.FPS, "error", err)
		}
	}
	if err := cam.StartStreaming(); err != nil {
		if cerr := cam.Close(); cerr != nil {
			o.logger.Errorw("error closing device", "device", identity, "error", cerr)
		}
		return nil, errors.Wrapf(err, "failed to start streaming on %q", identity)
	}

	o.logger.Debugw("streaming",
		"device", identity,
		"codec", codec,
		"width", negWidth,
		"height", negHeight)
	return &deviceHandle{
		logger: o.logger,
		path:   identity,
		cam:    cam,
		refs:   1,
		info: gocapture.StreamInfo{
			Index: 0,
			Type:  gocapture.MediaTypeVideo,
			Codec: codec,
			Video: prop.Video{
				Width:     int(negWidth),
				Height:    int(negHeight),
				FrameRate: mode.FPS,
			},
		},
	}, nil
}

// pickFormat chooses the first pixel format both the device and the root
// package's decoders support.
func pickFormat(cam *webcam.Webcam) (webcam.PixelFormat, gocapture.CodecID, error) {
	supported := cam.GetSupportedFormats()
	for _, pf := range formatPreference {
		if _, ok := supported[pf]; ok {
			return pf, formatCodecs[pf], nil
		}
	}
	return 0, "", errors.New("no supported pixel format")
}

// defaultFrameSize picks the largest frame size under full HD the device
// offers for the format, since huge sensor native sizes tank frame rates.
func defaultFrameSize(cam *webcam.Webcam, format webcam.PixelFormat) (uint32, uint32) {
	var bestWidth, bestHeight uint32
	for _, fs := range cam.GetSupportedFrameSizes(format) {
		w, h := fs.MaxWidth, fs.MaxHeight
		if w > 1920 || h > 1080 {
			continue
		}
		if w*h > bestWidth*bestHeight {
			bestWidth, bestHeight = w, h
		}
	}
	if bestWidth == 0 {
		return 640, 480
	}
	return bestWidth, bestHeight
}

// deviceHandle is a ref counted open V4L2 node.
type deviceHandle struct {
	logger golog.Logger
	path   string
	info   gocapture.StreamInfo

	mu   sync.Mutex
	cam  *webcam.Webcam
	refs int
}

// Open takes another reference.
func (h *deviceHandle) Open() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// Close drops one reference; the last one stops streaming and closes the
// node.
func (h *deviceHandle) Close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cam == nil {
		return true
	}
	h.refs--
	if h.refs > 0 {
		return false
	}
	if err := h.cam.StopStreaming(); err != nil {
		h.logger.Debugw("error stopping stream", "device", h.path, "error", err)
	}
	if err := h.cam.Close(); err != nil {
		h.logger.Errorw("error closing device", "device", h.path, "error", err)
	}
	h.cam = nil
	return true
}

// Streams reports the single negotiated video stream.
func (h *deviceHandle) Streams() []gocapture.StreamInfo {
	return []gocapture.StreamInfo{h.info}
}

// ReadPacket waits briefly for the next buffer from the device. Timeouts
// surface as a nil packet so callers keep pumping.
func (h *deviceHandle) ReadPacket() (*gocapture.Packet, error) {
	h.mu.Lock()
	cam := h.cam
	h.mu.Unlock()
	if cam == nil {
		return nil, errors.Errorf("device %q is closed", h.path)
	}

	err := cam.WaitForFrame(1)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return nil, nil
	default:
		return nil, err
	}

	data, index, err := cam.GetFrame()
	if err != nil {
		return nil, err
	}
	return &gocapture.Packet{
		StreamIndex: 0,
		Data:        data,
		Release: func() {
			if err := cam.ReleaseFrame(index); err != nil {
				h.logger.Debugw("error releasing frame buffer", "device", h.path, "error", err)
			}
		},
	}, nil
}
