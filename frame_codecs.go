package gocapture

import (
	"image"

	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pkg/errors"
)

// formatCodec adapts a pion frame decoder into a Codec, one per pixel
// format packet oriented devices hand us. Codec IDs mirror the pixel
// format names.
type formatCodec struct {
	format frame.Format
}

func (c *formatCodec) ID() CodecID {
	return CodecID(c.format)
}

func (c *formatCodec) NewContext(info StreamInfo) (DecodeContext, error) {
	return &formatDecodeContext{
		format: c.format,
		width:  info.Video.Width,
		height: info.Video.Height,
	}, nil
}

// formatDecodeContext decodes raw pixel buffers of one format at the
// geometry the stream negotiated.
type formatDecodeContext struct {
	format  frame.Format
	width   int
	height  int
	decoder frame.Decoder
}

func (c *formatDecodeContext) Open() error {
	decoder, err := frame.NewDecoder(c.format)
	if err != nil {
		return errors.Wrapf(err, "no frame decoder for format %q", c.format)
	}
	c.decoder = decoder
	return nil
}

func (c *formatDecodeContext) Decode(pkt *Packet) (image.Image, func(), error) {
	if len(pkt.Data) == 0 {
		return nil, nil, nil
	}
	return c.decoder.Decode(pkt.Data, c.width, c.height)
}

func (c *formatDecodeContext) Close() error {
	c.decoder = nil
	return nil
}

func init() {
	for _, format := range []frame.Format{
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatYUY2,
		frame.FormatUYVY,
		frame.FormatRGBA,
		frame.FormatMJPEG,
		frame.FormatNV12,
		frame.FormatZ16,
		frame.FormatNV21, // gives blue tinted image?
	} {
		DefaultCodecs.Register(&formatCodec{format: format})
	}
}
