package gocapture

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// ResizeCodec wraps a codec so that decoded pictures come out at Width x
// Height. Pictures already at the requested size pass through untouched.
type ResizeCodec struct {
	Codec         Codec
	Width, Height int
}

// ID returns the wrapped codec's ID.
func (rc *ResizeCodec) ID() CodecID {
	return rc.Codec.ID()
}

// NewContext builds a context that resizes the wrapped codec's output.
func (rc *ResizeCodec) NewContext(info StreamInfo) (DecodeContext, error) {
	ctx, err := rc.Codec.NewContext(info)
	if err != nil {
		return nil, err
	}
	return &resizeDecodeContext{ctx: ctx, width: rc.Width, height: rc.Height}, nil
}

type resizeDecodeContext struct {
	ctx           DecodeContext
	width, height int
}

func (c *resizeDecodeContext) Open() error {
	return c.ctx.Open()
}

func (c *resizeDecodeContext) Decode(pkt *Packet) (image.Image, func(), error) {
	img, release, err := c.ctx.Decode(pkt)
	if err != nil || img == nil {
		return img, release, err
	}
	bounds := img.Bounds()
	if bounds.Dx() == c.width && bounds.Dy() == c.height {
		return img, release, nil
	}
	if release != nil {
		defer release()
	}

	return imaging.Resize(img, c.width, c.height, imaging.NearestNeighbor), func() {}, nil
}

func (c *resizeDecodeContext) Close() error {
	return c.ctx.Close()
}

// RotateCodec wraps a codec so that decoded pictures come out rotated by a
// set amount of degrees.
type RotateCodec struct {
	Codec       Codec
	RotateByDeg float64
}

// ID returns the wrapped codec's ID.
func (rc *RotateCodec) ID() CodecID {
	return rc.Codec.ID()
}

// NewContext builds a context that rotates the wrapped codec's output.
func (rc *RotateCodec) NewContext(info StreamInfo) (DecodeContext, error) {
	ctx, err := rc.Codec.NewContext(info)
	if err != nil {
		return nil, err
	}
	return &rotateDecodeContext{ctx: ctx, deg: rc.RotateByDeg}, nil
}

type rotateDecodeContext struct {
	ctx DecodeContext
	deg float64
}

func (c *rotateDecodeContext) Open() error {
	return c.ctx.Open()
}

func (c *rotateDecodeContext) Decode(pkt *Packet) (image.Image, func(), error) {
	img, release, err := c.ctx.Decode(pkt)
	if err != nil || img == nil {
		return img, release, err
	}
	if release != nil {
		defer release()
	}

	return imaging.Rotate(img, c.deg, color.Black), func() {}, nil
}

func (c *rotateDecodeContext) Close() error {
	return c.ctx.Close()
}
