package gocapture

import (
	"image"
	"sync/atomic"
	"time"
)

// A Frame is a single decoded picture handed to subscribers. Frames borrow
// storage from the decoder that produced them, so every frame must be
// released exactly once; Release is safe to call from any goroutine and
// extra calls are ignored.
type Frame struct {
	img        image.Image
	capturedAt time.Time
	seq        uint64

	released atomic.Bool
	release  func()

	reg  *frameRegistry
	slot int
	gen  uint64
}

// Image returns the decoded picture. The image is only valid until the
// frame is released.
func (f *Frame) Image() image.Image {
	return f.img
}

// CapturedAt returns the time the frame's packet was read from the device.
func (f *Frame) CapturedAt() time.Time {
	return f.capturedAt
}

// Seq returns the frame's position in its source's output, starting at 1.
func (f *Frame) Seq() uint64 {
	return f.seq
}

// Release returns the frame's storage to its decoder. Only the first call
// has any effect.
func (f *Frame) Release() {
	if !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.reg != nil {
		f.reg.clear(f.slot, f.gen)
	}
	if f.release != nil {
		f.release()
	}
}
