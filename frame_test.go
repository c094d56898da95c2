package gocapture

import (
	"image"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestFrameReleaseOnce(t *testing.T) {
	var released int
	f := &Frame{
		img:        image.NewNRGBA(image.Rect(0, 0, 1, 1)),
		capturedAt: time.Now(),
		seq:        7,
		release:    func() { released++ },
	}
	test.That(t, f.Image(), test.ShouldNotBeNil)
	test.That(t, f.Seq(), test.ShouldEqual, 7)
	test.That(t, f.CapturedAt().IsZero(), test.ShouldBeFalse)

	f.Release()
	f.Release()
	test.That(t, released, test.ShouldEqual, 1)
}

func TestFrameReleaseBare(t *testing.T) {
	// No release func and no registry; releasing must still be safe.
	f := &Frame{}
	f.Release()
	test.That(t, f.released.Load(), test.ShouldBeTrue)
}
