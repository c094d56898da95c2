package gocapture

import (
	"testing"

	"go.viam.com/test"
)

func TestVideoModeIsDefault(t *testing.T) {
	test.That(t, VideoMode{}.IsDefault(), test.ShouldBeTrue)
	test.That(t, VideoMode{Width: 640}.IsDefault(), test.ShouldBeFalse)
	test.That(t, VideoMode{FPS: 30}.IsDefault(), test.ShouldBeFalse)
}

func TestModeVideoRoundTrip(t *testing.T) {
	m := VideoMode{Width: 640, Height: 480, FPS: 30}
	test.That(t, ModeFromVideo(m.Video()), test.ShouldResemble, m)
}

func TestSourceConfigClosed(t *testing.T) {
	test.That(t, SourceConfig{Identity: IdentityNone}.Closed(), test.ShouldBeTrue)
	test.That(t, SourceConfig{Identity: "cam0"}.Closed(), test.ShouldBeFalse)
}
