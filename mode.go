package gocapture

import "github.com/pion/mediadevices/pkg/prop"

// IdentityNone is the device identity of a source that is configured
// to capture nothing at all.
const IdentityNone = "none"

// VideoMode describes the geometry and rate a device should be opened in.
// The zero value asks the device to pick its own defaults.
type VideoMode struct {
	Width  int
	Height int
	FPS    float32
}

// IsDefault reports whether the mode leaves all choices to the device.
func (m VideoMode) IsDefault() bool {
	return m == VideoMode{}
}

// Video converts the mode into media properties.
func (m VideoMode) Video() prop.Video {
	return prop.Video{Width: m.Width, Height: m.Height, FrameRate: m.FPS}
}

// ModeFromVideo derives a mode from actual media properties.
func ModeFromVideo(v prop.Video) VideoMode {
	return VideoMode{Width: v.Width, Height: v.Height, FPS: v.FrameRate}
}

// SourceConfig pairs a device identity with the mode to open it in.
type SourceConfig struct {
	Identity string
	Mode     VideoMode
}

// Closed reports whether the configuration names no device.
func (c SourceConfig) Closed() bool {
	return c.Identity == IdentityNone
}
