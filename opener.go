package gocapture

import (
	"strings"

	"github.com/edaniels/golog"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
)

// A MediaDevicesOpener resolves identities against pion mediadevices
// drivers. Plain identities name cameras; identities carrying ScreenPrefix
// name displays to capture.
type MediaDevicesOpener struct {
	logger golog.Logger
}

// NewMediaDevicesOpener returns an opener logging to the given logger, or
// the package logger if nil.
func NewMediaDevicesOpener(logger golog.Logger) *MediaDevicesOpener {
	if logger == nil {
		logger = Logger
	}
	return &MediaDevicesOpener{logger: logger}
}

// OpenDevice selects the best matching driver for the identity and opens a
// shared handle onto it.
func (o *MediaDevicesOpener) OpenDevice(identity string, mode VideoMode) (DeviceHandle, error) {
	constraints := constraintsForMode(mode)
	if strings.HasPrefix(identity, ScreenPrefix) {
		label := strings.TrimPrefix(identity, ScreenPrefix)
		d, selectedMedia, err := getScreenDriver(constraints, &label)
		if err != nil {
			return nil, err
		}
		return openDriverDevice(o.logger, identity, d, selectedMedia, mode)
	}
	d, selectedMedia, err := getUserVideoDriver(constraints, &identity)
	if err != nil {
		return nil, err
	}
	return openDriverDevice(o.logger, identity, d, selectedMedia, mode)
}

// DefaultIdentity returns the first known camera label, or IdentityNone
// when no camera is attached.
func (o *MediaDevicesOpener) DefaultIdentity() string {
	labels := QueryVideoDeviceLabels()
	if len(labels) == 0 {
		return IdentityNone
	}
	return labels[0]
}

// constraintsForMode translates a video mode into mediadevices constraints.
// The default mode accepts anything reasonable; explicit modes constrain
// exactly.
func constraintsForMode(mode VideoMode) mediadevices.MediaStreamConstraints {
	if mode.IsDefault() {
		return DefaultConstraints
	}
	return mediadevices.MediaStreamConstraints{
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			if mode.Width > 0 {
				constraint.Width = prop.Int(mode.Width)
			}
			if mode.Height > 0 {
				constraint.Height = prop.Int(mode.Height)
			}
			if mode.FPS > 0 {
				constraint.FrameRate = prop.Float(mode.FPS)
			}
			constraint.FrameFormat = defaultFrameFormats
		},
	}
}
