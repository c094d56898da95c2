//go:build !linux

package v4l2

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/edaniels/gocapture"
)

// An Opener opens V4L2 device nodes by path. V4L2 is Linux only; on other
// platforms every open fails.
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

// OpenDevice always fails off Linux.
func (o *Opener) OpenDevice(identity string, mode gocapture.VideoMode) (gocapture.DeviceHandle, error) {
	return nil, errors.Errorf("v4l2 capture requires linux; cannot open %q", identity)
}
