package gocapture

import (
	"errors"
	"fmt"
)

// ErrNoVideoStream happens when an opened device exposes no video stream
// to decode from.
var ErrNoVideoStream = errors.New("no video stream in device")

// DecoderNotFoundError is returned when no registered codec can decode
// a device's video stream.
type DecoderNotFoundError struct {
	Codec CodecID
}

func (err *DecoderNotFoundError) Error() string {
	return fmt.Sprintf("no decoder found for codec (%s)", string(err.Codec))
}

// DeviceInUseError is returned when a device cannot be opened the way the
// caller asked because something else already holds it open differently.
type DeviceInUseError struct {
	Identity string
}

func (err *DeviceInUseError) Error() string {
	return fmt.Sprintf("device is still in use (%s)", err.Identity)
}
