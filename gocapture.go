// Package gocapture implements shared video capture sources that decode
// device streams in the background and hand reference-counted frames to
// any number of subscribers.
package gocapture

import "github.com/edaniels/golog"

// Logger is used by package level functions and as the default logger
// for sources that do not configure their own.
var Logger = golog.Global().Named("gocapture")

// Debug is helpful to turn on when the library isn't working quite right.
// It will output much more logs.
var Debug = false
