// Package v4l2 opens Video4Linux2 device nodes directly, for Linux hosts
// where going through a full driver stack is unnecessary overhead. Devices
// hand out compressed or raw pixel buffers which the root package's frame
// codecs decode.
package v4l2
