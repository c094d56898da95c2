package gocapture

import (
	"image"
	"sync"
)

// CodecID names a compression format carried by a device stream.
type CodecID string

// CodecRaw marks streams whose packets already carry rasterized images and
// need no decoding beyond a copy out of the device's buffers.
const CodecRaw CodecID = "raw"

// A Codec knows how to construct decode contexts for one compression format.
type Codec interface {
	// ID returns the format this codec handles.
	ID() CodecID

	// NewContext constructs a decode context for a stream with the given
	// video properties.
	NewContext(info StreamInfo) (DecodeContext, error)
}

// A DecodeContext is an open decoder instance bound to a single stream.
type DecodeContext interface {
	// Open prepares the context for decoding.
	Open() error

	// Decode turns one packet into an image. The returned release function
	// recycles the image's backing storage and must be called exactly once;
	// a nil image with a nil error means the packet produced no picture.
	Decode(pkt *Packet) (image.Image, func(), error)

	// Close releases the context. Contexts are closed exactly once.
	Close() error
}

// A CodecRegistry maps codec IDs to codecs. The zero value is not usable;
// construct with NewCodecRegistry.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[CodecID]Codec
}

// NewCodecRegistry returns an empty registry.
func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{codecs: map[CodecID]Codec{}}
}

// Register adds the codec to the registry, replacing any previous codec
// with the same ID.
func (r *CodecRegistry) Register(c Codec) {
	r.mu.Lock()
	r.codecs[c.ID()] = c
	r.mu.Unlock()
}

// Lookup returns the codec for the given ID, if any.
func (r *CodecRegistry) Lookup(id CodecID) (Codec, bool) {
	r.mu.RLock()
	c, ok := r.codecs[id]
	r.mu.RUnlock()
	return c, ok
}

// DefaultCodecs holds the codecs available to sources that do not bring
// their own registry. Packages register into it from init.
var DefaultCodecs = NewCodecRegistry()
