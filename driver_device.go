package gocapture

import (
	"image"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// driverRefManager is a lockable map of open driver devices and reference
// counts of their users.
type driverRefManager struct {
	refs map[string]*driverDevice
	mu   sync.Mutex
}

// initialize a global driverRefManager.
var driverRefs = driverRefManager{refs: map[string]*driverDevice{}}

// A driverDevice is a DeviceHandle backed by a pion mediadevices driver.
// Handles to the same driver label share one driver; the driver closes
// only when the last reference goes away.
type driverDevice struct {
	label    string
	identity string
	driver   driver.Driver
	reader   video.Reader
	video    prop.Video
	mode     VideoMode
	refs     utils.RefCountedValue
	logger   golog.Logger
}

// openDriverDevice wires a selected driver into a device handle, sharing
// an existing handle when the driver is already open.
func openDriverDevice(
	logger golog.Logger,
	identity string,
	videoDriver driver.Driver,
	mediaProp prop.Media,
	mode VideoMode,
) (DeviceHandle, error) {
	driverRefs.mu.Lock()
	defer driverRefs.mu.Unlock()

	label := videoDriver.Info().Label
	if dd, ok := driverRefs.refs[label]; ok {
		// The driver's geometry is already negotiated; an explicit mode
		// that differs cannot be honored without disturbing other users.
		if !mode.IsDefault() && mode != dd.mode {
			return nil, &DeviceInUseError{Identity: dd.identity}
		}
		dd.refs.Ref()
		return dd, nil
	}

	recorder, ok := videoDriver.(driver.VideoRecorder)
	if !ok {
		return nil, errors.New("driver not a driver.VideoRecorder")
	}
	if driverStatus := videoDriver.Status(); driverStatus != driver.StateClosed {
		logger.Warnw("video driver is not closed, attempting to close and reopen", "status", driverStatus)
		if err := videoDriver.Close(); err != nil {
			logger.Errorw("error closing driver", "error", err)
		}
	}
	if err := videoDriver.Open(); err != nil {
		return nil, err
	}
	reader, err := recorder.VideoRecord(mediaProp)
	if err != nil {
		return nil, err
	}

	dd := &driverDevice{
		label:    label,
		identity: identity,
		driver:   videoDriver,
		reader:   reader,
		video:    mediaProp.Video,
		mode:     mode,
		refs:     utils.NewRefCountedValue(videoDriver),
		logger:   logger,
	}
	dd.refs.Ref()
	driverRefs.refs[label] = dd
	return dd, nil
}

// Open takes another reference on the shared driver.
func (dd *driverDevice) Open() {
	driverRefs.mu.Lock()
	defer driverRefs.mu.Unlock()
	dd.refs.Ref()
}

// Close drops one reference and reports whether the driver fully closed.
func (dd *driverDevice) Close() bool {
	driverRefs.mu.Lock()
	defer driverRefs.mu.Unlock()

	if !dd.refs.Deref() {
		return false
	}
	delete(driverRefs.refs, dd.label)
	if err := dd.driver.Close(); err != nil {
		dd.logger.Errorw("error closing driver", "error", err)
	}
	return true
}

// Streams reports the single raw video stream a driver exposes.
func (dd *driverDevice) Streams() []StreamInfo {
	return []StreamInfo{{
		Index: 0,
		Type:  MediaTypeVideo,
		Codec: CodecRaw,
		Video: dd.video,
	}}
}

// ReadPacket reads the next picture from the driver. Driver readers hand
// out rasterized images, so packets carry Image rather than Data.
func (dd *driverDevice) ReadPacket() (*Packet, error) {
	img, release, err := dd.reader.Read()
	if err != nil {
		return nil, err
	}
	return &Packet{StreamIndex: 0, Image: img, Release: release}, nil
}

// rawCodec copies already rasterized pictures out of a device's buffers.
type rawCodec struct{}

func (rawCodec) ID() CodecID { return CodecRaw }

func (rawCodec) NewContext(info StreamInfo) (DecodeContext, error) {
	return &rawDecodeContext{}, nil
}

// rawDecodeContext pools frame buffers so steady state decoding does not
// allocate a fresh buffer per picture.
type rawDecodeContext struct {
	pool sync.Pool
}

func (c *rawDecodeContext) Open() error {
	c.pool.New = func() interface{} {
		return video.NewFrameBuffer(0)
	}
	return nil
}

func (c *rawDecodeContext) Decode(pkt *Packet) (image.Image, func(), error) {
	if pkt.Image == nil {
		return nil, nil, nil
	}
	buffer := c.pool.Get().(*video.FrameBuffer)
	buffer.StoreCopy(pkt.Image)
	return buffer.Load(), func() { c.pool.Put(buffer) }, nil
}

func (c *rawDecodeContext) Close() error {
	return nil
}

func init() {
	DefaultCodecs.Register(rawCodec{})
}
