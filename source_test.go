package gocapture

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/mediadevices/pkg/prop"
	"go.viam.com/test"
)

// MOCKS

var errTestOpen = errors.New("device open failed")

func videoStreamInfo() StreamInfo {
	return StreamInfo{
		Index: 0,
		Type:  MediaTypeVideo,
		Codec: "fake",
		Video: prop.Video{Width: 2, Height: 2},
	}
}

// fakeDevice is a DeviceHandle with a device level open count and a feed
// of packets for the stream worker to drain.
type fakeDevice struct {
	mu          sync.Mutex
	refs        int
	openCalls   int
	closeCalls  int
	fullyClosed bool
	readErr     error
	streams     []StreamInfo
	packets     chan *Packet
}

func newFakeDevice(streams ...StreamInfo) *fakeDevice {
	return &fakeDevice{
		refs:    1,
		streams: streams,
		packets: make(chan *Packet, 16),
	}
}

func (d *fakeDevice) Open() {
	d.mu.Lock()
	d.refs++
	d.openCalls++
	d.mu.Unlock()
}

func (d *fakeDevice) Close() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	d.refs--
	if d.refs > 0 {
		return false
	}
	d.fullyClosed = true
	return true
}

func (d *fakeDevice) Streams() []StreamInfo {
	return d.streams
}

func (d *fakeDevice) ReadPacket() (*Packet, error) {
	d.mu.Lock()
	err := d.readErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case pkt := <-d.packets:
		return pkt, nil
	default:
		return nil, nil
	}
}

func (d *fakeDevice) feed(pkt *Packet) {
	d.packets <- pkt
}

func (d *fakeDevice) setReadErr(err error) {
	d.mu.Lock()
	d.readErr = err
	d.mu.Unlock()
}

func (d *fakeDevice) counts() (refs, opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs, d.openCalls, d.closeCalls
}

func (d *fakeDevice) isFullyClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fullyClosed
}

// fakeOpener hands out fresh fakeDevices and can be told to fail.
type fakeOpener struct {
	mu        sync.Mutex
	streams   []StreamInfo
	failOpen  bool
	openCalls int
	devices   []*fakeDevice
}

func newFakeOpener(streams ...StreamInfo) *fakeOpener {
	if len(streams) == 0 {
		streams = []StreamInfo{videoStreamInfo()}
	}
	return &fakeOpener{streams: streams}
}

func (o *fakeOpener) OpenDevice(identity string, mode VideoMode) (DeviceHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.openCalls++
	if o.failOpen {
		return nil, errTestOpen
	}
	d := newFakeDevice(o.streams...)
	o.devices = append(o.devices, d)
	return d, nil
}

func (o *fakeOpener) DefaultIdentity() string {
	return "cam0"
}

func (o *fakeOpener) setFailOpen(fail bool) {
	o.mu.Lock()
	o.failOpen = fail
	o.mu.Unlock()
}

func (o *fakeOpener) opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.openCalls
}

func (o *fakeOpener) device(i int) *fakeDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.devices[i]
}

// fakeCodec passes packet images straight through, counting context opens,
// closes and frame releases.
type fakeCodec struct {
	mu       sync.Mutex
	openErr  error
	contexts []*fakeDecodeContext
}

func (c *fakeCodec) ID() CodecID { return "fake" }

func (c *fakeCodec) NewContext(info StreamInfo) (DecodeContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := &fakeDecodeContext{openErr: c.openErr}
	c.contexts = append(c.contexts, ctx)
	return ctx, nil
}

func (c *fakeCodec) setOpenErr(err error) {
	c.mu.Lock()
	c.openErr = err
	c.mu.Unlock()
}

func (c *fakeCodec) context(i int) *fakeDecodeContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contexts[i]
}

type fakeDecodeContext struct {
	mu         sync.Mutex
	openErr    error
	openCalls  int
	closeCalls int
	releases   int
}

func (c *fakeDecodeContext) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openCalls++
	return c.openErr
}

func (c *fakeDecodeContext) Decode(pkt *Packet) (image.Image, func(), error) {
	if pkt.Image == nil {
		return nil, nil, nil
	}
	return pkt.Image, func() {
		c.mu.Lock()
		c.releases++
		c.mu.Unlock()
	}, nil
}

func (c *fakeDecodeContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

func (c *fakeDecodeContext) releaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases
}

func (c *fakeDecodeContext) closedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func newTestSource(t *testing.T, opener *fakeOpener) (*Source, *fakeCodec) {
	t.Helper()
	codec := &fakeCodec{}
	codecs := NewCodecRegistry()
	codecs.Register(codec)
	s, err := NewSource(CaptureConfig{
		Name:   "test",
		Opener: opener,
		Codecs: codecs,
		Logger: golog.NewTestLogger(t),
	})
	test.That(t, err, test.ShouldBeNil)
	return s, codec
}

func testPacket() *Packet {
	return &Packet{StreamIndex: 0, Image: image.NewNRGBA(image.Rect(0, 0, 2, 2))}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TESTS

func TestSubscribeWhileClosed(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	test.That(t, s.IsOpen(), test.ShouldBeFalse)
	test.That(t, s.Subscribe(), test.ShouldBeNil)
	test.That(t, s.Subscribe(), test.ShouldBeNil)
	test.That(t, s.Stats().Subscribers, test.ShouldEqual, 2)
	test.That(t, opener.opens(), test.ShouldEqual, 0)

	s.Unsubscribe()
	s.Unsubscribe()
	test.That(t, s.Stats().Subscribers, test.ShouldEqual, 0)
}

func TestUnsubscribeWithoutSubscribers(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	// A closed source does not guard against unpaired unsubscribes.
	s.Unsubscribe()
	test.That(t, s.Stats().Subscribers, test.ShouldEqual, -1)
}

func TestLazyDeviceOpen(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	s.Open("cam0", VideoMode{})
	test.That(t, s.IsOpen(), test.ShouldBeTrue)
	test.That(t, opener.opens(), test.ShouldEqual, 0)

	test.That(t, s.Subscribe(), test.ShouldBeNil)
	test.That(t, opener.opens(), test.ShouldEqual, 1)
	refs, opens, _ := opener.device(0).counts()
	test.That(t, refs, test.ShouldEqual, 1)
	test.That(t, opens, test.ShouldEqual, 0)

	s.Unsubscribe()
	test.That(t, opener.device(0).isFullyClosed(), test.ShouldBeTrue)
	test.That(t, s.workerRunning.Load(), test.ShouldBeFalse)
	test.That(t, s.Stats().Subscribers, test.ShouldEqual, 0)
}

func TestSharedDevice(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	s.Open("cam0", VideoMode{})
	test.That(t, s.Subscribe(), test.ShouldBeNil)
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	test.That(t, opener.opens(), test.ShouldEqual, 1)
	dev := opener.device(0)
	refs, opens, _ := dev.counts()
	test.That(t, refs, test.ShouldEqual, 2)
	test.That(t, opens, test.ShouldEqual, 1)

	s.Unsubscribe()
	test.That(t, dev.isFullyClosed(), test.ShouldBeFalse)
	s.Unsubscribe()
	test.That(t, dev.isFullyClosed(), test.ShouldBeTrue)
}

func TestOpenIdenticalConfig(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	mode := VideoMode{Width: 640, Height: 480, FPS: 30}
	s.Open("cam0", mode)
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	// Same identity and mode must not disturb the open device.
	s.Open("cam0", mode)
	test.That(t, opener.opens(), test.ShouldEqual, 1)
	test.That(t, opener.device(0).isFullyClosed(), test.ShouldBeFalse)

	s.Unsubscribe()
}

func TestReconfigureWhileSubscribed(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	s.Open("cam0", VideoMode{})
	test.That(t, s.Subscribe(), test.ShouldBeNil)
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	s.Open("cam1", VideoMode{})

	oldDev := opener.device(0)
	test.That(t, oldDev.isFullyClosed(), test.ShouldBeTrue)
	_, _, oldCloses := oldDev.counts()
	test.That(t, oldCloses, test.ShouldEqual, 2)

	// The fresh device is opened once and then re-opened once per
	// existing subscription.
	test.That(t, opener.opens(), test.ShouldEqual, 2)
	newDev := opener.device(1)
	refs, opens, _ := newDev.counts()
	test.That(t, refs, test.ShouldEqual, 3)
	test.That(t, opens, test.ShouldEqual, 2)
	test.That(t, s.Stats().Subscribers, test.ShouldEqual, 2)

	// The extra device level reference is absorbed by the close-until-done
	// loop when the last subscriber leaves.
	s.Unsubscribe()
	test.That(t, newDev.isFullyClosed(), test.ShouldBeFalse)
	s.Unsubscribe()
	test.That(t, newDev.isFullyClosed(), test.ShouldBeTrue)
	test.That(t, s.Stats().Subscribers, test.ShouldEqual, 0)
}

func TestCloseReleasesDevice(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	s.Open("cam0", VideoMode{})
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	s.Close()
	test.That(t, s.IsOpen(), test.ShouldBeFalse)
	test.That(t, opener.device(0).isFullyClosed(), test.ShouldBeTrue)
	test.That(t, s.Stats().Subscribers, test.ShouldEqual, 1)
	waitFor(t, "worker to stop", func() bool { return !s.workerRunning.Load() })

	s.Unsubscribe()
	test.That(t, s.Stats().Subscribers, test.ShouldEqual, 0)
}

func TestSubscribeRollback(t *testing.T) {
	t.Run("no video stream", func(t *testing.T) {
		opener := newFakeOpener(StreamInfo{Index: 0, Type: MediaTypeAudio})
		s, _ := newTestSource(t, opener)

		s.Open("cam0", VideoMode{})
		err := s.Subscribe()
		test.That(t, errors.Is(err, ErrNoVideoStream), test.ShouldBeTrue)

		dev := opener.device(0)
		test.That(t, dev.isFullyClosed(), test.ShouldBeTrue)
		test.That(t, s.device.Load(), test.ShouldBeNil)
		test.That(t, s.streamIdx, test.ShouldEqual, -1)
		test.That(t, s.Stats().Subscribers, test.ShouldEqual, 0)
	})

	t.Run("no decoder", func(t *testing.T) {
		info := videoStreamInfo()
		info.Codec = "exotic"
		opener := newFakeOpener(info)
		s, _ := newTestSource(t, opener)

		s.Open("cam0", VideoMode{})
		err := s.Subscribe()
		var notFound *DecoderNotFoundError
		test.That(t, errors.As(err, &notFound), test.ShouldBeTrue)
		test.That(t, notFound.Codec, test.ShouldEqual, CodecID("exotic"))
		test.That(t, opener.device(0).isFullyClosed(), test.ShouldBeTrue)
		test.That(t, s.Stats().Subscribers, test.ShouldEqual, 0)
	})

	t.Run("decode context open failure", func(t *testing.T) {
		opener := newFakeOpener()
		s, codec := newTestSource(t, opener)
		codec.setOpenErr(errors.New("context open failed"))

		s.Open("cam0", VideoMode{})
		err := s.Subscribe()
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, opener.device(0).isFullyClosed(), test.ShouldBeTrue)
		// The half-open context is closed exactly once.
		test.That(t, codec.context(0).closedCount(), test.ShouldEqual, 1)
		test.That(t, s.Stats().Subscribers, test.ShouldEqual, 0)
	})

	t.Run("opener failure then retry", func(t *testing.T) {
		opener := newFakeOpener()
		s, _ := newTestSource(t, opener)
		opener.setFailOpen(true)

		s.Open("cam0", VideoMode{})
		test.That(t, s.IsOpen(), test.ShouldBeTrue)
		err := s.Subscribe()
		test.That(t, errors.Is(err, errTestOpen), test.ShouldBeTrue)
		test.That(t, s.device.Load(), test.ShouldBeNil)
		test.That(t, s.Stats().Subscribers, test.ShouldEqual, 0)

		// A later subscribe starts over from scratch.
		opener.setFailOpen(false)
		test.That(t, s.Subscribe(), test.ShouldBeNil)
		test.That(t, s.Stats().Subscribers, test.ShouldEqual, 1)
		s.Unsubscribe()
	})
}

func TestOpenFailureWhileSubscribed(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	s.Open("cam0", VideoMode{})
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	opener.setFailOpen(true)
	s.Open("cam1", VideoMode{})

	// The old device is gone, the new one never opened; the source stays
	// open pointing at the new identity.
	test.That(t, opener.device(0).isFullyClosed(), test.ShouldBeTrue)
	test.That(t, s.device.Load(), test.ShouldBeNil)
	test.That(t, s.IsOpen(), test.ShouldBeTrue)
	test.That(t, s.Stats().Subscribers, test.ShouldEqual, 1)

	// Unsubscribing with no device logs and leaves the count alone.
	s.Unsubscribe()
	test.That(t, s.Stats().Subscribers, test.ShouldEqual, 1)

	test.That(t, s.Shutdown(), test.ShouldBeNil)
	s.Unsubscribe()
	test.That(t, s.Stats().Subscribers, test.ShouldEqual, 0)
}

func TestFrameDelivery(t *testing.T) {
	opener := newFakeOpener()
	s, codec := newTestSource(t, opener)

	frames := make(chan *Frame, 16)
	cancel := s.Events().SubscribeFrames(func(ev FrameEvent) {
		frames <- ev.Frame
	})
	defer cancel()

	s.Open("cam0", VideoMode{})
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	dev := opener.device(0)
	for i := 0; i < 3; i++ {
		dev.feed(testPacket())
	}

	var seqs []uint64
	for i := 0; i < 3; i++ {
		select {
		case f := <-frames:
			seqs = append(seqs, f.Seq())
			test.That(t, f.Image(), test.ShouldNotBeNil)
			test.That(t, f.CapturedAt().IsZero(), test.ShouldBeFalse)
			f.Release()
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
	test.That(t, seqs, test.ShouldResemble, []uint64{1, 2, 3})

	waitFor(t, "releases", func() bool { return codec.context(0).releaseCount() == 3 })
	test.That(t, s.Stats().FramesOutstanding, test.ShouldEqual, 0)

	s.Unsubscribe()
}

func TestForcedRelease(t *testing.T) {
	opener := newFakeOpener()
	s, codec := newTestSource(t, opener)

	frames := make(chan *Frame, 16)
	cancel := s.Events().SubscribeFrames(func(ev FrameEvent) {
		frames <- ev.Frame
	})
	defer cancel()

	s.Open("cam0", VideoMode{})
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	dev := opener.device(0)
	held := make([]*Frame, 0, 3)
	for i := 0; i < 3; i++ {
		dev.feed(testPacket())
		select {
		case f := <-frames:
			held = append(held, f)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
	test.That(t, s.Stats().FramesOutstanding, test.ShouldEqual, 3)

	// Closing the device reclaims everything subscribers still hold.
	s.Close()
	stats := s.Stats()
	test.That(t, stats.ForcedReleases, test.ShouldEqual, 3)
	test.That(t, stats.FramesOutstanding, test.ShouldEqual, 0)
	test.That(t, codec.context(0).releaseCount(), test.ShouldEqual, 3)

	// Late releases of reclaimed frames are harmless.
	for _, f := range held {
		f.Release()
	}
	test.That(t, codec.context(0).releaseCount(), test.ShouldEqual, 3)

	s.Unsubscribe()
}

func TestUnobservedFramesReleased(t *testing.T) {
	opener := newFakeOpener()
	s, codec := newTestSource(t, opener)

	s.Open("cam0", VideoMode{})
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	// No frame subscribers: decoded frames are reclaimed immediately.
	opener.device(0).feed(testPacket())
	waitFor(t, "frame reclaim", func() bool { return codec.context(0).releaseCount() == 1 })
	stats := s.Stats()
	test.That(t, stats.FramesPublished, test.ShouldEqual, 0)
	test.That(t, stats.FramesOutstanding, test.ShouldEqual, 0)

	s.Unsubscribe()
}

func TestStreamIndexFilter(t *testing.T) {
	opener := newFakeOpener()
	s, codec := newTestSource(t, opener)

	frames := make(chan *Frame, 16)
	cancel := s.Events().SubscribeFrames(func(ev FrameEvent) {
		frames <- ev.Frame
	})
	defer cancel()

	s.Open("cam0", VideoMode{})
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	dev := opener.device(0)
	other := testPacket()
	other.StreamIndex = 7
	dev.feed(other)
	dev.feed(testPacket())

	select {
	case f := <-frames:
		// Only the packet on the selected stream decodes.
		test.That(t, f.Seq(), test.ShouldEqual, 1)
		f.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	waitFor(t, "packet stats", func() bool { return s.Stats().PacketsRead == 2 })
	test.That(t, codec.context(0).releaseCount(), test.ShouldEqual, 1)

	s.Unsubscribe()
}

func TestReadErrorsCounted(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	s.Open("cam0", VideoMode{})
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	dev := opener.device(0)
	dev.setReadErr(errors.New("device wedged"))
	waitFor(t, "read errors", func() bool { return s.Stats().ReadErrors >= 2 })
	dev.setReadErr(nil)

	s.Unsubscribe()
}

func TestDecodeMissCounted(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	s.Open("cam0", VideoMode{})
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	// A packet with no picture decodes to nothing.
	opener.device(0).feed(&Packet{StreamIndex: 0})
	waitFor(t, "decode miss", func() bool { return s.Stats().DecodeMisses == 1 })
	test.That(t, s.Stats().FramesPublished, test.ShouldEqual, 0)

	s.Unsubscribe()
}

func TestShutdown(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	s.Open("cam0", VideoMode{})
	test.That(t, s.Subscribe(), test.ShouldBeNil)
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	test.That(t, s.Shutdown(), test.ShouldBeNil)
	test.That(t, s.IsOpen(), test.ShouldBeFalse)
	test.That(t, opener.device(0).isFullyClosed(), test.ShouldBeTrue)
	test.That(t, s.workerRunning.Load(), test.ShouldBeFalse)

	// Shutting down twice is fine.
	test.That(t, s.Shutdown(), test.ShouldBeNil)

	// Remaining subscribers drain through the closed path.
	s.Unsubscribe()
	s.Unsubscribe()
	test.That(t, s.Stats().Subscribers, test.ShouldEqual, 0)
}

func TestOpenDefault(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	s.OpenDefault(VideoMode{})
	test.That(t, s.IsOpen(), test.ShouldBeTrue)
	test.That(t, s.Subscribe(), test.ShouldBeNil)
	test.That(t, opener.opens(), test.ShouldEqual, 1)
	s.Unsubscribe()
}

func TestDeviceAvailableEvent(t *testing.T) {
	opener := newFakeOpener()
	s, _ := newTestSource(t, opener)

	events := make(chan DeviceAvailableEvent, 1)
	cancel := s.Events().SubscribeDeviceAvailable(func(ev DeviceAvailableEvent) {
		events <- ev
	})
	defer cancel()

	s.Open("cam0", VideoMode{})
	test.That(t, s.Subscribe(), test.ShouldBeNil)

	select {
	case ev := <-events:
		test.That(t, ev.Identity, test.ShouldEqual, "cam0")
		test.That(t, ev.Source, test.ShouldEqual, s)
		test.That(t, ev.Video.Width, test.ShouldEqual, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for device available event")
	}

	s.Unsubscribe()
}

func TestNewSourceRequiresOpener(t *testing.T) {
	_, err := NewSource(CaptureConfig{})
	test.That(t, err, test.ShouldNotBeNil)
}
