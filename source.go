package gocapture

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// A Source is a shared capture device. Any number of holders may subscribe
// to the same source; the underlying device stays open for as long as at
// least one subscription remains and every frame decoded from it fans out
// to the frame handlers on the source's dispatcher.
//
// A source starts closed. Open selects which device to capture from and
// Subscribe expresses interest in its frames; the device itself is opened
// lazily once both have happened, in either order.
type Source struct {
	name   string
	opener DeviceOpener
	codecs *CodecRegistry
	logger golog.Logger
	events *Dispatcher

	// mu orders open, close, subscribe and unsubscribe against the stream
	// worker, which takes it once per packet.
	mu sync.Mutex

	// paused makes the worker yield between packets so state changes do
	// not starve waiting for mu.
	paused atomic.Bool

	isOpen atomic.Bool
	subs   atomic.Int64
	config SourceConfig

	// device is read by the worker with a single atomic load; it is only
	// ever stored while holding mu.
	device    atomic.Pointer[deviceRef]
	decodeCtx DecodeContext
	streamIdx int

	registry frameRegistry
	seq      atomic.Uint64
	stats    captureStats

	workerRunning           atomic.Bool
	activeBackgroundWorkers sync.WaitGroup
}

// deviceRef boxes a device handle so the worker can observe the current
// device without taking mu first.
type deviceRef struct {
	handle DeviceHandle
}

// CaptureConfig configures how a Source is built.
type CaptureConfig struct {
	// Name is the name of the source. It helps identify the source in
	// logs. Empty means a random UUID.
	Name string

	// Opener resolves device identities into open handles. Required.
	Opener DeviceOpener

	// Codecs maps stream codec IDs to decoders. Empty means DefaultCodecs.
	Codecs *CodecRegistry

	// Logger to log to. Empty means the package logger named after the
	// source.
	Logger golog.Logger

	// Events is the dispatcher frames and device announcements go out on.
	// Empty means a dispatcher private to this source.
	Events *Dispatcher
}

// NewSource returns a closed source built from the given config.
func NewSource(config CaptureConfig) (*Source, error) {
	if config.Opener == nil {
		return nil, errors.New("config requires a device opener")
	}
	name := config.Name
	if name == "" {
		name = uuid.NewString()
	}
	logger := config.Logger
	if logger == nil {
		logger = Logger.Named(name)
	}
	codecs := config.Codecs
	if codecs == nil {
		codecs = DefaultCodecs
	}
	events := config.Events
	if events == nil {
		events = NewDispatcher()
	}
	s := &Source{
		name:      name,
		opener:    config.Opener,
		codecs:    codecs,
		logger:    logger,
		events:    events,
		config:    SourceConfig{Identity: IdentityNone},
		streamIdx: -1,
	}
	return s, nil
}

// Name returns the name of the source.
func (s *Source) Name() string {
	return s.name
}

// Events returns the dispatcher the source publishes on.
func (s *Source) Events() *Dispatcher {
	return s.events
}

// IsOpen reports whether the source currently points at a device.
func (s *Source) IsOpen() bool {
	return s.isOpen.Load()
}

// Stats returns a snapshot of the source's activity.
func (s *Source) Stats() CaptureStats {
	st := s.stats.snapshot()
	st.Subscribers = s.subs.Load()
	st.FramesOutstanding = s.registry.outstanding()
	return st
}

// Open points the source at the device named by identity in the given
// mode. Opening with the current identity and mode is a no-op. If the
// source has subscribers the old device is torn down and the new one
// opened in its place; without subscribers the device opens lazily on the
// first subscribe. Opening IdentityNone closes the source.
func (s *Source) Open(identity string, mode VideoMode) {
	s.paused.Store(true)
	defer s.paused.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Identity == identity && s.config.Mode == mode {
		return
	}

	if s.subs.Load() > 0 {
		s.closeDevice()
	}

	s.config = SourceConfig{Identity: identity, Mode: mode}
	s.isOpen.Store(!s.config.Closed())

	if s.subs.Load() > 0 && s.isOpen.Load() {
		if err := s.openDevice(); err != nil {
			s.logger.Warnw("failed to open device", "identity", identity, "error", err)
		}
	}
}

// OpenDefault opens the opener's default device in the given mode.
func (s *Source) OpenDefault(mode VideoMode) {
	s.Open(s.opener.DefaultIdentity(), mode)
}

// Close stops capturing. Subscriptions stay; they go dormant until the
// next Open.
func (s *Source) Close() {
	s.Open(IdentityNone, VideoMode{})
}

// Subscribe registers interest in the source's frames. On an open source
// this opens the device (or takes another device level reference if it is
// already open); on a closed source the subscription simply waits for a
// later Open. Every Subscribe must eventually be paired with Unsubscribe.
func (s *Source) Subscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isOpen.Load() {
		s.subs.Add(1)
		return nil
	}

	err := s.openDevice()
	if err == nil {
		s.subs.Add(1)
		return nil
	}

	// Roll back to a fully closed device so a later subscribe retries
	// from scratch.
	if ref := s.device.Load(); ref != nil {
		for !ref.handle.Close() {
		}
	}
	if s.decodeCtx != nil {
		if cerr := s.decodeCtx.Close(); cerr != nil {
			s.logger.Errorw("error closing decode context", "error", cerr)
		}
		s.decodeCtx = nil
	}
	s.streamIdx = -1
	s.device.Store(nil)
	return errors.Wrapf(err, "failed to subscribe to device %q", s.config.Identity)
}

// Unsubscribe drops one subscription. The last subscriber closes the
// device and waits for the stream worker to wind down.
func (s *Source) Unsubscribe() {
	s.paused.Store(true)
	s.mu.Lock()
	s.paused.Store(false)

	if !s.isOpen.Load() {
		s.subs.Add(-1)
		s.mu.Unlock()
		return
	}

	ref := s.device.Load()
	if ref == nil {
		s.logger.Warnw("unsubscribing with zero subscribers", "identity", s.config.Identity)
		s.mu.Unlock()
		return
	}

	if s.subs.Load() == 1 {
		s.closeDevice()
		s.mu.Unlock()

		// Synchronize with the stream worker before letting the caller
		// observe the device gone.
		for s.workerRunning.Load() {
			runtime.Gosched()
		}
		s.subs.Add(-1)
		return
	}

	ref.handle.Close()
	s.subs.Add(-1)
	s.mu.Unlock()
}

// Shutdown force releases outstanding frames, closes the device however
// many subscriptions remain, and stops the stream worker. The source is
// closed afterwards; remaining subscribers can still unsubscribe.
func (s *Source) Shutdown() error {
	s.mu.Lock()
	if !s.isOpen.Load() {
		s.mu.Unlock()
		return nil
	}

	if released := s.registry.releaseAll(); released > 0 {
		s.stats.forcedReleases.Add(uint64(released))
	}
	var err error
	if s.decodeCtx != nil {
		err = multierr.Combine(err, s.decodeCtx.Close())
		s.decodeCtx = nil
	}
	s.streamIdx = -1
	if ref := s.device.Load(); ref != nil {
		subs := s.subs.Load()
		for i := int64(0); i < subs; i++ {
			ref.handle.Close()
		}
		s.device.Store(nil)
	}
	s.config = SourceConfig{Identity: IdentityNone}
	s.isOpen.Store(false)
	s.mu.Unlock()

	for s.workerRunning.Load() {
		runtime.Gosched()
	}
	s.activeBackgroundWorkers.Wait()
	return err
}

// openDevice opens the configured device, or takes another device level
// reference if it is already open. Called with mu held. On failure the
// handle, if any, is left for the caller to roll back.
func (s *Source) openDevice() error {
	s.logger.Debugw("opening device", "identity", s.config.Identity)

	// An open device only needs another reference.
	if ref := s.device.Load(); ref != nil {
		ref.handle.Open()
		return nil
	}

	handle, err := s.opener.OpenDevice(s.config.Identity, s.config.Mode)
	if err != nil {
		return errors.Wrapf(err, "failed to open device %q", s.config.Identity)
	}
	s.device.Store(&deviceRef{handle: handle})

	// The device must be opened as many times as the source is subscribed
	// to it.
	subs := s.subs.Load()
	for i := int64(0); i < subs; i++ {
		handle.Open()
	}

	streamIdx := -1
	var info StreamInfo
	for _, si := range handle.Streams() {
		if si.Type == MediaTypeVideo {
			streamIdx = si.Index
			info = si
			break
		}
	}
	if streamIdx == -1 {
		return ErrNoVideoStream
	}

	codec, ok := s.codecs.Lookup(info.Codec)
	if !ok {
		return &DecoderNotFoundError{Codec: info.Codec}
	}
	dctx, err := codec.NewContext(info)
	if err != nil {
		return errors.Wrapf(err, "failed to create decode context for codec %q", info.Codec)
	}
	if err := dctx.Open(); err != nil {
		if cerr := dctx.Close(); cerr != nil {
			s.logger.Errorw("error closing decode context", "error", cerr)
		}
		return errors.Wrapf(err, "failed to open decode context for codec %q", info.Codec)
	}
	s.decodeCtx = dctx
	s.streamIdx = streamIdx

	if s.workerRunning.Load() {
		s.logger.Debug("stream worker already running")
	} else {
		s.activeBackgroundWorkers.Add(1)
		utils.ManagedGo(s.streamLoop, s.activeBackgroundWorkers.Done)
	}
	// Synchronize with the stream worker.
	for !s.workerRunning.Load() {
		runtime.Gosched()
	}

	s.events.publishDeviceAvailable(DeviceAvailableEvent{
		Source:   s,
		Identity: s.config.Identity,
		Video:    info.Video,
	})
	return nil
}

// closeDevice tears the open device down: outstanding frames are force
// released, the decode context closed, and the handle closed until it
// reports fully closed. Called with mu held; safe to call with no device.
func (s *Source) closeDevice() {
	s.logger.Debugw("closing device", "identity", s.config.Identity)

	if released := s.registry.releaseAll(); released > 0 {
		s.stats.forcedReleases.Add(uint64(released))
		s.logger.Debugw("force released outstanding frames", "count", released)
	}
	s.streamIdx = -1
	if s.decodeCtx != nil {
		if err := s.decodeCtx.Close(); err != nil {
			s.logger.Errorw("error closing decode context", "error", err)
		}
		s.decodeCtx = nil
	}
	if ref := s.device.Load(); ref != nil {
		for !ref.handle.Close() {
		}
		s.device.Store(nil)
	}
}
