package gocapture

import (
	"sync"
	"sync/atomic"

	"github.com/kelindar/event"
	"github.com/pion/mediadevices/pkg/prop"
)

// Event type constants for the dispatcher.
const (
	typeFrame uint32 = iota + 1
	typeDeviceAvailable
)

// A FrameEvent carries one decoded frame from a source to subscribers.
// Handlers share the frame and must arrange for it to be released.
type FrameEvent struct {
	Source *Source
	Frame  *Frame
}

// Type returns the event type identifier for FrameEvent.
func (e FrameEvent) Type() uint32 { return typeFrame }

// A DeviceAvailableEvent announces that a source's device opened and with
// which video properties.
type DeviceAvailableEvent struct {
	Source   *Source
	Identity string
	Video    prop.Video
}

// Type returns the event type identifier for DeviceAvailableEvent.
func (e DeviceAvailableEvent) Type() uint32 { return typeDeviceAvailable }

// A Dispatcher fans source events out to subscribers. Every subscriber runs
// its own goroutine and sees events in publish order; publishing never
// blocks on slow handlers.
type Dispatcher struct {
	d         *event.Dispatcher
	frameSubs atomic.Int64
}

// NewDispatcher returns a ready to use dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{d: event.NewDispatcher()}
}

// SubscribeFrames registers a handler for decoded frames and returns a
// function that cancels the subscription. The cancel function may be called
// more than once.
func (d *Dispatcher) SubscribeFrames(h func(FrameEvent)) func() {
	cancel := event.Subscribe(d.d, h)
	d.frameSubs.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			d.frameSubs.Add(-1)
			cancel()
		})
	}
}

// SubscribeDeviceAvailable registers a handler for device availability
// announcements and returns a function that cancels the subscription.
func (d *Dispatcher) SubscribeDeviceAvailable(h func(DeviceAvailableEvent)) func() {
	cancel := event.Subscribe(d.d, h)
	var once sync.Once
	return func() {
		once.Do(cancel)
	}
}

// publishFrame hands the frame event to subscribers and reports whether
// anyone was listening. When it returns false the caller still owns the
// frame and is responsible for releasing it.
func (d *Dispatcher) publishFrame(ev FrameEvent) bool {
	if d.frameSubs.Load() == 0 {
		return false
	}
	event.Publish(d.d, ev)
	return true
}

// publishDeviceAvailable hands the announcement to subscribers, if any.
func (d *Dispatcher) publishDeviceAvailable(ev DeviceAvailableEvent) {
	event.Publish(d.d, ev)
}
