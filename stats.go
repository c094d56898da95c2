package gocapture

import "sync/atomic"

// captureStats are the counters a source maintains while streaming.
type captureStats struct {
	packetsRead     atomic.Uint64
	framesPublished atomic.Uint64
	decodeMisses    atomic.Uint64
	readErrors      atomic.Uint64
	forcedReleases  atomic.Uint64
}

// CaptureStats is a point in time snapshot of a source's activity.
type CaptureStats struct {
	// PacketsRead counts packets read off the device, including ones that
	// belonged to other streams or produced no picture.
	PacketsRead uint64

	// FramesPublished counts decoded frames handed to subscribers.
	FramesPublished uint64

	// DecodeMisses counts packets the decoder consumed without producing
	// a picture.
	DecodeMisses uint64

	// ReadErrors counts failed device reads.
	ReadErrors uint64

	// ForcedReleases counts frames the source reclaimed itself because the
	// device closed while subscribers still held them.
	ForcedReleases uint64

	// Subscribers is the current subscription count.
	Subscribers int64

	// FramesOutstanding is how many published frames subscribers have not
	// yet released.
	FramesOutstanding int
}

func (s *captureStats) snapshot() CaptureStats {
	return CaptureStats{
		PacketsRead:     s.packetsRead.Load(),
		FramesPublished: s.framesPublished.Load(),
		DecodeMisses:    s.decodeMisses.Load(),
		ReadErrors:      s.readErrors.Load(),
		ForcedReleases:  s.forcedReleases.Load(),
	}
}
