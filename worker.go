package gocapture

import (
	"errors"
	"math"
	"runtime"
	"time"
)

// maxErrorSleepSec sets a maximum sleep time to the exponential backoff
// determined by sleepTimeFromErrorCount
var maxErrorSleepSec = math.Pow10(9) * 2 // two seconds
const maxSleepAttempts = 20

func sleepTimeFromErrorCount(errCount int) int {
	expBackoffMillisec := math.Pow(6.0, float64(errCount))
	expBackoffNanosec := expBackoffMillisec * math.Pow10(6)
	return int(math.Min(expBackoffNanosec, maxErrorSleepSec))
}

// streamLoop runs on the stream worker goroutine, pumping packets from the
// device into decoded frames until the device reference is cleared.
// Repeated read errors back off exponentially so a wedged device does not
// spin the loop.
func (s *Source) streamLoop() {
	s.workerRunning.Store(true)
	defer s.workerRunning.Store(false)

	var prevErr error
	errorCount := 0
	for {
		cont, err := s.streamOnce()
		if !cont {
			return
		}
		if err != nil {
			s.stats.readErrors.Add(1)
			s.logger.Debugw("error reading packet", "error", err)
			if prevErr == nil {
				prevErr = err
			} else if errors.Is(prevErr, err) {
				errorCount++
			} else {
				errorCount = 0
			}
			if errorCount > 0 {
				errorCount = int(math.Min(float64(errorCount), float64(maxSleepAttempts)))
				time.Sleep(time.Duration(sleepTimeFromErrorCount(errorCount)))
			}
		} else {
			errorCount = 0
		}

		// Give way to state changes that set the pause flag before taking
		// the coordination lock.
		for s.paused.Load() {
			runtime.Gosched()
		}
		runtime.Gosched()
	}
}

// streamOnce performs one worker iteration under the coordination lock:
// read a packet, decode it if it belongs to the selected stream, and
// publish the resulting frame. It reports whether the worker should keep
// running and any read error.
func (s *Source) streamOnce() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := s.device.Load()
	if ref == nil {
		return false, nil
	}

	pkt, err := ref.handle.ReadPacket()
	if err != nil {
		return true, err
	}
	if pkt == nil {
		return true, nil
	}
	if pkt.Release != nil {
		defer pkt.Release()
	}
	readAt := time.Now()
	s.stats.packetsRead.Add(1)

	if pkt.StreamIndex != s.streamIdx || s.decodeCtx == nil {
		return true, nil
	}

	img, release, err := s.decodeCtx.Decode(pkt)
	if err != nil {
		s.logger.Errorw("error decoding packet", "error", err)
		return true, nil
	}
	if img == nil {
		s.stats.decodeMisses.Add(1)
		return true, nil
	}

	frame := &Frame{
		img:        img,
		capturedAt: readAt,
		seq:        s.seq.Add(1),
		release:    release,
	}
	s.registry.insert(frame)
	if Debug {
		s.logger.Debugw("publishing frame", "seq", frame.seq)
	}
	if !s.events.publishFrame(FrameEvent{Source: s, Frame: frame}) {
		// No one is listening; take the frame back right away.
		frame.Release()
		return true, nil
	}
	s.stats.framesPublished.Add(1)
	return true, nil
}
