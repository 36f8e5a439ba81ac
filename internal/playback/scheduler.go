// Package playback implements the audio playback pipeline and the
// timer-drift-free real-time PCM scheduler.
package playback

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/callmedia/orchestrator/internal/observe"
)

// frameDuration is the fixed PCM chunk size the scheduler paces at: a PCM
// buffer is streamed to the outbound socket in fixed 20ms frames.
const frameDuration = 20 * time.Millisecond

// highWaterBytes/lowWaterBytes are the backpressure thresholds.
const (
	highWaterBytes = 64 * 1024
	lowWaterBytes  = 32 * 1024
)

// backpressurePoll is how often the scheduler re-checks buffered-outbound
// bytes while suspended above the high-water mark.
const backpressurePoll = 5 * time.Millisecond

// drainSafetyDeadline bounds how long the scheduler waits for the outbound
// socket to fully drain after the last frame is queued.
const drainSafetyDeadline = 500 * time.Millisecond

// socket is the narrow interface the scheduler needs from the outbound PCM
// connection; [mediasocket.Socket] satisfies it.
type socket interface {
	WriteFrame(frame []byte) error
	BufferedOutbound() int
	Alive() bool
}

// bytesPerFrame returns how many PCM bytes make up one 20ms frame at the
// given sample rate, for 16-bit mono samples.
func bytesPerFrame(sampleRate int) int {
	samplesPerFrame := sampleRate * int(frameDuration/time.Millisecond) / 1000
	return samplesPerFrame * 2
}

// Scheduler streams one PCM buffer to an outbound socket in fixed 20ms
// frames with drift-free pacing and backpressure. A Scheduler
// is single-use: construct one per streamed buffer.
type Scheduler struct {
	sock       socket
	sampleRate int
	cancelled  atomic.Bool
	metrics    *observe.Metrics
}

// NewScheduler constructs a Scheduler writing to sock at sampleRate.
// metrics may be nil, disabling per-frame drift recording.
func NewScheduler(sock socket, sampleRate int, metrics *observe.Metrics) *Scheduler {
	return &Scheduler{sock: sock, sampleRate: sampleRate, metrics: metrics}
}

// Cancel requests the scheduler stop at the next frame boundary or
// backpressure poll point. Safe to call
// concurrently with [Scheduler.Stream]; a no-op once streaming has finished.
func (s *Scheduler) Cancel() {
	s.cancelled.Store(true)
}

// Stream paces pcm out over the outbound socket in fixed-size frames,
// computing each frame's target send time as startTime + frameIndex×20ms
// so per-frame scheduling error never accumulates. It resolves (without error) on completion, on cancellation, or
// if the socket is found closed at any frame boundary.
func (s *Scheduler) Stream(ctx context.Context, pcm []byte) error {
	frameBytes := bytesPerFrame(s.sampleRate)
	if frameBytes <= 0 {
		return nil
	}

	startTime := time.Now()
	frameIndex := 0

	for offset := 0; offset < len(pcm); offset += frameBytes {
		if s.cancelled.Load() || ctx.Err() != nil {
			return nil
		}
		if !s.sock.Alive() {
			return nil
		}

		if err := s.waitForBackpressure(ctx); err != nil {
			return nil
		}

		target := startTime.Add(time.Duration(frameIndex) * frameDuration)
		delay := time.Until(target)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
		}

		if s.cancelled.Load() {
			return nil
		}
		if !s.sock.Alive() {
			return nil
		}

		if s.metrics != nil {
			s.metrics.PlaybackDriftDuration.Record(ctx, math.Abs(time.Since(target).Seconds()))
		}

		end := offset + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		_ = s.sock.WriteFrame(pcm[offset:end])

		frameIndex++
	}

	s.drain()
	return nil
}

// waitForBackpressure suspends while BufferedOutbound exceeds the
// high-water mark, polling every ~5ms until it drops below the low-water
// mark, then resumes. Returns early (without
// error — the caller treats it as a clean resolve) if cancelled.
func (s *Scheduler) waitForBackpressure(ctx context.Context) error {
	if s.sock.BufferedOutbound() <= highWaterBytes {
		return nil
	}
	ticker := time.NewTicker(backpressurePoll)
	defer ticker.Stop()
	for {
		if s.cancelled.Load() || ctx.Err() != nil {
			return context.Canceled
		}
		if s.sock.BufferedOutbound() < lowWaterBytes {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return context.Canceled
		}
	}
}

// drain waits for BufferedOutbound to reach zero or the 500ms safety
// deadline, whichever comes first.
func (s *Scheduler) drain() {
	deadline := time.Now().Add(drainSafetyDeadline)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if s.sock.BufferedOutbound() == 0 {
			return
		}
		if s.cancelled.Load() {
			return
		}
		<-ticker.C
	}
}
