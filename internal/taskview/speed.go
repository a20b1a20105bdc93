package taskview

import (
	"sync"
	"time"
)

const (
	SpeedWindow   = 3 * time.Second
	SpeedMinSpan  = 800 * time.Millisecond
	SpeedAlpha    = 0.2
	SpeedSpikeCap = 3.0
	SpeedIdle     = time.Second
)

type sample struct {
	at    time.Time
	total int64
}

// SpeedEstimator turns a cumulative byte counter into a smoothed
// throughput. Raw rates come from a sliding window and are only computed
// once the window spans SpeedMinSpan; each rate is capped at SpeedSpikeCap
// times the current estimate before the moving average is updated.
type SpeedEstimator struct {
	mu       sync.Mutex
	now      func() time.Time
	samples  []sample
	smoothed float64
	last     time.Time
}

// NewSpeedEstimator uses clock, or time.Now when nil.
func NewSpeedEstimator(clock func() time.Time) *SpeedEstimator {
	if clock == nil {
		clock = time.Now
	}
	return &SpeedEstimator{now: clock}
}

// Observe records the cumulative transferred byte count.
func (s *SpeedEstimator) Observe(total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if n := len(s.samples); n > 0 && total < s.samples[n-1].total {
		s.samples = s.samples[:0]
	}
	if !s.last.IsZero() && now.Sub(s.last) > SpeedIdle {
		s.samples = s.samples[:0]
		s.smoothed = 0
	}
	s.last = now
	s.samples = append(s.samples, sample{at: now, total: total})

	cut := 0
	for cut < len(s.samples)-1 && now.Sub(s.samples[cut].at) > SpeedWindow {
		cut++
	}
	s.samples = s.samples[cut:]

	first, latest := s.samples[0], s.samples[len(s.samples)-1]
	span := latest.at.Sub(first.at)
	if span < SpeedMinSpan {
		return
	}
	raw := float64(latest.total-first.total) / span.Seconds()
	if s.smoothed == 0 {
		s.smoothed = raw
		return
	}
	raw = min(raw, SpeedSpikeCap*s.smoothed)
	s.smoothed = SpeedAlpha*raw + (1-SpeedAlpha)*s.smoothed
}

// Speed returns bytes per second, or 0 once no update arrived for
// SpeedIdle.
func (s *SpeedEstimator) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.IsZero() || s.now().Sub(s.last) > SpeedIdle {
		return 0
	}
	return s.smoothed
}

func (s *SpeedEstimator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = nil
	s.smoothed = 0
	s.last = time.Time{}
}
