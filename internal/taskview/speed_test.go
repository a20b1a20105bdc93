package taskview

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func TestSpeedEstimator_WaitsForMinimumSpan(t *testing.T) {
	clk := newClock()
	s := NewSpeedEstimator(clk.Now)

	s.Observe(0)
	clk.Advance(500 * time.Millisecond)
	s.Observe(1000)
	assert.Zero(t, s.Speed())

	clk.Advance(500 * time.Millisecond)
	s.Observe(2000)
	assert.InDelta(t, 2000, s.Speed(), 0.001)
}

func TestSpeedEstimator_SmoothsAndCapsSpikes(t *testing.T) {
	clk := newClock()
	s := NewSpeedEstimator(clk.Now)
	s.Observe(0)
	clk.Advance(time.Second)
	s.Observe(2000)
	assert.InDelta(t, 2000, s.Speed(), 0.001)

	clk.Advance(500 * time.Millisecond)
	s.Observe(1_000_000)
	// raw rate is capped at 3x the estimate, then averaged with alpha 0.2
	assert.InDelta(t, 0.2*6000+0.8*2000, s.Speed(), 0.001)
}

func TestSpeedEstimator_DecaysWhenIdle(t *testing.T) {
	clk := newClock()
	s := NewSpeedEstimator(clk.Now)
	s.Observe(0)
	clk.Advance(time.Second)
	s.Observe(4000)
	assert.Greater(t, s.Speed(), 0.0)

	clk.Advance(1100 * time.Millisecond)
	assert.Zero(t, s.Speed())

	// a fresh burst after idling starts a new window
	s.Observe(5000)
	assert.Zero(t, s.Speed())
}

func TestSpeedEstimator_WindowSlides(t *testing.T) {
	clk := newClock()
	s := NewSpeedEstimator(clk.Now)
	var total int64
	for i := 0; i < 10; i++ {
		s.Observe(total)
		clk.Advance(500 * time.Millisecond)
		total += 500
	}
	assert.InDelta(t, 1000, s.Speed(), 0.001)
	assert.LessOrEqual(t, len(s.samples), 7)
}

func TestSpeedEstimator_CounterResetClearsWindow(t *testing.T) {
	clk := newClock()
	s := NewSpeedEstimator(clk.Now)
	s.Observe(0)
	clk.Advance(time.Second)
	s.Observe(1000)
	before := s.Speed()

	clk.Advance(100 * time.Millisecond)
	s.Observe(10)
	assert.Equal(t, before, s.Speed())
	assert.Len(t, s.samples, 1)

	s.Reset()
	assert.Zero(t, s.Speed())
}
