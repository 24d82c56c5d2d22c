package netcheck

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedSamples(s *Stats, rtt time.Duration, n int) {
	for i := 0; i < n; i++ {
		s.MarkPingSent()
		s.AddSample(rtt)
	}
}

func TestGracePeriodWithholdsJudgement(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	now := time.Unix(1000, 0)
	s := NewStats(now)

	// Terrible RTT but only three samples: still GREEN.
	feedSamples(s, 2*time.Second, 3)
	state, changed := m.Tick(s, now.Add(time.Second))
	assert.Equal(t, StateGreen, state)
	assert.False(t, changed)
}

func TestGreenToYellowAtExactDwellTick(t *testing.T) {
	cfg := DefaultConfig()
	m := NewMonitor(cfg)
	start := time.Unix(1000, 0)
	s := NewStats(start)

	// Steady RTT above the GREEN median but inside the YELLOW tier.
	feedSamples(s, 200*time.Millisecond, 8)

	// Tick once per second. The yellow condition is first observed at t+1;
	// the transition must land exactly when the dwell elapses, not earlier.
	var state State
	var changed bool
	for i := 1; i <= 10; i++ {
		now := start.Add(time.Duration(i) * time.Second)
		state, changed = m.Tick(s, now)
		expectTransitionAt := 1 + int(cfg.YellowAfter/time.Second)
		if i < expectTransitionAt {
			assert.Equal(t, StateGreen, state, "tick %d", i)
			assert.False(t, changed, "tick %d", i)
		} else if i == expectTransitionAt {
			assert.Equal(t, StateYellow, state, "tick %d", i)
			assert.True(t, changed, "tick %d", i)
			return
		}
	}
	t.Fatalf("never transitioned, last state %s", state)
}

func TestYellowRecoversToGreenAfterLongerDwell(t *testing.T) {
	cfg := DefaultConfig()
	m := NewMonitor(cfg)
	start := time.Unix(1000, 0)
	s := NewStats(start)
	s.State = StateYellow
	s.StateEnteredAt = start

	feedSamples(s, 50*time.Millisecond, 8)

	// Green condition observed from t+1; recovery needs GreenAfter (5s).
	for i := 1; i <= 5; i++ {
		state, _ := m.Tick(s, start.Add(time.Duration(i)*time.Second))
		assert.Equal(t, StateYellow, state, "tick %d", i)
	}
	state, changed := m.Tick(s, start.Add(6*time.Second))
	assert.Equal(t, StateGreen, state)
	assert.True(t, changed)
}

func TestYellowEscalatesToRedAfterMaxDwell(t *testing.T) {
	cfg := DefaultConfig()
	m := NewMonitor(cfg)
	start := time.Unix(1000, 0)
	s := NewStats(start)
	s.State = StateYellow
	s.StateEnteredAt = start

	feedSamples(s, 200*time.Millisecond, 8)

	state, _ := m.Tick(s, start.Add(cfg.MaxYellowDwell-time.Second))
	assert.Equal(t, StateYellow, state)

	state, changed := m.Tick(s, start.Add(cfg.MaxYellowDwell))
	assert.Equal(t, StateRed, state)
	assert.True(t, changed)
}

func TestYellowTierBreachIsImmediatelyRed(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	start := time.Unix(1000, 0)
	s := NewStats(start)

	feedSamples(s, 600*time.Millisecond, 8)

	state, changed := m.Tick(s, start.Add(time.Second))
	assert.Equal(t, StateRed, state)
	assert.True(t, changed)

	// No recovery out of RED, even with perfect samples afterwards.
	s.Samples = nil
	feedSamples(s, 20*time.Millisecond, 16)
	state, changed = m.Tick(s, start.Add(time.Minute))
	assert.Equal(t, StateRed, state)
	assert.False(t, changed)
}

func TestDisconnectCapForcesRed(t *testing.T) {
	cfg := DefaultConfig()
	m := NewMonitor(cfg)
	start := time.Unix(1000, 0)
	s := NewStats(start)
	feedSamples(s, 30*time.Millisecond, 8)

	for i := 0; i <= cfg.DisconnectCap; i++ {
		s.MarkDisconnect(2 * time.Second)
	}
	state, _ := m.Tick(s, start.Add(time.Second))
	assert.Equal(t, StateRed, state)
}

func TestLossEstimateForgivesInflightPings(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	s := NewStats(time.Unix(1000, 0))

	// 10 pings, 8 pongs: with 2 forgiven the loss estimate is zero.
	for i := 0; i < 10; i++ {
		s.MarkPingSent()
	}
	for i := 0; i < 8; i++ {
		s.AddSample(40 * time.Millisecond)
	}
	met := m.Measure(s)
	assert.InDelta(t, 0.0, met.Loss, 1e-9)

	// 4 more unanswered pings push past the forgiveness.
	for i := 0; i < 4; i++ {
		s.MarkPingSent()
	}
	met = m.Measure(s)
	require.Greater(t, met.Loss, 0.0)
}

func TestWorstOf(t *testing.T) {
	assert.Equal(t, StateGreen, WorstOf(nil))
	assert.Equal(t, StateGreen, WorstOf([]State{StateGreen, StateGreen}))
	assert.Equal(t, StateYellow, WorstOf([]State{StateGreen, StateYellow}))
	assert.Equal(t, StateRed, WorstOf([]State{StateYellow, StateRed, StateGreen}))
}
