package netcheck

import (
	"math"
	"sort"
	"time"
)

// State classifies a player's network quality for match legitimacy.
type State string

const (
	StateGreen  State = "GREEN"
	StateYellow State = "YELLOW"
	StateRed    State = "RED"
)

// rttWindowSize bounds the sliding RTT sample window.
const rttWindowSize = 16

// Config holds the two-tier thresholds and hysteresis dwell times.
type Config struct {
	GreenMedianRTT  time.Duration
	GreenJitter     time.Duration
	GreenLossPct    float64
	YellowMedianRTT time.Duration
	YellowJitter    time.Duration
	YellowLossPct   float64

	// YellowAfter is how long the yellow condition must hold before leaving
	// GREEN; GreenAfter is the (longer) recovery dwell back out of YELLOW.
	YellowAfter    time.Duration
	GreenAfter     time.Duration
	MaxYellowDwell time.Duration

	DisconnectCap   int
	MinSamples      int
	PingForgiveness int
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		GreenMedianRTT:  120 * time.Millisecond,
		GreenJitter:     40 * time.Millisecond,
		GreenLossPct:    0.05,
		YellowMedianRTT: 250 * time.Millisecond,
		YellowJitter:    90 * time.Millisecond,
		YellowLossPct:   0.12,
		YellowAfter:     3 * time.Second,
		GreenAfter:      5 * time.Second,
		MaxYellowDwell:  30 * time.Second,
		DisconnectCap:   3,
		MinSamples:      4,
		PingForgiveness: 2,
	}
}

// Stats is the per-player sampler state. Not safe for concurrent use; the
// owning match machine mutates it under its own lock.
type Stats struct {
	Samples       []time.Duration `json:"samples"`
	PingsSent     int             `json:"pings_sent"`
	PongsReceived int             `json:"pongs_received"`
	Disconnects   int             `json:"disconnects"`
	DisconnectSec float64         `json:"disconnect_sec"`

	State             State     `json:"state"`
	StateEnteredAt    time.Time `json:"state_entered_at"`
	ConditionMetSince time.Time `json:"condition_met_since"`
}

// NewStats creates stats for a player joining a match.
func NewStats(now time.Time) *Stats {
	return &Stats{
		State:          StateGreen,
		StateEnteredAt: now,
	}
}

// MarkPingSent counts an outgoing ping.
func (s *Stats) MarkPingSent() {
	s.PingsSent++
}

// AddSample records a round-trip time from a pong. The window is FIFO-bounded.
func (s *Stats) AddSample(rtt time.Duration) {
	s.PongsReceived++
	s.Samples = append(s.Samples, rtt)
	if len(s.Samples) > rttWindowSize {
		s.Samples = s.Samples[len(s.Samples)-rttWindowSize:]
	}
}

// MarkDisconnect counts a connection drop and its duration once reconnected.
func (s *Stats) MarkDisconnect(downFor time.Duration) {
	s.Disconnects++
	s.DisconnectSec += downFor.Seconds()
}

// Metrics are the derived measurements one tick evaluates.
type Metrics struct {
	MedianRTT time.Duration
	Jitter    time.Duration
	Loss      float64
}

// Monitor applies the classifier to a player's stats on a fixed tick.
type Monitor struct {
	cfg Config
}

// NewMonitor creates a monitor with the given thresholds.
func NewMonitor(cfg Config) *Monitor {
	if cfg.MinSamples == 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{cfg: cfg}
}

// Measure computes median RTT, population-stddev jitter and a loss estimate
// that forgives a small number of in-flight pings.
func (m *Monitor) Measure(s *Stats) Metrics {
	met := Metrics{}
	if len(s.Samples) > 0 {
		sorted := append([]time.Duration(nil), s.Samples...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			met.MedianRTT = sorted[mid]
		} else {
			met.MedianRTT = (sorted[mid-1] + sorted[mid]) / 2
		}

		mean := 0.0
		for _, rtt := range sorted {
			mean += float64(rtt)
		}
		mean /= float64(len(sorted))
		variance := 0.0
		for _, rtt := range sorted {
			d := float64(rtt) - mean
			variance += d * d
		}
		variance /= float64(len(sorted))
		met.Jitter = time.Duration(math.Sqrt(variance))
	}

	expected := s.PingsSent - m.cfg.PingForgiveness
	if expected > 0 && s.PongsReceived < expected {
		met.Loss = 1.0 - float64(s.PongsReceived)/float64(expected)
	}
	return met
}

func (m *Monitor) withinGreen(met Metrics) bool {
	return met.MedianRTT <= m.cfg.GreenMedianRTT &&
		met.Jitter <= m.cfg.GreenJitter &&
		met.Loss <= m.cfg.GreenLossPct
}

func (m *Monitor) withinYellow(met Metrics) bool {
	return met.MedianRTT <= m.cfg.YellowMedianRTT &&
		met.Jitter <= m.cfg.YellowJitter &&
		met.Loss <= m.cfg.YellowLossPct
}

// Tick evaluates one classification step at the given instant. Returns the
// committed state and whether it changed.
//
// Transition rules: RED is terminal for the match. Exceeding the YELLOW tier
// on any metric, or too many disconnects, commits RED immediately with no
// dwell. GREEN->YELLOW and YELLOW->GREEN require their condition to hold
// continuously for the configured dwell, YELLOW escalates to RED after the
// maximum dwell even without a RED condition.
func (m *Monitor) Tick(s *Stats, now time.Time) (State, bool) {
	if s.State == StateRed {
		return StateRed, false
	}

	if s.Disconnects > m.cfg.DisconnectCap {
		return m.commit(s, StateRed, now)
	}

	// Grace period: do not judge until enough round trips are on record.
	if len(s.Samples) < m.cfg.MinSamples {
		return s.State, false
	}

	met := m.Measure(s)

	if !m.withinYellow(met) {
		return m.commit(s, StateRed, now)
	}

	switch s.State {
	case StateGreen:
		if m.withinGreen(met) {
			s.ConditionMetSince = time.Time{}
			return StateGreen, false
		}
		if s.ConditionMetSince.IsZero() {
			s.ConditionMetSince = now
			return StateGreen, false
		}
		if now.Sub(s.ConditionMetSince) >= m.cfg.YellowAfter {
			return m.commit(s, StateYellow, now)
		}
		return StateGreen, false

	case StateYellow:
		if now.Sub(s.StateEnteredAt) >= m.cfg.MaxYellowDwell {
			return m.commit(s, StateRed, now)
		}
		if !m.withinGreen(met) {
			s.ConditionMetSince = time.Time{}
			return StateYellow, false
		}
		if s.ConditionMetSince.IsZero() {
			s.ConditionMetSince = now
			return StateYellow, false
		}
		if now.Sub(s.ConditionMetSince) >= m.cfg.GreenAfter {
			return m.commit(s, StateGreen, now)
		}
		return StateYellow, false
	}

	return s.State, false
}

func (m *Monitor) commit(s *Stats, next State, now time.Time) (State, bool) {
	changed := s.State != next
	s.State = next
	if changed {
		s.StateEnteredAt = now
	}
	s.ConditionMetSince = time.Time{}
	return next, changed
}

// WorstOf reduces player states to match-level integrity: the worst of all
// non-bot players. An empty set (all-bot match) is GREEN.
func WorstOf(states []State) State {
	worst := StateGreen
	for _, s := range states {
		switch s {
		case StateRed:
			return StateRed
		case StateYellow:
			worst = StateYellow
		}
	}
	return worst
}
