package scoring

import (
	"sort"
	"time"
)

// Config holds scoring constants. Identical for humans and bots.
type Config struct {
	BasePoints       int
	MaxSpeedBonus    int
	WrongPenalty     int
	SkipPenalty      int
	ScoreFloor       int
	StreakMilestones map[int]int // streak threshold -> one-time bonus
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BasePoints:    10,
		MaxSpeedBonus: 5,
		WrongPenalty:  3,
		SkipPenalty:   3,
		ScoreFloor:    0,
		StreakMilestones: map[int]int{
			10: 20,
			25: 50,
			50: 100,
			75: 200,
		},
	}
}

// Result describes the score effect of one answered (or skipped) question.
type Result struct {
	Delta          int
	NewStreak      int
	SpeedBonus     int
	MilestoneBonus int
}

// Engine computes per-answer score deltas. Pure and stateless: callers hold
// the running score and streak, the engine only does arithmetic.
type Engine struct {
	cfg Config
}

// NewEngine creates a scoring engine with the provided config.
func NewEngine(cfg Config) *Engine {
	if cfg.BasePoints == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg}
}

// SpeedBonus is a step function over answer time: max within the first
// second, one unit less per additional whole second, zero at five seconds.
func (e *Engine) SpeedBonus(answerTime time.Duration) int {
	if answerTime < 0 {
		answerTime = 0
	}
	secs := int(answerTime / time.Second)
	if answerTime <= time.Second {
		return e.cfg.MaxSpeedBonus
	}
	bonus := e.cfg.MaxSpeedBonus - secs
	if bonus < 0 {
		return 0
	}
	return bonus
}

// StreakMilestone returns the one-time bonus for thresholds crossed moving
// from prev to next. A milestone pays the instant it is crossed and never
// retroactively.
func (e *Engine) StreakMilestone(prev, next int) int {
	if next <= prev {
		return 0
	}
	thresholds := make([]int, 0, len(e.cfg.StreakMilestones))
	for t := range e.cfg.StreakMilestones {
		thresholds = append(thresholds, t)
	}
	sort.Ints(thresholds)

	bonus := 0
	for _, t := range thresholds {
		if prev < t && next >= t {
			bonus += e.cfg.StreakMilestones[t]
		}
	}
	return bonus
}

// ApplyFloor clamps a score to the configured minimum.
func (e *Engine) ApplyFloor(score int) int {
	if score < e.cfg.ScoreFloor {
		return e.cfg.ScoreFloor
	}
	return score
}

// Correct scores a correct answer: base + speed bonus + any milestone bonus.
func (e *Engine) Correct(answerTime time.Duration, prevStreak int) Result {
	speed := e.SpeedBonus(answerTime)
	next := prevStreak + 1
	milestone := e.StreakMilestone(prevStreak, next)
	return Result{
		Delta:          e.cfg.BasePoints + speed + milestone,
		NewStreak:      next,
		SpeedBonus:     speed,
		MilestoneBonus: milestone,
	}
}

// Wrong scores an incorrect answer: fixed penalty, streak reset.
func (e *Engine) Wrong() Result {
	return Result{Delta: -e.cfg.WrongPenalty, NewStreak: 0}
}

// Skip scores a question-timeout expiry: skip penalty, streak reset.
func (e *Engine) Skip() Result {
	return Result{Delta: -e.cfg.SkipPenalty, NewStreak: 0}
}
