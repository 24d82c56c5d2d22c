package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpeedBonusSteps(t *testing.T) {
	e := NewEngine(DefaultConfig())

	assert.Equal(t, 5, e.SpeedBonus(0))
	assert.Equal(t, 5, e.SpeedBonus(800*time.Millisecond))
	assert.Equal(t, 5, e.SpeedBonus(time.Second))
	assert.Equal(t, 4, e.SpeedBonus(1500*time.Millisecond))
	assert.Equal(t, 3, e.SpeedBonus(2*time.Second+10*time.Millisecond))
	assert.Equal(t, 1, e.SpeedBonus(4900*time.Millisecond))
	assert.Equal(t, 0, e.SpeedBonus(5*time.Second))
	assert.Equal(t, 0, e.SpeedBonus(time.Minute))
}

func TestStreakMilestoneCrossing(t *testing.T) {
	e := NewEngine(DefaultConfig())

	assert.Equal(t, 0, e.StreakMilestone(8, 9))
	assert.Equal(t, 20, e.StreakMilestone(9, 10))
	// Already past the threshold: never paid again.
	assert.Equal(t, 0, e.StreakMilestone(10, 11))
	assert.Equal(t, 50, e.StreakMilestone(24, 25))
	// Jumping across multiple thresholds pays each exactly once.
	assert.Equal(t, 70, e.StreakMilestone(5, 30))
	// Streak reset never pays.
	assert.Equal(t, 0, e.StreakMilestone(30, 0))
}

func TestCorrectAnswerScoring(t *testing.T) {
	e := NewEngine(DefaultConfig())

	res := e.Correct(800*time.Millisecond, 0)
	assert.Equal(t, 15, res.Delta) // base 10 + max speed bonus 5
	assert.Equal(t, 1, res.NewStreak)
	assert.Equal(t, 0, res.MilestoneBonus)

	res = e.Correct(3500*time.Millisecond, 9)
	assert.Equal(t, 10+2+20, res.Delta) // base + speed + milestone at 10
	assert.Equal(t, 10, res.NewStreak)
	assert.Equal(t, 20, res.MilestoneBonus)
}

func TestWrongAndSkipResetStreak(t *testing.T) {
	e := NewEngine(DefaultConfig())

	res := e.Wrong()
	assert.Equal(t, -3, res.Delta)
	assert.Equal(t, 0, res.NewStreak)

	res = e.Skip()
	assert.Equal(t, -3, res.Delta)
	assert.Equal(t, 0, res.NewStreak)
}

func TestApplyFloor(t *testing.T) {
	e := NewEngine(DefaultConfig())

	assert.Equal(t, 0, e.ApplyFloor(-50))
	assert.Equal(t, 0, e.ApplyFloor(0))
	assert.Equal(t, 7, e.ApplyFloor(7))
}
