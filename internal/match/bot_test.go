package match

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelForElo(t *testing.T) {
	r := NewRoster()
	assert.Equal(t, BotEasy, r.LevelForElo(900))
	assert.Equal(t, BotMedium, r.LevelForElo(1200))
	assert.Equal(t, BotHard, r.LevelForElo(1500))
}

func TestBotPlanStaysInsideProfile(t *testing.T) {
	r := NewRoster()
	rng := rand.New(rand.NewSource(7))
	q := Question{Operation: OpAddition, OperandA: 8, OperandB: 7, Answer: 15}

	correct := 0
	const runs = 500
	for i := 0; i < runs; i++ {
		delay, answer := r.Plan(rng, BotHard, q)
		assert.GreaterOrEqual(t, delay, 1200*time.Millisecond)
		assert.Less(t, delay, 3500*time.Millisecond)
		if answer == q.Answer {
			correct++
		} else {
			// Misses look like slips, not noise.
			assert.InDelta(t, q.Answer, answer, 10)
			assert.GreaterOrEqual(t, answer, 0)
		}
	}
	assert.InDelta(t, 0.85, float64(correct)/runs, 0.08)
}

func TestBotPlanUnknownLevelFallsBack(t *testing.T) {
	r := NewRoster()
	rng := rand.New(rand.NewSource(1))
	q := Question{Operation: OpAddition, OperandA: 2, OperandB: 2, Answer: 4}

	delay, _ := r.Plan(rng, "impossible", q)
	assert.GreaterOrEqual(t, delay, 2*time.Second)
	assert.Less(t, delay, 5*time.Second)
}

func TestNewFillerIsMarkedAsBot(t *testing.T) {
	r := NewRoster()
	rng := rand.New(rand.NewSource(3))

	p := r.NewFiller(rng, BotEasy)
	require.NotNil(t, p)
	assert.True(t, p.IsBot)
	assert.Equal(t, BotEasy, p.BotLevel)
	assert.Contains(t, p.DisplayName, "(AI)")

	// Opponents inherit the tier matching the human they face.
	opp := r.NewOpponent(rng, 1600)
	assert.Equal(t, BotHard, opp.BotLevel)
}
