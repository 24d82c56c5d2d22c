package match

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Bot difficulty levels.
const (
	BotEasy   = "easy"
	BotMedium = "medium"
	BotHard   = "hard"
)

type botProfile struct {
	accuracy float64
	minDelay time.Duration
	maxDelay time.Duration
}

var botProfiles = map[string]botProfile{
	BotEasy:   {accuracy: 0.55, minDelay: 3 * time.Second, maxDelay: 7 * time.Second},
	BotMedium: {accuracy: 0.70, minDelay: 2 * time.Second, maxDelay: 5 * time.Second},
	BotHard:   {accuracy: 0.85, minDelay: 1200 * time.Millisecond, maxDelay: 3500 * time.Millisecond},
}

var botNames = []string{
	"Vector", "Cipher", "Quotient", "Radix", "Tally",
	"Modulo", "Prime", "Axiom", "Delta", "Sigma",
}

// BotRoster fabricates AI opponents and plans their answers. A single
// roster is shared by every match; all randomness comes from the match rng.
type BotRoster struct{}

// NewRoster returns the shared bot factory.
func NewRoster() BotRoster {
	return BotRoster{}
}

// LevelForElo maps an opponent's rating to the bot tier that fills in.
func (BotRoster) LevelForElo(elo int) string {
	switch {
	case elo < 1200:
		return BotEasy
	case elo < 1500:
		return BotMedium
	default:
		return BotHard
	}
}

// NewOpponent builds a bot player seated against a human of the given elo.
func (r BotRoster) NewOpponent(rng *rand.Rand, opponentElo int) *PlayerState {
	level := r.LevelForElo(opponentElo)
	return r.NewFiller(rng, level)
}

// NewFiller builds a bot player for a team slot at a fixed level.
func (r BotRoster) NewFiller(rng *rand.Rand, level string) *PlayerState {
	name := botNames[rng.Intn(len(botNames))]
	return &PlayerState{
		PlayerID:    uuid.New(),
		DisplayName: fmt.Sprintf("%s (AI)", name),
		IsBot:       true,
		BotLevel:    level,
	}
}

// Plan decides when and what a bot answers for a question. Wrong answers
// are plausible near-misses rather than random noise.
func (r BotRoster) Plan(rng *rand.Rand, level string, q Question) (time.Duration, int) {
	prof, ok := botProfiles[level]
	if !ok {
		prof = botProfiles[BotMedium]
	}

	span := prof.maxDelay - prof.minDelay
	delay := prof.minDelay + time.Duration(rng.Int63n(int64(span)))

	if rng.Float64() < prof.accuracy {
		return delay, q.Answer
	}
	return delay, r.nearMiss(rng, q.Answer)
}

// nearMiss perturbs the true answer the way a rushed human would: off by
// one, off by ten, or a sign slip on the last operation.
func (BotRoster) nearMiss(rng *rand.Rand, answer int) int {
	offsets := []int{1, -1, 2, -2, 10, -10}
	wrong := answer + offsets[rng.Intn(len(offsets))]
	if wrong == answer || wrong < 0 {
		wrong = answer + 3
	}
	return wrong
}
