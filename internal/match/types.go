package match

import (
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/mathclash/arena/internal/match/netcheck"
	"github.com/mathclash/arena/pkg/http/ws"
)

// Operation is one arithmetic discipline. In team play each operation is a
// relay slot; in duels the whole match runs one operation.
type Operation string

const (
	OpAddition       Operation = "addition"
	OpSubtraction    Operation = "subtraction"
	OpMultiplication Operation = "multiplication"
	OpDivision       Operation = "division"
	OpMixed          Operation = "mixed"
)

// AllOperations is the canonical slot slate for 5v5.
var AllOperations = []Operation{OpAddition, OpSubtraction, OpMultiplication, OpDivision, OpMixed}

// ValidOperation reports whether s names a known operation.
func ValidOperation(s string) bool {
	switch Operation(s) {
	case OpAddition, OpSubtraction, OpMultiplication, OpDivision, OpMixed:
		return true
	}
	return false
}

// Question is a single prompt with its expected answer. The answer never
// leaves the server.
type Question struct {
	Operation Operation `json:"operation"`
	OperandA  int       `json:"operand_a"`
	OperandB  int       `json:"operand_b"`
	Answer    int       `json:"answer"`
}

// GenerateQuestion produces operands for an operation. Division always
// divides evenly; subtraction never goes negative.
func GenerateQuestion(rng *rand.Rand, op Operation) Question {
	if op == OpMixed {
		op = AllOperations[rng.Intn(4)]
	}
	switch op {
	case OpAddition:
		a := 10 + rng.Intn(90)
		b := 10 + rng.Intn(90)
		return Question{Operation: OpAddition, OperandA: a, OperandB: b, Answer: a + b}
	case OpSubtraction:
		a := 20 + rng.Intn(80)
		b := 10 + rng.Intn(a-10)
		return Question{Operation: OpSubtraction, OperandA: a, OperandB: b, Answer: a - b}
	case OpMultiplication:
		a := 3 + rng.Intn(10)
		b := 12 + rng.Intn(88)
		return Question{Operation: OpMultiplication, OperandA: a, OperandB: b, Answer: a * b}
	default: // OpDivision
		q := 3 + rng.Intn(10)
		b := 3 + rng.Intn(10)
		return Question{Operation: OpDivision, OperandA: q * b, OperandB: b, Answer: q}
	}
}

// PlayerState is the per-player running state inside a match. Identity
// fields come from the presence provider at join time.
type PlayerState struct {
	PlayerID    uuid.UUID `json:"player_id"`
	DisplayName string    `json:"display_name"`
	Level       int       `json:"level"`
	Elo         int       `json:"elo"`
	Rank        string    `json:"rank"`
	IsBot       bool      `json:"is_bot"`
	BotLevel    string    `json:"bot_level,omitempty"`

	Score         int   `json:"score"`
	Streak        int   `json:"streak"`
	MaxStreak     int   `json:"max_streak"`
	Correct       int   `json:"correct"`
	Attempted     int   `json:"attempted"`
	TotalAnswerMs int64 `json:"total_answer_ms"`

	CurrentQuestion   *Question `json:"current_question,omitempty"`
	QuestionStartTime time.Time `json:"question_start_time"`

	Conn *netcheck.Stats `json:"conn,omitempty"` // nil for bots
}

// Joined reports whether the slot is occupied (bot slots count as joined).
func (p *PlayerState) Joined() bool {
	return p != nil
}

// Info converts to the wire representation.
func (p *PlayerState) Info() ws.PlayerInfo {
	return ws.PlayerInfo{
		PlayerID:    p.PlayerID.String(),
		DisplayName: p.DisplayName,
		Level:       p.Level,
		Elo:         p.Elo,
		Rank:        p.Rank,
		IsBot:       p.IsBot,
	}
}

// Stats summarizes a player's performance for the end-of-match report.
func (p *PlayerState) Stats(integrity netcheck.State) ws.PlayerStats {
	accuracy := 0.0
	var avgMs int64
	if p.Attempted > 0 {
		accuracy = float64(p.Correct) / float64(p.Attempted)
		avgMs = p.TotalAnswerMs / int64(p.Attempted)
	}
	return ws.PlayerStats{
		PlayerID:    p.PlayerID.String(),
		Score:       p.Score,
		Correct:     p.Correct,
		Attempted:   p.Attempted,
		Accuracy:    accuracy,
		AvgAnswerMs: avgMs,
		MaxStreak:   p.MaxStreak,
		Integrity:   string(integrity),
	}
}

// Effect delivery scopes.
const (
	ScopeMatch = "match" // everyone in the match room
	ScopeTeam  = "team"  // own team room only
	ScopeUser  = "user"  // a single player
)

// Effect is an outbound consequence of applying an event to a match: a
// message for one of the three broadcast scopes. The service executes
// effects against the hub and mirrors them over the event bus, which keeps
// transition logic unit-testable without a live transport.
type Effect struct {
	Scope  string
	TeamID string
	Player uuid.UUID
	Msg    ws.Message
}

func toMatch(msg ws.Message) Effect {
	return Effect{Scope: ScopeMatch, Msg: msg}
}

func toTeam(teamID string, msg ws.Message) Effect {
	return Effect{Scope: ScopeTeam, TeamID: teamID, Msg: msg}
}

func toUser(playerID uuid.UUID, msg ws.Message) Effect {
	return Effect{Scope: ScopeUser, Player: playerID, Msg: msg}
}

// Runtime is the narrow surface machines use to reach the outside world.
// The production implementation is the match Service; tests supply fakes.
type Runtime interface {
	// Emit delivers effects to connected clients and the event bus.
	Emit(matchID uuid.UUID, effects []Effect)
	// Persist write-through saves a snapshot; final snapshots get the
	// short results-grace TTL instead of the active one.
	Persist(matchID uuid.UUID, final bool)
	// RecordOutcome hands a completed match to the durable history store.
	RecordOutcome(outcome Outcome)
	// Teardown removes the match from the registry and sweeps its timers.
	Teardown(matchID uuid.UUID)
}

// Outcome is what gets written to durable history once per completed match.
type Outcome struct {
	MatchID   uuid.UUID
	Mode      string
	Winner    string // player or team id, empty on draw
	Forfeit   bool
	Integrity netcheck.State
	Ranked    bool
	StartedAt time.Time
	EndedAt   time.Time
	Players   []PlayerOutcome
}

// PlayerOutcome is one player's line in the durable record.
type PlayerOutcome struct {
	PlayerID  uuid.UUID
	TeamID    string
	Score     int
	Correct   int
	Attempted int
	MaxStreak int
	Integrity netcheck.State
	IsBot     bool
}
