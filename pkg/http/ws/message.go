package ws

import "encoding/json"

// MessageType constants for the WebSocket protocol.
const (
	// Client -> Server
	TypeJoinQueue        = "join_queue"
	TypeCancelQueue      = "cancel_queue"
	TypeJoinMatch        = "join_match"
	TypeSubmitAnswer     = "submit_answer"
	TypePong             = "pong"
	TypeAssignSlot       = "assign_slot"
	TypeCallDoubleCallin = "call_double_callin"
	TypeSoloDecision     = "solo_decision"
	TypeCallTimeout      = "call_timeout"
	TypeQuitVoteStart    = "quit_vote_start"
	TypeQuitVoteCast     = "quit_vote_cast"
	TypeLeaveMatch       = "leave_match"

	// Server -> Client
	TypeQueueUpdate        = "queue_update"
	TypeMatchFound         = "match_found"
	TypeMatchState         = "match_state"
	TypeQuestion           = "question"
	TypeOpponentQuestion   = "opponent_question"
	TypeAnswerResult       = "answer_result"
	TypeCountdownTick      = "countdown_tick"
	TypeRoundCountdownTick = "round_countdown_tick"
	TypePhaseChange        = "phase_change"
	TypeQuestionWarning    = "question_warning"
	TypeSlotAdvance        = "slot_advance"
	TypeTimeoutCalled      = "timeout_called"
	TypeDoubleCallinSet    = "double_callin_set"
	TypeSoloReveal         = "solo_reveal"
	TypeQuitVoteUpdate     = "quit_vote_update"
	TypeRoundResult        = "round_result"
	TypeMatchEnd           = "match_end"
	TypeIntegrityUpdate    = "integrity_update"
	TypePing               = "ping"
	TypeError              = "error"
)

// Message wraps all WebSocket payloads with type and optional request ID.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewMessage marshals a payload into a typed Message. Marshal failures are
// impossible for the payload structs below, so the error is dropped.
func NewMessage(msgType string, payload interface{}) Message {
	msg := Message{Type: msgType}
	msg.Payload, _ = json.Marshal(payload)
	return msg
}

// Client Messages (incoming)

type JoinQueuePayload struct {
	Mode      string `json:"mode"`      // "duel", "5v5", "2v2"
	Operation string `json:"operation"` // duel only; team modes pick their own slate
	VsBot     bool   `json:"vs_bot,omitempty"`
}

type CancelQueuePayload struct {
	Mode string `json:"mode"`
}

type JoinMatchPayload struct {
	MatchID string `json:"match_id"`
}

type SubmitAnswerPayload struct {
	MatchID string `json:"match_id"`
	Answer  int    `json:"answer"`
}

type PongPayload struct {
	MatchID string `json:"match_id"`
	Seq     int    `json:"seq"`
	SentAt  int64  `json:"sent_at"` // unix millis echoed from the ping
}

type AssignSlotPayload struct {
	MatchID   string `json:"match_id"`
	Operation string `json:"operation"`
	PlayerID  string `json:"player_id"`
}

type CallDoubleCallinPayload struct {
	MatchID   string `json:"match_id"`
	Operation string `json:"operation"` // slot the anchor takes over
}

type SoloDecisionPayload struct {
	MatchID  string `json:"match_id"`
	Decision string `json:"decision"` // "solo" | "normal"
}

type CallTimeoutPayload struct {
	MatchID string `json:"match_id"`
}

type QuitVoteStartPayload struct {
	MatchID string `json:"match_id"`
}

type QuitVoteCastPayload struct {
	MatchID string `json:"match_id"`
	Vote    string `json:"vote"` // "yes" | "no"
}

type LeaveMatchPayload struct {
	MatchID string `json:"match_id"`
	Reason  string `json:"reason"`
}

// Server Messages (outgoing)

type QueueUpdatePayload struct {
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	WaitSeconds int    `json:"wait_seconds"`
}

type PlayerInfo struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Level       int    `json:"level"`
	Elo         int    `json:"elo"`
	Rank        string `json:"rank"`
	IsBot       bool   `json:"is_bot,omitempty"`
}

type MatchFoundPayload struct {
	MatchID   string       `json:"match_id"`
	Mode      string       `json:"mode"`
	Operation string       `json:"operation,omitempty"`
	Players   []PlayerInfo `json:"players"`
}

// MatchStatePayload is the catch-up snapshot sent to (re)joining clients.
type MatchStatePayload struct {
	MatchID         string           `json:"match_id"`
	Mode            string           `json:"mode"`
	Phase           string           `json:"phase"`
	Round           int              `json:"round"`
	Half            int              `json:"half"`
	RemainingMs     int64            `json:"remaining_ms"`
	GameClockMs     int64            `json:"game_clock_ms"`
	Scores          map[string]int   `json:"scores"`
	ActivePlayers   []string         `json:"active_players"`
	CurrentSlot     map[string]int   `json:"current_slot,omitempty"`
	QuestionsInSlot map[string]int   `json:"questions_in_slot,omitempty"`
	Question        *QuestionPayload `json:"question,omitempty"` // only if this player is active
}

type QuestionPayload struct {
	MatchID   string `json:"match_id"`
	PlayerID  string `json:"player_id"`
	Operation string `json:"operation"`
	OperandA  int    `json:"operand_a"`
	OperandB  int    `json:"operand_b"`
	WindowMs  int64  `json:"window_ms,omitempty"`
}

// OpponentQuestionPayload mirrors QuestionPayload without the answer ever
// being derivable server-side state; spectators see operands only.
type OpponentQuestionPayload struct {
	MatchID   string `json:"match_id"`
	PlayerID  string `json:"player_id"`
	Operation string `json:"operation"`
	OperandA  int    `json:"operand_a"`
	OperandB  int    `json:"operand_b"`
}

type AnswerResultPayload struct {
	MatchID        string `json:"match_id"`
	PlayerID       string `json:"player_id"`
	Correct        bool   `json:"correct"`
	Skipped        bool   `json:"skipped,omitempty"`
	Delta          int    `json:"delta"`
	Score          int    `json:"score"`
	Streak         int    `json:"streak"`
	MilestoneBonus int    `json:"milestone_bonus,omitempty"`
	AnswerTimeMs   int64  `json:"answer_time_ms"`
}

type CountdownTickPayload struct {
	MatchID  string `json:"match_id"`
	TimeLeft int    `json:"time_left"`
}

type RoundCountdownTickPayload struct {
	MatchID  string `json:"match_id"`
	Round    int    `json:"round"`
	TimeLeft int    `json:"time_left"`
}

type PhaseChangePayload struct {
	MatchID    string `json:"match_id"`
	Phase      string `json:"phase"`
	Round      int    `json:"round"`
	Half       int    `json:"half"`
	DurationMs int64  `json:"duration_ms"`
}

type QuestionWarningPayload struct {
	MatchID     string `json:"match_id"`
	PlayerID    string `json:"player_id"`
	RemainingMs int64  `json:"remaining_ms"`
}

type SlotAdvancePayload struct {
	MatchID      string `json:"match_id"`
	TeamID       string `json:"team_id"`
	Slot         int    `json:"slot"`
	Operation    string `json:"operation"`
	ActivePlayer string `json:"active_player"`
}

type TimeoutCalledPayload struct {
	MatchID     string `json:"match_id"`
	TeamID      string `json:"team_id"`
	Queued      bool   `json:"queued"`
	ExtensionMs int64  `json:"extension_ms"`
	Remaining   int    `json:"timeouts_remaining"`
}

type DoubleCallinSetPayload struct {
	MatchID   string `json:"match_id"`
	TeamID    string `json:"team_id"`
	Operation string `json:"operation"`
	ForRound  int    `json:"for_round"`
}

type SoloRevealPayload struct {
	MatchID   string            `json:"match_id"`
	Decisions map[string]string `json:"decisions"` // teamID -> "solo"|"normal"
}

type QuitVoteUpdatePayload struct {
	MatchID  string            `json:"match_id"`
	TeamID   string            `json:"team_id"`
	Votes    map[string]string `json:"votes"` // playerID -> "yes"|"no"|""
	Resolved bool              `json:"resolved"`
	Outcome  string            `json:"outcome,omitempty"` // "quit" | "stay"
}

type RoundResultPayload struct {
	MatchID    string         `json:"match_id"`
	Round      int            `json:"round"`
	Half       int            `json:"half"`
	Scores     map[string]int `json:"scores"`
	FirstDone  string         `json:"first_done,omitempty"` // teamID that finished first
	BonusAward int            `json:"bonus_award,omitempty"`
}

type PlayerStats struct {
	PlayerID    string  `json:"player_id"`
	Score       int     `json:"score"`
	Correct     int     `json:"correct"`
	Attempted   int     `json:"attempted"`
	Accuracy    float64 `json:"accuracy"`
	AvgAnswerMs int64   `json:"avg_answer_ms"`
	MaxStreak   int     `json:"max_streak"`
	Integrity   string  `json:"integrity"`
}

type MatchEndPayload struct {
	MatchID   string         `json:"match_id"`
	Winner    string         `json:"winner,omitempty"` // playerID or teamID; empty on draw
	Forfeit   bool           `json:"forfeit,omitempty"`
	Scores    map[string]int `json:"scores"`
	Stats     []PlayerStats  `json:"stats"`
	Integrity string         `json:"integrity"`
	Ranked    bool           `json:"ranked"`
}

type IntegrityUpdatePayload struct {
	MatchID  string `json:"match_id"`
	PlayerID string `json:"player_id"`
	State    string `json:"state"`
}

type PingPayload struct {
	MatchID string `json:"match_id"`
	Seq     int    `json:"seq"`
	SentAt  int64  `json:"sent_at"` // unix millis
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
