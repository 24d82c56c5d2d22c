package match

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/mathclash/arena/pkg/http/errors"

	"github.com/mathclash/arena/internal/match/netcheck"
	"github.com/mathclash/arena/internal/match/scoring"
	"github.com/mathclash/arena/internal/registry"
	"github.com/mathclash/arena/pkg/http/ws"
)

// Duel lifecycle states.
const (
	StatusPending = "PENDING"
	StatusActive  = "ACTIVE"
	StatusEnded   = "ENDED"
)

// DuelConfig holds duel-specific timing.
type DuelConfig struct {
	Duration    time.Duration
	GracePeriod time.Duration
}

// DuelMatch is the state machine for a 1v1 timed match. Each player solves
// their own independent question stream against a shared countdown.
type DuelMatch struct {
	mu sync.Mutex

	id        uuid.UUID
	operation Operation
	status    string
	timeLeft  int // seconds on the shared countdown
	startTime time.Time

	players  map[uuid.UUID]*PlayerState
	order    []uuid.UUID
	required int
	vsBot    bool

	pingSeq  int
	recorded bool

	cfg     DuelConfig
	engine  *scoring.Engine
	monitor *netcheck.Monitor
	bots    BotRoster
	rng     *rand.Rand
	tasks   *registry.TaskSet
	rt      Runtime
	logger  zerolog.Logger
}

// NewDuel creates a pending duel. Required player count is 1 when the
// opponent is a bot (the bot joins immediately), 2 otherwise.
func NewDuel(
	id uuid.UUID,
	operation Operation,
	vsBot bool,
	cfg DuelConfig,
	engine *scoring.Engine,
	monitor *netcheck.Monitor,
	bots BotRoster,
	tasks *registry.TaskSet,
	rt Runtime,
	logger zerolog.Logger,
) *DuelMatch {
	required := 2
	if vsBot {
		required = 1
	}
	return &DuelMatch{
		id:        id,
		operation: operation,
		status:    StatusPending,
		timeLeft:  int(cfg.Duration / time.Second),
		players:   make(map[uuid.UUID]*PlayerState),
		required:  required,
		vsBot:     vsBot,
		cfg:       cfg,
		engine:    engine,
		monitor:   monitor,
		bots:      bots,
		rng:       rand.New(rand.NewSource(int64(id.ID()))),
		tasks:     tasks,
		rt:        rt,
		logger:    logger.With().Str("match_id", id.String()).Str("component", "duel").Logger(),
	}
}

// ID implements registry.Match.
func (m *DuelMatch) ID() uuid.UUID { return m.id }

// Teardown implements registry.Match: sweeps every outstanding timer.
func (m *DuelMatch) Teardown() {
	m.tasks.CancelAll()
}

// Mode returns the wire mode string.
func (m *DuelMatch) Mode() string { return "duel" }

// Join adds a human player. The last required join starts the match; a bot
// opponent is seated in the same call for vs-bot duels.
func (m *DuelMatch) Join(player *PlayerState) error {
	m.mu.Lock()

	if m.status != StatusPending {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeWrongPhase, fmt.Sprintf("match already %s", m.status))
	}
	if _, exists := m.players[player.PlayerID]; exists {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeAlreadyExists, "player already joined")
	}

	player.Conn = netcheck.NewStats(m.now())
	m.players[player.PlayerID] = player
	m.order = append(m.order, player.PlayerID)

	humanCount := 0
	for _, p := range m.players {
		if !p.IsBot {
			humanCount++
		}
	}

	var effects []Effect
	if humanCount >= m.required {
		if m.vsBot {
			bot := m.bots.NewOpponent(m.rng, player.Elo)
			m.players[bot.PlayerID] = bot
			m.order = append(m.order, bot.PlayerID)
		}
		effects = m.start()
	}
	m.mu.Unlock()

	if effects != nil {
		m.rt.Emit(m.id, effects)
		m.rt.Persist(m.id, false)
	}
	return nil
}

// start transitions PENDING -> ACTIVE. Caller holds the lock.
func (m *DuelMatch) start() []Effect {
	m.status = StatusActive
	m.startTime = m.now()

	infos := make([]ws.PlayerInfo, 0, len(m.order))
	for _, id := range m.order {
		infos = append(infos, m.players[id].Info())
	}

	effects := []Effect{toMatch(ws.NewMessage(ws.TypeMatchFound, ws.MatchFoundPayload{
		MatchID:   m.id.String(),
		Mode:      "duel",
		Operation: string(m.operation),
		Players:   infos,
	}))}

	for _, id := range m.order {
		effects = append(effects, m.issueQuestion(m.players[id])...)
	}

	m.tasks.Every(time.Second, m.tick)
	m.logger.Info().Int("players", len(m.players)).Msg("duel started")
	return effects
}

// issueQuestion generates a fresh question for one player and returns the
// question effect plus spectating notifications. Caller holds the lock.
func (m *DuelMatch) issueQuestion(p *PlayerState) []Effect {
	q := GenerateQuestion(m.rng, m.operation)
	p.CurrentQuestion = &q
	p.QuestionStartTime = m.now()

	effects := []Effect{toUser(p.PlayerID, ws.NewMessage(ws.TypeQuestion, ws.QuestionPayload{
		MatchID:   m.id.String(),
		PlayerID:  p.PlayerID.String(),
		Operation: string(q.Operation),
		OperandA:  q.OperandA,
		OperandB:  q.OperandB,
	}))}

	// Opponents see the prompt for spectating, never the answer.
	spect := ws.NewMessage(ws.TypeOpponentQuestion, ws.OpponentQuestionPayload{
		MatchID:   m.id.String(),
		PlayerID:  p.PlayerID.String(),
		Operation: string(q.Operation),
		OperandA:  q.OperandA,
		OperandB:  q.OperandB,
	})
	for _, id := range m.order {
		if id != p.PlayerID && !m.players[id].IsBot {
			effects = append(effects, toUser(id, spect))
		}
	}

	if p.IsBot {
		m.scheduleBotAnswer(p, q)
	}
	return effects
}

// scheduleBotAnswer plans a humanlike answer for a bot's current question.
// Caller holds the lock.
func (m *DuelMatch) scheduleBotAnswer(p *PlayerState, q Question) {
	delay, answer := m.bots.Plan(m.rng, p.BotLevel, q)
	botID := p.PlayerID
	m.tasks.After(delay, func() {
		if err := m.SubmitAnswer(botID, answer); err != nil {
			m.logger.Debug().Err(err).Msg("bot answer dropped")
		}
	})
}

// SubmitAnswer processes one answer, validated against the submitting
// player's own question. Identical path for humans and bots.
func (m *DuelMatch) SubmitAnswer(playerID uuid.UUID, answer int) error {
	m.mu.Lock()

	if m.status != StatusActive {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeWrongPhase, "match not active")
	}
	p, ok := m.players[playerID]
	if !ok {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodePlayerNotFound, "player not in match")
	}
	if p.CurrentQuestion == nil {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeSubmitFailed, "no question pending")
	}

	now := m.now()
	elapsed := now.Sub(p.QuestionStartTime)
	correct := answer == p.CurrentQuestion.Answer

	var res scoring.Result
	if correct {
		res = m.engine.Correct(elapsed, p.Streak)
	} else {
		res = m.engine.Wrong()
	}

	p.Score = m.engine.ApplyFloor(p.Score + res.Delta)
	p.Streak = res.NewStreak
	if p.Streak > p.MaxStreak {
		p.MaxStreak = p.Streak
	}
	p.Attempted++
	if correct {
		p.Correct++
	}
	p.TotalAnswerMs += elapsed.Milliseconds()
	p.CurrentQuestion = nil

	effects := []Effect{toMatch(ws.NewMessage(ws.TypeAnswerResult, ws.AnswerResultPayload{
		MatchID:        m.id.String(),
		PlayerID:       playerID.String(),
		Correct:        correct,
		Delta:          res.Delta,
		Score:          p.Score,
		Streak:         p.Streak,
		MilestoneBonus: res.MilestoneBonus,
		AnswerTimeMs:   elapsed.Milliseconds(),
	}))}
	effects = append(effects, m.issueQuestion(p)...)
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
	return nil
}

// RecordPong feeds an application-level pong into the player's connection
// stats. sentAtMs is the timestamp echoed back from our ping.
func (m *DuelMatch) RecordPong(playerID uuid.UUID, sentAtMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[playerID]
	if !ok || p.Conn == nil {
		return
	}
	rtt := m.now().Sub(time.UnixMilli(sentAtMs))
	if rtt < 0 {
		rtt = 0
	}
	p.Conn.AddSample(rtt)
}

// MarkDisconnect counts a connection drop against the player's integrity.
func (m *DuelMatch) MarkDisconnect(playerID uuid.UUID, downFor time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.players[playerID]; ok && p.Conn != nil {
		p.Conn.MarkDisconnect(downFor)
	}
}

// CatchUp emits the authoritative snapshot to a (re)joining player.
func (m *DuelMatch) CatchUp(playerID uuid.UUID) {
	m.mu.Lock()
	p, ok := m.players[playerID]
	if !ok {
		m.mu.Unlock()
		return
	}

	scores := make(map[string]int, len(m.players))
	active := make([]string, 0, len(m.players))
	for id, pl := range m.players {
		scores[id.String()] = pl.Score
		active = append(active, id.String())
	}

	payload := ws.MatchStatePayload{
		MatchID:       m.id.String(),
		Mode:          "duel",
		Phase:         m.status,
		RemainingMs:   int64(m.timeLeft) * 1000,
		Scores:        scores,
		ActivePlayers: active,
	}
	if m.status == StatusActive && p.CurrentQuestion != nil {
		payload.Question = &ws.QuestionPayload{
			MatchID:   m.id.String(),
			PlayerID:  playerID.String(),
			Operation: string(p.CurrentQuestion.Operation),
			OperandA:  p.CurrentQuestion.OperandA,
			OperandB:  p.CurrentQuestion.OperandB,
		}
	}
	m.mu.Unlock()

	m.rt.Emit(m.id, []Effect{toUser(playerID, ws.NewMessage(ws.TypeMatchState, payload))})
}

// Leave forfeits the duel for the leaving player.
func (m *DuelMatch) Leave(playerID uuid.UUID) {
	m.mu.Lock()
	if m.status != StatusActive {
		m.mu.Unlock()
		return
	}
	var winner string
	for id := range m.players {
		if id != playerID {
			winner = id.String()
		}
	}
	effects := m.end(winner, true)
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, true)
}

// tick runs once per second while the duel is alive: countdown, ping
// emission, and integrity classification.
func (m *DuelMatch) tick() {
	m.mu.Lock()
	if m.status != StatusActive {
		m.mu.Unlock()
		return
	}

	m.timeLeft--
	now := m.now()
	m.pingSeq++

	effects := []Effect{toMatch(ws.NewMessage(ws.TypeCountdownTick, ws.CountdownTickPayload{
		MatchID:  m.id.String(),
		TimeLeft: m.timeLeft,
	}))}

	ping := ws.NewMessage(ws.TypePing, ws.PingPayload{
		MatchID: m.id.String(),
		Seq:     m.pingSeq,
		SentAt:  now.UnixMilli(),
	})
	for id, p := range m.players {
		if p.IsBot || p.Conn == nil {
			continue
		}
		p.Conn.MarkPingSent()
		effects = append(effects, toUser(id, ping))

		if state, changed := m.monitor.Tick(p.Conn, now); changed {
			effects = append(effects, toMatch(ws.NewMessage(ws.TypeIntegrityUpdate, ws.IntegrityUpdatePayload{
				MatchID:  m.id.String(),
				PlayerID: id.String(),
				State:    string(state),
			})))
		}
	}

	if m.timeLeft <= 0 {
		effects = append(effects, m.end(m.leaderID(), false)...)
		m.mu.Unlock()
		m.rt.Emit(m.id, effects)
		m.rt.Persist(m.id, true)
		return
	}
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
}

// leaderID returns the winner by score, empty string on draw. Caller holds
// the lock.
func (m *DuelMatch) leaderID() string {
	var best uuid.UUID
	bestScore := -1
	draw := false
	for _, id := range m.order {
		s := m.players[id].Score
		if s > bestScore {
			best, bestScore, draw = id, s, false
		} else if s == bestScore {
			draw = true
		}
	}
	if draw || bestScore < 0 {
		return ""
	}
	return best.String()
}

// Integrity reduces player connection states to the match-level flag.
// Caller holds the lock.
func (m *DuelMatch) integrity() netcheck.State {
	var states []netcheck.State
	for _, p := range m.players {
		if !p.IsBot && p.Conn != nil {
			states = append(states, p.Conn.State)
		}
	}
	return netcheck.WorstOf(states)
}

// end transitions to ENDED, builds the final report, records durable
// history, and schedules delayed teardown. Caller holds the lock.
func (m *DuelMatch) end(winner string, forfeit bool) []Effect {
	if m.status == StatusEnded {
		return nil
	}
	m.status = StatusEnded
	integrity := m.integrity()

	scores := make(map[string]int, len(m.players))
	stats := make([]ws.PlayerStats, 0, len(m.players))
	outcome := Outcome{
		MatchID:   m.id,
		Mode:      "duel",
		Winner:    winner,
		Forfeit:   forfeit,
		Integrity: integrity,
		Ranked:    integrity != netcheck.StateRed,
		StartedAt: m.startTime,
		EndedAt:   m.now(),
	}

	for _, id := range m.order {
		p := m.players[id]
		scores[id.String()] = p.Score
		st := netcheck.StateGreen
		if p.Conn != nil {
			st = p.Conn.State
		}
		stats = append(stats, p.Stats(st))
		outcome.Players = append(outcome.Players, PlayerOutcome{
			PlayerID:  id,
			Score:     p.Score,
			Correct:   p.Correct,
			Attempted: p.Attempted,
			MaxStreak: p.MaxStreak,
			Integrity: st,
			IsBot:     p.IsBot,
		})
	}

	if !m.recorded {
		m.recorded = true
		m.rt.RecordOutcome(outcome)
	}

	matchID := m.id
	m.tasks.After(m.cfg.GracePeriod, func() {
		m.rt.Teardown(matchID)
	})

	m.logger.Info().Str("winner", winner).Bool("forfeit", forfeit).Msg("duel ended")

	return []Effect{toMatch(ws.NewMessage(ws.TypeMatchEnd, ws.MatchEndPayload{
		MatchID:   m.id.String(),
		Winner:    winner,
		Forfeit:   forfeit,
		Scores:    scores,
		Stats:     stats,
		Integrity: string(integrity),
		Ranked:    outcome.Ranked,
	}))}
}

func (m *DuelMatch) now() time.Time {
	return m.tasks.Clock().Now()
}
