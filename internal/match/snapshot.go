package match

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mathclash/arena/internal/match/netcheck"
	"github.com/mathclash/arena/internal/match/scoring"
	"github.com/mathclash/arena/internal/registry"
)

// DuelSnapshot is the write-through image of a duel, complete enough for
// another instance to adopt the match after a crash.
type DuelSnapshot struct {
	MatchID   uuid.UUID      `json:"match_id"`
	Mode      string         `json:"mode"`
	Operation Operation      `json:"operation"`
	Status    string         `json:"status"`
	TimeLeft  int            `json:"time_left"`
	VsBot     bool           `json:"vs_bot"`
	Order     []uuid.UUID    `json:"order"`
	Players   []*PlayerState `json:"players"`
	StartedAt time.Time      `json:"started_at"`
	SavedAt   time.Time      `json:"saved_at"`
}

// Snapshot captures the duel for persistence.
func (m *DuelMatch) Snapshot() DuelSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	players := make([]*PlayerState, 0, len(m.order))
	for _, id := range m.order {
		players = append(players, m.players[id])
	}
	return DuelSnapshot{
		MatchID:   m.id,
		Mode:      "duel",
		Operation: m.operation,
		Status:    m.status,
		TimeLeft:  m.timeLeft,
		VsBot:     m.vsBot,
		Order:     append([]uuid.UUID(nil), m.order...),
		Players:   players,
		StartedAt: m.startTime,
		SavedAt:   m.now(),
	}
}

// RestoreDuel rebuilds a duel from its snapshot on the adopting instance.
// The countdown is advanced by the wall time lost to the failover, in-flight
// questions are reissued fresh, and the ticker re-arms.
func RestoreDuel(
	snap DuelSnapshot,
	cfg DuelConfig,
	engine *scoring.Engine,
	monitor *netcheck.Monitor,
	bots BotRoster,
	tasks *registry.TaskSet,
	rt Runtime,
	logger zerolog.Logger,
) *DuelMatch {
	m := NewDuel(snap.MatchID, snap.Operation, snap.VsBot, cfg, engine, monitor, bots, tasks, rt, logger)
	m.status = snap.Status
	m.startTime = snap.StartedAt
	m.order = append([]uuid.UUID(nil), snap.Order...)
	for _, p := range snap.Players {
		p.CurrentQuestion = nil
		m.players[p.PlayerID] = p
	}

	lost := int(m.now().Sub(snap.SavedAt) / time.Second)
	if lost < 0 {
		lost = 0
	}
	m.timeLeft = snap.TimeLeft - lost

	switch m.status {
	case StatusActive:
		if m.timeLeft <= 0 {
			m.timeLeft = 1 // let the next tick close it out
		}
		var effects []Effect
		for _, id := range m.order {
			effects = append(effects, m.issueQuestion(m.players[id])...)
		}
		m.tasks.Every(time.Second, m.tick)
		rt.Emit(m.id, effects)
	case StatusEnded:
		matchID := m.id
		m.recorded = true // outcome was written before the snapshot went final
		m.tasks.After(cfg.GracePeriod, func() { rt.Teardown(matchID) })
	}

	m.logger.Info().Str("status", m.status).Msg("duel adopted from snapshot")
	return m
}

// TeamSideSnapshot is one team's half of a TeamSnapshot.
type TeamSideSnapshot struct {
	ID             string               `json:"id"`
	IGL            uuid.UUID            `json:"igl"`
	Anchor         uuid.UUID            `json:"anchor"`
	Score          int                  `json:"score"`
	Assignments    map[string]uuid.UUID `json:"assignments"`
	Slot           int                  `json:"slot"`
	Answered       int                  `json:"answered"`
	RoundDone      bool                 `json:"round_done"`
	TimeoutsLeft   int                  `json:"timeouts_left"`
	QueuedTimeouts int                  `json:"queued_timeouts"`
	Callin         *callinPlan          `json:"callin,omitempty"`
	CallinUsed     map[int]bool         `json:"callin_used"`
	SoloChoice     string               `json:"solo_choice"`
	SoloActive     bool                 `json:"solo_active"`
	Departed       []uuid.UUID          `json:"departed,omitempty"`
	Roster         []uuid.UUID          `json:"roster"`
	Players        []*PlayerState       `json:"players"`
}

// TeamSnapshot is the write-through image of a team match. Quit votes are
// deliberately not carried; an interrupted vote lapses to stay.
type TeamSnapshot struct {
	MatchID          uuid.UUID          `json:"match_id"`
	Mode             string             `json:"mode"`
	Phase            string             `json:"phase"`
	Half             int                `json:"half"`
	Round            int                `json:"round"`
	ClockLeft        int                `json:"clock_left"`
	CountdownLeft    int                `json:"countdown_left"`
	FirstDone        string             `json:"first_done"`
	Slate            []Operation        `json:"slate"`
	PhaseRemainingMs int64              `json:"phase_remaining_ms"`
	Teams            []TeamSideSnapshot `json:"teams"`
	StartedAt        time.Time          `json:"started_at"`
	SavedAt          time.Time          `json:"saved_at"`
}

// Snapshot captures the team match for persistence.
func (m *TeamMatch) Snapshot() TeamSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := m.phaseDeadline.Sub(m.now())
	if remaining < 0 {
		remaining = 0
	}

	snap := TeamSnapshot{
		MatchID:          m.id,
		Mode:             m.cfg.Mode,
		Phase:            m.phase,
		Half:             m.half,
		Round:            m.round,
		ClockLeft:        m.clockLeft,
		CountdownLeft:    m.countdownLeft,
		FirstDone:        m.firstDone,
		Slate:            append([]Operation(nil), m.slate...),
		PhaseRemainingMs: remaining.Milliseconds(),
		StartedAt:        m.startTime,
		SavedAt:          m.now(),
	}

	for _, teamID := range m.teamOrder {
		t := m.teams[teamID]
		side := TeamSideSnapshot{
			ID:             t.id,
			IGL:            t.igl,
			Anchor:         t.anchor,
			Score:          t.score,
			Assignments:    make(map[string]uuid.UUID, len(t.assignments)),
			Slot:           t.slot,
			Answered:       t.answered,
			RoundDone:      t.roundDone,
			TimeoutsLeft:   t.timeoutsLeft,
			QueuedTimeouts: t.queuedTimeouts,
			Callin:         t.callin,
			CallinUsed:     t.callinUsed,
			SoloChoice:     t.soloChoice,
			SoloActive:     t.soloActive,
			Roster:         append([]uuid.UUID(nil), t.roster...),
		}
		for op, id := range t.assignments {
			side.Assignments[string(op)] = id
		}
		for id := range t.departed {
			side.Departed = append(side.Departed, id)
		}
		for _, id := range t.roster {
			side.Players = append(side.Players, t.player[id])
		}
		snap.Teams = append(snap.Teams, side)
	}
	return snap
}

// RestoreTeamMatch rebuilds a team match from its snapshot. Phase timers
// re-arm with the remaining window less failover time; active rounds
// reissue fresh questions with a full answer window.
func RestoreTeamMatch(
	snap TeamSnapshot,
	tm TeamTiming,
	engine *scoring.Engine,
	monitor *netcheck.Monitor,
	bots BotRoster,
	tasks *registry.TaskSet,
	rt Runtime,
	logger zerolog.Logger,
) (*TeamMatch, error) {
	cfg, err := ModeConfigFor(snap.Mode)
	if err != nil {
		return nil, err
	}

	m := &TeamMatch{
		id:            snap.MatchID,
		cfg:           cfg,
		tm:            tm,
		slate:         append([]Operation(nil), snap.Slate...),
		phase:         snap.Phase,
		half:          snap.Half,
		round:         snap.Round,
		clockLeft:     snap.ClockLeft,
		countdownLeft: snap.CountdownLeft,
		firstDone:     snap.FirstDone,
		startTime:     snap.StartedAt,
		teams:         make(map[string]*teamState, len(snap.Teams)),
		byPlayer:      make(map[uuid.UUID]string),
		engine:        engine,
		monitor:       monitor,
		bots:          bots,
		rng:           rand.New(rand.NewSource(int64(snap.MatchID.ID()))),
		tasks:         tasks,
		rt:            rt,
		logger:        logger.With().Str("match_id", snap.MatchID.String()).Str("component", "team").Logger(),
	}

	for _, side := range snap.Teams {
		t := &teamState{
			id:             side.ID,
			igl:            side.IGL,
			anchor:         side.Anchor,
			score:          side.Score,
			assignments:    make(map[Operation]uuid.UUID, len(side.Assignments)),
			slot:           side.Slot,
			answered:       side.Answered,
			roundDone:      side.RoundDone,
			timeoutsLeft:   side.TimeoutsLeft,
			queuedTimeouts: side.QueuedTimeouts,
			callin:         side.Callin,
			callinUsed:     side.CallinUsed,
			soloChoice:     side.SoloChoice,
			soloActive:     side.SoloActive,
			departed:       make(map[uuid.UUID]bool, len(side.Departed)),
			roster:         append([]uuid.UUID(nil), side.Roster...),
			player:         make(map[uuid.UUID]*PlayerState, len(side.Players)),
		}
		if t.callinUsed == nil {
			t.callinUsed = make(map[int]bool, 2)
		}
		for op, id := range side.Assignments {
			t.assignments[Operation(op)] = id
		}
		for _, id := range side.Departed {
			t.departed[id] = true
		}
		for _, p := range side.Players {
			p.CurrentQuestion = nil
			t.player[p.PlayerID] = p
			m.byPlayer[p.PlayerID] = t.id
		}
		m.teams[t.id] = t
		m.teamOrder = append(m.teamOrder, t.id)
	}

	lost := m.now().Sub(snap.SavedAt)
	if lost < 0 {
		lost = 0
	}

	if m.phase != PhasePreMatch && m.phase != PhasePostMatch {
		m.clockTicker = m.tasks.Every(time.Second, m.secondTick)
	}

	switch m.phase {
	case PhasePreMatch:
		m.phaseTimer = m.tasks.After(tm.PreMatchWait, m.preMatchExpired)
	case PhaseStrategy:
		m.armRestoredPhase(snap, lost, m.strategyExpired)
	case PhaseBreak:
		m.armRestoredPhase(snap, lost, m.breakExpired)
	case PhaseHalftime:
		m.armRestoredPhase(snap, lost, m.halftimeExpired)
	case PhaseSoloDecision:
		m.armRestoredPhase(snap, lost, m.soloDecisionExpired)
	case PhaseRoundCountdown:
		if m.countdownLeft <= 0 {
			m.countdownLeft = 1
		}
		m.phaseDeadline = m.now().Add(time.Duration(m.countdownLeft) * time.Second)
	case PhaseActive:
		m.clockLeft -= int(lost / time.Second)
		if m.clockLeft <= 0 {
			m.clockLeft = 1
		}
		m.phaseDeadline = m.now().Add(time.Duration(m.clockLeft) * time.Second)
		var effects []Effect
		for _, teamID := range m.teamOrder {
			t := m.teams[teamID]
			if !t.roundDone {
				effects = append(effects, m.issueTeamQuestion(t)...)
			}
		}
		rt.Emit(m.id, effects)
	case PhasePostMatch:
		m.recorded = true
		matchID := m.id
		m.tasks.After(tm.GracePeriod, func() { rt.Teardown(matchID) })
	}

	m.logger.Info().Str("phase", m.phase).Msg("team match adopted from snapshot")
	return m, nil
}

// armRestoredPhase re-arms a rest-phase timer with what remains of its
// window after the failover gap. Caller holds no lock; restore is
// single-threaded until the machine is registered.
func (m *TeamMatch) armRestoredPhase(snap TeamSnapshot, lost time.Duration, onExpire func()) {
	remaining := time.Duration(snap.PhaseRemainingMs)*time.Millisecond - lost
	if remaining < time.Second {
		remaining = time.Second
	}
	m.phaseDeadline = m.now().Add(remaining)
	m.phaseExpire = onExpire
	m.phaseTimer = m.tasks.After(remaining, onExpire)
}
