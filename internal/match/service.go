package match

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	apperrors "github.com/mathclash/arena/pkg/http/errors"

	"github.com/mathclash/arena/internal/config"
	"github.com/mathclash/arena/internal/history"
	"github.com/mathclash/arena/internal/identity"
	"github.com/mathclash/arena/internal/match/netcheck"
	"github.com/mathclash/arena/internal/match/queue"
	"github.com/mathclash/arena/internal/match/scoring"
	"github.com/mathclash/arena/internal/registry"
	"github.com/mathclash/arena/internal/session"
	"github.com/mathclash/arena/pkg/http/ws"
)

const (
	eloWin  = 25
	eloLoss = -25

	persistTimeout = 3 * time.Second
)

type metrics struct {
	matchesStarted *prometheus.CounterVec
	matchesEnded   *prometheus.CounterVec
	activeMatches  prometheus.Gauge
	answersScored  prometheus.Counter
	snapshotErrors prometheus.Counter
	queuePairs     *prometheus.CounterVec
}

func newMetrics() metrics {
	return metrics{
		matchesStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_matches_started_total",
			Help: "Matches created, by mode.",
		}, []string{"mode"}),
		matchesEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_matches_ended_total",
			Help: "Matches completed, by mode and finish kind.",
		}, []string{"mode", "forfeit"}),
		activeMatches: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "arena_active_matches",
			Help: "Matches currently hosted on this instance.",
		}),
		answersScored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "arena_answers_scored_total",
			Help: "Answers scored across all matches.",
		}),
		snapshotErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "arena_snapshot_failures_total",
			Help: "Write-through snapshot saves that failed.",
		}),
		queuePairs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_queue_pairs_total",
			Help: "Successful matchmaking pairings, by mode.",
		}, []string{"mode"}),
	}
}

// Service owns match lifecycle on one instance: matchmaking, machine
// creation and adoption, effect delivery, persistence, and history. It is
// the production Runtime behind every machine.
type Service struct {
	matchCfg config.Match
	queueCfg config.Queue

	clock    clockwork.Clock
	registry *registry.Registry
	hub      *ws.Hub
	store    *session.Store
	bus      *session.Bus
	queue    *queue.Manager
	history  history.Recorder
	identity identity.Provider
	engine   *scoring.Engine
	monitor  *netcheck.Monitor
	bots     BotRoster
	logger   zerolog.Logger
	met      metrics

	mu       sync.Mutex
	lastSave map[uuid.UUID]time.Time
	rng      *rand.Rand
}

// NewService wires the match service.
func NewService(
	matchCfg config.Match,
	queueCfg config.Queue,
	clock clockwork.Clock,
	reg *registry.Registry,
	hub *ws.Hub,
	store *session.Store,
	bus *session.Bus,
	qm *queue.Manager,
	rec history.Recorder,
	ident identity.Provider,
	engine *scoring.Engine,
	monitor *netcheck.Monitor,
	logger zerolog.Logger,
) *Service {
	return &Service{
		matchCfg: matchCfg,
		queueCfg: queueCfg,
		clock:    clock,
		registry: reg,
		hub:      hub,
		store:    store,
		bus:      bus,
		queue:    qm,
		history:  rec,
		identity: ident,
		engine:   engine,
		monitor:  monitor,
		bots:     NewRoster(),
		logger:   logger.With().Str("component", "match_service").Logger(),
		met:      newMetrics(),
		lastSave: make(map[uuid.UUID]time.Time),
		rng:      rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

func (s *Service) duelConfig() DuelConfig {
	return DuelConfig{
		Duration:    s.matchCfg.DuelDuration,
		GracePeriod: s.matchCfg.EndGracePeriod,
	}
}

func (s *Service) teamTiming() TeamTiming {
	return TeamTiming{
		PreMatchWait:       s.matchCfg.PreMatchWait,
		QuestionWindow:     s.matchCfg.QuestionWindow,
		QuestionWarning:    s.matchCfg.QuestionWarning,
		TimeoutExtension:   s.matchCfg.TimeoutExtension,
		QuitVoteWindow:     s.matchCfg.QuitVoteWindow,
		SoloDecisionWindow: s.matchCfg.SoloDecisionWindow,
		GracePeriod:        s.matchCfg.EndGracePeriod,
	}
}

// Emit implements Runtime: local rooms first, then the bus so connections
// hosted on other instances see the same messages.
func (s *Service) Emit(matchID uuid.UUID, effects []Effect) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	for _, e := range effects {
		raw, _ := json.Marshal(e.Msg)
		evt := session.Event{MatchID: matchID, Message: raw}

		switch e.Scope {
		case ScopeMatch:
			if err := s.hub.BroadcastToMatch(matchID, e.Msg); err != nil {
				s.logger.Debug().Err(err).Str("match_id", matchID.String()).Msg("local broadcast incomplete")
			}
			evt.Scope = session.ScopeMatch
		case ScopeTeam:
			if err := s.hub.BroadcastToTeam(matchID, e.TeamID, e.Msg); err != nil {
				s.logger.Debug().Err(err).Str("team_id", e.TeamID).Msg("local team broadcast incomplete")
			}
			evt.Scope = session.ScopeTeam
			evt.TeamID = e.TeamID
		case ScopeUser:
			if s.hub.Connected(e.Player) {
				if err := s.hub.SendToUser(e.Player, e.Msg); err == nil {
					continue // delivered locally, nothing to fan out
				}
			}
			evt.Scope = session.ScopeUser
			evt.PlayerID = e.Player
		default:
			continue
		}

		if err := s.bus.Publish(ctx, evt); err != nil {
			s.store.LogDegraded(matchID, "bus publish", err)
		}
	}
}

// HandleBusEvent delivers a remote-origin event to local connections.
func (s *Service) HandleBusEvent(evt session.Event) {
	var msg ws.Message
	if err := json.Unmarshal(evt.Message, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("malformed bus message")
		return
	}
	switch evt.Scope {
	case session.ScopeMatch:
		_ = s.hub.BroadcastToMatch(evt.MatchID, msg)
	case session.ScopeTeam:
		_ = s.hub.BroadcastToTeam(evt.MatchID, evt.TeamID, msg)
	case session.ScopeUser:
		_ = s.hub.SendToUser(evt.PlayerID, msg)
	case session.ScopeGlobal:
		_ = s.hub.BroadcastAll(msg)
	}
}

// Persist implements Runtime. Active snapshots are throttled to the save
// interval; final snapshots always write and swap to the results TTL.
func (s *Service) Persist(matchID uuid.UUID, final bool) {
	if !final {
		s.mu.Lock()
		last, ok := s.lastSave[matchID]
		now := s.clock.Now()
		if ok && now.Sub(last) < s.matchCfg.ActiveSaveInterval {
			s.mu.Unlock()
			return
		}
		s.lastSave[matchID] = now
		s.mu.Unlock()
	}

	m, ok := s.registry.Get(matchID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var err error
	var kind session.Kind
	switch mm := m.(type) {
	case *DuelMatch:
		kind = session.KindDuel
		err = s.store.Save(ctx, kind, matchID, mm.Snapshot())
	case *TeamMatch:
		kind = session.KindTeam
		err = s.store.Save(ctx, kind, matchID, mm.Snapshot())
	default:
		return
	}

	if errors.Is(err, session.ErrNotOwner) {
		// Another instance holds the lease; this copy is stale.
		s.logger.Warn().Str("match_id", matchID.String()).Msg("lease lost, dropping local match")
		s.Teardown(matchID)
		return
	}
	if err != nil {
		s.met.snapshotErrors.Inc()
		s.store.LogDegraded(matchID, "save", err)
		return
	}

	if refreshErr := s.store.RefreshLease(ctx, matchID); refreshErr != nil && !errors.Is(refreshErr, session.ErrNotOwner) {
		s.store.LogDegraded(matchID, "lease refresh", refreshErr)
	}

	if final {
		if err := s.store.ExpireAfter(ctx, kind, matchID, s.matchCfg.EndGracePeriod); err != nil {
			s.store.LogDegraded(matchID, "expire", err)
		}
	}
}

// RecordOutcome implements Runtime: durable history plus rating changes.
// History failures never block the match from ending.
func (s *Service) RecordOutcome(outcome Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec := history.MatchRecord{
		MatchID:   outcome.MatchID,
		Mode:      outcome.Mode,
		Winner:    outcome.Winner,
		Forfeit:   outcome.Forfeit,
		Integrity: string(outcome.Integrity),
		Ranked:    outcome.Ranked,
		StartedAt: outcome.StartedAt,
		EndedAt:   outcome.EndedAt,
	}
	for _, p := range outcome.Players {
		rec.Players = append(rec.Players, history.PlayerRecord{
			PlayerID:  p.PlayerID,
			TeamID:    p.TeamID,
			Score:     p.Score,
			Correct:   p.Correct,
			Attempted: p.Attempted,
			MaxStreak: p.MaxStreak,
			Integrity: string(p.Integrity),
			IsBot:     p.IsBot,
		})
	}
	if err := s.history.RecordMatch(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("match_id", outcome.MatchID.String()).Msg("failed to record match history")
	}

	s.met.matchesEnded.WithLabelValues(outcome.Mode, boolLabel(outcome.Forfeit)).Inc()

	if outcome.Ranked && outcome.Winner != "" {
		s.applyRatings(ctx, outcome)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// applyRatings moves elo for humans on a decided, ranked match.
func (s *Service) applyRatings(ctx context.Context, outcome Outcome) {
	for _, p := range outcome.Players {
		if p.IsBot {
			continue
		}
		delta := eloLoss
		if p.PlayerID.String() == outcome.Winner || p.TeamID == outcome.Winner {
			delta = eloWin
		}
		if err := s.identity.AdjustElo(ctx, p.PlayerID, delta); err != nil {
			s.logger.Error().Err(err).Str("player_id", p.PlayerID.String()).Msg("failed to adjust elo")
		}
	}
}

// Teardown implements Runtime: sweep timers, drop rooms, release the lease.
func (s *Service) Teardown(matchID uuid.UUID) {
	m, ok := s.registry.Get(matchID)
	if !ok {
		return
	}
	m.Teardown()
	s.registry.Remove(matchID)
	s.hub.DropMatch(matchID)

	s.mu.Lock()
	delete(s.lastSave, matchID)
	s.mu.Unlock()
	s.met.activeMatches.Set(float64(s.registry.Len()))

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.ReleaseLease(ctx, matchID); err != nil {
		s.store.LogDegraded(matchID, "lease release", err)
	}
}

// seatPlayers registers a machine plus its rooms, sockets and lease.
func (s *Service) seatMatch(ctx context.Context, m registry.Match, mode string, players []*PlayerState, team map[uuid.UUID]string) {
	if ok, err := s.store.AcquireLease(ctx, m.ID()); err != nil {
		s.store.LogDegraded(m.ID(), "lease acquire", err)
	} else if !ok {
		s.logger.Warn().Str("match_id", m.ID().String()).Msg("match already leased elsewhere")
	}

	s.registry.Add(m)
	for _, p := range players {
		if p.IsBot {
			continue
		}
		s.registry.BindPlayer(p.PlayerID, m.ID())
		s.hub.JoinMatch(m.ID(), p.PlayerID)
		if teamID, ok := team[p.PlayerID]; ok {
			s.hub.JoinTeam(m.ID(), teamID, p.PlayerID)
		}
		if err := s.store.BindSocket(ctx, p.PlayerID, m.ID()); err != nil {
			s.store.LogDegraded(m.ID(), "socket bind", err)
		}
	}

	s.met.matchesStarted.WithLabelValues(mode).Inc()
	s.met.activeMatches.Set(float64(s.registry.Len()))
}

// CreateDuel builds and seats a duel for the given humans (one when vsBot).
func (s *Service) CreateDuel(ctx context.Context, players []*PlayerState, operation Operation, vsBot bool) (*DuelMatch, error) {
	if !ValidOperation(string(operation)) {
		return nil, apperrors.E(apperrors.ErrCodeInvalidRequest, "unknown operation")
	}
	id := uuid.New()
	tasks := registry.NewTaskSet(s.clock)
	m := NewDuel(id, operation, vsBot, s.duelConfig(), s.engine, s.monitor, s.bots, tasks, s, s.logger)

	s.seatMatch(ctx, m, "duel", players, nil)
	for _, p := range players {
		if err := m.Join(p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CreateTeamMatch builds and seats a team match from two complete rosters.
func (s *Service) CreateTeamMatch(ctx context.Context, cfg ModeConfig, rosters [2][]*PlayerState) (*TeamMatch, error) {
	id := uuid.New()
	tasks := registry.NewTaskSet(s.clock)
	m := NewTeamMatch(id, cfg, s.teamTiming(), rosters, s.engine, s.monitor, s.bots, tasks, s, s.logger)

	teamOf := make(map[uuid.UUID]string)
	var all []*PlayerState
	for i, teamID := range []string{TeamAlpha, TeamBravo} {
		for _, p := range rosters[i] {
			teamOf[p.PlayerID] = teamID
			all = append(all, p)
		}
	}
	s.seatMatch(ctx, m, cfg.Mode, all, teamOf)

	// Humans already connected to this instance count as present now.
	for _, p := range all {
		if !p.IsBot && s.hub.Connected(p.PlayerID) {
			if err := m.Connect(p.PlayerID); err != nil {
				s.logger.Debug().Err(err).Msg("pre-seat connect failed")
			}
		}
	}
	return m, nil
}

// Adopt loads a leased-out or orphaned match from its snapshot. Returns
// the live machine if this instance won the lease.
func (s *Service) Adopt(ctx context.Context, matchID uuid.UUID) (registry.Match, error) {
	if m, ok := s.registry.Get(matchID); ok {
		return m, nil
	}

	ok, err := s.store.AcquireLease(ctx, matchID)
	if err != nil {
		return nil, apperrors.E(apperrors.ErrCodeStoreUnavailable, "session store unavailable")
	}
	if !ok {
		return nil, apperrors.E(apperrors.ErrCodeMatchNotFound, "match hosted on another instance")
	}

	tasks := registry.NewTaskSet(s.clock)

	var duelSnap DuelSnapshot
	if found, err := s.store.Load(ctx, session.KindDuel, matchID, &duelSnap); err == nil && found {
		m := RestoreDuel(duelSnap, s.duelConfig(), s.engine, s.monitor, s.bots, tasks, s, s.logger)
		s.registry.Add(m)
		s.rebind(ctx, m.ID(), duelSnap.Order, nil)
		s.met.activeMatches.Set(float64(s.registry.Len()))
		return m, nil
	}

	var teamSnap TeamSnapshot
	found, err := s.store.Load(ctx, session.KindTeam, matchID, &teamSnap)
	if err != nil {
		return nil, apperrors.E(apperrors.ErrCodeStoreUnavailable, "session store unavailable")
	}
	if !found {
		_ = s.store.ReleaseLease(ctx, matchID)
		return nil, apperrors.E(apperrors.ErrCodeMatchNotFound, "no snapshot for match")
	}

	m, err := RestoreTeamMatch(teamSnap, s.teamTiming(), s.engine, s.monitor, s.bots, tasks, s, s.logger)
	if err != nil {
		return nil, err
	}
	s.registry.Add(m)
	teamOf := make(map[uuid.UUID]string)
	var order []uuid.UUID
	for _, side := range teamSnap.Teams {
		for _, id := range side.Roster {
			order = append(order, id)
			teamOf[id] = side.ID
		}
	}
	s.rebind(ctx, m.ID(), order, teamOf)
	s.met.activeMatches.Set(float64(s.registry.Len()))
	return m, nil
}

// rebind reattaches locally connected players to an adopted match's rooms.
func (s *Service) rebind(ctx context.Context, matchID uuid.UUID, players []uuid.UUID, teamOf map[uuid.UUID]string) {
	for _, id := range players {
		s.registry.BindPlayer(id, matchID)
		if !s.hub.Connected(id) {
			continue
		}
		s.hub.JoinMatch(matchID, id)
		if teamID, ok := teamOf[id]; ok {
			s.hub.JoinTeam(matchID, teamID, id)
		}
		if err := s.store.BindSocket(ctx, id, matchID); err != nil {
			s.store.LogDegraded(matchID, "socket rebind", err)
		}
	}
}

// profileState seats an identity profile as a fresh player state.
func (s *Service) profileState(ctx context.Context, playerID uuid.UUID) (*PlayerState, error) {
	prof, err := s.identity.Profile(ctx, playerID)
	if err != nil {
		return nil, apperrors.E(apperrors.ErrCodePlayerNotFound, "no profile for player")
	}
	return &PlayerState{
		PlayerID:    prof.PlayerID,
		DisplayName: prof.DisplayName,
		Level:       prof.Level,
		Elo:         prof.Elo,
		Rank:        prof.Rank,
	}, nil
}

// CountAnswer bumps the scoring counter. Machines stay metrics-free; the
// handler calls this on every accepted submission.
func (s *Service) CountAnswer() {
	s.met.answersScored.Inc()
}

// SweepQueues runs the periodic queue janitor until the context ends.
func (s *Service) SweepQueues(ctx context.Context) {
	modes := []string{"duel", Mode5v5.Mode, Mode2v2.Mode}
	ticker := s.clock.NewTicker(s.queueCfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.queue.Sweep(ctx, modes)
		}
	}
}
