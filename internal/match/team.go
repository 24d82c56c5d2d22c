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

// Team match phases.
const (
	PhasePreMatch       = "PRE_MATCH"
	PhaseStrategy       = "STRATEGY"
	PhaseRoundCountdown = "ROUND_COUNTDOWN"
	PhaseActive         = "ACTIVE"
	PhaseBreak          = "BREAK"
	PhaseHalftime       = "HALFTIME"
	PhaseSoloDecision   = "SOLO_DECISION"
	PhasePostMatch      = "POST_MATCH"
)

// Team identifiers are fixed; matchmaking fills them in pairing order.
const (
	TeamAlpha = "alpha"
	TeamBravo = "bravo"
)

// ModeConfig fixes the shape of one team mode. Both halves share the
// per-round structure; the second half appends the anchor round.
type ModeConfig struct {
	Mode             string
	TeamSize         int
	SlotCount        int // operations per round
	SlotQuota        int // questions per slot
	RoundsPerHalf    int // regular rounds; half two adds the final round
	StrategyDuration time.Duration
	CountdownSeconds int
	BreakDuration    time.Duration
	HalftimeDuration time.Duration
	HalfClock        time.Duration
	TimeoutsPerTeam  int
	FirstFinishBonus int
}

// Mode5v5 is the full relay: every operation gets a slot.
var Mode5v5 = ModeConfig{
	Mode:             "5v5",
	TeamSize:         5,
	SlotCount:        5,
	SlotQuota:        4,
	RoundsPerHalf:    3,
	StrategyDuration: 45 * time.Second,
	CountdownSeconds: 5,
	BreakDuration:    20 * time.Second,
	HalftimeDuration: 60 * time.Second,
	HalfClock:        300 * time.Second,
	TimeoutsPerTeam:  2,
	FirstFinishBonus: 15,
}

// Mode2v2 is the compact variant: two random operations per match.
var Mode2v2 = ModeConfig{
	Mode:             "2v2",
	TeamSize:         2,
	SlotCount:        2,
	SlotQuota:        6,
	RoundsPerHalf:    3,
	StrategyDuration: 30 * time.Second,
	CountdownSeconds: 5,
	BreakDuration:    15 * time.Second,
	HalftimeDuration: 45 * time.Second,
	HalfClock:        240 * time.Second,
	TimeoutsPerTeam:  2,
	FirstFinishBonus: 15,
}

// ModeConfigFor resolves a wire mode string.
func ModeConfigFor(mode string) (ModeConfig, error) {
	switch mode {
	case Mode5v5.Mode:
		return Mode5v5, nil
	case Mode2v2.Mode:
		return Mode2v2, nil
	}
	return ModeConfig{}, apperrors.E(apperrors.ErrCodeInvalidRequest, fmt.Sprintf("unknown mode %q", mode))
}

// TeamTiming holds the tunables shared by both team modes.
type TeamTiming struct {
	PreMatchWait       time.Duration
	QuestionWindow     time.Duration
	QuestionWarning    time.Duration
	TimeoutExtension   time.Duration
	QuitVoteWindow     time.Duration
	SoloDecisionWindow time.Duration
	GracePeriod        time.Duration
}

// callinPlan is a scheduled Double Call-In: the anchor takes over one slot
// for a specific round. It survives until that round completes.
type callinPlan struct {
	Op    Operation `json:"op"`
	Half  int       `json:"half"`
	Round int       `json:"round"`
}

type quitVote struct {
	votes map[uuid.UUID]string
	timer *registry.Handle
}

// teamState is one side of a team match. Slot progress is independent per
// team; only the shared game clock and phase are match-level.
type teamState struct {
	id     string
	roster []uuid.UUID
	player map[uuid.UUID]*PlayerState
	igl    uuid.UUID
	anchor uuid.UUID

	score          int
	assignments    map[Operation]uuid.UUID
	slot           int
	answered       int
	roundDone      bool
	timeoutsLeft   int
	queuedTimeouts int
	callin         *callinPlan
	callinUsed     map[int]bool
	soloChoice     string
	soloActive     bool
	vote           *quitVote
	departed       map[uuid.UUID]bool

	questionTimer *registry.Handle
	warnTimer     *registry.Handle
	botTimer      *registry.Handle
}

// humans lists rostered human players who have not abandoned the match.
func (t *teamState) humans() []uuid.UUID {
	var out []uuid.UUID
	for _, id := range t.roster {
		if !t.player[id].IsBot && !t.departed[id] {
			out = append(out, id)
		}
	}
	return out
}

func (t *teamState) connected() bool {
	for _, id := range t.humans() {
		if t.player[id].Conn == nil {
			return false
		}
	}
	return true
}

// cancelQuestionTimers sweeps the team's per-question timers. Caller holds
// the match lock.
func (t *teamState) cancelQuestionTimers() {
	if t.questionTimer != nil {
		t.questionTimer.Cancel()
		t.questionTimer = nil
	}
	if t.warnTimer != nil {
		t.warnTimer.Cancel()
		t.warnTimer = nil
	}
	if t.botTimer != nil {
		t.botTimer.Cancel()
		t.botTimer = nil
	}
}

// TeamMatch is the state machine for 5v5 and 2v2 relay matches.
type TeamMatch struct {
	mu sync.Mutex

	id    uuid.UUID
	cfg   ModeConfig
	tm    TeamTiming
	slate []Operation

	phase         string
	half          int
	round         int
	clockLeft     int // seconds on the shared half clock
	countdownLeft int
	firstDone     string
	phaseDeadline time.Time
	startTime     time.Time

	teams     map[string]*teamState
	teamOrder []string
	byPlayer  map[uuid.UUID]string // playerID -> teamID

	pingSeq  int
	recorded bool

	phaseTimer  *registry.Handle
	phaseExpire func()
	clockTicker *registry.Handle

	engine  *scoring.Engine
	monitor *netcheck.Monitor
	bots    BotRoster
	rng     *rand.Rand
	tasks   *registry.TaskSet
	rt      Runtime
	logger  zerolog.Logger
}

// NewTeamMatch seats two full rosters (bots included) and waits in
// PRE_MATCH for the humans to connect. Rosters come from matchmaking in
// pairing order; index 0 is team alpha.
func NewTeamMatch(
	id uuid.UUID,
	cfg ModeConfig,
	tm TeamTiming,
	rosters [2][]*PlayerState,
	engine *scoring.Engine,
	monitor *netcheck.Monitor,
	bots BotRoster,
	tasks *registry.TaskSet,
	rt Runtime,
	logger zerolog.Logger,
) *TeamMatch {
	m := &TeamMatch{
		id:        id,
		cfg:       cfg,
		tm:        tm,
		phase:     PhasePreMatch,
		half:      1,
		round:     1,
		clockLeft: int(cfg.HalfClock / time.Second),
		teams:     make(map[string]*teamState, 2),
		teamOrder: []string{TeamAlpha, TeamBravo},
		byPlayer:  make(map[uuid.UUID]string),
		engine:    engine,
		monitor:   monitor,
		bots:      bots,
		rng:       rand.New(rand.NewSource(int64(id.ID()))),
		tasks:     tasks,
		rt:        rt,
		logger:    logger.With().Str("match_id", id.String()).Str("component", "team").Logger(),
	}

	m.slate = m.pickSlate()

	for i, teamID := range m.teamOrder {
		t := &teamState{
			id:           teamID,
			player:       make(map[uuid.UUID]*PlayerState, cfg.TeamSize),
			assignments:  make(map[Operation]uuid.UUID, cfg.SlotCount),
			timeoutsLeft: cfg.TimeoutsPerTeam,
			callinUsed:   make(map[int]bool, 2),
			departed:     make(map[uuid.UUID]bool),
		}
		for _, p := range rosters[i] {
			t.roster = append(t.roster, p.PlayerID)
			t.player[p.PlayerID] = p
			m.byPlayer[p.PlayerID] = teamID
		}
		t.igl, t.anchor = pickLeaders(t)
		m.teams[teamID] = t
	}

	// If nobody connects the match still resolves instead of leaking.
	m.phaseTimer = m.tasks.After(tm.PreMatchWait, m.preMatchExpired)
	return m
}

// pickSlate chooses the operations played this match, in slot order.
func (m *TeamMatch) pickSlate() []Operation {
	if m.cfg.SlotCount >= len(AllOperations) {
		slate := make([]Operation, len(AllOperations))
		copy(slate, AllOperations)
		return slate
	}
	perm := m.rng.Perm(len(AllOperations))
	slate := make([]Operation, 0, m.cfg.SlotCount)
	for _, idx := range perm[:m.cfg.SlotCount] {
		slate = append(slate, AllOperations[idx])
	}
	return slate
}

// pickLeaders selects the in-game leader and the anchor. Highest-rated
// human leads; the best remaining member anchors. Bots never lead but can
// anchor a short-handed roster.
func pickLeaders(t *teamState) (igl, anchor uuid.UUID) {
	bestElo := -1
	for _, id := range t.roster {
		p := t.player[id]
		if !p.IsBot && p.Elo > bestElo {
			bestElo = p.Elo
			igl = id
		}
	}
	if igl == uuid.Nil {
		igl = t.roster[0]
	}

	bestElo = -1
	for _, id := range t.roster {
		if id == igl {
			continue
		}
		p := t.player[id]
		if p.Elo > bestElo || (anchor == uuid.Nil && p.IsBot) {
			if !p.IsBot {
				bestElo = p.Elo
			}
			anchor = id
		}
	}
	if anchor == uuid.Nil {
		anchor = igl
	}
	return igl, anchor
}

// ID implements registry.Match.
func (m *TeamMatch) ID() uuid.UUID { return m.id }

// Teardown implements registry.Match.
func (m *TeamMatch) Teardown() {
	m.tasks.CancelAll()
}

// Mode returns the wire mode string.
func (m *TeamMatch) Mode() string { return m.cfg.Mode }

// TeamOf returns the team a player belongs to.
func (m *TeamMatch) TeamOf(playerID uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	teamID, ok := m.byPlayer[playerID]
	return teamID, ok
}

// Connect marks a rostered human as present. When both rosters are fully
// connected the strategy phase begins.
func (m *TeamMatch) Connect(playerID uuid.UUID) error {
	m.mu.Lock()

	teamID, ok := m.byPlayer[playerID]
	if !ok {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodePlayerNotFound, "player not rostered in this match")
	}
	p := m.teams[teamID].player[playerID]
	if p.Conn == nil {
		p.Conn = netcheck.NewStats(m.now())
	}

	if m.phase != PhasePreMatch {
		m.mu.Unlock()
		return nil // reconnect; caller sends catch-up separately
	}

	for _, t := range m.teams {
		if !t.connected() {
			m.mu.Unlock()
			return nil
		}
	}
	effects := m.beginStrategy()
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
	return nil
}

// preMatchExpired starts the match anyway once the join window lapses.
// Absent humans are treated as disconnected and can still catch up.
func (m *TeamMatch) preMatchExpired() {
	m.mu.Lock()
	if m.phase != PhasePreMatch {
		m.mu.Unlock()
		return
	}
	now := m.now()
	for _, t := range m.teams {
		for _, id := range t.roster {
			p := t.player[id]
			if !p.IsBot && p.Conn == nil {
				p.Conn = netcheck.NewStats(now)
				p.Conn.MarkDisconnect(0)
			}
		}
	}
	effects := m.beginStrategy()
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
}

// beginStrategy transitions PRE_MATCH (or halftime rollover) into the
// planning window. Caller holds the lock.
func (m *TeamMatch) beginStrategy() []Effect {
	m.startTime = m.now()
	m.clockTicker = m.tasks.Every(time.Second, m.secondTick)

	infos := make([]ws.PlayerInfo, 0, m.cfg.TeamSize*2)
	for _, teamID := range m.teamOrder {
		for _, id := range m.teams[teamID].roster {
			infos = append(infos, m.teams[teamID].player[id].Info())
		}
	}

	effects := []Effect{toMatch(ws.NewMessage(ws.TypeMatchFound, ws.MatchFoundPayload{
		MatchID: m.id.String(),
		Mode:    m.cfg.Mode,
		Players: infos,
	}))}
	effects = append(effects, m.enterPhase(PhaseStrategy, m.cfg.StrategyDuration, m.strategyExpired)...)
	return effects
}

// enterPhase switches the shared phase and arms its expiry timer. Caller
// holds the lock.
func (m *TeamMatch) enterPhase(phase string, d time.Duration, onExpire func()) []Effect {
	if m.phaseTimer != nil {
		m.phaseTimer.Cancel()
		m.phaseTimer = nil
	}
	m.phase = phase
	m.phaseDeadline = m.now().Add(d)
	m.phaseExpire = onExpire
	if onExpire != nil {
		m.phaseTimer = m.tasks.After(d, onExpire)
	}

	m.logger.Debug().Str("phase", phase).Int("half", m.half).Int("round", m.round).Msg("phase change")

	return []Effect{toMatch(ws.NewMessage(ws.TypePhaseChange, ws.PhaseChangePayload{
		MatchID:    m.id.String(),
		Phase:      phase,
		Round:      m.round,
		Half:       m.half,
		DurationMs: d.Milliseconds(),
	}))}
}

// extendPhase pushes the current phase deadline out, rescheduling the
// expiry timer with the same callback. Caller holds the lock.
func (m *TeamMatch) extendPhase(by time.Duration) {
	if m.phaseTimer != nil {
		m.phaseTimer.Cancel()
		m.phaseTimer = nil
	}
	m.phaseDeadline = m.phaseDeadline.Add(by)
	if m.phaseExpire == nil {
		return
	}
	remaining := m.phaseDeadline.Sub(m.now())
	if remaining < 0 {
		remaining = 0
	}
	m.phaseTimer = m.tasks.After(remaining, m.phaseExpire)
}

// strategyExpired closes the planning window, filling any slots the IGLs
// left open.
func (m *TeamMatch) strategyExpired() {
	m.mu.Lock()
	if m.phase != PhaseStrategy {
		m.mu.Unlock()
		return
	}
	effects := m.autoAssignOpenSlots()
	effects = append(effects, m.startRoundCountdown()...)
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
}

// autoAssignOpenSlots round-robins unassigned operations over each roster.
// Caller holds the lock.
func (m *TeamMatch) autoAssignOpenSlots() []Effect {
	var effects []Effect
	for _, teamID := range m.teamOrder {
		t := m.teams[teamID]
		next := 0
		for _, op := range m.slate {
			if _, ok := t.assignments[op]; ok {
				continue
			}
			t.assignments[op] = t.roster[next%len(t.roster)]
			next++
			effects = append(effects, toTeam(teamID, ws.NewMessage(ws.TypeSlotAdvance, ws.SlotAdvancePayload{
				MatchID:      m.id.String(),
				TeamID:       teamID,
				Slot:         m.slotIndex(op),
				Operation:    string(op),
				ActivePlayer: t.assignments[op].String(),
			})))
		}
	}
	return effects
}

func (m *TeamMatch) slotIndex(op Operation) int {
	for i, o := range m.slate {
		if o == op {
			return i
		}
	}
	return -1
}

// startRoundCountdown arms the pre-round count. Caller holds the lock.
func (m *TeamMatch) startRoundCountdown() []Effect {
	m.countdownLeft = m.cfg.CountdownSeconds
	d := time.Duration(m.cfg.CountdownSeconds) * time.Second
	effects := m.enterPhase(PhaseRoundCountdown, d, nil)
	effects = append(effects, toMatch(ws.NewMessage(ws.TypeRoundCountdownTick, ws.RoundCountdownTickPayload{
		MatchID:  m.id.String(),
		Round:    m.round,
		TimeLeft: m.countdownLeft,
	})))
	return effects
}

// secondTick is the match heartbeat: countdowns, the game clock, pings and
// integrity classification all advance here.
func (m *TeamMatch) secondTick() {
	m.mu.Lock()
	if m.phase == PhasePostMatch {
		m.mu.Unlock()
		return
	}

	var effects []Effect

	switch m.phase {
	case PhaseRoundCountdown:
		m.countdownLeft--
		if m.countdownLeft <= 0 {
			effects = append(effects, m.beginRound()...)
		} else {
			effects = append(effects, toMatch(ws.NewMessage(ws.TypeRoundCountdownTick, ws.RoundCountdownTickPayload{
				MatchID:  m.id.String(),
				Round:    m.round,
				TimeLeft: m.countdownLeft,
			})))
		}
	case PhaseActive:
		m.clockLeft--
		effects = append(effects, toMatch(ws.NewMessage(ws.TypeCountdownTick, ws.CountdownTickPayload{
			MatchID:  m.id.String(),
			TimeLeft: m.clockLeft,
		})))
		if m.clockLeft <= 0 {
			effects = append(effects, m.halfClockExpired()...)
		}
	}

	effects = append(effects, m.pingAndClassify()...)
	final := m.phase == PhasePostMatch
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, final)
}

// pingAndClassify emits app-level pings to every connected human and runs
// the integrity classifier. Caller holds the lock.
func (m *TeamMatch) pingAndClassify() []Effect {
	m.pingSeq++
	now := m.now()
	ping := ws.NewMessage(ws.TypePing, ws.PingPayload{
		MatchID: m.id.String(),
		Seq:     m.pingSeq,
		SentAt:  now.UnixMilli(),
	})

	var effects []Effect
	for _, teamID := range m.teamOrder {
		t := m.teams[teamID]
		for _, id := range t.roster {
			p := t.player[id]
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
	}
	return effects
}

// RecordPong feeds a pong into the sender's connection stats.
func (m *TeamMatch) RecordPong(playerID uuid.UUID, sentAtMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	teamID, ok := m.byPlayer[playerID]
	if !ok {
		return
	}
	p := m.teams[teamID].player[playerID]
	if p.Conn == nil {
		return
	}
	rtt := m.now().Sub(time.UnixMilli(sentAtMs))
	if rtt < 0 {
		rtt = 0
	}
	p.Conn.AddSample(rtt)
}

// MarkDisconnect counts a drop against the player's integrity. A drop
// mid-question cancels the armed window and skips the question; the player
// gets a fresh one on reconnect if their slot is still up.
func (m *TeamMatch) MarkDisconnect(playerID uuid.UUID, downFor time.Duration) {
	m.mu.Lock()

	teamID, ok := m.byPlayer[playerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t := m.teams[teamID]
	if p := t.player[playerID]; p.Conn != nil {
		p.Conn.MarkDisconnect(downFor)
	}

	effects := m.abandonQuestion(t, playerID)
	final := m.phase == PhasePostMatch
	m.mu.Unlock()

	if len(effects) > 0 {
		m.rt.Emit(m.id, effects)
		m.rt.Persist(m.id, final)
	}
}

func (m *TeamMatch) now() time.Time {
	return m.tasks.Clock().Now()
}

func (m *TeamMatch) otherTeam(teamID string) string {
	if teamID == TeamAlpha {
		return TeamBravo
	}
	return TeamAlpha
}

// finalRound reports whether the current round is the anchor round, the
// extra round appended to the second half.
func (m *TeamMatch) finalRound() bool {
	return m.half == 2 && m.round == m.cfg.RoundsPerHalf+1
}
