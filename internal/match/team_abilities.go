package match

import (
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/mathclash/arena/pkg/http/errors"

	"github.com/mathclash/arena/pkg/http/ws"
)

// planningPhase reports whether slot assignments and call-ins may change.
func (m *TeamMatch) planningPhase() bool {
	switch m.phase {
	case PhaseStrategy, PhaseBreak, PhaseHalftime:
		return true
	}
	return false
}

// iglTeam resolves the caller's team and verifies leadership. Caller holds
// the lock.
func (m *TeamMatch) iglTeam(callerID uuid.UUID) (*teamState, error) {
	teamID, ok := m.byPlayer[callerID]
	if !ok {
		return nil, apperrors.E(apperrors.ErrCodePlayerNotFound, "player not rostered in this match")
	}
	t := m.teams[teamID]
	if t.igl != callerID {
		return nil, apperrors.E(apperrors.ErrCodeNotIGL, "only the in-game leader can do that")
	}
	return t, nil
}

// AssignSlot lets the IGL place a teammate on an operation slot during any
// planning window. Assignments are team-private.
func (m *TeamMatch) AssignSlot(callerID uuid.UUID, operation string, targetID uuid.UUID) error {
	m.mu.Lock()

	if !m.planningPhase() {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeWrongPhase, "slots can only change between rounds")
	}
	t, err := m.iglTeam(callerID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	op := Operation(operation)
	if m.slotIndex(op) < 0 {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeInvalidRequest, fmt.Sprintf("operation %q is not played this match", operation))
	}
	if _, ok := t.player[targetID]; !ok {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodePlayerNotFound, "target is not on your team")
	}

	t.assignments[op] = targetID
	effects := []Effect{toTeam(t.id, ws.NewMessage(ws.TypeSlotAdvance, ws.SlotAdvancePayload{
		MatchID:      m.id.String(),
		TeamID:       t.id,
		Slot:         m.slotIndex(op),
		Operation:    operation,
		ActivePlayer: targetID.String(),
	}))}
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
	return nil
}

// nextRoundTarget computes which half and round the next played round is,
// given the current planning phase. Caller holds the lock.
func (m *TeamMatch) nextRoundTarget() (half, round int) {
	switch m.phase {
	case PhaseStrategy:
		return 1, 1
	case PhaseHalftime:
		return 2, 1
	default: // PhaseBreak
		return m.half, m.round + 1
	}
}

// CallDoubleCallin schedules the anchor to take over one slot in the next
// round. Usable once per half; the first half allows any regular round, the
// second half only its opening round. The anchor's own slot is off limits.
func (m *TeamMatch) CallDoubleCallin(callerID uuid.UUID, operation string) error {
	m.mu.Lock()

	if !m.planningPhase() {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeWrongPhase, "call-ins are declared between rounds")
	}
	t, err := m.iglTeam(callerID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	op := Operation(operation)
	if m.slotIndex(op) < 0 {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeInvalidRequest, fmt.Sprintf("operation %q is not played this match", operation))
	}

	half, round := m.nextRoundTarget()
	if half == 2 && round > 1 {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeAbilityUnavailable, "second-half call-ins must target the opening round")
	}
	if t.callinUsed[half] {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeAbilityUnavailable, "call-in already used this half")
	}
	if t.assignments[op] == t.anchor {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeAbilityUnavailable, "anchor already holds that slot")
	}

	t.callinUsed[half] = true
	t.callin = &callinPlan{Op: op, Half: half, Round: round}

	effects := []Effect{toTeam(t.id, ws.NewMessage(ws.TypeDoubleCallinSet, ws.DoubleCallinSetPayload{
		MatchID:   m.id.String(),
		TeamID:    t.id,
		Operation: operation,
		ForRound:  round,
	}))}
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
	return nil
}

// beginSoloDecision opens the hidden simultaneous choice before the anchor
// round. Caller holds the lock.
func (m *TeamMatch) beginSoloDecision() []Effect {
	for _, t := range m.teams {
		t.soloChoice = ""
	}
	return m.enterPhase(PhaseSoloDecision, m.tm.SoloDecisionWindow, m.soloDecisionExpired)
}

// SoloDecision records an IGL's hidden choice for the anchor round. The
// reveal waits for both teams or the window, whichever is first.
func (m *TeamMatch) SoloDecision(callerID uuid.UUID, decision string) error {
	m.mu.Lock()

	if m.phase != PhaseSoloDecision {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeWrongPhase, "no solo decision pending")
	}
	t, err := m.iglTeam(callerID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if decision != "solo" && decision != "normal" {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeInvalidPayload, "decision must be solo or normal")
	}

	t.soloChoice = decision
	for _, other := range m.teams {
		if other.soloChoice == "" {
			m.mu.Unlock()
			return nil
		}
	}
	effects := m.revealSolo()
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
	return nil
}

// soloDecisionExpired defaults silent teams to a normal anchor round.
func (m *TeamMatch) soloDecisionExpired() {
	m.mu.Lock()
	if m.phase != PhaseSoloDecision {
		m.mu.Unlock()
		return
	}
	for _, t := range m.teams {
		if t.soloChoice == "" {
			t.soloChoice = "normal"
		}
	}
	effects := m.revealSolo()
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
}

// revealSolo publishes both choices at once and rolls into the anchor
// round. Caller holds the lock.
func (m *TeamMatch) revealSolo() []Effect {
	decisions := make(map[string]string, len(m.teams))
	for id, t := range m.teams {
		decisions[id] = t.soloChoice
	}

	effects := []Effect{toMatch(ws.NewMessage(ws.TypeSoloReveal, ws.SoloRevealPayload{
		MatchID:   m.id.String(),
		Decisions: decisions,
	}))}

	m.round = m.cfg.RoundsPerHalf + 1
	return append(effects, m.startRoundCountdown()...)
}

// CallTimeout spends one of the team's timeouts. During a rest phase it
// extends the clock in place; during play it queues onto the next break.
func (m *TeamMatch) CallTimeout(callerID uuid.UUID) error {
	m.mu.Lock()

	t, err := m.iglTeam(callerID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if t.timeoutsLeft <= 0 {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeNoTimeoutsLeft, "no timeouts remaining")
	}

	queued := false
	switch m.phase {
	case PhaseStrategy, PhaseBreak, PhaseHalftime, PhaseSoloDecision:
		m.extendPhase(m.tm.TimeoutExtension)
	case PhaseActive, PhaseRoundCountdown:
		t.queuedTimeouts++
		queued = true
	default:
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeWrongPhase, "timeouts are unavailable right now")
	}
	t.timeoutsLeft--

	effects := []Effect{toMatch(ws.NewMessage(ws.TypeTimeoutCalled, ws.TimeoutCalledPayload{
		MatchID:     m.id.String(),
		TeamID:      t.id,
		Queued:      queued,
		ExtensionMs: m.tm.TimeoutExtension.Milliseconds(),
		Remaining:   t.timeoutsLeft,
	}))}
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
	return nil
}

// StartQuitVote opens a team forfeit vote. Only the in-game leader can
// start one; the initiator votes yes implicitly. A lone human with bot
// teammates forfeits immediately, no vote needed.
func (m *TeamMatch) StartQuitVote(callerID uuid.UUID) error {
	m.mu.Lock()

	if m.phase == PhasePreMatch || m.phase == PhasePostMatch {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeWrongPhase, "nothing to quit right now")
	}
	t, err := m.iglTeam(callerID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if t.vote != nil {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeVoteInProgress, "a quit vote is already running")
	}

	humans := t.humans()
	if len(humans) <= 1 {
		effects := m.endMatch(t.id, true)
		m.mu.Unlock()
		m.rt.Emit(m.id, effects)
		m.rt.Persist(m.id, true)
		return nil
	}

	teamID := t.id
	vote := &quitVote{votes: map[uuid.UUID]string{callerID: "yes"}}
	vote.timer = m.tasks.After(m.tm.QuitVoteWindow, func() { m.quitVoteExpired(teamID) })
	t.vote = vote

	effects := []Effect{m.voteUpdate(t, false, "")}
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	return nil
}

// CastQuitVote records a teammate's vote. A simple majority of the team's
// humans voting yes forfeits; once a majority is out of reach the vote
// resolves to stay.
func (m *TeamMatch) CastQuitVote(callerID uuid.UUID, vote string) error {
	m.mu.Lock()

	teamID, ok := m.byPlayer[callerID]
	if !ok {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodePlayerNotFound, "player not rostered in this match")
	}
	t := m.teams[teamID]
	if t.vote == nil {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeNoVoteInProgress, "no quit vote running")
	}
	if t.player[callerID].IsBot || t.departed[callerID] {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeInvalidRequest, "not an eligible voter")
	}
	if vote != "yes" && vote != "no" {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeInvalidPayload, "vote must be yes or no")
	}

	t.vote.votes[callerID] = vote

	humans := t.humans()
	need := len(humans)/2 + 1
	yes, no := 0, 0
	for _, id := range humans {
		switch t.vote.votes[id] {
		case "yes":
			yes++
		case "no":
			no++
		}
	}

	switch {
	case yes >= need:
		t.vote.timer.Cancel()
		effects := []Effect{m.voteUpdate(t, true, "quit")}
		t.vote = nil
		effects = append(effects, m.endMatch(teamID, true)...)
		m.mu.Unlock()
		m.rt.Emit(m.id, effects)
		m.rt.Persist(m.id, true)
	case len(humans)-no < need:
		t.vote.timer.Cancel()
		update := m.voteUpdate(t, true, "stay")
		t.vote = nil
		m.mu.Unlock()
		m.rt.Emit(m.id, []Effect{update})
	default:
		update := m.voteUpdate(t, false, "")
		m.mu.Unlock()
		m.rt.Emit(m.id, []Effect{update})
	}
	return nil
}

// quitVoteExpired resolves an unfinished vote as stay; a majority would
// already have resolved it.
func (m *TeamMatch) quitVoteExpired(teamID string) {
	m.mu.Lock()
	t := m.teams[teamID]
	if t.vote == nil {
		m.mu.Unlock()
		return
	}
	update := m.voteUpdate(t, true, "stay")
	t.vote = nil
	m.mu.Unlock()

	m.rt.Emit(m.id, []Effect{update})
}

// voteUpdate builds the team-private tally. Caller holds the lock.
func (m *TeamMatch) voteUpdate(t *teamState, resolved bool, outcome string) Effect {
	votes := make(map[string]string, len(t.roster))
	for _, id := range t.humans() {
		votes[id.String()] = t.vote.votes[id]
	}
	return toTeam(t.id, ws.NewMessage(ws.TypeQuitVoteUpdate, ws.QuitVoteUpdatePayload{
		MatchID:  m.id.String(),
		TeamID:   t.id,
		Votes:    votes,
		Resolved: resolved,
		Outcome:  outcome,
	}))
}

// Leave removes a human from the match for good. The last human out
// forfeits for the team; otherwise leadership devolves, the leaver's armed
// question window is cancelled, and their slots drain as skips.
func (m *TeamMatch) Leave(playerID uuid.UUID) {
	m.mu.Lock()

	teamID, ok := m.byPlayer[playerID]
	if !ok || m.phase == PhasePostMatch {
		m.mu.Unlock()
		return
	}
	t := m.teams[teamID]
	p := t.player[playerID]
	if p.IsBot || t.departed[playerID] {
		m.mu.Unlock()
		return
	}

	t.departed[playerID] = true
	if p.Conn != nil {
		p.Conn.MarkDisconnect(0)
	}
	if t.vote != nil {
		delete(t.vote.votes, playerID)
	}

	humans := t.humans()
	if len(humans) == 0 {
		effects := m.endMatch(teamID, true)
		m.mu.Unlock()
		m.rt.Emit(m.id, effects)
		m.rt.Persist(m.id, true)
		return
	}

	if t.igl == playerID {
		best := -1
		for _, id := range humans {
			if t.player[id].Elo > best {
				best = t.player[id].Elo
				t.igl = id
			}
		}
	}

	effects := m.abandonQuestion(t, playerID)
	final := m.phase == PhasePostMatch
	m.mu.Unlock()

	if len(effects) > 0 {
		m.rt.Emit(m.id, effects)
	}
	m.rt.Persist(m.id, final)
}
