package match

import (
	"time"

	"github.com/google/uuid"

	apperrors "github.com/mathclash/arena/pkg/http/errors"

	"github.com/mathclash/arena/internal/match/netcheck"
	"github.com/mathclash/arena/internal/match/scoring"
	"github.com/mathclash/arena/pkg/http/ws"
)

// beginRound flips both teams into the relay. Caller holds the lock.
func (m *TeamMatch) beginRound() []Effect {
	for _, teamID := range m.teamOrder {
		t := m.teams[teamID]
		t.slot = 0
		t.answered = 0
		t.roundDone = false
		t.soloActive = m.finalRound() && t.soloChoice == "solo"
	}
	m.firstDone = ""

	effects := m.enterPhase(PhaseActive, time.Duration(m.clockLeft)*time.Second, nil)
	for _, teamID := range m.teamOrder {
		effects = append(effects, m.issueTeamQuestion(m.teams[teamID])...)
	}
	return effects
}

// activePlayerFor resolves who is on the clock for a team's current slot.
// Anchor Solo overrides everything; a Double Call-In scheduled for this
// round pulls the anchor onto its slot; otherwise the strategy assignment
// holds. Caller holds the lock.
func (m *TeamMatch) activePlayerFor(t *teamState) uuid.UUID {
	op := m.slate[t.slot]
	if t.soloActive {
		return t.anchor
	}
	if t.callin != nil && t.callin.Half == m.half && t.callin.Round == m.round && t.callin.Op == op {
		return t.anchor
	}
	return t.assignments[op]
}

// issueTeamQuestion hands the team's active player their next question and
// arms the answer window. Caller holds the lock.
func (m *TeamMatch) issueTeamQuestion(t *teamState) []Effect {
	op := m.slate[t.slot]
	active := m.activePlayerFor(t)
	p := t.player[active]

	// A departed player's slots drain as immediate skips rather than
	// running out the answer window question by question.
	if t.departed[active] {
		return m.applyResult(t, p, m.engine.Skip(), false, true, 0)
	}

	q := GenerateQuestion(m.rng, op)
	p.CurrentQuestion = &q
	p.QuestionStartTime = m.now()

	t.cancelQuestionTimers()
	teamID := t.id
	t.questionTimer = m.tasks.After(m.tm.QuestionWindow, func() { m.questionExpired(teamID, active) })
	t.warnTimer = m.tasks.After(m.tm.QuestionWindow-m.tm.QuestionWarning, func() { m.questionWarning(teamID, active) })

	effects := []Effect{
		toUser(active, ws.NewMessage(ws.TypeQuestion, ws.QuestionPayload{
			MatchID:   m.id.String(),
			PlayerID:  active.String(),
			Operation: string(q.Operation),
			OperandA:  q.OperandA,
			OperandB:  q.OperandB,
			WindowMs:  m.tm.QuestionWindow.Milliseconds(),
		})),
		toMatch(ws.NewMessage(ws.TypeOpponentQuestion, ws.OpponentQuestionPayload{
			MatchID:   m.id.String(),
			PlayerID:  active.String(),
			Operation: string(q.Operation),
			OperandA:  q.OperandA,
			OperandB:  q.OperandB,
		})),
	}

	if p.IsBot {
		delay, answer := m.bots.Plan(m.rng, p.BotLevel, q)
		if max := m.tm.QuestionWindow - time.Second; delay > max {
			delay = max
		}
		t.botTimer = m.tasks.After(delay, func() {
			if err := m.SubmitAnswer(active, answer); err != nil {
				m.logger.Debug().Err(err).Msg("bot answer dropped")
			}
		})
	}
	return effects
}

// questionWarning fires shortly before the answer window closes.
func (m *TeamMatch) questionWarning(teamID string, playerID uuid.UUID) {
	m.mu.Lock()
	t := m.teams[teamID]
	if m.phase != PhaseActive || t.roundDone || m.activePlayerFor(t) != playerID {
		m.mu.Unlock()
		return
	}
	effects := []Effect{toUser(playerID, ws.NewMessage(ws.TypeQuestionWarning, ws.QuestionWarningPayload{
		MatchID:     m.id.String(),
		PlayerID:    playerID.String(),
		RemainingMs: m.tm.QuestionWarning.Milliseconds(),
	}))}
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
}

// questionExpired force-skips an unanswered question.
func (m *TeamMatch) questionExpired(teamID string, playerID uuid.UUID) {
	m.mu.Lock()
	t := m.teams[teamID]
	p := t.player[playerID]
	if m.phase != PhaseActive || t.roundDone || p.CurrentQuestion == nil || m.activePlayerFor(t) != playerID {
		m.mu.Unlock()
		return
	}

	res := m.engine.Skip()
	effects := m.applyResult(t, p, res, false, true, m.tm.QuestionWindow)
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
}

// abandonQuestion skip-resolves the pending question of an active player
// who left or dropped, cancelling the armed window rather than letting it
// run out. Caller holds the lock.
func (m *TeamMatch) abandonQuestion(t *teamState, playerID uuid.UUID) []Effect {
	p := t.player[playerID]
	if m.phase != PhaseActive || t.roundDone || p.CurrentQuestion == nil || m.activePlayerFor(t) != playerID {
		return nil
	}
	return m.applyResult(t, p, m.engine.Skip(), false, true, m.now().Sub(p.QuestionStartTime))
}

// SubmitAnswer scores an answer from the team's active player.
func (m *TeamMatch) SubmitAnswer(playerID uuid.UUID, answer int) error {
	m.mu.Lock()

	if m.phase != PhaseActive {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeWrongPhase, "round is not active")
	}
	teamID, ok := m.byPlayer[playerID]
	if !ok {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodePlayerNotFound, "player not rostered in this match")
	}
	t := m.teams[teamID]
	if t.roundDone {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeWrongPhase, "team already finished the round")
	}
	if m.activePlayerFor(t) != playerID {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeNotActivePlayer, "not the active player for this slot")
	}
	p := t.player[playerID]
	if p.CurrentQuestion == nil {
		m.mu.Unlock()
		return apperrors.E(apperrors.ErrCodeSubmitFailed, "no question pending")
	}

	elapsed := m.now().Sub(p.QuestionStartTime)
	correct := answer == p.CurrentQuestion.Answer

	var res scoring.Result
	if correct {
		res = m.engine.Correct(elapsed, p.Streak)
	} else {
		res = m.engine.Wrong()
	}

	effects := m.applyResult(t, p, res, correct, false, elapsed)
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
	return nil
}

// applyResult commits a scored question (answered or skipped) and moves the
// team's relay forward. Caller holds the lock.
func (m *TeamMatch) applyResult(t *teamState, p *PlayerState, res scoring.Result, correct, skipped bool, elapsed time.Duration) []Effect {
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
	t.score = m.engine.ApplyFloor(t.score + res.Delta)
	t.answered++
	t.cancelQuestionTimers()

	effects := []Effect{toMatch(ws.NewMessage(ws.TypeAnswerResult, ws.AnswerResultPayload{
		MatchID:        m.id.String(),
		PlayerID:       p.PlayerID.String(),
		Correct:        correct,
		Skipped:        skipped,
		Delta:          res.Delta,
		Score:          p.Score,
		Streak:         p.Streak,
		MilestoneBonus: res.MilestoneBonus,
		AnswerTimeMs:   elapsed.Milliseconds(),
	}))}

	if t.answered < m.cfg.SlotQuota {
		return append(effects, m.issueTeamQuestion(t)...)
	}

	// Slot quota met; advance the relay.
	t.slot++
	t.answered = 0
	if t.slot < len(m.slate) {
		op := m.slate[t.slot]
		effects = append(effects, toMatch(ws.NewMessage(ws.TypeSlotAdvance, ws.SlotAdvancePayload{
			MatchID:      m.id.String(),
			TeamID:       t.id,
			Slot:         t.slot,
			Operation:    string(op),
			ActivePlayer: m.activePlayerFor(t).String(),
		})))
		return append(effects, m.issueTeamQuestion(t)...)
	}

	// Team finished every slot this round.
	t.roundDone = true
	t.cancelQuestionTimers()
	if m.firstDone == "" {
		m.firstDone = t.id
		t.score += m.cfg.FirstFinishBonus
	}

	for _, other := range m.teams {
		if !other.roundDone {
			return effects
		}
	}
	return append(effects, m.endRound(false)...)
}

// endRound closes the round for both teams and routes to the next phase.
// forced means the half clock ran out mid-round. Caller holds the lock.
func (m *TeamMatch) endRound(forced bool) []Effect {
	for _, t := range m.teams {
		t.cancelQuestionTimers()
		t.roundDone = true
		// A call-in survives only until its scheduled round completes.
		if t.callin != nil && t.callin.Half == m.half && t.callin.Round <= m.round {
			t.callin = nil
		}
	}

	scores := m.teamScores()
	bonus := 0
	if m.firstDone != "" {
		bonus = m.cfg.FirstFinishBonus
	}
	effects := []Effect{toMatch(ws.NewMessage(ws.TypeRoundResult, ws.RoundResultPayload{
		MatchID:    m.id.String(),
		Round:      m.round,
		Half:       m.half,
		Scores:     scores,
		FirstDone:  m.firstDone,
		BonusAward: bonus,
	}))}

	switch {
	case m.half == 2 && (m.finalRound() || forced):
		return append(effects, m.endMatch("", false)...)
	case m.half == 1 && (m.round == m.cfg.RoundsPerHalf || forced):
		return append(effects, m.enterRest(PhaseHalftime, m.cfg.HalftimeDuration, m.halftimeExpired)...)
	case m.half == 2 && m.round == m.cfg.RoundsPerHalf:
		return append(effects, m.beginSoloDecision()...)
	default:
		return append(effects, m.enterRest(PhaseBreak, m.cfg.BreakDuration, m.breakExpired)...)
	}
}

// enterRest opens a break or halftime, folding in any timeouts queued
// during play. Caller holds the lock.
func (m *TeamMatch) enterRest(phase string, d time.Duration, onExpire func()) []Effect {
	var effects []Effect
	for _, teamID := range m.teamOrder {
		t := m.teams[teamID]
		for t.queuedTimeouts > 0 {
			t.queuedTimeouts--
			d += m.tm.TimeoutExtension
		}
	}
	effects = append(effects, m.enterPhase(phase, d, onExpire)...)
	return effects
}

func (m *TeamMatch) breakExpired() {
	m.mu.Lock()
	if m.phase != PhaseBreak {
		m.mu.Unlock()
		return
	}
	m.round++
	effects := m.startRoundCountdown()
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
}

func (m *TeamMatch) halftimeExpired() {
	m.mu.Lock()
	if m.phase != PhaseHalftime {
		m.mu.Unlock()
		return
	}
	m.half = 2
	m.round = 1
	m.clockLeft = int(m.cfg.HalfClock / time.Second)
	effects := m.startRoundCountdown()
	m.mu.Unlock()

	m.rt.Emit(m.id, effects)
	m.rt.Persist(m.id, false)
}

// halfClockExpired ends the half the moment the shared clock hits zero,
// even mid-slot. Caller holds the lock.
func (m *TeamMatch) halfClockExpired() []Effect {
	return m.endRound(true)
}

// teamScores snapshots both team totals. Caller holds the lock.
func (m *TeamMatch) teamScores() map[string]int {
	scores := make(map[string]int, len(m.teams))
	for id, t := range m.teams {
		scores[id] = t.score
	}
	return scores
}

// integrity reduces every human's connection state to the match flag.
// Caller holds the lock.
func (m *TeamMatch) integrity() netcheck.State {
	var states []netcheck.State
	for _, t := range m.teams {
		for _, id := range t.roster {
			p := t.player[id]
			if !p.IsBot && p.Conn != nil {
				states = append(states, p.Conn.State)
			}
		}
	}
	return netcheck.WorstOf(states)
}

// endMatch closes the match. forfeitLoser names the team that quit, empty
// for a played-out finish. Caller holds the lock.
func (m *TeamMatch) endMatch(forfeitLoser string, forfeit bool) []Effect {
	if m.phase == PhasePostMatch {
		return nil
	}
	for _, t := range m.teams {
		t.cancelQuestionTimers()
		if t.vote != nil && t.vote.timer != nil {
			t.vote.timer.Cancel()
			t.vote = nil
		}
	}
	if m.phaseTimer != nil {
		m.phaseTimer.Cancel()
		m.phaseTimer = nil
	}
	m.phase = PhasePostMatch

	scores := m.teamScores()
	winner := ""
	if forfeit {
		winner = m.otherTeam(forfeitLoser)
	} else {
		best := -1
		draw := false
		for _, teamID := range m.teamOrder {
			s := scores[teamID]
			if s > best {
				best, winner, draw = s, teamID, false
			} else if s == best {
				draw = true
			}
		}
		if draw {
			winner = ""
		}
	}

	integrity := m.integrity()
	outcome := Outcome{
		MatchID:   m.id,
		Mode:      m.cfg.Mode,
		Winner:    winner,
		Forfeit:   forfeit,
		Integrity: integrity,
		Ranked:    integrity != netcheck.StateRed,
		StartedAt: m.startTime,
		EndedAt:   m.now(),
	}

	var stats []ws.PlayerStats
	for _, teamID := range m.teamOrder {
		t := m.teams[teamID]
		for _, id := range t.roster {
			p := t.player[id]
			st := netcheck.StateGreen
			if p.Conn != nil {
				st = p.Conn.State
			}
			stats = append(stats, p.Stats(st))
			outcome.Players = append(outcome.Players, PlayerOutcome{
				PlayerID:  id,
				TeamID:    teamID,
				Score:     p.Score,
				Correct:   p.Correct,
				Attempted: p.Attempted,
				MaxStreak: p.MaxStreak,
				Integrity: st,
				IsBot:     p.IsBot,
			})
		}
	}

	if !m.recorded {
		m.recorded = true
		m.rt.RecordOutcome(outcome)
	}

	matchID := m.id
	m.tasks.After(m.tm.GracePeriod, func() {
		m.rt.Teardown(matchID)
	})

	m.logger.Info().Str("winner", winner).Bool("forfeit", forfeit).Msg("match ended")

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

// CatchUp emits the authoritative snapshot to a (re)joining player.
func (m *TeamMatch) CatchUp(playerID uuid.UUID) {
	m.mu.Lock()
	teamID, ok := m.byPlayer[playerID]
	if !ok {
		m.mu.Unlock()
		return
	}

	now := m.now()
	remaining := m.phaseDeadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	active := make([]string, 0, len(m.teams))
	currentSlot := make(map[string]int, len(m.teams))
	inSlot := make(map[string]int, len(m.teams))
	for _, tid := range m.teamOrder {
		t := m.teams[tid]
		currentSlot[tid] = t.slot
		inSlot[tid] = t.answered
		if m.phase == PhaseActive && !t.roundDone {
			active = append(active, m.activePlayerFor(t).String())
		}
	}

	payload := ws.MatchStatePayload{
		MatchID:         m.id.String(),
		Mode:            m.cfg.Mode,
		Phase:           m.phase,
		Round:           m.round,
		Half:            m.half,
		RemainingMs:     remaining.Milliseconds(),
		GameClockMs:     int64(m.clockLeft) * 1000,
		Scores:          m.teamScores(),
		ActivePlayers:   active,
		CurrentSlot:     currentSlot,
		QuestionsInSlot: inSlot,
	}

	t := m.teams[teamID]
	if m.phase == PhaseActive && !t.roundDone && m.activePlayerFor(t) == playerID {
		if q := t.player[playerID].CurrentQuestion; q != nil {
			windowLeft := m.tm.QuestionWindow - now.Sub(t.player[playerID].QuestionStartTime)
			if windowLeft < 0 {
				windowLeft = 0
			}
			payload.Question = &ws.QuestionPayload{
				MatchID:   m.id.String(),
				PlayerID:  playerID.String(),
				Operation: string(q.Operation),
				OperandA:  q.OperandA,
				OperandB:  q.OperandB,
				WindowMs:  windowLeft.Milliseconds(),
			}
		}
	}
	m.mu.Unlock()

	m.rt.Emit(m.id, []Effect{toUser(playerID, ws.NewMessage(ws.TypeMatchState, payload))})
}
