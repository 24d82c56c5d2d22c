package match

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mathclash/arena/pkg/http/errors"

	"github.com/mathclash/arena/pkg/http/ws"
)

func TestAssignSlotValidation(t *testing.T) {
	m, rosters, _ := newTeamFixture(t, Mode2v2)
	connectAll(t, m, rosters)

	igl := m.teams[TeamAlpha].igl
	anchor := m.teams[TeamAlpha].anchor
	op := string(m.slate[0])

	err := m.AssignSlot(anchor, op, igl)
	assert.Equal(t, apperrors.ErrCodeNotIGL, apperrors.CodeOf(err))

	err = m.AssignSlot(igl, "nonsense", anchor)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, apperrors.CodeOf(err))

	err = m.AssignSlot(igl, op, rosters[1][0].PlayerID)
	assert.Equal(t, apperrors.ErrCodePlayerNotFound, apperrors.CodeOf(err))

	require.NoError(t, m.AssignSlot(igl, op, anchor))
	assert.Equal(t, anchor, m.teams[TeamAlpha].assignments[m.slate[0]])

	// Live rounds lock the board.
	m.strategyExpired()
	runCountdown(t, m)
	err = m.AssignSlot(igl, op, igl)
	assert.Equal(t, apperrors.ErrCodeWrongPhase, apperrors.CodeOf(err))
}

func TestDoubleCallinOverridesSlot(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	connectAll(t, m, rosters)

	alpha := m.teams[TeamAlpha]
	// Anchor on slot 1 so slot 0 is a legal call-in target.
	require.NoError(t, m.AssignSlot(alpha.igl, string(m.slate[0]), alpha.igl))
	require.NoError(t, m.AssignSlot(alpha.igl, string(m.slate[1]), alpha.anchor))

	require.NoError(t, m.CallDoubleCallin(alpha.igl, string(m.slate[0])))

	var set ws.DoubleCallinSetPayload
	rt.lastOfType(t, ws.TypeDoubleCallinSet, &set)
	assert.Equal(t, string(m.slate[0]), set.Operation)
	assert.Equal(t, 1, set.ForRound)

	m.strategyExpired()
	runCountdown(t, m)

	// The anchor is pulled onto the called slot instead of the assignee.
	assert.Equal(t, alpha.anchor, m.activePlayerFor(alpha))

	answerTeam(t, m, TeamAlpha)
	answerTeam(t, m, TeamBravo)

	// The plan lapses once its round completes.
	assert.Nil(t, alpha.callin)
	assert.Equal(t, alpha.igl, alpha.assignments[m.slate[0]], "strategy assignment is untouched")
}

func TestDoubleCallinRestrictions(t *testing.T) {
	m, rosters, _ := newTeamFixture(t, Mode2v2)
	connectAll(t, m, rosters)

	alpha := m.teams[TeamAlpha]
	require.NoError(t, m.AssignSlot(alpha.igl, string(m.slate[0]), alpha.igl))
	require.NoError(t, m.AssignSlot(alpha.igl, string(m.slate[1]), alpha.anchor))

	// The anchor cannot be called onto a slot it already holds.
	err := m.CallDoubleCallin(alpha.igl, string(m.slate[1]))
	assert.Equal(t, apperrors.ErrCodeAbilityUnavailable, apperrors.CodeOf(err))

	err = m.CallDoubleCallin(alpha.anchor, string(m.slate[0]))
	assert.Equal(t, apperrors.ErrCodeNotIGL, apperrors.CodeOf(err))

	// Once per half.
	require.NoError(t, m.CallDoubleCallin(alpha.igl, string(m.slate[0])))
	err = m.CallDoubleCallin(alpha.igl, string(m.slate[0]))
	assert.Equal(t, apperrors.ErrCodeAbilityUnavailable, apperrors.CodeOf(err))

	// A second-half break only allows targeting its opening round, which has
	// already passed by then.
	m.phase = PhaseBreak
	m.half = 2
	m.round = 1
	err = m.CallDoubleCallin(alpha.igl, string(m.slate[0]))
	assert.Equal(t, apperrors.ErrCodeAbilityUnavailable, apperrors.CodeOf(err))
}

func TestDoubleCallinDuringBreakTargetsNextRound(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	connectAll(t, m, rosters)
	m.strategyExpired()
	playRound(t, m)
	require.Equal(t, PhaseBreak, m.phase)

	// Auto-assignment put the anchor on slot 1, so slot 0 is callable.
	alpha := m.teams[TeamAlpha]
	op := m.slate[0]
	holder := alpha.assignments[op]
	require.NotEqual(t, alpha.anchor, holder)
	require.NoError(t, m.CallDoubleCallin(alpha.igl, string(op)))

	var set ws.DoubleCallinSetPayload
	rt.lastOfType(t, ws.TypeDoubleCallinSet, &set)
	assert.Equal(t, 2, set.ForRound)

	m.breakExpired()
	require.Equal(t, 2, m.round)
	runCountdown(t, m)
	assert.Equal(t, alpha.anchor, m.activePlayerFor(alpha))

	answerTeam(t, m, TeamAlpha)
	answerTeam(t, m, TeamBravo)

	// The plan clears with round 2; the board itself never changed hands.
	assert.Nil(t, alpha.callin)
	assert.Equal(t, holder, alpha.assignments[op])
}

func TestSoloDecisionReveal(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	connectAll(t, m, rosters)
	m.autoAssignOpenSlots()
	m.half = 2
	m.round = m.cfg.RoundsPerHalf
	m.rt.Emit(m.id, m.beginSoloDecision())

	err := m.SoloDecision(m.teams[TeamAlpha].anchor, "solo")
	assert.Equal(t, apperrors.ErrCodeNotIGL, apperrors.CodeOf(err))

	err = m.SoloDecision(m.teams[TeamAlpha].igl, "maybe")
	assert.Equal(t, apperrors.ErrCodeInvalidPayload, apperrors.CodeOf(err))

	// Nothing leaks until both sides have chosen.
	require.NoError(t, m.SoloDecision(m.teams[TeamAlpha].igl, "solo"))
	assert.Empty(t, rt.messagesOfType(ws.TypeSoloReveal))

	require.NoError(t, m.SoloDecision(m.teams[TeamBravo].igl, "normal"))

	var reveal ws.SoloRevealPayload
	rt.lastOfType(t, ws.TypeSoloReveal, &reveal)
	assert.Equal(t, "solo", reveal.Decisions[TeamAlpha])
	assert.Equal(t, "normal", reveal.Decisions[TeamBravo])
	assert.Equal(t, m.cfg.RoundsPerHalf+1, m.round)

	// A solo team runs its whole anchor round through the anchor.
	runCountdown(t, m)
	alpha := m.teams[TeamAlpha]
	assert.True(t, alpha.soloActive)
	for i := 0; !alpha.roundDone; i++ {
		require.Less(t, i, 100)
		active := m.activePlayerFor(alpha)
		assert.Equal(t, alpha.anchor, active)
		require.NoError(t, m.SubmitAnswer(active, alpha.player[active].CurrentQuestion.Answer))
	}

	bravo := m.teams[TeamBravo]
	assert.False(t, bravo.soloActive)
	assert.NotEqual(t, bravo.anchor, m.activePlayerFor(bravo))
}

func TestTimeoutExtendsRestPhase(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	connectAll(t, m, rosters)

	alpha := m.teams[TeamAlpha]
	before := m.phaseDeadline
	require.NoError(t, m.CallTimeout(alpha.igl))

	assert.Equal(t, before.Add(m.tm.TimeoutExtension), m.phaseDeadline)
	assert.Equal(t, m.cfg.TimeoutsPerTeam-1, alpha.timeoutsLeft)

	var called ws.TimeoutCalledPayload
	rt.lastOfType(t, ws.TypeTimeoutCalled, &called)
	assert.False(t, called.Queued)
	assert.Equal(t, m.cfg.TimeoutsPerTeam-1, called.Remaining)

	// Timeouts run out.
	require.NoError(t, m.CallTimeout(alpha.igl))
	err := m.CallTimeout(alpha.igl)
	assert.Equal(t, apperrors.ErrCodeNoTimeoutsLeft, apperrors.CodeOf(err))
}

func TestTimeoutDuringPlayQueuesOntoNextBreak(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	toActive(t, m, rosters)

	alpha := m.teams[TeamAlpha]
	require.NoError(t, m.CallTimeout(alpha.igl))
	assert.Equal(t, 1, alpha.queuedTimeouts)

	var called ws.TimeoutCalledPayload
	rt.lastOfType(t, ws.TypeTimeoutCalled, &called)
	assert.True(t, called.Queued)

	answerTeam(t, m, TeamAlpha)
	answerTeam(t, m, TeamBravo)

	require.Equal(t, PhaseBreak, m.phase)
	assert.Equal(t, 0, alpha.queuedTimeouts)
	want := m.now().Add(m.cfg.BreakDuration + m.tm.TimeoutExtension)
	assert.Equal(t, want, m.phaseDeadline)
}

func TestQuitVoteMajorityYesForfeits(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	connectAll(t, m, rosters)

	err := m.CastQuitVote(rosters[0][0].PlayerID, "yes")
	assert.Equal(t, apperrors.ErrCodeNoVoteInProgress, apperrors.CodeOf(err))

	// Only the leader can call the vote.
	err = m.StartQuitVote(rosters[0][1].PlayerID)
	assert.Equal(t, apperrors.ErrCodeNotIGL, apperrors.CodeOf(err))

	require.NoError(t, m.StartQuitVote(rosters[0][0].PlayerID))
	err = m.StartQuitVote(rosters[0][0].PlayerID)
	assert.Equal(t, apperrors.ErrCodeVoteInProgress, apperrors.CodeOf(err))

	// The initiator is already a yes; the teammate's yes makes 2 of 2.
	require.NoError(t, m.CastQuitVote(rosters[0][1].PlayerID, "yes"))

	var update ws.QuitVoteUpdatePayload
	rt.lastOfType(t, ws.TypeQuitVoteUpdate, &update)
	assert.True(t, update.Resolved)
	assert.Equal(t, "quit", update.Outcome)

	var end ws.MatchEndPayload
	rt.lastOfType(t, ws.TypeMatchEnd, &end)
	assert.True(t, end.Forfeit)
	assert.Equal(t, TeamBravo, end.Winner)
}

func TestQuitVoteResolvesAtMajority(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode5v5)
	connectAll(t, m, rosters)

	// 5 humans, so 3 yes votes carry the team out.
	require.NoError(t, m.StartQuitVote(rosters[0][0].PlayerID))
	require.NoError(t, m.CastQuitVote(rosters[0][1].PlayerID, "yes"))
	require.NoError(t, m.CastQuitVote(rosters[0][2].PlayerID, "no"))
	assert.NotNil(t, m.teams[TeamAlpha].vote)
	assert.Empty(t, rt.messagesOfType(ws.TypeMatchEnd))

	require.NoError(t, m.CastQuitVote(rosters[0][3].PlayerID, "yes"))

	var update ws.QuitVoteUpdatePayload
	rt.lastOfType(t, ws.TypeQuitVoteUpdate, &update)
	assert.True(t, update.Resolved)
	assert.Equal(t, "quit", update.Outcome)

	var end ws.MatchEndPayload
	rt.lastOfType(t, ws.TypeMatchEnd, &end)
	assert.True(t, end.Forfeit)
	assert.Equal(t, TeamBravo, end.Winner)
}

func TestQuitVoteMajorityOutOfReachStays(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	connectAll(t, m, rosters)

	// With 2 humans, a single no means yes can never reach a majority.
	require.NoError(t, m.StartQuitVote(rosters[0][0].PlayerID))
	require.NoError(t, m.CastQuitVote(rosters[0][1].PlayerID, "no"))

	var update ws.QuitVoteUpdatePayload
	rt.lastOfType(t, ws.TypeQuitVoteUpdate, &update)
	assert.True(t, update.Resolved)
	assert.Equal(t, "stay", update.Outcome)
	assert.Nil(t, m.teams[TeamAlpha].vote)
	assert.Empty(t, rt.messagesOfType(ws.TypeMatchEnd))

	// A failed vote can be retried later.
	require.NoError(t, m.StartQuitVote(rosters[0][0].PlayerID))
}

func TestQuitVoteExpiryStays(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	connectAll(t, m, rosters)

	require.NoError(t, m.StartQuitVote(rosters[0][0].PlayerID))
	m.quitVoteExpired(TeamAlpha)

	var update ws.QuitVoteUpdatePayload
	rt.lastOfType(t, ws.TypeQuitVoteUpdate, &update)
	assert.Equal(t, "stay", update.Outcome)
	assert.Nil(t, m.teams[TeamAlpha].vote)
}

func TestLoneHumanQuitForfeitsImmediately(t *testing.T) {
	_, tasks, engine, monitor, rt := testDeps(t)
	bots := NewRoster()
	rng := rand.New(rand.NewSource(1))

	solo := human("solo", 1300)
	rosters := [2][]*PlayerState{
		{solo, bots.NewFiller(rng, BotMedium)},
		{human("x", 1300), human("y", 1200)},
	}
	m := NewTeamMatch(uuid.New(), Mode2v2, testTiming(), rosters, engine, monitor, bots, tasks, rt, testLogger())
	require.NoError(t, m.Connect(solo.PlayerID))
	require.NoError(t, m.Connect(rosters[1][0].PlayerID))
	require.NoError(t, m.Connect(rosters[1][1].PlayerID))
	require.Equal(t, PhaseStrategy, m.phase)

	require.NoError(t, m.StartQuitVote(solo.PlayerID))

	var end ws.MatchEndPayload
	rt.lastOfType(t, ws.TypeMatchEnd, &end)
	assert.True(t, end.Forfeit)
	assert.Equal(t, TeamBravo, end.Winner)
}

func TestLeaveDevolvesLeadership(t *testing.T) {
	m, rosters, _ := newTeamFixture(t, Mode5v5)
	connectAll(t, m, rosters)

	alpha := m.teams[TeamAlpha]
	oldIGL := alpha.igl
	m.Leave(oldIGL)

	assert.True(t, alpha.departed[oldIGL])
	assert.NotEqual(t, oldIGL, alpha.igl)
	// Next-highest rated human takes over.
	assert.Equal(t, rosters[0][1].PlayerID, alpha.igl)
	assert.NotEqual(t, PhasePostMatch, m.phase)
}

func TestLeaveMidQuestionSkipsImmediately(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	toActive(t, m, rosters)
	rt.reset()

	alpha := m.teams[TeamAlpha]
	leaver := m.activePlayerFor(alpha)
	require.NotNil(t, alpha.player[leaver].CurrentQuestion)

	m.Leave(leaver)

	// The armed window dies with the leaver; their slot drains as skips
	// and the relay moves on to the teammate.
	skips := rt.messagesOfType(ws.TypeAnswerResult)
	require.Len(t, skips, m.cfg.SlotQuota)
	var last ws.AnswerResultPayload
	rt.lastOfType(t, ws.TypeAnswerResult, &last)
	assert.Equal(t, leaver.String(), last.PlayerID)
	assert.True(t, last.Skipped)
	assert.Nil(t, alpha.player[leaver].CurrentQuestion)

	assert.Equal(t, 1, alpha.slot)
	next := m.activePlayerFor(alpha)
	assert.NotEqual(t, leaver, next)
	require.NotNil(t, alpha.player[next].CurrentQuestion)

	// A stale window callback for the leaver is a no-op.
	m.questionExpired(TeamAlpha, leaver)
	assert.Len(t, rt.messagesOfType(ws.TypeAnswerResult), m.cfg.SlotQuota)
}

func TestLastHumanLeavingForfeits(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	connectAll(t, m, rosters)

	m.Leave(rosters[0][0].PlayerID)
	m.Leave(rosters[0][1].PlayerID)

	var end ws.MatchEndPayload
	rt.lastOfType(t, ws.TypeMatchEnd, &end)
	assert.True(t, end.Forfeit)
	assert.Equal(t, TeamBravo, end.Winner)
	assert.Equal(t, PhasePostMatch, m.phase)
}
