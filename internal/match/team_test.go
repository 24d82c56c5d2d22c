package match

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathclash/arena/pkg/http/ws"
)

func testTiming() TeamTiming {
	return TeamTiming{
		PreMatchWait:       30 * time.Second,
		QuestionWindow:     30 * time.Second,
		QuestionWarning:    5 * time.Second,
		TimeoutExtension:   30 * time.Second,
		QuitVoteWindow:     15 * time.Second,
		SoloDecisionWindow: 10 * time.Second,
		GracePeriod:        30 * time.Second,
	}
}

// newTeamFixture seats two all-human rosters. Elo descends in roster order,
// so index 0 is the IGL and index 1 the anchor on each side.
func newTeamFixture(t *testing.T, cfg ModeConfig) (*TeamMatch, [2][]*PlayerState, *fakeRuntime) {
	t.Helper()
	_, tasks, engine, monitor, rt := testDeps(t)

	var rosters [2][]*PlayerState
	names := []string{"a", "b"}
	for i := range rosters {
		for j := 0; j < cfg.TeamSize; j++ {
			rosters[i] = append(rosters[i], human(names[i]+string(rune('0'+j)), 1500-100*j))
		}
	}

	m := NewTeamMatch(uuid.New(), cfg, testTiming(), rosters, engine, monitor, NewRoster(), tasks, rt, testLogger())
	return m, rosters, rt
}

func connectAll(t *testing.T, m *TeamMatch, rosters [2][]*PlayerState) {
	t.Helper()
	for _, roster := range rosters {
		for _, p := range roster {
			require.NoError(t, m.Connect(p.PlayerID))
		}
	}
}

// toActive drives the fixture from PRE_MATCH into the first live round.
func toActive(t *testing.T, m *TeamMatch, rosters [2][]*PlayerState) {
	t.Helper()
	connectAll(t, m, rosters)
	m.strategyExpired()
	runCountdown(t, m)
}

func runCountdown(t *testing.T, m *TeamMatch) {
	t.Helper()
	require.Equal(t, PhaseRoundCountdown, m.phase)
	for i := 0; m.phase == PhaseRoundCountdown; i++ {
		require.Less(t, i, 20, "countdown never finished")
		m.secondTick()
	}
	require.Equal(t, PhaseActive, m.phase)
}

// answerTeam walks one team through every remaining question of the round.
func answerTeam(t *testing.T, m *TeamMatch, teamID string) {
	t.Helper()
	side := m.teams[teamID]
	for i := 0; !side.roundDone; i++ {
		require.Less(t, i, 100, "round never completed")
		active := m.activePlayerFor(side)
		q := side.player[active].CurrentQuestion
		require.NotNil(t, q)
		require.NoError(t, m.SubmitAnswer(active, q.Answer))
	}
}

func playRound(t *testing.T, m *TeamMatch) {
	t.Helper()
	runCountdown(t, m)
	answerTeam(t, m, TeamAlpha)
	answerTeam(t, m, TeamBravo)
}

func TestTeamMatchStartsWhenAllConnect(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)

	require.NoError(t, m.Connect(rosters[0][0].PlayerID))
	require.NoError(t, m.Connect(rosters[0][1].PlayerID))
	require.NoError(t, m.Connect(rosters[1][0].PlayerID))
	assert.Equal(t, PhasePreMatch, m.phase)
	assert.Empty(t, rt.messagesOfType(ws.TypeMatchFound))

	require.NoError(t, m.Connect(rosters[1][1].PlayerID))
	assert.Equal(t, PhaseStrategy, m.phase)

	var found ws.MatchFoundPayload
	rt.lastOfType(t, ws.TypeMatchFound, &found)
	assert.Equal(t, "2v2", found.Mode)
	assert.Len(t, found.Players, 4)

	// Highest elo leads, best remaining anchors.
	assert.Equal(t, rosters[0][0].PlayerID, m.teams[TeamAlpha].igl)
	assert.Equal(t, rosters[0][1].PlayerID, m.teams[TeamAlpha].anchor)
}

func TestTeamRejectsUnknownPlayer(t *testing.T) {
	m, _, _ := newTeamFixture(t, Mode2v2)
	err := m.Connect(uuid.New())
	require.Error(t, err)
}

func TestTeamPreMatchExpiryStartsWithAbsentees(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	require.NoError(t, m.Connect(rosters[0][0].PlayerID))

	m.preMatchExpired()

	assert.Equal(t, PhaseStrategy, m.phase)
	assert.NotEmpty(t, rt.messagesOfType(ws.TypeMatchFound))

	// Absentees start the match flagged as disconnected but can catch up.
	absent := m.teams[TeamBravo].player[rosters[1][0].PlayerID]
	require.NotNil(t, absent.Conn)
	assert.Equal(t, 1, absent.Conn.Disconnects)
}

func TestTeamStrategyExpiryFillsOpenSlots(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	connectAll(t, m, rosters)

	// The IGL places the anchor on the first slot; the other stays open.
	igl := m.teams[TeamAlpha].igl
	op := string(m.slate[0])
	require.NoError(t, m.AssignSlot(igl, op, m.teams[TeamAlpha].anchor))

	m.strategyExpired()

	assert.Equal(t, PhaseRoundCountdown, m.phase)
	for _, teamID := range m.teamOrder {
		side := m.teams[teamID]
		assert.Len(t, side.assignments, len(m.slate))
	}
	assert.Equal(t, m.teams[TeamAlpha].anchor, m.teams[TeamAlpha].assignments[m.slate[0]])
	assert.NotEmpty(t, rt.messagesOfType(ws.TypeSlotAdvance))
}

func TestTeamRelayRoundFlow(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	toActive(t, m, rosters)
	rt.reset()

	alpha := m.teams[TeamAlpha]

	// Clearing the slot quota advances the relay to the next operation.
	for i := 0; i < m.cfg.SlotQuota; i++ {
		active := m.activePlayerFor(alpha)
		q := alpha.player[active].CurrentQuestion
		require.NotNil(t, q)
		assert.Equal(t, m.slate[0], q.Operation)
		require.NoError(t, m.SubmitAnswer(active, q.Answer))
	}
	assert.Equal(t, 1, alpha.slot)

	var adv ws.SlotAdvancePayload
	rt.lastOfType(t, ws.TypeSlotAdvance, &adv)
	assert.Equal(t, TeamAlpha, adv.TeamID)
	assert.Equal(t, 1, adv.Slot)

	answerTeam(t, m, TeamAlpha)
	assert.True(t, alpha.roundDone)
	assert.Equal(t, TeamAlpha, m.firstDone)
	assert.Equal(t, PhaseActive, m.phase, "round stays live until both teams finish")

	answerTeam(t, m, TeamBravo)

	var res ws.RoundResultPayload
	rt.lastOfType(t, ws.TypeRoundResult, &res)
	assert.Equal(t, 1, res.Round)
	assert.Equal(t, TeamAlpha, res.FirstDone)
	assert.Equal(t, m.cfg.FirstFinishBonus, res.BonusAward)
	assert.Equal(t, res.Scores[TeamBravo]+m.cfg.FirstFinishBonus, res.Scores[TeamAlpha])
	assert.Equal(t, PhaseBreak, m.phase)
}

func TestTeamOnlyActivePlayerMayAnswer(t *testing.T) {
	m, rosters, _ := newTeamFixture(t, Mode2v2)
	toActive(t, m, rosters)

	alpha := m.teams[TeamAlpha]
	active := m.activePlayerFor(alpha)
	var bench uuid.UUID
	for _, id := range alpha.roster {
		if id != active {
			bench = id
		}
	}

	err := m.SubmitAnswer(bench, 42)
	require.Error(t, err)
}

func TestTeamWrongAnswerAndWindowSkip(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	toActive(t, m, rosters)
	rt.reset()

	alpha := m.teams[TeamAlpha]
	active := m.activePlayerFor(alpha)
	q := alpha.player[active].CurrentQuestion
	require.NoError(t, m.SubmitAnswer(active, q.Answer+1))

	var res ws.AnswerResultPayload
	rt.lastOfType(t, ws.TypeAnswerResult, &res)
	assert.False(t, res.Correct)
	assert.False(t, res.Skipped)
	assert.Equal(t, -3, res.Delta)
	assert.Equal(t, 1, alpha.answered)

	// An expired window scores like a skip and still consumes the question.
	active = m.activePlayerFor(alpha)
	require.NotNil(t, alpha.player[active].CurrentQuestion)
	m.questionExpired(TeamAlpha, active)

	rt.lastOfType(t, ws.TypeAnswerResult, &res)
	assert.True(t, res.Skipped)
	assert.Equal(t, -3, res.Delta)
	assert.Equal(t, 2, alpha.answered)
	assert.Equal(t, 0, alpha.score, "team score never goes negative")
}

func TestTeamFullMatchProgression(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	connectAll(t, m, rosters)
	m.strategyExpired()

	// First half: two breaks, then halftime.
	playRound(t, m)
	require.Equal(t, PhaseBreak, m.phase)
	m.breakExpired()
	playRound(t, m)
	m.breakExpired()
	playRound(t, m)
	require.Equal(t, PhaseHalftime, m.phase)

	m.halftimeExpired()
	assert.Equal(t, 2, m.half)
	assert.Equal(t, 1, m.round)
	assert.Equal(t, int(m.cfg.HalfClock/time.Second), m.clockLeft)

	// Second half: the third round opens the solo decision window.
	playRound(t, m)
	m.breakExpired()
	playRound(t, m)
	m.breakExpired()
	playRound(t, m)
	require.Equal(t, PhaseSoloDecision, m.phase)

	m.soloDecisionExpired()
	var reveal ws.SoloRevealPayload
	rt.lastOfType(t, ws.TypeSoloReveal, &reveal)
	assert.Equal(t, "normal", reveal.Decisions[TeamAlpha])
	assert.Equal(t, "normal", reveal.Decisions[TeamBravo])
	assert.Equal(t, m.cfg.RoundsPerHalf+1, m.round)

	// The anchor round decides the match.
	playRound(t, m)
	require.Equal(t, PhasePostMatch, m.phase)

	var end ws.MatchEndPayload
	rt.lastOfType(t, ws.TypeMatchEnd, &end)
	assert.Equal(t, TeamAlpha, end.Winner, "first-finish bonuses separate otherwise perfect teams")
	assert.False(t, end.Forfeit)
	assert.True(t, end.Ranked)
	assert.Len(t, end.Stats, 4)

	require.Len(t, rt.outcomes, 1)
	out := rt.outcomes[0]
	assert.Equal(t, TeamAlpha, out.Winner)
	require.Len(t, out.Players, 4)
	for _, p := range out.Players {
		assert.NotEmpty(t, p.TeamID)
	}
	assert.GreaterOrEqual(t, rt.finals, 1)
}

func TestTeamHalfClockExpiryForcesHalfEnd(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	toActive(t, m, rosters)
	rt.reset()

	m.clockLeft = 1
	m.secondTick()

	assert.Equal(t, PhaseHalftime, m.phase)
	assert.NotEmpty(t, rt.messagesOfType(ws.TypeRoundResult))
}

func TestTeamHalfClockExpiryInSecondHalfEndsMatch(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	toActive(t, m, rosters)
	m.half = 2

	m.clockLeft = 1
	m.secondTick()

	assert.Equal(t, PhasePostMatch, m.phase)
	assert.NotEmpty(t, rt.messagesOfType(ws.TypeMatchEnd))
}

func TestTeamCatchUpCarriesActiveQuestion(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	toActive(t, m, rosters)
	rt.reset()

	active := m.activePlayerFor(m.teams[TeamAlpha])
	m.CatchUp(active)

	var state ws.MatchStatePayload
	rt.lastOfType(t, ws.TypeMatchState, &state)
	assert.Equal(t, PhaseActive, state.Phase)
	assert.Equal(t, 1, state.Half)
	require.NotNil(t, state.Question)
	assert.Equal(t, active.String(), state.Question.PlayerID)
	assert.Len(t, state.ActivePlayers, 2)
	assert.Contains(t, state.CurrentSlot, TeamAlpha)

	// A benched teammate gets the same snapshot without a question.
	rt.reset()
	var bench uuid.UUID
	for _, id := range m.teams[TeamAlpha].roster {
		if id != active {
			bench = id
		}
	}
	m.CatchUp(bench)
	var benchState ws.MatchStatePayload
	rt.lastOfType(t, ws.TypeMatchState, &benchState)
	assert.Nil(t, benchState.Question)
}

func TestTeamSnapshotRestoreResumesRound(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	toActive(t, m, rosters)

	alpha := m.teams[TeamAlpha]
	active := m.activePlayerFor(alpha)
	q := alpha.player[active].CurrentQuestion
	require.NoError(t, m.SubmitAnswer(active, q.Answer))
	scoreBefore := alpha.score
	rt.reset()

	snap := m.Snapshot()
	m.Teardown()

	_, tasks, engine, monitor, rt2 := testDeps(t)
	restored, err := RestoreTeamMatch(snap, testTiming(), engine, monitor, NewRoster(), tasks, rt2, testLogger())
	require.NoError(t, err)

	assert.Equal(t, PhaseActive, restored.phase)
	assert.Equal(t, 1, restored.half)
	assert.Equal(t, scoreBefore, restored.teams[TeamAlpha].score)
	assert.Equal(t, m.slate, restored.slate)
	assert.Equal(t, alpha.assignments, restored.teams[TeamAlpha].assignments)

	// Adoption reissues in-flight questions and keeps the relay playable.
	ra := restored.teams[TeamAlpha]
	activeNow := restored.activePlayerFor(ra)
	require.NotNil(t, ra.player[activeNow].CurrentQuestion)
	assert.NotEmpty(t, rt2.messagesOfType(ws.TypeQuestion))
	require.NoError(t, restored.SubmitAnswer(activeNow, ra.player[activeNow].CurrentQuestion.Answer))
}

func TestDisconnectMidQuestionSkipsAndReissues(t *testing.T) {
	m, rosters, rt := newTeamFixture(t, Mode2v2)
	toActive(t, m, rosters)
	rt.reset()

	alpha := m.teams[TeamAlpha]
	active := m.activePlayerFor(alpha)
	require.NotNil(t, alpha.player[active].CurrentQuestion)

	m.MarkDisconnect(active, time.Second)

	// One skip for the dropped question, then a fresh window for the same
	// player. A drop does not drain the slot the way a leave does.
	require.Len(t, rt.messagesOfType(ws.TypeAnswerResult), 1)
	var res ws.AnswerResultPayload
	rt.lastOfType(t, ws.TypeAnswerResult, &res)
	assert.Equal(t, active.String(), res.PlayerID)
	assert.True(t, res.Skipped)

	assert.Equal(t, 1, alpha.answered)
	assert.Equal(t, 0, alpha.slot)
	assert.Equal(t, active, m.activePlayerFor(alpha))
	assert.NotNil(t, alpha.player[active].CurrentQuestion)
	assert.NotNil(t, alpha.questionTimer)
	assert.Equal(t, 1, alpha.player[active].Conn.Disconnects)
}

func TestForcedRoundEndSweepsBotAnswerTimer(t *testing.T) {
	_, tasks, engine, monitor, rt := testDeps(t)
	bots := NewRoster()
	rng := rand.New(rand.NewSource(7))

	solo := human("solo", 1300)
	rosters := [2][]*PlayerState{
		{solo, bots.NewFiller(rng, BotMedium)},
		{human("x", 1300), human("y", 1200)},
	}
	m := NewTeamMatch(uuid.New(), Mode2v2, testTiming(), rosters, engine, monitor, bots, tasks, rt, testLogger())
	require.NoError(t, m.Connect(solo.PlayerID))
	require.NoError(t, m.Connect(rosters[1][0].PlayerID))
	require.NoError(t, m.Connect(rosters[1][1].PlayerID))
	m.strategyExpired()
	runCountdown(t, m)

	alpha := m.teams[TeamAlpha]
	for i := 0; alpha.slot == 0; i++ {
		require.Less(t, i, 100, "first slot never completed")
		q := alpha.player[solo.PlayerID].CurrentQuestion
		require.NotNil(t, q)
		require.NoError(t, m.SubmitAnswer(solo.PlayerID, q.Answer))
	}

	// The bot is on the clock now, its planned answer still pending.
	require.NotNil(t, alpha.botTimer)

	m.clockLeft = 1
	m.secondTick()
	require.Equal(t, PhaseHalftime, m.phase)
	assert.Nil(t, alpha.botTimer)
}
