package match

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mathclash/arena/internal/match/netcheck"
	"github.com/mathclash/arena/internal/match/scoring"
	"github.com/mathclash/arena/internal/registry"
	"github.com/mathclash/arena/pkg/http/ws"
)

// fakeRuntime records everything a machine asks the outside world to do.
type fakeRuntime struct {
	mu        sync.Mutex
	effects   []Effect
	outcomes  []Outcome
	finals    int
	persists  int
	teardowns []uuid.UUID
}

func (f *fakeRuntime) Emit(_ uuid.UUID, effects []Effect) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.effects = append(f.effects, effects...)
}

func (f *fakeRuntime) Persist(_ uuid.UUID, final bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persists++
	if final {
		f.finals++
	}
}

func (f *fakeRuntime) RecordOutcome(outcome Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
}

func (f *fakeRuntime) Teardown(matchID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns = append(f.teardowns, matchID)
}

// messagesOfType returns every emitted message of one type, oldest first.
func (f *fakeRuntime) messagesOfType(msgType string) []ws.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ws.Message
	for _, e := range f.effects {
		if e.Msg.Type == msgType {
			out = append(out, e.Msg)
		}
	}
	return out
}

// lastOfType decodes the newest message of one type into out.
func (f *fakeRuntime) lastOfType(t *testing.T, msgType string, out interface{}) {
	t.Helper()
	msgs := f.messagesOfType(msgType)
	require.NotEmpty(t, msgs, "no %s message emitted", msgType)
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Payload, out))
}

func (f *fakeRuntime) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.effects = nil
}

func testDeps(t *testing.T) (*clockwork.FakeClock, *registry.TaskSet, *scoring.Engine, *netcheck.Monitor, *fakeRuntime) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	tasks := registry.NewTaskSet(clock)
	engine := scoring.NewEngine(scoring.DefaultConfig())
	monitor := netcheck.NewMonitor(netcheck.DefaultConfig())
	return clock, tasks, engine, monitor, &fakeRuntime{}
}

func human(name string, elo int) *PlayerState {
	return &PlayerState{
		PlayerID:    uuid.New(),
		DisplayName: name,
		Level:       5,
		Elo:         elo,
		Rank:        "silver",
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
