package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Match is the minimal view the registry needs of a live state machine.
type Match interface {
	ID() uuid.UUID
	Teardown()
}

// Registry owns the in-memory set of active matches and the player->match
// mapping for this server process. It is created at process start and
// injected into handlers; entries are removed on match teardown. Nothing else
// in the process holds ambient match maps.
type Registry struct {
	mu      sync.RWMutex
	matches map[uuid.UUID]Match
	players map[uuid.UUID]uuid.UUID // player_id -> match_id
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		matches: make(map[uuid.UUID]Match),
		players: make(map[uuid.UUID]uuid.UUID),
	}
}

// Add registers a live match.
func (r *Registry) Add(m Match) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches[m.ID()] = m
}

// Get returns a live match by id.
func (r *Registry) Get(matchID uuid.UUID) (Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[matchID]
	return m, ok
}

// Contains reports whether the match is still live. Timer callbacks check
// this before touching match state so a fire against a torn-down match is a
// no-op instead of a mutation of dead objects.
func (r *Registry) Contains(matchID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.matches[matchID]
	return ok
}

// Remove tears down and deletes a match, along with its player mappings.
func (r *Registry) Remove(matchID uuid.UUID) {
	r.mu.Lock()
	m, ok := r.matches[matchID]
	if ok {
		delete(r.matches, matchID)
	}
	for playerID, mid := range r.players {
		if mid == matchID {
			delete(r.players, playerID)
		}
	}
	r.mu.Unlock()

	if ok {
		m.Teardown()
	}
}

// BindPlayer records which match currently owns a player on this instance.
func (r *Registry) BindPlayer(playerID, matchID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[playerID] = matchID
}

// UnbindPlayer drops a player's mapping.
func (r *Registry) UnbindPlayer(playerID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.players, playerID)
}

// MatchFor resolves the match a player belongs to, if hosted locally.
func (r *Registry) MatchFor(playerID uuid.UUID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matchID, ok := r.players[playerID]
	return matchID, ok
}

// Len returns the number of live matches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matches)
}
