package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Kind distinguishes the stored aggregate types.
type Kind string

const (
	KindDuel Kind = "duel"
	KindTeam Kind = "team"
)

var (
	// ErrNotOwner is returned when a save is rejected because another
	// instance holds the match lease.
	ErrNotOwner = errors.New("match lease held by another instance")

	// ErrStoreUnavailable wraps transport-level store failures. Callers log
	// and continue in memory-only mode; the store is a write-through cache
	// and recovery log, never the source of truth during active play.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

const (
	activeTTL = 2 * time.Hour
	leaseTTL  = 30 * time.Second
)

// saveScript writes a snapshot only when no foreign lease exists for the
// match. KEYS[1]=lease, KEYS[2]=state; ARGV[1]=instance, ARGV[2]=data,
// ARGV[3]=ttl millis.
const saveScript = `
local owner = redis.call("get", KEYS[1])
if owner and owner ~= ARGV[1] then
	return 0
end
redis.call("set", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`

// releaseScript deletes a key only when it still holds our value.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Store translates in-process match objects to and from the shared keyed
// session store, so match state survives process restarts and is visible to
// other instances.
type Store struct {
	redis      *redis.Client
	logger     zerolog.Logger
	instanceID string
}

// NewStore creates a session store bound to this instance's identity.
func NewStore(redisClient *redis.Client, logger zerolog.Logger, instanceID string) *Store {
	return &Store{
		redis:      redisClient,
		logger:     logger.With().Str("component", "session_store").Logger(),
		instanceID: instanceID,
	}
}

// InstanceID returns the owning-instance identity used for leases.
func (s *Store) InstanceID() string {
	return s.instanceID
}

func stateKey(kind Kind, matchID uuid.UUID) string {
	return fmt.Sprintf("arena:%s:%s", kind, matchID.String())
}

func leaseKey(matchID uuid.UUID) string {
	return fmt.Sprintf("arena:lease:%s", matchID.String())
}

func socketKey(playerID uuid.UUID) string {
	return fmt.Sprintf("arena:socket:%s", playerID.String())
}

// Save writes a full snapshot of a match aggregate, rejecting the write if a
// foreign live lease exists. TTL self-cleans abandoned matches.
func (s *Store) Save(ctx context.Context, kind Kind, matchID uuid.UUID, state interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal %s state: %w", kind, err)
	}

	res, err := s.redis.Eval(ctx, saveScript,
		[]string{leaseKey(matchID), stateKey(kind, matchID)},
		s.instanceID, data, activeTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrStoreUnavailable, kind, err)
	}
	if res == 0 {
		return ErrNotOwner
	}
	return nil
}

// Load reads a snapshot into out. Returns false when no snapshot exists.
func (s *Store) Load(ctx context.Context, kind Kind, matchID uuid.UUID, out interface{}) (bool, error) {
	data, err := s.redis.Get(ctx, stateKey(kind, matchID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: load %s: %v", ErrStoreUnavailable, kind, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s state: %w", kind, err)
	}
	return true, nil
}

// ExpireAfter shortens a snapshot's TTL, used once a match has ended so the
// stored session outlives the match only by the results grace period.
func (s *Store) ExpireAfter(ctx context.Context, kind Kind, matchID uuid.UUID, grace time.Duration) error {
	if err := s.redis.Expire(ctx, stateKey(kind, matchID), grace).Err(); err != nil {
		return fmt.Errorf("%w: expire %s: %v", ErrStoreUnavailable, kind, err)
	}
	return nil
}

// Delete removes a snapshot.
func (s *Store) Delete(ctx context.Context, kind Kind, matchID uuid.UUID) error {
	if err := s.redis.Del(ctx, stateKey(kind, matchID)).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStoreUnavailable, kind, err)
	}
	return nil
}

// AcquireLease takes at-most-one-writer ownership of a match id. Returns
// false when a different live instance already owns it.
func (s *Store) AcquireLease(ctx context.Context, matchID uuid.UUID) (bool, error) {
	ok, err := s.redis.SetNX(ctx, leaseKey(matchID), s.instanceID, leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquire lease: %v", ErrStoreUnavailable, err)
	}
	if ok {
		return true, nil
	}
	owner, err := s.redis.Get(ctx, leaseKey(matchID)).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("%w: read lease: %v", ErrStoreUnavailable, err)
	}
	return owner == s.instanceID, nil
}

// RefreshLease extends ownership. Called from the periodic save tick.
func (s *Store) RefreshLease(ctx context.Context, matchID uuid.UUID) error {
	owner, err := s.redis.Get(ctx, leaseKey(matchID)).Result()
	if err == redis.Nil || (err == nil && owner != s.instanceID) {
		return ErrNotOwner
	}
	if err != nil {
		return fmt.Errorf("%w: refresh lease: %v", ErrStoreUnavailable, err)
	}
	if err := s.redis.Expire(ctx, leaseKey(matchID), leaseTTL).Err(); err != nil {
		return fmt.Errorf("%w: refresh lease: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ReleaseLease gives up ownership, deleting only our own lease value.
func (s *Store) ReleaseLease(ctx context.Context, matchID uuid.UUID) error {
	if err := s.redis.Eval(ctx, releaseScript, []string{leaseKey(matchID)}, s.instanceID).Err(); err != nil {
		return fmt.Errorf("%w: release lease: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// BindSocket records which match a player's connection belongs to, so any
// instance can route an incoming action to the owning match.
func (s *Store) BindSocket(ctx context.Context, playerID, matchID uuid.UUID) error {
	if err := s.redis.Set(ctx, socketKey(playerID), matchID.String(), activeTTL).Err(); err != nil {
		return fmt.Errorf("%w: bind socket: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SocketMatch resolves the match a player belongs to. Returns uuid.Nil and
// false when no mapping exists.
func (s *Store) SocketMatch(ctx context.Context, playerID uuid.UUID) (uuid.UUID, bool, error) {
	val, err := s.redis.Get(ctx, socketKey(playerID)).Result()
	if err == redis.Nil {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("%w: socket lookup: %v", ErrStoreUnavailable, err)
	}
	matchID, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt socket mapping: %w", err)
	}
	return matchID, true, nil
}

// UnbindSocket drops a player's socket mapping.
func (s *Store) UnbindSocket(ctx context.Context, playerID uuid.UUID) error {
	if err := s.redis.Del(ctx, socketKey(playerID)).Err(); err != nil {
		return fmt.Errorf("%w: unbind socket: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// LogDegraded is the single place store failures funnel through when game
// logic continues without persistence.
func (s *Store) LogDegraded(matchID uuid.UUID, op string, err error) {
	s.logger.Warn().Err(err).
		Str("match_id", matchID.String()).
		Str("op", op).
		Msg("session store write failed; continuing memory-only")
}
