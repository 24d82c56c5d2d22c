package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Entry is one waiting player. Created on enqueue with a short expiry,
// deleted on match found or explicit leave, never mutated otherwise.
type Entry struct {
	PlayerID   uuid.UUID `json:"player_id"`
	Elo        int       `json:"elo"`
	Tier       string    `json:"tier"`
	JoinedAt   time.Time `json:"joined_at"`
	InstanceID string    `json:"instance_id"`
}

// Tier bands derived from ELO.
const (
	TierBronze   = "bronze"
	TierSilver   = "silver"
	TierGold     = "gold"
	TierPlatinum = "platinum"
	TierDiamond  = "diamond"
)

// TierFor maps an ELO rating to its band.
func TierFor(elo int) string {
	switch {
	case elo < 1100:
		return TierBronze
	case elo < 1300:
		return TierSilver
	case elo < 1500:
		return TierGold
	case elo < 1700:
		return TierPlatinum
	default:
		return TierDiamond
	}
}

// Manager is the rating-ordered waiting pool, shared across instances via a
// Redis sorted set scored by ELO. It only answers "who is eligible right
// now"; pairing policy belongs to the caller.
type Manager struct {
	redis      *redis.Client
	logger     zerolog.Logger
	instanceID string
	entryTTL   time.Duration
}

// NewManager creates a matchmaking queue manager.
func NewManager(redisClient *redis.Client, logger zerolog.Logger, instanceID string, entryTTL time.Duration) *Manager {
	if entryTTL <= 0 {
		entryTTL = 90 * time.Second
	}
	return &Manager{
		redis:      redisClient,
		logger:     logger.With().Str("component", "matchmaking_queue").Logger(),
		instanceID: instanceID,
		entryTTL:   entryTTL,
	}
}

func (m *Manager) poolKey(mode string) string {
	return fmt.Sprintf("mm:queue:%s", mode)
}

func (m *Manager) entryKey(playerID uuid.UUID) string {
	return fmt.Sprintf("mm:entry:%s", playerID.String())
}

// Enqueue adds a player to the pool for a mode. The side entry carries its
// own TTL as a safety net against orphans from crashed clients.
func (m *Manager) Enqueue(ctx context.Context, mode string, playerID uuid.UUID, elo int) (*Entry, error) {
	entry := Entry{
		PlayerID:   playerID,
		Elo:        elo,
		Tier:       TierFor(elo),
		JoinedAt:   time.Now(),
		InstanceID: m.instanceID,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}

	if err := m.redis.Set(ctx, m.entryKey(playerID), data, m.entryTTL).Err(); err != nil {
		return nil, fmt.Errorf("store entry: %w", err)
	}
	if err := m.redis.ZAdd(ctx, m.poolKey(mode), redis.Z{
		Score:  float64(elo),
		Member: playerID.String(),
	}).Err(); err != nil {
		return nil, fmt.Errorf("add to pool: %w", err)
	}

	m.logger.Info().
		Str("player_id", playerID.String()).
		Str("mode", mode).
		Int("elo", elo).
		Msg("player enqueued")
	return &entry, nil
}

// Dequeue removes a player from the pool, on match found or explicit leave.
func (m *Manager) Dequeue(ctx context.Context, mode string, playerID uuid.UUID) error {
	removed, err := m.redis.ZRem(ctx, m.poolKey(mode), playerID.String()).Result()
	if err != nil {
		return fmt.Errorf("remove from pool: %w", err)
	}
	if err := m.redis.Del(ctx, m.entryKey(playerID)).Err(); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if removed == 0 {
		return ErrNotQueued
	}
	m.logger.Info().Str("player_id", playerID.String()).Str("mode", mode).Msg("player dequeued")
	return nil
}

// FindCandidates returns eligible entries with ELO within ±rng of the given
// rating, excluding the asking player. Entries whose side key has expired are
// lazily evicted from the pool and skipped.
func (m *Manager) FindCandidates(ctx context.Context, mode string, elo, rng int, exclude uuid.UUID) ([]Entry, error) {
	ids, err := m.redis.ZRangeByScore(ctx, m.poolKey(mode), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", elo-rng),
		Max: fmt.Sprintf("%d", elo+rng),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range pool: %w", err)
	}

	var candidates []Entry
	for _, id := range ids {
		playerID, err := uuid.Parse(id)
		if err != nil || playerID == exclude {
			continue
		}

		data, err := m.redis.Get(ctx, m.entryKey(playerID)).Bytes()
		if err == redis.Nil {
			// Expired orphan: sweep it out of the pool.
			m.redis.ZRem(ctx, m.poolKey(mode), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load entry: %w", err)
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			m.logger.Warn().Err(err).Str("player_id", id).Msg("skip corrupted queue entry")
			continue
		}
		candidates = append(candidates, entry)
	}
	return candidates, nil
}

// Sweep evicts pool members whose side entry expired. Run periodically so
// abandoned entries do not linger between searches.
func (m *Manager) Sweep(ctx context.Context, modes []string) {
	for _, mode := range modes {
		ids, err := m.redis.ZRange(ctx, m.poolKey(mode), 0, -1).Result()
		if err != nil {
			m.logger.Warn().Err(err).Str("mode", mode).Msg("queue sweep failed")
			continue
		}
		for _, id := range ids {
			playerID, err := uuid.Parse(id)
			if err != nil {
				m.redis.ZRem(ctx, m.poolKey(mode), id)
				continue
			}
			exists, err := m.redis.Exists(ctx, m.entryKey(playerID)).Result()
			if err == nil && exists == 0 {
				m.redis.ZRem(ctx, m.poolKey(mode), id)
				m.logger.Info().Str("player_id", id).Str("mode", mode).Msg("swept expired queue entry")
			}
		}
	}
}

// ErrNotQueued indicates a dequeue for a player not in the pool.
var ErrNotQueued = fmt.Errorf("player not in queue")
