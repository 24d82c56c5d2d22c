package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mathclash/arena/internal/match/queue"
)

// ErrUnknownPlayer is returned for players without a profile row.
var ErrUnknownPlayer = errors.New("unknown player")

// Profile is the identity snapshot a match seats a player with.
type Profile struct {
	PlayerID    uuid.UUID `json:"player_id"`
	DisplayName string    `json:"display_name"`
	Level       int       `json:"level"`
	Elo         int       `json:"elo"`
	Rank        string    `json:"rank"`
}

// Provider looks up player profiles and applies rating changes.
type Provider interface {
	Profile(ctx context.Context, playerID uuid.UUID) (Profile, error)
	AdjustElo(ctx context.Context, playerID uuid.UUID, delta int) error
}

// PGProvider reads profiles from the players table.
type PGProvider struct {
	pool *pgxpool.Pool
}

// NewPGProvider constructs a Postgres-backed provider.
func NewPGProvider(pool *pgxpool.Pool) *PGProvider {
	return &PGProvider{pool: pool}
}

// Profile fetches one player. The rank string is derived from elo so it
// never drifts from the rating.
func (p *PGProvider) Profile(ctx context.Context, playerID uuid.UUID) (Profile, error) {
	var prof Profile
	err := p.pool.QueryRow(ctx, `
		SELECT id, display_name, level, elo FROM players WHERE id = $1`,
		playerID,
	).Scan(&prof.PlayerID, &prof.DisplayName, &prof.Level, &prof.Elo)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrUnknownPlayer
	}
	if err != nil {
		return Profile{}, fmt.Errorf("query profile: %w", err)
	}
	prof.Rank = queue.TierFor(prof.Elo)
	return prof, nil
}

// AdjustElo applies a rating delta, clamped at zero.
func (p *PGProvider) AdjustElo(ctx context.Context, playerID uuid.UUID, delta int) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE players SET elo = GREATEST(elo + $2, 0) WHERE id = $1`,
		playerID, delta,
	)
	if err != nil {
		return fmt.Errorf("adjust elo: %w", err)
	}
	return nil
}

// Static is an in-memory provider for tests and local development.
type Static struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]Profile
}

// NewStatic seeds an in-memory provider.
func NewStatic(profiles ...Profile) *Static {
	s := &Static{profiles: make(map[uuid.UUID]Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.PlayerID] = p
	}
	return s
}

func (s *Static) Profile(_ context.Context, playerID uuid.UUID) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[playerID]
	if !ok {
		return Profile{}, ErrUnknownPlayer
	}
	return p, nil
}

func (s *Static) AdjustElo(_ context.Context, playerID uuid.UUID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	p.Elo += delta
	if p.Elo < 0 {
		p.Elo = 0
	}
	p.Rank = queue.TierFor(p.Elo)
	s.profiles[playerID] = p
	return nil
}
