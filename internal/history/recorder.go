package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// MatchRecord is the durable summary of one completed match.
type MatchRecord struct {
	MatchID   uuid.UUID
	Mode      string
	Winner    string
	Forfeit   bool
	Integrity string
	Ranked    bool
	StartedAt time.Time
	EndedAt   time.Time
	Players   []PlayerRecord
}

// PlayerRecord is one participant's line in a match record.
type PlayerRecord struct {
	PlayerID  uuid.UUID
	TeamID    string
	Score     int
	Correct   int
	Attempted int
	MaxStreak int
	Integrity string
	IsBot     bool
}

// Summary is one row of a player's match history.
type Summary struct {
	MatchID uuid.UUID `json:"match_id"`
	Mode    string    `json:"mode"`
	Winner  string    `json:"winner"`
	Score   int       `json:"score"`
	Ranked  bool      `json:"ranked"`
	EndedAt time.Time `json:"ended_at"`
}

// Recorder persists completed matches.
type Recorder interface {
	RecordMatch(ctx context.Context, rec MatchRecord) error
	ListRecent(ctx context.Context, playerID uuid.UUID, limit int) ([]Summary, error)
}

// PGRecorder writes match history to Postgres.
type PGRecorder struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPGRecorder constructs a Postgres-backed recorder.
func NewPGRecorder(pool *pgxpool.Pool, logger zerolog.Logger) *PGRecorder {
	return &PGRecorder{
		pool:   pool,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// RecordMatch inserts the match row and every player line in one
// transaction. Bot lines are stored too so replays add up.
func (r *PGRecorder) RecordMatch(ctx context.Context, rec MatchRecord) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO matches (id, mode, winner, forfeit, integrity, ranked, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.MatchID, rec.Mode, rec.Winner, rec.Forfeit, rec.Integrity, rec.Ranked, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}

	for _, p := range rec.Players {
		_, err = tx.Exec(ctx, `
			INSERT INTO match_players (match_id, player_id, team_id, score, correct, attempted, max_streak, integrity, is_bot)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.MatchID, p.PlayerID, p.TeamID, p.Score, p.Correct, p.Attempted, p.MaxStreak, p.Integrity, p.IsBot,
		)
		if err != nil {
			return fmt.Errorf("insert match player: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListRecent returns a player's latest finished matches, newest first.
func (r *PGRecorder) ListRecent(ctx context.Context, playerID uuid.UUID, limit int) ([]Summary, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT m.id, m.mode, m.winner, mp.score, m.ranked, m.ended_at
		FROM matches m
		JOIN match_players mp ON mp.match_id = m.id
		WHERE mp.player_id = $1
		ORDER BY m.ended_at DESC
		LIMIT $2`,
		playerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.MatchID, &s.Mode, &s.Winner, &s.Score, &s.Ranked, &s.EndedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
