package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	apperrors "github.com/mathclash/arena/pkg/http/errors"

	"github.com/mathclash/arena/internal/config"
	"github.com/mathclash/arena/internal/history"
	"github.com/mathclash/arena/internal/token"
)

// NewHTTPServer wires the arena's HTTP surface: health, metrics, match
// history, and the WebSocket entry point. Identity is issued upstream in
// production; the dev token endpoint exists only outside it.
func NewHTTPServer(
	cfg *config.App,
	logger zerolog.Logger,
	pool *pgxpool.Pool,
	redisClient *redis.Client,
	recorder history.Recorder,
	tokens *token.Manager,
	arenaWS http.HandlerFunc,
) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/ping", func(w http.ResponseWriter, r *http.Request) {
		if err := pingDependencies(r.Context(), pool, redisClient); err != nil {
			logger.Error().Err(err).Msg("dependency ping failed")
			http.Error(w, "upstream error", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pong":true}`))
	})

	mux.HandleFunc("GET /ws/arena", arenaWS)

	mux.HandleFunc("GET /v1/players/{id}/matches", func(w http.ResponseWriter, r *http.Request) {
		playerID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			apperrors.RespondBadRequest(w, apperrors.ErrCodeInvalidRequest, "bad player id")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		summaries, err := recorder.ListRecent(r.Context(), playerID, limit)
		if err != nil {
			logger.Error().Err(err).Msg("history query failed")
			apperrors.RespondInternalError(w, "could not load match history")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"matches": summaries})
	})

	if cfg.Env != "production" {
		mux.HandleFunc("POST /v1/auth/dev-token", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				PlayerID    string `json:"player_id"`
				DisplayName string `json:"display_name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				apperrors.RespondBadRequest(w, apperrors.ErrCodeInvalidPayload, "malformed body")
				return
			}
			playerID, err := uuid.Parse(req.PlayerID)
			if err != nil {
				playerID = uuid.New()
			}
			signed, err := tokens.Issue(playerID, req.DisplayName)
			if err != nil {
				apperrors.RespondInternalError(w, "could not sign token")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"player_id": playerID.String(),
				"token":     signed,
			})
		})
	}

	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}
}

func pingDependencies(ctx context.Context, pool *pgxpool.Pool, redisClient *redis.Client) error {
	if err := pool.Ping(ctx); err != nil {
		return err
	}
	return redisClient.Ping(ctx).Err()
}
