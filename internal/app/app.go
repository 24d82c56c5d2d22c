package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mathclash/arena/internal/config"
	"github.com/mathclash/arena/internal/history"
	"github.com/mathclash/arena/internal/identity"
	"github.com/mathclash/arena/internal/logging"
	"github.com/mathclash/arena/internal/match"
	"github.com/mathclash/arena/internal/match/netcheck"
	matchqueue "github.com/mathclash/arena/internal/match/queue"
	"github.com/mathclash/arena/internal/match/scoring"
	"github.com/mathclash/arena/internal/registry"
	"github.com/mathclash/arena/internal/server"
	"github.com/mathclash/arena/internal/session"
	"github.com/mathclash/arena/internal/token"
	"github.com/mathclash/arena/pkg/http/ws"
)

// Application aggregates shared infrastructure (DB, cache, HTTP server).
type Application struct {
	cfg    *config.App
	logger zerolog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client
	http  *http.Server

	bus       *session.Bus
	svc       *match.Service
	bgCancels []context.CancelFunc
}

// New bootstraps config, logger, Postgres, Redis, and the match engine.
func New(ctx context.Context, cfg *config.App) (*Application, error) {
	logger := logging.New(cfg.Name, cfg.Env)
	logger.Info().Msg("starting application bootstrap")

	connString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=10",
		cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.Database, cfg.Postgres.SSLMode)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	// Each process gets a fresh identity so match leases and bus origins
	// distinguish instances behind the same load balancer.
	instanceID := uuid.NewString()

	clock := clockwork.NewRealClock()
	store := session.NewStore(redisClient, logger, instanceID)
	bus := session.NewBus(redisClient, "", instanceID, logger)
	queueMgr := matchqueue.NewManager(redisClient, logger, instanceID, cfg.Queue.EntryTTL)
	reg := registry.New()
	hub := ws.NewHub(logger)

	recorder := history.NewPGRecorder(pool, logger)
	provider := identity.NewPGProvider(pool)
	tokens := token.NewManager([]byte(cfg.Security.JWTSecret), 0, cfg.Name)

	engine := scoring.NewEngine(scoring.DefaultConfig())
	monitor := netcheck.NewMonitor(netcheckConfig(cfg.Netcheck))

	svc := match.NewService(
		cfg.Match,
		cfg.Queue,
		clock,
		reg,
		hub,
		store,
		bus,
		queueMgr,
		recorder,
		provider,
		engine,
		monitor,
		logger,
	)

	wsHandler := match.NewHandler(svc, hub, reg, store, tokens, clock, logger)
	apiServer := server.NewHTTPServer(cfg, logger, pool, redisClient, recorder, tokens, wsHandler.ServeWS)

	return &Application{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		redis:     redisClient,
		http:      apiServer,
		bus:       bus,
		svc:       svc,
		bgCancels: make([]context.CancelFunc, 0, 2),
	}, nil
}

func netcheckConfig(nc config.Netcheck) netcheck.Config {
	return netcheck.Config{
		GreenMedianRTT:  nc.GreenMedianRTT,
		GreenJitter:     nc.GreenJitter,
		GreenLossPct:    nc.GreenLossPct,
		YellowMedianRTT: nc.YellowMedianRTT,
		YellowJitter:    nc.YellowJitter,
		YellowLossPct:   nc.YellowLossPct,
		YellowAfter:     nc.YellowAfter,
		GreenAfter:      nc.GreenAfter,
		MaxYellowDwell:  nc.MaxYellowDwell,
		DisconnectCap:   nc.DisconnectCap,
		MinSamples:      nc.MinSamples,
		PingForgiveness: nc.PingForgiveness,
	}
}

// Run starts the HTTP server and waits for termination signals.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	a.startBackgroundWorkers(ctx)

	go func() {
		a.logger.Info().Str("addr", a.cfg.HTTPAddr).Msg("http server listening")
		if err := a.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
		a.logger.Warn().Msg("context canceled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GracefulShutdownTimeout)
	defer cancel()

	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("http shutdown error")
	}

	for _, cancel := range a.bgCancels {
		cancel()
	}

	a.pool.Close()
	if err := a.redis.Close(); err != nil {
		a.logger.Error().Err(err).Msg("redis shutdown error")
	}

	a.logger.Info().Msg("shutdown complete")
	return nil
}

func (a *Application) startBackgroundWorkers(ctx context.Context) {
	busCtx, cancelBus := context.WithCancel(ctx)
	a.bgCancels = append(a.bgCancels, cancelBus)
	go func() {
		if err := a.bus.Run(busCtx, a.svc.HandleBusEvent); err != nil && err != context.Canceled {
			a.logger.Warn().Err(err).Msg("event bus subscriber stopped")
		}
	}()

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	a.bgCancels = append(a.bgCancels, cancelSweep)
	go a.svc.SweepQueues(sweepCtx)
}
