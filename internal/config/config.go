package config

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// App holds core runtime configuration shared across services.
type App struct {
	Name                    string        `env:"APP_NAME" envDefault:"mathclash-arena"`
	Env                     string        `env:"APP_ENV" envDefault:"development"`
	HTTPAddr                string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_SECONDS" envDefault:"20s"`

	Postgres Postgres
	Redis    Redis
	Security Security
	Match    Match
	Queue    Queue
	Netcheck Netcheck
}

// Postgres captures connection info for the durable history store.
type Postgres struct {
	Host     string `env:"PG_HOST,notEmpty"`
	Port     int    `env:"PG_PORT" envDefault:"5432"`
	User     string `env:"PG_USER,notEmpty"`
	Password string `env:"PG_PASSWORD,notEmpty"`
	Database string `env:"PG_DATABASE,notEmpty"`
	SSLMode  string `env:"PG_SSL_MODE" envDefault:"disable"`
}

// Redis holds session store + queue + pub/sub configuration.
type Redis struct {
	Addr     string `env:"REDIS_ADDR,notEmpty"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
}

// Security stores secrets for join-token validation.
type Security struct {
	JWTSecret string `env:"JWT_SECRET,notEmpty"`
}

// Match groups gameplay timing defaults shared by duel and team play.
// Per-mode phase durations live in the match package mode tables.
type Match struct {
	DuelDuration       time.Duration `env:"DUEL_DURATION" envDefault:"90s"`
	QuestionWindow     time.Duration `env:"QUESTION_WINDOW" envDefault:"20s"`
	QuestionWarning    time.Duration `env:"QUESTION_WARNING" envDefault:"5s"`
	TimeoutExtension   time.Duration `env:"TIMEOUT_EXTENSION" envDefault:"30s"`
	QuitVoteWindow     time.Duration `env:"QUIT_VOTE_WINDOW" envDefault:"30s"`
	EndGracePeriod     time.Duration `env:"END_GRACE_PERIOD" envDefault:"30s"`
	ActiveSaveInterval time.Duration `env:"ACTIVE_SAVE_INTERVAL" envDefault:"5s"`
	SoloDecisionWindow time.Duration `env:"SOLO_DECISION_WINDOW" envDefault:"20s"`
	PreMatchWait       time.Duration `env:"PRE_MATCH_WAIT" envDefault:"30s"`
}

// Queue configures matchmaking.
type Queue struct {
	EntryTTL    time.Duration `env:"QUEUE_ENTRY_TTL" envDefault:"90s"`
	SearchRange int           `env:"QUEUE_SEARCH_RANGE" envDefault:"150"`
	BotFillWait time.Duration `env:"QUEUE_BOT_FILL_WAIT" envDefault:"15s"`
	SweepEvery  time.Duration `env:"QUEUE_SWEEP_INTERVAL" envDefault:"30s"`
}

// Netcheck holds the connection-integrity classifier thresholds.
type Netcheck struct {
	GreenMedianRTT  time.Duration `env:"NET_GREEN_MEDIAN_RTT" envDefault:"120ms"`
	GreenJitter     time.Duration `env:"NET_GREEN_JITTER" envDefault:"40ms"`
	GreenLossPct    float64       `env:"NET_GREEN_LOSS_PCT" envDefault:"0.05"`
	YellowMedianRTT time.Duration `env:"NET_YELLOW_MEDIAN_RTT" envDefault:"250ms"`
	YellowJitter    time.Duration `env:"NET_YELLOW_JITTER" envDefault:"90ms"`
	YellowLossPct   float64       `env:"NET_YELLOW_LOSS_PCT" envDefault:"0.12"`
	YellowAfter     time.Duration `env:"NET_YELLOW_AFTER" envDefault:"3s"`
	GreenAfter      time.Duration `env:"NET_GREEN_AFTER" envDefault:"5s"`
	MaxYellowDwell  time.Duration `env:"NET_MAX_YELLOW_DWELL" envDefault:"30s"`
	DisconnectCap   int           `env:"NET_DISCONNECT_CAP" envDefault:"3"`
	MinSamples      int           `env:"NET_MIN_SAMPLES" envDefault:"4"`
	PingForgiveness int           `env:"NET_PING_FORGIVENESS" envDefault:"2"`
}

// Load parses environment variables into App config.
func Load(ctx context.Context) (*App, error) {
	cfg := &App{}
	if err := env.ParseWithOptions(cfg, env.Options{RequiredIfNoDef: true}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
