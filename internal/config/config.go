package config

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// App holds core runtime configuration shared across services.
type App struct {
	Name                    string        `env:"APP_NAME" envDefault:"pollquiz"`
	Env                     string        `env:"APP_ENV" envDefault:"development"`
	HTTPAddr                string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel                string        `env:"LOG_LEVEL" envDefault:"info"`
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_SECONDS" envDefault:"20s"`

	Postgres  Postgres
	Redis     Redis
	State     State
	Quiz      Quiz
	Transport Transport
}

// Postgres captures connection info for the SQL database.
type Postgres struct {
	Host     string `env:"PG_HOST,notEmpty"`
	Port     int    `env:"PG_PORT" envDefault:"5432"`
	User     string `env:"PG_USER,notEmpty"`
	Password string `env:"PG_PASSWORD,notEmpty"`
	Database string `env:"PG_DATABASE,notEmpty"`
	SSLMode  string `env:"PG_SSL_MODE" envDefault:"disable"`
	MaxConns int    `env:"PG_MAX_CONNS" envDefault:"10"`
}

// DSN renders the pgx keyword/value connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode, p.MaxConns)
}

// Redis holds the ephemeral store connection. Only read when the state
// backend is redis.
type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
}

// Backend names accepted by State.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	LockRedsync   = "redsync"
	LockStore     = "store"
)

// State selects where ephemeral state and advancement locks live.
type State struct {
	Backend      string        `env:"STATE_BACKEND" envDefault:"redis"`
	Lock         string        `env:"STATE_LOCK" envDefault:"redsync"`
	ReapInterval time.Duration `env:"STATE_REAP_INTERVAL" envDefault:"1m"`
}

// Quiz groups the engine timings.
type Quiz struct {
	PollDuration      time.Duration `env:"QUIZ_POLL_DURATION" envDefault:"30s"`
	PollMargin        time.Duration `env:"QUIZ_POLL_MARGIN" envDefault:"5s"`
	PollMappingTTL    time.Duration `env:"QUIZ_POLL_MAPPING_TTL" envDefault:"4h"`
	PrivateGrace      time.Duration `env:"QUIZ_PRIVATE_GRACE" envDefault:"3s"`
	GroupGrace        time.Duration `env:"QUIZ_GROUP_GRACE" envDefault:"2s"`
	AdvanceLockTTL    time.Duration `env:"QUIZ_ADVANCE_LOCK_TTL" envDefault:"10s"`
	GroupSessionTTL   time.Duration `env:"QUIZ_GROUP_SESSION_TTL" envDefault:"4h"`
	FinishedRetention time.Duration `env:"QUIZ_FINISHED_RETENTION" envDefault:"10m"`
	LobbyTTL          time.Duration `env:"QUIZ_LOBBY_TTL" envDefault:"1h"`
	HardStopTTL       time.Duration `env:"QUIZ_HARD_STOP_TTL" envDefault:"60s"`
	CountdownStep     time.Duration `env:"QUIZ_COUNTDOWN_STEP" envDefault:"1s"`
	SettingsFile      string        `env:"QUIZ_SETTINGS_FILE" envDefault:"configs/settings.yaml"`
}

// Transport tunes the websocket chat transport.
type Transport struct {
	SendRate  float64 `env:"TRANSPORT_SEND_RATE" envDefault:"20"`
	SendBurst int     `env:"TRANSPORT_SEND_BURST" envDefault:"5"`
}

// Load parses environment variables into App config.
func Load(ctx context.Context) (*App, error) {
	cfg := &App{}
	if err := env.ParseWithOptions(cfg, env.Options{RequiredIfNoDef: true}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *App) validate() error {
	switch c.State.Backend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("config: unknown STATE_BACKEND %q", c.State.Backend)
	}
	switch c.State.Lock {
	case LockRedsync, LockStore:
	default:
		return fmt.Errorf("config: unknown STATE_LOCK %q", c.State.Lock)
	}
	if c.State.Lock == LockRedsync && c.State.Backend != BackendRedis {
		return fmt.Errorf("config: STATE_LOCK=redsync needs STATE_BACKEND=redis")
	}
	if c.Quiz.PollDuration <= 0 {
		return fmt.Errorf("config: QUIZ_POLL_DURATION must be positive")
	}
	if c.Transport.SendRate <= 0 || c.Transport.SendBurst < 1 {
		return fmt.Errorf("config: transport send rate and burst must be positive")
	}
	return nil
}
