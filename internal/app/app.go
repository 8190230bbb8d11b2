package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gokatarajesh/pollquiz/internal/chat"
	"github.com/gokatarajesh/pollquiz/internal/config"
	"github.com/gokatarajesh/pollquiz/internal/kv"
	"github.com/gokatarajesh/pollquiz/internal/lock"
	"github.com/gokatarajesh/pollquiz/internal/logging"
	"github.com/gokatarajesh/pollquiz/internal/quiz"
	"github.com/gokatarajesh/pollquiz/internal/quiz/scoring"
	"github.com/gokatarajesh/pollquiz/internal/server"
	"github.com/gokatarajesh/pollquiz/internal/session"
	"github.com/gokatarajesh/pollquiz/internal/settings"
	ws "github.com/gokatarajesh/pollquiz/pkg/http/ws"
)

// Application aggregates shared infrastructure (DB, ephemeral store, HTTP
// server) and the quiz engine running on it.
type Application struct {
	cfg    *config.App
	logger zerolog.Logger

	pool     *pgxpool.Pool
	redis    *redis.Client
	memory   *kv.Memory
	settings *settings.Store

	engine    *quiz.Engine
	monitor   *quiz.Monitor
	transport *chat.Transport
	http      *http.Server
}

// New bootstraps logger, Postgres, the state backend, the engine and the HTTP server.
func New(ctx context.Context, cfg *config.App) (*Application, error) {
	logger := logging.New(cfg.Name, cfg.Env, cfg.LogLevel)
	logger.Info().Str("state_backend", cfg.State.Backend).Str("lock", cfg.State.Lock).Msg("starting application bootstrap")

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	a := &Application{cfg: cfg, logger: logger, pool: pool}

	var store kv.Store
	switch cfg.State.Backend {
	case config.BackendRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		store = kv.NewRedis(a.redis)
	default:
		a.memory = kv.NewMemory()
		store = a.memory
	}

	var mutex lock.Mutex
	if cfg.State.Lock == config.LockRedsync {
		mutex = lock.NewRedsync(a.redis)
	} else {
		mutex = lock.NewStoreMutex(store)
	}

	a.settings = settings.New()
	if path := cfg.Quiz.SettingsFile; path != "" {
		version, err := a.settings.LoadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn().Str("path", path).Msg("settings file missing, using defaults")
		case err != nil:
			a.close()
			return nil, fmt.Errorf("load settings: %w", err)
		default:
			logger.Info().Str("path", path).Uint64("version", version).Msg("settings loaded")
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := ws.NewHub(logger.With().Str("component", "ws-hub").Logger())
	a.transport = chat.NewTransport(hub, chat.Options{
		SendRate:  cfg.Transport.SendRate,
		SendBurst: cfg.Transport.SendBurst,
	}, logger)

	scorer := scoring.NewRecorder(scoring.NewEngine(scoring.DefaultScoringConfig()), store, logger)

	a.engine = quiz.NewEngine(quiz.Deps{
		Store:     store,
		Mutex:     mutex,
		Sessions:  session.NewRepository(pool),
		Quizzes:   session.NewQuizRepository(pool),
		Transport: a.transport,
		Notifier:  a.transport,
		Directory: a.transport,
		Scorer:    scorer,
		Settings:  a.settings,
		Metrics:   quiz.NewMetrics(registry),
	}, quiz.Options{
		PollDuration:      cfg.Quiz.PollDuration,
		PollMargin:        cfg.Quiz.PollMargin,
		PollMappingTTL:    cfg.Quiz.PollMappingTTL,
		PrivateGrace:      cfg.Quiz.PrivateGrace,
		GroupGrace:        cfg.Quiz.GroupGrace,
		AdvanceLockTTL:    cfg.Quiz.AdvanceLockTTL,
		GroupSessionTTL:   cfg.Quiz.GroupSessionTTL,
		FinishedRetention: cfg.Quiz.FinishedRetention,
		LobbyTTL:          cfg.Quiz.LobbyTTL,
		HardStopTTL:       cfg.Quiz.HardStopTTL,
		CountdownStep:     cfg.Quiz.CountdownStep,
	}, logger.With().Str("component", "quiz-engine").Logger())
	a.transport.Bind(a.engine)
	a.monitor = quiz.NewMonitor(a.engine, logger)

	chatHandler := chat.NewHandler(a.engine, a.transport, hub, logger)
	a.http = server.NewHTTPServer(cfg, logger, registry, a.checks(), chatHandler.HandleWebSocket)
	return a, nil
}

func (a *Application) checks() map[string]server.Check {
	checks := map[string]server.Check{
		"postgres": a.pool.Ping,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return checks
}

// Run starts the HTTP server and background workers and blocks until a
// termination signal, a worker failure or ctx cancellation.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Str("addr", a.cfg.HTTPAddr).Msg("http server listening")
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GracefulShutdownTimeout)
		defer cancel()
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("http shutdown error")
		}
		return nil
	})

	g.Go(func() error { return ignoreCanceled(a.monitor.Run(gctx)) })

	if a.memory != nil {
		g.Go(func() error { return ignoreCanceled(a.memory.Run(gctx, a.cfg.State.ReapInterval)) })
	}

	g.Go(func() error { return a.reloadSettingsOnHangup(gctx) })

	err := g.Wait()
	a.close()
	a.logger.Info().Msg("shutdown complete")
	return err
}

// reloadSettingsOnHangup re-reads the settings file on SIGHUP. A bad file
// keeps the previous values.
func (a *Application) reloadSettingsOnHangup(ctx context.Context) error {
	path := a.cfg.Quiz.SettingsFile
	if path == "" {
		return nil
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			version, err := a.settings.LoadFile(path)
			if err != nil {
				a.logger.Warn().Err(err).Str("path", path).Msg("settings reload rejected")
				continue
			}
			a.logger.Info().Str("path", path).Uint64("version", version).Msg("settings reloaded")
		}
	}
}

func (a *Application) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.transport != nil {
		a.transport.Close()
	}
	a.pool.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error().Err(err).Msg("redis shutdown error")
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
