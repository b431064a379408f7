package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/achievement"
	"github.com/quizarena/live/internal/auth/jwt"
	"github.com/quizarena/live/internal/config"
	"github.com/quizarena/live/internal/db/memory"
	"github.com/quizarena/live/internal/db/repository"
	"github.com/quizarena/live/internal/duel"
	"github.com/quizarena/live/internal/durability"
	"github.com/quizarena/live/internal/ephemeral"
	"github.com/quizarena/live/internal/leaderboard"
	"github.com/quizarena/live/internal/logging"
	"github.com/quizarena/live/internal/quiz"
	"github.com/quizarena/live/internal/realtime"
	"github.com/quizarena/live/internal/server"
	"github.com/quizarena/live/internal/session"
	"github.com/quizarena/live/pkg/http/ws"
)

// sessionRepository is what the durable session store must offer.
type sessionRepository interface {
	durability.Repository
	session.History
}

// Application aggregates shared infrastructure (stores, workers, HTTP server).
type Application struct {
	cfg    *config.App
	logger zerolog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client
	http  *http.Server

	relay          *realtime.Relay
	scheduler      *leaderboard.Scheduler
	syncer         *durability.Syncer
	matchmaker     *duel.Matchmaker
	snapshotWorker *leaderboard.SnapshotWorker
	coordinator    *session.Coordinator
	notifier       *achievement.Async
	closers        []func() error

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New bootstraps the logger, stores, coordinators and HTTP server.
func New(ctx context.Context, cfg *config.App) (*Application, error) {
	logger := logging.New(cfg.Name, cfg.Env)
	logger.Info().Str("durable_backend", cfg.Durable.Backend).Msg("starting application bootstrap")

	a := &Application{cfg: cfg, logger: logger}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	store := ephemeral.NewStore(a.redis, logger, ephemeral.Options{
		KeyPrefix: cfg.Redis.KeyPrefix,
		OpTimeout: cfg.Redis.OpTimeout,
	})

	var (
		sessions  sessionRepository
		duels     duel.Repository
		snapshots leaderboard.SnapshotStore
	)
	switch cfg.Durable.Backend {
	case "postgres":
		pool, err := repository.NewPool(ctx, cfg.Postgres.DSN(), cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		sessions = repository.NewSessionRepository(pool)
		duels = repository.NewDuelRepository(pool)
		snapshots = repository.NewSnapshotRepository(pool)
	default:
		logger.Warn().Msg("memory durable backend: history is lost on restart")
		sessions = memory.NewSessions()
		duels = memory.NewDuels()
		snapshots = memory.NewSnapshots()
	}

	quizzes, err := buildQuizSource(cfg, store, logger)
	if err != nil {
		return nil, err
	}
	next, err := a.buildNotifier(cfg)
	if err != nil {
		return nil, err
	}
	a.notifier = achievement.NewAsync(next, cfg.Achievement.Timeout, logger)

	hub := ws.NewHub(logger)
	a.relay = realtime.NewRelay(a.redis, hub, store.Key("realtime"), logger)
	presence := ephemeral.NewPresence(store, cfg.Session.PresenceTTL)
	tokens := jwt.NewManager(jwt.TokenConfig{Secret: []byte(cfg.Security.JWTSecret)})

	board := leaderboard.NewEngine(store, cfg.Session.TTL, logger)
	state := session.NewState(store, board, cfg.Session.TTL, logger)
	a.scheduler = leaderboard.NewScheduler(store, board, a.relay, cfg.Broadcast.Interval, cfg.Broadcast.TopN, logger)
	a.syncer = durability.NewSyncer(state, sessions, durability.Options{
		Interval:    cfg.Sync.Interval,
		Concurrency: cfg.Sync.Concurrency,
		Retention:   cfg.Sync.Retention,
		PurgeEvery:  cfg.Sync.PurgeEvery,
	}, logger)
	a.coordinator = session.NewCoordinator(state, quizzes, board, a.scheduler, a.relay, a.syncer, sessions, a.notifier, session.Options{
		TTL:                    cfg.Session.TTL,
		StartLead:              cfg.Session.StartLead,
		DefaultTimePerQuestion: cfg.Session.DefaultTimePerQuestion,
		DefaultMaxParticipants: cfg.Session.DefaultMaxParticipants,
		CodeAttempts:           cfg.Session.CodeAttempts,
	}, logger)

	windows := leaderboard.NewWindows(store, cfg.Leaderboard.WindowTopN, logger)
	if interval := cfg.Leaderboard.SnapshotInterval; interval > 0 {
		a.snapshotWorker = leaderboard.NewSnapshotWorker(windows, snapshots, interval, cfg.Leaderboard.WindowTopN, logger)
	}

	pins := duel.NewSnapshots(store, quizzes, cfg.Session.TTL, logger)
	a.matchmaker = duel.NewMatchmaker(duels, presence, store, pins, a.relay, duel.MatchmakerOptions{
		SearchRetries:   cfg.Duel.SearchRetries,
		ClaimRetries:    cfg.Duel.ClaimRetries,
		StaleAfter:      cfg.Duel.StaleAfter,
		CleanupInterval: cfg.Duel.CleanupInterval,
		TimePerQuestion: cfg.Duel.TimePerQuestion,
	}, logger)
	battle := duel.NewBattle(duels, pins, a.relay, a.notifier, windows, logger)

	gateway := realtime.NewGateway(hub, tokens, presence, logger)
	session.NewHandler(a.coordinator, a.relay, logger).Register(gateway)
	duel.NewHandler(a.matchmaker, battle, logger).Register(gateway)

	pingers := []server.Pinger{store.Ping}
	if a.pool != nil {
		pingers = append(pingers, a.pool.Ping)
	}
	a.http = server.NewHTTPServer(cfg, logger, server.Routes{
		Sessions:    session.NewHTTPHandlers(a.coordinator, logger),
		Leaderboard: leaderboard.NewHTTPHandler(windows, snapshots, logger),
		Realtime:    gateway,
		Tokens:      tokens,
		Pingers:     pingers,
	})
	return a, nil
}

// buildQuizSource chains local fixtures ahead of the quiz service and puts
// the Redis cache in front of both.
func buildQuizSource(cfg *config.App, store *ephemeral.Store, logger zerolog.Logger) (quiz.Source, error) {
	var chain quiz.Chain
	if path := cfg.Quiz.FixturesPath; path != "" {
		fixtures, err := quiz.LoadFixtures(path)
		if err != nil {
			return nil, fmt.Errorf("load quiz fixtures: %w", err)
		}
		chain = append(chain, fixtures)
	}
	if url := cfg.Quiz.ServiceURL; url != "" {
		chain = append(chain, quiz.NewHTTPClient(url, &http.Client{Timeout: cfg.Quiz.HTTPTimeout}))
	}
	return quiz.NewCache(store, chain, cfg.Quiz.CacheTTL, logger), nil
}

func (a *Application) buildNotifier(cfg *config.App) (achievement.Notifier, error) {
	switch {
	case cfg.Achievement.AMQPURL != "":
		n, err := achievement.NewAMQPNotifier(cfg.Achievement.AMQPURL, cfg.Achievement.Exchange)
		if err != nil {
			return nil, fmt.Errorf("achievement amqp: %w", err)
		}
		a.closers = append(a.closers, n.Close)
		return n, nil
	case cfg.Achievement.URL != "":
		return achievement.NewHTTPNotifier(cfg.Achievement.URL, &http.Client{Timeout: cfg.Achievement.Timeout}), nil
	default:
		a.logger.Warn().Msg("achievement notifications disabled")
		return achievement.Nop{}, nil
	}
}

// Run starts the workers and the HTTP server and waits for termination signals.
func (a *Application) Run(ctx context.Context) error {
	if err := a.startBackgroundWorkers(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.cfg.HTTPAddr).Msg("http server listening")
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		a.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
		a.logger.Warn().Msg("context canceled")
	}

	a.shutdown()
	return runErr
}

func (a *Application) startBackgroundWorkers(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	a.bgCancel = cancel

	ready := make(chan struct{})
	a.spawn("realtime relay", func() error { return a.relay.Run(bgCtx, ready) })
	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	// after the relay so recovered timers that fire at once reach local sockets
	if n, err := a.coordinator.Recover(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("session timer recovery failed")
	} else if n > 0 {
		a.logger.Info().Int("sessions", n).Msg("session timers recovered")
	}

	a.spawn("leaderboard scheduler", func() error { return a.scheduler.Run(bgCtx) })
	a.spawn("durability sync", func() error { return a.syncer.Run(bgCtx) })
	a.spawn("duel cleanup", func() error { return a.matchmaker.RunCleanup(bgCtx) })
	if a.snapshotWorker != nil {
		a.spawn("leaderboard snapshot worker", func() error { return a.snapshotWorker.Run(bgCtx) })
	}
	return nil
}

func (a *Application) spawn(name string, run func() error) {
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Str("worker", name).Msg("background worker stopped")
		}
	}()
}

func (a *Application) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GracefulShutdownTimeout)
	defer cancel()

	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("http shutdown error")
	}
	a.coordinator.Close()

	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.bgWG.Wait()

	// last copy of live sessions before the process goes away
	if n, err := a.syncer.Sweep(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("final sync failed")
	} else {
		a.logger.Info().Int("sessions", n).Msg("final sync done")
	}
	a.notifier.Wait()

	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Error().Err(err).Msg("redis shutdown error")
	}
	a.logger.Info().Msg("shutdown complete")
}
