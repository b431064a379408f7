package config

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// App holds core runtime configuration shared across services.
type App struct {
	Name                    string        `env:"APP_NAME" envDefault:"quiz-live"`
	Env                     string        `env:"APP_ENV" envDefault:"development"`
	HTTPAddr                string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_SECONDS" envDefault:"20s"`

	Postgres    Postgres
	Redis       Redis
	Security    Security
	Durable     Durable
	Session     Session
	Broadcast   Broadcast
	Sync        Sync
	Duel        Duel
	Quiz        Quiz
	Achievement Achievement
	Leaderboard Leaderboard
}

// Postgres captures connection info for the SQL database.
// Only required when Durable.Backend is postgres, see Validate.
type Postgres struct {
	Host     string `env:"PG_HOST" envDefault:""`
	Port     int    `env:"PG_PORT" envDefault:"5432"`
	User     string `env:"PG_USER" envDefault:""`
	Password string `env:"PG_PASSWORD" envDefault:""`
	Database string `env:"PG_DATABASE" envDefault:""`
	SSLMode  string `env:"PG_SSL_MODE" envDefault:"disable"`
	MaxConns int32  `env:"PG_MAX_CONNS" envDefault:"10"`
}

// DSN renders a libpq style connection URL.
func (p Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// Redis holds ephemeral store configuration.
type Redis struct {
	Addr      string        `env:"REDIS_ADDR,notEmpty"`
	DB        int           `env:"REDIS_DB" envDefault:"0"`
	PoolSize  int           `env:"REDIS_POOL_SIZE" envDefault:"20"`
	OpTimeout time.Duration `env:"REDIS_OP_TIMEOUT" envDefault:"500ms"`
	KeyPrefix string        `env:"REDIS_KEY_PREFIX" envDefault:"live"`
}

// Security stores secrets for verifying tokens.
type Security struct {
	JWTSecret string `env:"JWT_SECRET,notEmpty"`
}

// Durable selects the long-term store.
type Durable struct {
	Backend string `env:"DURABLE_BACKEND" envDefault:"postgres"`
}

// Session groups live session defaults.
type Session struct {
	TTL                    time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	StartLead              time.Duration `env:"SESSION_START_LEAD" envDefault:"3s"`
	DefaultTimePerQuestion int           `env:"SESSION_DEFAULT_TIME_PER_QUESTION" envDefault:"30"`
	DefaultMaxParticipants int           `env:"SESSION_DEFAULT_MAX_PARTICIPANTS" envDefault:"50"`
	CodeAttempts           int           `env:"SESSION_CODE_ATTEMPTS" envDefault:"5"`
	PresenceTTL            time.Duration `env:"PRESENCE_TTL" envDefault:"2m"`
}

// Broadcast governs the coalesced leaderboard fan-out.
type Broadcast struct {
	Interval time.Duration `env:"BROADCAST_INTERVAL" envDefault:"2s"`
	TopN     int           `env:"BROADCAST_TOP_N" envDefault:"10"`
}

// Sync governs copying ephemeral state to the durable store.
type Sync struct {
	Interval    time.Duration `env:"SYNC_INTERVAL" envDefault:"30s"`
	Concurrency int           `env:"SYNC_CONCURRENCY" envDefault:"4"`
	Retention   time.Duration `env:"SYNC_RETENTION" envDefault:"168h"`
	PurgeEvery  time.Duration `env:"SYNC_PURGE_INTERVAL" envDefault:"1h"`
}

// Duel groups matchmaking and battle defaults.
type Duel struct {
	StaleAfter      time.Duration `env:"DUEL_STALE_AFTER" envDefault:"10m"`
	CleanupInterval time.Duration `env:"DUEL_CLEANUP_INTERVAL" envDefault:"1m"`
	SearchRetries   int           `env:"MATCH_SEARCH_RETRIES" envDefault:"3"`
	ClaimRetries    int           `env:"MATCH_CLAIM_RETRIES" envDefault:"5"`
	TimePerQuestion int           `env:"DUEL_TIME_PER_QUESTION" envDefault:"15"`
}

// Quiz configures the quiz content collaborator.
type Quiz struct {
	ServiceURL   string        `env:"QUIZ_SERVICE_URL" envDefault:""`
	FixturesPath string        `env:"QUIZ_FIXTURES_PATH" envDefault:""`
	CacheTTL     time.Duration `env:"QUIZ_CACHE_TTL" envDefault:"10m"`
	HTTPTimeout  time.Duration `env:"QUIZ_HTTP_TIMEOUT" envDefault:"4s"`
}

// Achievement configures the fire-and-forget achievement notifier.
// An empty URL and AMQPURL disables notifications.
type Achievement struct {
	URL      string        `env:"ACHIEVEMENT_URL" envDefault:""`
	AMQPURL  string        `env:"ACHIEVEMENT_AMQP_URL" envDefault:""`
	Exchange string        `env:"ACHIEVEMENT_AMQP_EXCHANGE" envDefault:"quiz.events"`
	Timeout  time.Duration `env:"ACHIEVEMENT_TIMEOUT" envDefault:"3s"`
}

// Leaderboard governs the global duel leaderboard windows.
type Leaderboard struct {
	WindowTopN       int           `env:"LEADERBOARD_WINDOW_TOP" envDefault:"50"`
	SnapshotInterval time.Duration `env:"LEADERBOARD_SNAPSHOT_INTERVAL" envDefault:"5m"`
}

// Load parses environment variables into App config.
func Load(ctx context.Context) (*App, error) {
	cfg := &App{}
	if err := env.ParseWithOptions(cfg, env.Options{RequiredIfNoDef: true}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the env tags cannot express.
func (c *App) Validate() error {
	switch c.Durable.Backend {
	case "memory":
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.User == "" || c.Postgres.Database == "" {
			return fmt.Errorf("config: PG_HOST, PG_USER and PG_DATABASE are required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown DURABLE_BACKEND %q", c.Durable.Backend)
	}
	if c.Quiz.ServiceURL == "" && c.Quiz.FixturesPath == "" {
		return fmt.Errorf("config: one of QUIZ_SERVICE_URL or QUIZ_FIXTURES_PATH is required")
	}
	if c.Sync.Concurrency < 1 {
		c.Sync.Concurrency = 1
	}
	return nil
}
