// Package embers parses server command flags and launches the realtime
// streak server.
package embers

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/embers/internal/platform/cmd"
	"github.com/louisbranch/embers/internal/platform/logging"
	realtimeserver "github.com/louisbranch/embers/internal/services/realtime/app"
)

// Config holds server command configuration.
type Config struct {
	HTTPAddr     string `env:"EMBERS_HTTP_ADDR" envDefault:":8086"`
	HealthPort   int    `env:"EMBERS_HEALTH_PORT" envDefault:"8089"`
	DBPath       string `env:"EMBERS_DB_PATH" envDefault:"data/embers.db"`
	JWTSecret    string `env:"EMBERS_JWT_SECRET"`
	JWTIssuer    string `env:"EMBERS_JWT_ISSUER"`
	ServiceToken string `env:"EMBERS_SERVICE_TOKEN"`

	RedisAddr      string `env:"EMBERS_REDIS_ADDR"`
	RedisPassword  string `env:"EMBERS_REDIS_PASSWORD"`
	RedisDB        int    `env:"EMBERS_REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"EMBERS_REDIS_KEY_PREFIX" envDefault:"embers:"`

	PushWebhookURL    string `env:"EMBERS_PUSH_WEBHOOK_URL"`
	PushWebhookSecret string `env:"EMBERS_PUSH_WEBHOOK_SECRET"`

	SweepInterval    time.Duration `env:"EMBERS_SWEEP_INTERVAL" envDefault:"30m"`
	SweepPageSize    int           `env:"EMBERS_SWEEP_PAGE_SIZE" envDefault:"200"`
	SweepConcurrency int           `env:"EMBERS_SWEEP_CONCURRENCY" envDefault:"8"`
	LogRetention     time.Duration `env:"EMBERS_NOTIFICATION_LOG_RETENTION" envDefault:"72h"`

	SendQueueSize     int           `env:"EMBERS_SEND_QUEUE_SIZE" envDefault:"64"`
	FramesPerSecond   float64       `env:"EMBERS_FRAMES_PER_SECOND" envDefault:"20"`
	FrameBurst        int           `env:"EMBERS_FRAME_BURST" envDefault:"40"`
	MaxAuthFailures   int           `env:"EMBERS_MAX_AUTH_FAILURES" envDefault:"10"`
	AuthFailureWindow time.Duration `env:"EMBERS_AUTH_FAILURE_WINDOW" envDefault:"15m"`

	Log logging.Config
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.SweepInterval < time.Minute {
		return fmt.Errorf("sweep interval must be at least 1m, got %s", c.SweepInterval)
	}
	if c.SweepPageSize <= 0 {
		return fmt.Errorf("sweep page size must be positive")
	}
	if c.SweepConcurrency <= 0 {
		return fmt.Errorf("sweep concurrency must be positive")
	}
	return nil
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The HTTP and websocket listen address")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The gRPC health server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The SQLite database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for shared rate limits and presence")
	fs.StringVar(&cfg.PushWebhookURL, "push-webhook-url", cfg.PushWebhookURL, "Push provider webhook URL; pushes are logged when empty")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Interval between near-expiry sweeps")
	fs.IntVar(&cfg.SweepPageSize, "sweep-page-size", cfg.SweepPageSize, "Streaks loaded per sweep page")
	fs.IntVar(&cfg.SweepConcurrency, "sweep-concurrency", cfg.SweepConcurrency, "Couples processed in parallel by a sweep")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the server runtime.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceEmbers, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		return realtimeserver.Run(ctx, runtimeConfig(cfg), logger)
	})
}

func runtimeConfig(cfg Config) realtimeserver.RuntimeConfig {
	return realtimeserver.RuntimeConfig{
		HTTPAddr:          cfg.HTTPAddr,
		HealthPort:        cfg.HealthPort,
		DBPath:            cfg.DBPath,
		JWTSecret:         cfg.JWTSecret,
		JWTIssuer:         cfg.JWTIssuer,
		ServiceToken:      cfg.ServiceToken,
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		RedisDB:           cfg.RedisDB,
		RedisKeyPrefix:    cfg.RedisKeyPrefix,
		PushWebhookURL:    cfg.PushWebhookURL,
		PushWebhookSecret: cfg.PushWebhookSecret,
		SweepInterval:     cfg.SweepInterval,
		SweepPageSize:     cfg.SweepPageSize,
		SweepConcurrency:  cfg.SweepConcurrency,
		LogRetention:      cfg.LogRetention,
		SendQueueSize:     cfg.SendQueueSize,
		FramesPerSecond:   cfg.FramesPerSecond,
		FrameBurst:        cfg.FrameBurst,
		MaxAuthFailures:   cfg.MaxAuthFailures,
		AuthFailureWindow: cfg.AuthFailureWindow,
	}
}
