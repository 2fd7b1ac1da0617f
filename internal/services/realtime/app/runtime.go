package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/embers/internal/platform/authtoken"
	"github.com/louisbranch/embers/internal/platform/logging"
	"github.com/louisbranch/embers/internal/platform/metrics"
	"github.com/louisbranch/embers/internal/platform/scheduler"
	"github.com/louisbranch/embers/internal/platform/timeouts"
	streakdomain "github.com/louisbranch/embers/internal/services/streak/domain"
)

// RuntimeConfig controls server startup, dependencies and background jobs.
type RuntimeConfig struct {
	HTTPAddr   string
	HealthPort int
	DBPath     string

	JWTSecret    string
	JWTIssuer    string
	ServiceToken string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	PushWebhookURL    string
	PushWebhookSecret string

	SweepInterval    time.Duration
	SweepPageSize    int
	SweepConcurrency int
	// LogRetention bounds how long notification log rows are kept.
	LogRetention time.Duration

	SendQueueSize     int
	FramesPerSecond   float64
	FrameBurst        int
	MaxAuthFailures   int
	AuthFailureWindow time.Duration
}

const (
	defaultHealthPort     = 8089
	defaultDBPath         = "data/embers.db"
	defaultSweepInterval  = 30 * time.Minute
	defaultLogRetention   = 72 * time.Hour
	logPruneInterval      = time.Hour
	memoryKVSweepInterval = time.Minute
)

// HealthServiceName is the service reported by the gRPC health server.
const HealthServiceName = "embers.realtime"

// Run starts the realtime server, the health server and the scheduled jobs,
// and blocks until ctx is done.
func Run(ctx context.Context, cfg RuntimeConfig, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger = logging.OrNop(logger)
	if cfg.HealthPort <= 0 {
		cfg.HealthPort = defaultHealthPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = defaultLogRetention
	}

	verifier, err := authtoken.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, nil)
	if err != nil {
		return fmt.Errorf("init token verifier: %w", err)
	}

	m := metrics.New()
	hub := NewHub(cfg.SendQueueSize, logger.Named("hub"), m)
	engine, err := OpenEngine(ctx, EngineConfig{
		DBPath:            cfg.DBPath,
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		RedisDB:           cfg.RedisDB,
		RedisKeyPrefix:    cfg.RedisKeyPrefix,
		PushWebhookURL:    cfg.PushWebhookURL,
		PushWebhookSecret: cfg.PushWebhookSecret,
		SweepPageSize:     cfg.SweepPageSize,
		SweepConcurrency:  cfg.SweepConcurrency,
		Hub:               hub,
		Logger:            logger,
		Metrics:           m,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := engine.Close(); closeErr != nil {
			logger.Warn("close engine", zap.Error(closeErr))
		}
	}()

	jobs := scheduler.NewCron(logger.Named("scheduler"))
	if err := scheduleJobs(jobs, engine, cfg, logger); err != nil {
		return err
	}
	jobs.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := jobs.Stop(stopCtx); err != nil {
			logger.Warn("stop scheduler", zap.Error(err))
		}
	}()

	srv, err := NewServer(Config{
		HTTPAddr:          cfg.HTTPAddr,
		ServiceToken:      cfg.ServiceToken,
		FramesPerSecond:   cfg.FramesPerSecond,
		FrameBurst:        cfg.FrameBurst,
		MaxAuthFailures:   cfg.MaxAuthFailures,
		AuthFailureWindow: cfg.AuthFailureWindow,
	}, Deps{
		Hub:           hub,
		Presence:      engine.Presence,
		Verifier:      verifier,
		Directory:     engine.Directory,
		Streaks:       engine.Tracker,
		Notifications: engine.Dispatcher,
		KV:            engine.KV,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return fmt.Errorf("init realtime server: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthPort))
	if err != nil {
		return fmt.Errorf("listen on health port %d: %w", cfg.HealthPort, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	logger.Info("health server listening", zap.Stringer("addr", listener.Addr()))
	return srv.ListenAndServe(ctx)
}

// scheduleJobs registers the warning sweep, notification log pruning and,
// for the in-process key-value store, key expiry.
func scheduleJobs(jobs scheduler.Scheduler, engine *Engine, cfg RuntimeConfig, logger *zap.Logger) error {
	sweepLogger := logger.Named("sweep")
	if err := jobs.Schedule("warning-sweep", cfg.SweepInterval, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, timeouts.SweepRun)
		defer cancel()
		report, err := engine.Sweeper.Sweep(ctx, time.Now())
		if errors.Is(err, streakdomain.ErrSweepInProgress) {
			sweepLogger.Debug("warning sweep skipped, another run holds the lease")
			return
		}
		if err != nil {
			sweepLogger.Warn("warning sweep failed", zap.Error(err))
			return
		}
		sweepLogger.Info("warning sweep finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("warned", report.Warned),
			zap.Int("failed", report.Failed),
			zap.Int("pruned", report.Pruned),
		)
	}); err != nil {
		return fmt.Errorf("schedule warning sweep: %w", err)
	}

	if err := jobs.Schedule("notification-log-prune", logPruneInterval, func(ctx context.Context) {
		removed, err := engine.Notifications.PruneSentBefore(ctx, time.Now().Add(-cfg.LogRetention))
		if err != nil {
			logger.Warn("prune notification log", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Debug("pruned notification log", zap.Int64("removed", removed))
		}
	}); err != nil {
		return fmt.Errorf("schedule log prune: %w", err)
	}

	if engine.Memory != nil {
		if err := jobs.Schedule("kv-expiry", memoryKVSweepInterval, func(context.Context) {
			engine.Memory.Sweep()
		}); err != nil {
			return fmt.Errorf("schedule kv expiry: %w", err)
		}
	}
	return nil
}
