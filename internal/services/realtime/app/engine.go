package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/embers/internal/platform/kv"
	"github.com/louisbranch/embers/internal/platform/logging"
	"github.com/louisbranch/embers/internal/platform/metrics"
	"github.com/louisbranch/embers/internal/platform/storage/sqlitedb"
	couplesdomain "github.com/louisbranch/embers/internal/services/couples/domain"
	couplesqlite "github.com/louisbranch/embers/internal/services/couples/storage/sqlite"
	notificationsdomain "github.com/louisbranch/embers/internal/services/notifications/domain"
	"github.com/louisbranch/embers/internal/services/notifications/push"
	notificationsqlite "github.com/louisbranch/embers/internal/services/notifications/storage/sqlite"
	streakdomain "github.com/louisbranch/embers/internal/services/streak/domain"
	streaksqlite "github.com/louisbranch/embers/internal/services/streak/storage/sqlite"
)

// EngineConfig selects storage and delivery for the streak engine.
type EngineConfig struct {
	DBPath string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	PushWebhookURL    string
	PushWebhookSecret string

	SweepPageSize    int
	SweepConcurrency int

	// Hub receives streak updates. Nil disables realtime publishing.
	Hub     *Hub
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Engine is the wired streak engine: stores, directory, dispatcher, tracker
// and sweeper sharing one database file.
type Engine struct {
	Streaks       *streaksqlite.Store
	Couples       *couplesqlite.Store
	Notifications *notificationsqlite.Store
	DB            *sql.DB
	KV            kv.Store
	// Memory is set when KV is process-local and needs periodic expiry.
	Memory *kv.Memory

	Directory  *couplesdomain.Directory
	Presence   *Presence
	Dispatcher *notificationsdomain.Dispatcher
	Tracker    *streakdomain.Tracker
	Sweeper    *streakdomain.Sweeper
}

// OpenEngine opens storage and wires the engine. Close releases it.
func OpenEngine(ctx context.Context, cfg EngineConfig) (_ *Engine, err error) {
	dbPath := strings.TrimSpace(cfg.DBPath)
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	logger := logging.OrNop(cfg.Logger)
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	e := &Engine{}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if e.DB, err = sqlitedb.Open(dbPath); err != nil {
		return nil, err
	}
	if e.Streaks, err = streaksqlite.New(e.DB); err != nil {
		return nil, fmt.Errorf("open streak store: %w", err)
	}
	if e.Couples, err = couplesqlite.New(e.DB); err != nil {
		return nil, fmt.Errorf("open couple store: %w", err)
	}
	if e.Notifications, err = notificationsqlite.New(e.DB); err != nil {
		return nil, fmt.Errorf("open notification store: %w", err)
	}

	var gate notificationsdomain.Gate
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		redisStore, err := kv.NewRedis(ctx, kv.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		e.KV = redisStore
		gate = notificationsdomain.NewKVGate(redisStore, clock)
	} else {
		e.Memory = kv.NewMemory(clock)
		e.KV = e.Memory
		gate = notificationsdomain.NewLogGate(e.Notifications, clock)
	}

	var sender notificationsdomain.Sender = push.NewLogSender(logger.Named("push"))
	if strings.TrimSpace(cfg.PushWebhookURL) != "" {
		webhook, err := push.NewWebhookSender(cfg.PushWebhookURL, cfg.PushWebhookSecret, nil)
		if err != nil {
			return nil, err
		}
		sender = webhook
	}

	e.Directory = couplesdomain.NewDirectory(e.Couples, clock)
	e.Presence = NewPresence(cfg.Hub, e.KV, clock)
	e.Dispatcher, err = notificationsdomain.NewDispatcher(notificationsdomain.DispatcherConfig{
		Gate:      gate,
		Settings:  e.Notifications,
		Sender:    sender,
		Directory: e.Directory,
		Presence:  e.Presence,
		Logger:    logger.Named("notifications"),
		Metrics:   cfg.Metrics,
		Clock:     clock,
	})
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	var publisher streakdomain.Publisher
	if cfg.Hub != nil {
		publisher = cfg.Hub
	}
	e.Tracker = streakdomain.NewTracker(streakdomain.TrackerConfig{
		Store:     e.Streaks,
		Directory: e.Directory,
		Notifier:  e.Dispatcher,
		Publisher: publisher,
		Logger:    logger.Named("streak"),
		Metrics:   cfg.Metrics,
	})
	e.Sweeper = streakdomain.NewSweeper(streakdomain.SweeperConfig{
		Store:       e.Streaks,
		Directory:   e.Directory,
		Notifier:    e.Dispatcher,
		PageSize:    cfg.SweepPageSize,
		Concurrency: cfg.SweepConcurrency,
		Logger:      logger.Named("sweep"),
		Metrics:     cfg.Metrics,
		Pruner:      e.Tracker,
		Lease:       kv.NewLeases(e.KV),
	})
	return e, nil
}

// Close releases every store. Errors are joined.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	if e.KV != nil {
		errs = append(errs, e.KV.Close())
	}
	if e.DB != nil {
		errs = append(errs, e.DB.Close())
	}
	return errors.Join(errs...)
}
