// Package scheduler runs named periodic tasks on a cron engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/louisbranch/embers/internal/platform/logging"
)

// Task is one scheduled unit of work. The context is canceled when the
// scheduler stops.
type Task func(ctx context.Context)

// Scheduler registers periodic tasks and controls their lifecycle.
type Scheduler interface {
	Schedule(name string, interval time.Duration, task Task) error
	Start()
	Stop(ctx context.Context) error
}

// Cron runs tasks at fixed intervals. A task still running when its next
// tick arrives is skipped for that tick, and panics are recovered and logged.
type Cron struct {
	cron   *cron.Cron
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	names map[string]cron.EntryID
}

// NewCron builds a stopped scheduler.
func NewCron(logger *zap.Logger) *Cron {
	logger = logging.OrNop(logger)
	adapter := cronLogger{logger: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		names:  make(map[string]cron.EntryID),
	}
}

// Schedule registers task to run every interval. Intervals below one second
// are rejected because the cron engine has second resolution.
func (c *Cron) Schedule(name string, interval time.Duration, task Task) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("task name is required")
	}
	if task == nil {
		return fmt.Errorf("task %s: function is required", name)
	}
	if interval < time.Second {
		return fmt.Errorf("task %s: interval must be at least 1s, got %s", name, interval)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.names[name]; exists {
		return fmt.Errorf("task %s is already scheduled", name)
	}
	id := c.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		start := time.Now()
		task(c.ctx)
		c.logger.Debug("scheduled task finished", zap.String("task", name), zap.Duration("elapsed", time.Since(start)))
	}))
	c.names[name] = id
	return nil
}

// Start begins dispatching ticks in the background.
func (c *Cron) Start() {
	c.cron.Start()
}

// Stop halts new ticks, cancels the task context and waits for running tasks
// until ctx expires.
func (c *Cron) Stop(ctx context.Context) error {
	done := c.cron.Stop()
	c.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduled tasks: %w", ctx.Err())
	}
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
