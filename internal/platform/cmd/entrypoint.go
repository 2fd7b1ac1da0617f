// Package cmd holds the startup plumbing shared by the embers commands:
// environment and flag parsing, then a run loop wrapped in tracing setup.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/embers/internal/platform/config"
	"github.com/louisbranch/embers/internal/platform/logging"
	"github.com/louisbranch/embers/internal/platform/otel"
)

const defaultOTelShutdownTimeout = 5 * time.Second

// Command names, also used as the tracing service name.
const (
	ServiceEmbers    = "embers"
	ServiceEmbersCtl = "embersctl"
)

// RunOptions tunes RunWithTelemetryAndOptions.
type RunOptions struct {
	ShutdownTimeout time.Duration
	// Logger receives lifecycle messages. Defaults to a no-op logger.
	Logger *zap.Logger
}

// ParseConfig loads environment values into cfg.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags. Flags registered on fs override the
// values ParseConfig loaded.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// RunWithTelemetry is RunWithTelemetryAndOptions with default options.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	return RunWithTelemetryAndOptions(ctx, service, RunOptions{}, run)
}

// RunWithTelemetryAndOptions installs the tracer provider for service, runs
// run and flushes traces once it returns.
func RunWithTelemetryAndOptions(ctx context.Context, service string, options RunOptions, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.OrNop(options.Logger).With(zap.String("service", service))

	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownTimeout := options.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = defaultOTelShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting")
	started := time.Now()
	err = run(ctx)
	if err != nil {
		logger.Error("stopped with error", zap.Duration("uptime", time.Since(started)), zap.Error(err))
		return err
	}
	logger.Info("stopped", zap.Duration("uptime", time.Since(started)))
	return nil
}
