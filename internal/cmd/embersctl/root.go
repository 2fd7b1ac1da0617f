// Package embersctl contains the operator commands of the embers admin CLI.
package embersctl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/louisbranch/embers/internal/platform/authtoken"
	platformgrpc "github.com/louisbranch/embers/internal/platform/grpc"
	entrypoint "github.com/louisbranch/embers/internal/platform/cmd"
	"github.com/louisbranch/embers/internal/platform/logging"
	"github.com/louisbranch/embers/internal/platform/timeouts"
	realtimeserver "github.com/louisbranch/embers/internal/services/realtime/app"
)

// Config holds the settings shared by every subcommand.
type Config struct {
	DBPath           string `env:"EMBERS_DB_PATH" envDefault:"data/embers.db"`
	JWTSecret        string `env:"EMBERS_JWT_SECRET"`
	JWTIssuer        string `env:"EMBERS_JWT_ISSUER"`
	SweepPageSize    int    `env:"EMBERS_SWEEP_PAGE_SIZE" envDefault:"200"`
	SweepConcurrency int    `env:"EMBERS_SWEEP_CONCURRENCY" envDefault:"8"`

	Log logging.Config
}

// ParseConfig loads Config from the environment.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewRoot constructs the embersctl command tree. Persistent flags override
// the environment values in cfg.
func NewRoot(cfg Config) *cobra.Command {
	root := &cobra.Command{
		Use:           entrypoint.ServiceEmbersCtl,
		Short:         "Operate an embers streak database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")

	root.AddCommand(
		newStreakCommand(&cfg),
		newSweepCommand(&cfg),
		newTokenCommand(&cfg),
		newHealthCommand(),
	)
	return root
}

func newStreakCommand(cfg *Config) *cobra.Command {
	streakCmd := &cobra.Command{
		Use:   "streak",
		Short: "Inspect couple streaks",
	}
	streakCmd.AddCommand(&cobra.Command{
		Use:   "view <couple-id>",
		Short: "Print the current streak view of a couple as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), cfg, zap.NewNop(), func(engine *realtimeserver.Engine) error {
				view, err := engine.Tracker.GetStreakView(cmd.Context(), args[0], time.Now())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			})
		},
	})
	return streakCmd
}

func newSweepCommand(cfg *Config) *cobra.Command {
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run near-expiry warning sweeps",
	}
	sweepCmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run one warning sweep and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return withEngine(cmd.Context(), cfg, logger, func(engine *realtimeserver.Engine) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeouts.SweepRun)
				defer cancel()
				report, err := engine.Sweeper.Sweep(ctx, time.Now())
				if err != nil {
					return fmt.Errorf("sweep: %w", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "scanned: %d\nwarned: %d\nfailed: %d\npruned: %d\n",
					report.Scanned, report.Warned, report.Failed, report.Pruned)
				return err
			})
		},
	})
	return sweepCmd
}

func newTokenCommand(cfg *Config) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage user tokens for local testing",
	}
	var ttl time.Duration
	issueCmd := &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Sign a user token with EMBERS_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verifier, err := authtoken.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, nil)
			if err != nil {
				return err
			}
			token, err := verifier.Issue(strings.TrimSpace(args[0]), ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	issueCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

func newHealthCommand() *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Wait until a running server reports SERVING",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := platformgrpc.Dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := platformgrpc.WaitForHealth(ctx, conn, service, nil); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "SERVING")
			return err
		},
	}
	healthCmd.Flags().StringVar(&addr, "addr", "localhost:8089", "Health server address")
	healthCmd.Flags().StringVar(&service, "service", realtimeserver.HealthServiceName, "Health service name")
	healthCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait")
	return healthCmd
}

// withEngine opens the database with log-only push delivery, runs fn and
// closes it.
func withEngine(ctx context.Context, cfg *Config, logger *zap.Logger, fn func(*realtimeserver.Engine) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	engine, err := realtimeserver.OpenEngine(ctx, realtimeserver.EngineConfig{
		DBPath:           cfg.DBPath,
		SweepPageSize:    cfg.SweepPageSize,
		SweepConcurrency: cfg.SweepConcurrency,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := engine.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(engine)
}
