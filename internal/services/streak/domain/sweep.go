package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/louisbranch/embers/internal/platform/errors"
	"github.com/louisbranch/embers/internal/platform/logging"
	"github.com/louisbranch/embers/internal/platform/metrics"
	platformotel "github.com/louisbranch/embers/internal/platform/otel"
	"github.com/louisbranch/embers/internal/platform/timeouts"
	"github.com/louisbranch/embers/internal/services/streak/storage"
)

const (
	defaultSweepPageSize    = 200
	defaultSweepConcurrency = 8
)

// ErrSweepInProgress is returned when a sweep starts while another runs.
var ErrSweepInProgress = errors.New("warning sweep already in progress")

// errCoupleGone marks a streak whose couple was dissolved.
var errCoupleGone = errors.New("couple no longer exists")

// WarningNotifier receives near-expiry warnings. Resend dedup is the
// notifier's concern.
type WarningNotifier interface {
	SendStreakWarning(ctx context.Context, userID string, hoursLeft int) error
}

// SweeperConfig wires a Sweeper. Store, Directory and Notifier are required.
type SweeperConfig struct {
	Store       storage.StreakStore
	Directory   Directory
	Notifier    WarningNotifier
	PageSize    int
	Concurrency int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	// Pruner deletes streaks whose couple is gone. Nil leaves them in place
	// and counts them as failures.
	Pruner Pruner
	// Lease, when set, makes the sweep single-flight across processes. It is
	// held for at most LeaseTTL, which defaults to timeouts.SweepRun.
	Lease    Lease
	LeaseTTL time.Duration
}

// Lease keeps sweeps in separate processes from overlapping.
type Lease interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// sweepLeaseName names the lease shared by every sweeper.
const sweepLeaseName = "warning-sweep"

// Pruner deletes the streak of one couple.
type Pruner interface {
	ResetCouple(ctx context.Context, coupleID string) error
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Scanned int
	Warned  int
	Failed  int
	// Pruned counts streak rows deleted because their couple no longer exists.
	Pruned int
}

// Sweeper scans active streaks and warns members whose streak is about to
// lapse.
type Sweeper struct {
	store       storage.StreakStore
	directory   Directory
	notifier    WarningNotifier
	pageSize    int
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	pruner      Pruner
	lease       Lease
	leaseTTL    time.Duration
	running     atomic.Bool
}

// NewSweeper constructs a warning sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultSweepPageSize
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = timeouts.SweepRun
	}
	return &Sweeper{
		store:       cfg.Store,
		directory:   cfg.Directory,
		notifier:    cfg.Notifier,
		pageSize:    pageSize,
		concurrency: concurrency,
		logger:      logging.OrNop(cfg.Logger),
		metrics:     cfg.Metrics,
		tracer:      platformotel.Tracer(),
		pruner:      cfg.Pruner,
		lease:       cfg.Lease,
		leaseTTL:    leaseTTL,
	}
}

// Sweep runs one pass at now. Failures for one couple are logged and counted
// without stopping the pass; only listing failures abort it.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	if s == nil || s.store == nil || s.directory == nil || s.notifier == nil {
		return SweepReport{}, ErrStoreNotConfigured
	}
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.SweepFinished("skipped", 0, 0)
		return SweepReport{}, ErrSweepInProgress
	}
	defer s.running.Store(false)
	if s.lease != nil {
		release, ok, err := s.lease.TryAcquire(ctx, sweepLeaseName, s.leaseTTL)
		if err != nil {
			s.metrics.SweepFinished("error", 0, 0)
			return SweepReport{}, fmt.Errorf("sweep lease: %w", err)
		}
		if !ok {
			s.metrics.SweepFinished("skipped", 0, 0)
			return SweepReport{}, ErrSweepInProgress
		}
		defer release()
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "streak.Sweep")
	defer span.End()

	var (
		mu     sync.Mutex
		report SweepReport
	)
	after := ""
	for {
		page, err := s.store.ListActiveStreaks(ctx, after, s.pageSize)
		if err != nil {
			s.metrics.SweepFinished("error", time.Since(start), report.Warned)
			return report, fmt.Errorf("list active streaks: %w", err)
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(s.concurrency)
		for _, record := range page.Records {
			state := stateFromRecord(record)
			group.Go(func() error {
				warned, err := s.sweepCouple(groupCtx, state, now)
				pruned := false
				if errors.Is(err, errCoupleGone) {
					pruned, err = s.pruneStale(groupCtx, state.CoupleID)
				}
				mu.Lock()
				defer mu.Unlock()
				report.Scanned++
				report.Warned += warned
				if pruned {
					report.Pruned++
				}
				if err != nil {
					report.Failed++
					s.logger.Warn("sweep couple failed", zap.String("couple_id", state.CoupleID), zap.Error(err))
				}
				return nil
			})
		}
		_ = group.Wait()

		if err := ctx.Err(); err != nil {
			s.metrics.SweepFinished("error", time.Since(start), report.Warned)
			return report, err
		}
		if page.NextAfter == "" {
			break
		}
		after = page.NextAfter
	}

	outcome := "ok"
	if report.Failed > 0 {
		outcome = "partial"
	}
	s.metrics.SweepFinished(outcome, time.Since(start), report.Warned)
	span.SetAttributes(
		attribute.Int("sweep.scanned", report.Scanned),
		attribute.Int("sweep.warned", report.Warned),
		attribute.Int("sweep.failed", report.Failed),
		attribute.Int("sweep.pruned", report.Pruned),
	)
	s.logger.Info("warning sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("warned", report.Warned),
		zap.Int("failed", report.Failed),
		zap.Int("pruned", report.Pruned),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

// Warnings lists the sides of state that should be warned at now with their
// remaining whole hours. It is empty outside the 21h..24h window.
func Warnings(state State, now time.Time) map[Side]int {
	latest, ok := state.Latest()
	if !ok || state.CurrentDays <= 0 {
		return nil
	}
	elapsed := now.Sub(latest)
	if elapsed < SweepWarnAfter || elapsed >= BreakWindow {
		return nil
	}
	warnings := make(map[Side]int, 2)
	for _, side := range []Side{SideA, SideB} {
		sideElapsed := sideElapsed(state, side, now)
		if sideElapsed >= SweepWarnAfter {
			warnings[side] = hoursLeft(sideElapsed)
		}
	}
	return warnings
}

func (s *Sweeper) sweepCouple(ctx context.Context, state State, now time.Time) (int, error) {
	warnings := Warnings(state, now)
	if len(warnings) == 0 {
		return 0, nil
	}
	members, err := s.directory.Members(ctx, state.CoupleID)
	if apperrors.GetCode(err) == apperrors.CodeNotFound {
		return 0, errCoupleGone
	}
	if err != nil {
		return 0, fmt.Errorf("resolve members: %w", err)
	}

	warned := 0
	var errs []error
	for _, side := range []Side{SideA, SideB} {
		hours, ok := warnings[side]
		if !ok {
			continue
		}
		userID := members[0]
		if side == SideB {
			userID = members[1]
		}
		if err := s.notifier.SendStreakWarning(ctx, userID, hours); err != nil {
			errs = append(errs, fmt.Errorf("warn side %s: %w", side, err))
			continue
		}
		warned++
	}
	return warned, errors.Join(errs...)
}

// pruneStale deletes the streak of a dissolved couple under the couple lock
// shared with the tracker.
func (s *Sweeper) pruneStale(ctx context.Context, coupleID string) (bool, error) {
	if s.pruner == nil {
		return false, fmt.Errorf("couple %s: %w", coupleID, errCoupleGone)
	}
	if err := s.pruner.ResetCouple(ctx, coupleID); err != nil {
		return false, fmt.Errorf("prune stale streak: %w", err)
	}
	s.logger.Info("pruned streak of dissolved couple", zap.String("couple_id", coupleID))
	return true, nil
}
