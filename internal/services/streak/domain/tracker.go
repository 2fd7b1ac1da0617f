package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/embers/internal/platform/errors"
	"github.com/louisbranch/embers/internal/platform/keylock"
	"github.com/louisbranch/embers/internal/platform/logging"
	"github.com/louisbranch/embers/internal/platform/metrics"
	platformotel "github.com/louisbranch/embers/internal/platform/otel"
	"github.com/louisbranch/embers/internal/services/streak/storage"
)

// EventStreakUpdated is published to the couple topic after every recorded
// interaction.
const EventStreakUpdated = "streakUpdated"

const defaultMaxAttempts = 5

var (
	// ErrStoreNotConfigured indicates the tracker is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("streak store is not configured")
	// ErrDirectoryNotConfigured indicates the tracker cannot resolve sides.
	ErrDirectoryNotConfigured = errors.New("couple directory is not configured")
	// ErrUserIDRequired indicates the acting user is missing.
	ErrUserIDRequired = apperrors.New(apperrors.CodeInvalidArgument, "user id is required")
	// ErrCoupleIDRequired indicates the couple is missing.
	ErrCoupleIDRequired = apperrors.New(apperrors.CodeInvalidArgument, "couple id is required")
	// ErrNotCoupleMember indicates the user does not belong to the couple.
	ErrNotCoupleMember = apperrors.New(apperrors.CodeForbidden, "user is not a member of the couple")
)

// Directory resolves couple membership. Members returns the user ids in side
// order: index 0 is side A.
type Directory interface {
	Members(ctx context.Context, coupleID string) ([2]string, error)
}

// Notifier receives the tracker's push signals.
type Notifier interface {
	SendInteractionPush(ctx context.Context, actorUserID string) error
	SendMilestone(ctx context.Context, coupleID string, days int) error
	SendStreakBroken(ctx context.Context, coupleID string) error
}

// Publisher fans events out to live connections without blocking.
type Publisher interface {
	PublishToCouple(coupleID, event string, payload any)
}

// TrackerConfig wires a Tracker. Store and Directory are required.
type TrackerConfig struct {
	Store     storage.StreakStore
	Directory Directory
	Notifier  Notifier
	Publisher Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// MaxAttempts bounds reload-and-retry after a version conflict.
	MaxAttempts int
}

// Tracker applies interactions to couple streaks, one couple at a time.
type Tracker struct {
	store       storage.StreakStore
	directory   Directory
	notifier    Notifier
	publisher   Publisher
	logger      *zap.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	locks       *keylock.Locker
	maxAttempts int
}

// NewTracker constructs a streak tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Tracker{
		store:       cfg.Store,
		directory:   cfg.Directory,
		notifier:    cfg.Notifier,
		publisher:   cfg.Publisher,
		logger:      logging.OrNop(cfg.Logger),
		metrics:     cfg.Metrics,
		tracer:      platformotel.Tracer(),
		locks:       keylock.New(),
		maxAttempts: maxAttempts,
	}
}

// RecordInteraction applies one interaction by userID to the couple streak
// and returns the resulting view. Calls for the same couple are serialized;
// notifications fire only after the new state is stored.
func (t *Tracker) RecordInteraction(ctx context.Context, userID, coupleID string, now time.Time) (view View, err error) {
	if t == nil || t.store == nil {
		return View{}, ErrStoreNotConfigured
	}
	if t.directory == nil {
		return View{}, ErrDirectoryNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return View{}, ErrUserIDRequired
	}
	coupleID = strings.TrimSpace(coupleID)
	if coupleID == "" {
		return View{}, ErrCoupleIDRequired
	}

	ctx, span := t.tracer.Start(ctx, "streak.RecordInteraction", trace.WithAttributes(
		attribute.String("couple.id", coupleID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		span.End()
	}()

	view, outcome, err := t.recordLocked(ctx, userID, coupleID, now, span)
	if err != nil {
		return View{}, err
	}
	t.notify(ctx, userID, coupleID, outcome)
	return view, nil
}

// recordLocked resolves the side, stores the new state and publishes it while
// holding the couple lock. Pushes are sent by the caller after release.
func (t *Tracker) recordLocked(ctx context.Context, userID, coupleID string, now time.Time, span trace.Span) (View, Outcome, error) {
	unlock, err := t.locks.Lock(ctx, coupleID)
	if err != nil {
		return View{}, Outcome{}, fmt.Errorf("wait for couple %s: %w", coupleID, err)
	}
	defer unlock()

	side, err := t.resolveSide(ctx, userID, coupleID)
	if err != nil {
		return View{}, Outcome{}, err
	}
	span.SetAttributes(attribute.String("streak.side", string(side)))

	next, outcome, err := t.commit(ctx, coupleID, side, now)
	if err != nil {
		return View{}, Outcome{}, err
	}

	t.metrics.InteractionRecorded()
	if outcome.Broken {
		t.metrics.StreakBroken()
	}
	if outcome.DayCredited {
		t.metrics.DayCredited()
	}
	if outcome.Milestone > 0 {
		t.metrics.MilestoneReached(outcome.Milestone)
	}
	view := BuildView(next, now)
	// Published under the lock so couple subscribers see updates in commit order.
	if t.publisher != nil {
		t.publisher.PublishToCouple(coupleID, EventStreakUpdated, view)
	}
	return view, outcome, nil
}

func (t *Tracker) commit(ctx context.Context, coupleID string, side Side, now time.Time) (State, Outcome, error) {
	for attempt := 1; ; attempt++ {
		current, err := t.load(ctx, coupleID)
		if err != nil {
			return State{}, Outcome{}, err
		}
		next, outcome := ApplyInteraction(current, side, now)
		err = t.store.PutStreak(ctx, next.record(), current.Version)
		if err == nil {
			next.Version = current.Version + 1
			return next, outcome, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return State{}, Outcome{}, fmt.Errorf("put streak: %w", err)
		}
		t.metrics.WriteConflict()
		if attempt >= t.maxAttempts {
			return State{}, Outcome{}, apperrors.Wrap(apperrors.CodeConflict, "streak changed concurrently, retries exhausted", err)
		}
		t.logger.Debug("streak write conflict, reloading",
			zap.String("couple_id", coupleID),
			zap.Int("attempt", attempt),
		)
	}
}

func (t *Tracker) notify(ctx context.Context, userID, coupleID string, outcome Outcome) {
	if t.notifier == nil {
		return
	}
	if outcome.Broken {
		if err := t.notifier.SendStreakBroken(ctx, coupleID); err != nil {
			t.logger.Warn("streak broken notification failed", zap.String("couple_id", coupleID), zap.Error(err))
		}
	}
	if outcome.Milestone > 0 {
		if err := t.notifier.SendMilestone(ctx, coupleID, outcome.Milestone); err != nil {
			t.logger.Warn("milestone notification failed", zap.String("couple_id", coupleID), zap.Int("days", outcome.Milestone), zap.Error(err))
		}
	}
	if err := t.notifier.SendInteractionPush(ctx, userID); err != nil {
		t.logger.Warn("interaction push failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// GetStreakView returns the current view of a couple streak. Couples without
// history get the baseline view.
func (t *Tracker) GetStreakView(ctx context.Context, coupleID string, now time.Time) (View, error) {
	if t == nil || t.store == nil {
		return View{}, ErrStoreNotConfigured
	}
	coupleID = strings.TrimSpace(coupleID)
	if coupleID == "" {
		return BaselineView(), nil
	}
	state, err := t.load(ctx, coupleID)
	if err != nil {
		return View{}, err
	}
	return BuildView(state, now), nil
}

// ResetCouple deletes the streak of a dissolved couple.
func (t *Tracker) ResetCouple(ctx context.Context, coupleID string) error {
	if t == nil || t.store == nil {
		return ErrStoreNotConfigured
	}
	coupleID = strings.TrimSpace(coupleID)
	if coupleID == "" {
		return ErrCoupleIDRequired
	}
	unlock, err := t.locks.Lock(ctx, coupleID)
	if err != nil {
		return fmt.Errorf("wait for couple %s: %w", coupleID, err)
	}
	defer unlock()
	if err := t.store.DeleteStreak(ctx, coupleID); err != nil {
		return fmt.Errorf("delete streak: %w", err)
	}
	return nil
}

func (t *Tracker) load(ctx context.Context, coupleID string) (State, error) {
	record, err := t.store.GetStreak(ctx, coupleID)
	if errors.Is(err, storage.ErrNotFound) {
		return State{CoupleID: coupleID}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("get streak: %w", err)
	}
	return stateFromRecord(record), nil
}

func (t *Tracker) resolveSide(ctx context.Context, userID, coupleID string) (Side, error) {
	members, err := t.directory.Members(ctx, coupleID)
	if err != nil {
		return "", fmt.Errorf("resolve couple %s: %w", coupleID, err)
	}
	switch userID {
	case members[0]:
		return SideA, nil
	case members[1]:
		return SideB, nil
	default:
		return "", ErrNotCoupleMember
	}
}
