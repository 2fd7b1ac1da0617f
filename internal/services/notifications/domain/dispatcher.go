// Package domain decides whether, and to whom, streak pushes are sent.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/embers/internal/platform/keylock"
	"github.com/louisbranch/embers/internal/platform/logging"
	"github.com/louisbranch/embers/internal/platform/metrics"
	"github.com/louisbranch/embers/internal/services/notifications/render"
	"github.com/louisbranch/embers/internal/services/notifications/storage"
)

const (
	outcomeSent     = "sent"
	outcomeDeduped  = "deduped"
	outcomeDisabled = "disabled"
	outcomeActive   = "partner_active"
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
)

// Push is one rendered notification addressed to a single user.
type Push struct {
	UserID string         `json:"user_id"`
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
}

// Sender delivers rendered pushes to a user's devices.
type Sender interface {
	Send(ctx context.Context, push Push) error
}

// Directory resolves partners and couple members.
type Directory interface {
	Members(ctx context.Context, coupleID string) ([2]string, error)
	GetPartner(ctx context.Context, userID string) (string, bool, error)
}

// Presence reports when a user was last seen online.
type Presence interface {
	LastActive(ctx context.Context, userID string) (time.Time, bool, error)
}

// DispatcherConfig wires a Dispatcher. Gate, Sender and Directory are
// required; missing settings fall back to DefaultSettings.
type DispatcherConfig struct {
	Gate      Gate
	Settings  storage.SettingsStore
	Sender    Sender
	Directory Directory
	Presence  Presence
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

// Dispatcher applies preferences and resend gates before delivering pushes.
type Dispatcher struct {
	gate      Gate
	settings  storage.SettingsStore
	sender    Sender
	directory Directory
	presence  Presence
	logger    *zap.Logger
	metrics   *metrics.Metrics
	clock     func() time.Time
	locks     *keylock.Locker
}

// NewDispatcher validates cfg and builds a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Gate == nil {
		return nil, errors.New("notification gate is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("push sender is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("couple directory is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Dispatcher{
		gate:      cfg.Gate,
		settings:  cfg.Settings,
		sender:    cfg.Sender,
		directory: cfg.Directory,
		presence:  cfg.Presence,
		logger:    logging.OrNop(cfg.Logger),
		metrics:   cfg.Metrics,
		clock:     clock,
		locks:     keylock.New(),
	}, nil
}

// CanSend reports whether messageType may be pushed to userID again.
func (d *Dispatcher) CanSend(ctx context.Context, userID, messageType string, minInterval time.Duration) (bool, error) {
	return d.gate.CanSend(ctx, userID, messageType, minInterval)
}

// RecordSent marks messageType as pushed to userID now.
func (d *Dispatcher) RecordSent(ctx context.Context, userID, messageType string) error {
	return d.gate.RecordSent(ctx, userID, messageType)
}

// SendInteractionPush nudges the actor's partner. Single users are ignored.
func (d *Dispatcher) SendInteractionPush(ctx context.Context, actorUserID string) error {
	partnerID, ok, err := d.directory.GetPartner(ctx, actorUserID)
	if err != nil {
		return fmt.Errorf("resolve partner: %w", err)
	}
	if !ok {
		return nil
	}
	return d.deliver(ctx, delivery{
		userID:      partnerID,
		messageType: MessageTypeInteraction,
		data:        map[string]any{"actorId": actorUserID},
		enabled:     func(s storage.Settings) bool { return s.Interaction },
	})
}

// SendStreakWarning warns one user that hoursLeft remain before the streak
// breaks.
func (d *Dispatcher) SendStreakWarning(ctx context.Context, userID string, hoursLeft int) error {
	return d.deliver(ctx, delivery{
		userID:      userID,
		messageType: MessageTypeStreakWarning,
		input:       render.Input{HoursLeft: hoursLeft},
		data:        map[string]any{"hoursLeft": hoursLeft},
		enabled:     func(s storage.Settings) bool { return s.StreakWarning },
	})
}

// SendMilestone celebrates days with both members of the couple.
func (d *Dispatcher) SendMilestone(ctx context.Context, coupleID string, days int) error {
	members, err := d.directory.Members(ctx, coupleID)
	if err != nil {
		return fmt.Errorf("resolve couple %s: %w", coupleID, err)
	}
	var errs []error
	for _, userID := range members {
		if err := d.deliver(ctx, delivery{
			userID:      userID,
			messageType: MessageTypeStreakMilestone,
			input:       render.Input{Days: days},
			data:        map[string]any{"days": days, "coupleId": coupleID},
			enabled:     func(s storage.Settings) bool { return s.Milestones },
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendStreakBroken tells both members that the streak was lost.
func (d *Dispatcher) SendStreakBroken(ctx context.Context, coupleID string) error {
	members, err := d.directory.Members(ctx, coupleID)
	if err != nil {
		return fmt.Errorf("resolve couple %s: %w", coupleID, err)
	}
	var errs []error
	for _, userID := range members {
		if err := d.deliver(ctx, delivery{
			userID:      userID,
			messageType: MessageTypeStreakBroken,
			data:        map[string]any{"coupleId": coupleID},
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendPartnerOpen tells the actor's partner that the actor opened the app,
// unless the partner is online right now.
func (d *Dispatcher) SendPartnerOpen(ctx context.Context, actorUserID string) error {
	partnerID, ok, err := d.directory.GetPartner(ctx, actorUserID)
	if err != nil {
		return fmt.Errorf("resolve partner: %w", err)
	}
	if !ok {
		return nil
	}
	if d.presence != nil {
		lastActive, seen, err := d.presence.LastActive(ctx, partnerID)
		if err != nil {
			d.logger.Warn("partner presence lookup failed", zap.String("user_id", partnerID), zap.Error(err))
		} else if seen && d.clock().Sub(lastActive) < PartnerActiveWindow {
			d.metrics.Notification(MessageTypePartnerOpen, outcomeActive)
			return nil
		}
	}
	return d.deliver(ctx, delivery{
		userID:      partnerID,
		messageType: MessageTypePartnerOpen,
		data:        map[string]any{"actorId": actorUserID},
		enabled:     func(s storage.Settings) bool { return s.PartnerOpen },
	})
}

type delivery struct {
	userID      string
	messageType string
	input       render.Input
	data        map[string]any
	// enabled reports whether the recipient opted in. Nil means always.
	enabled func(storage.Settings) bool
}

func (d *Dispatcher) deliver(ctx context.Context, msg delivery) error {
	userID := strings.TrimSpace(msg.userID)
	if userID == "" {
		return nil
	}
	settings, err := d.settingsFor(ctx, userID)
	if err != nil {
		return err
	}
	if msg.enabled != nil && !msg.enabled(settings) {
		d.metrics.Notification(msg.messageType, outcomeDisabled)
		return nil
	}

	interval := ResendInterval(msg.messageType)
	if interval > 0 {
		// Claim, send and record must not interleave for one user and type.
		unlock, err := d.locks.Lock(ctx, userID+"|"+msg.messageType)
		if err != nil {
			return err
		}
		defer unlock()

		ok, err := d.gate.Claim(ctx, userID, msg.messageType, interval)
		if err != nil {
			return fmt.Errorf("claim resend gate: %w", err)
		}
		if !ok {
			d.metrics.Notification(msg.messageType, outcomeDeduped)
			return nil
		}
	}

	input := msg.input
	input.Type = msg.messageType
	out := render.Render(render.PrinterFor(settings.Locale), input)
	data := map[string]any{"type": msg.messageType}
	for k, v := range msg.data {
		data[k] = v
	}
	push := Push{
		UserID: userID,
		Type:   msg.messageType,
		Title:  out.Title,
		Body:   out.Body,
		Data:   data,
	}
	if err := d.sender.Send(ctx, push); err != nil {
		return d.deliveryFailed(ctx, push, interval, err)
	}

	if interval > 0 {
		if err := d.gate.RecordSent(ctx, userID, msg.messageType); err != nil {
			return fmt.Errorf("record sent: %w", err)
		}
	}
	d.metrics.Notification(msg.messageType, outcomeSent)
	return nil
}

// deliveryFailed settles the claim of a push that did not go out. A rejected
// push is recorded as sent so the same refusal is not retried before the
// resend interval; any other failure releases the claim.
func (d *Dispatcher) deliveryFailed(ctx context.Context, push Push, interval time.Duration, sendErr error) error {
	rejected := IsRejected(sendErr)
	outcome := outcomeFailed
	if rejected {
		outcome = outcomeRejected
	}
	d.metrics.Notification(push.Type, outcome)
	d.logger.Warn("push delivery failed",
		zap.String("user_id", push.UserID),
		zap.String("type", push.Type),
		zap.Bool("rejected", rejected),
		zap.Error(sendErr),
	)

	sendErr = fmt.Errorf("send %s push: %w", push.Type, sendErr)
	if interval <= 0 {
		return sendErr
	}
	if rejected {
		if err := d.gate.RecordSent(ctx, push.UserID, push.Type); err != nil {
			return errors.Join(sendErr, fmt.Errorf("record rejected: %w", err))
		}
		return sendErr
	}
	if err := d.gate.Release(ctx, push.UserID, push.Type); err != nil {
		return errors.Join(sendErr, fmt.Errorf("release resend gate: %w", err))
	}
	return sendErr
}

func (d *Dispatcher) settingsFor(ctx context.Context, userID string) (storage.Settings, error) {
	if d.settings == nil {
		return storage.DefaultSettings(userID), nil
	}
	settings, err := d.settings.GetSettings(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.DefaultSettings(userID), nil
	}
	if err != nil {
		return storage.Settings{}, fmt.Errorf("load notification settings: %w", err)
	}
	return settings, nil
}

// UpdateSettings replaces a user's preferences.
func (d *Dispatcher) UpdateSettings(ctx context.Context, settings storage.Settings) error {
	if d.settings == nil {
		return errors.New("settings store is not configured")
	}
	settings.UpdatedAt = d.clock().UTC()
	return d.settings.PutSettings(ctx, settings)
}

// Settings returns a user's preferences, defaulting when none were saved.
func (d *Dispatcher) Settings(ctx context.Context, userID string) (storage.Settings, error) {
	return d.settingsFor(ctx, strings.TrimSpace(userID))
}
