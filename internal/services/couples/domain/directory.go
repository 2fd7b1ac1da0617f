// Package domain resolves couple membership for the streak engine and the
// realtime channel.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/embers/internal/platform/errors"
	"github.com/louisbranch/embers/internal/services/couples/storage"
)

var (
	// ErrStoreNotConfigured indicates the directory is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("couple store is not configured")
	// ErrCoupleNotFound indicates the couple does not exist.
	ErrCoupleNotFound = apperrors.New(apperrors.CodeNotFound, "couple not found")
	// ErrNotMember indicates the user is not part of the couple.
	ErrNotMember = apperrors.New(apperrors.CodeForbidden, "user is not a member of the couple")
	// ErrAlreadyPaired indicates a member already belongs to another couple.
	ErrAlreadyPaired = apperrors.New(apperrors.CodeConflict, "user already belongs to a couple")
)

// Directory answers membership questions from the couple store. Lookups are
// never cached so side assignment always reflects the stored order.
type Directory struct {
	store storage.Store
	clock func() time.Time
}

// NewDirectory constructs a couple directory.
func NewDirectory(store storage.Store, clock func() time.Time) *Directory {
	if clock == nil {
		clock = time.Now
	}
	return &Directory{store: store, clock: clock}
}

// Members returns the couple members in side order, A first.
func (d *Directory) Members(ctx context.Context, coupleID string) ([2]string, error) {
	if d == nil || d.store == nil {
		return [2]string{}, ErrStoreNotConfigured
	}
	coupleID = strings.TrimSpace(coupleID)
	if coupleID == "" {
		return [2]string{}, apperrors.New(apperrors.CodeInvalidArgument, "couple id is required")
	}
	record, err := d.store.GetCouple(ctx, coupleID)
	if err != nil {
		return [2]string{}, mapStoreError(err)
	}
	return record.Members, nil
}

// ResolveSide returns "A" or "B" for a member of the couple.
func (d *Directory) ResolveSide(ctx context.Context, userID, coupleID string) (string, error) {
	members, err := d.Members(ctx, coupleID)
	if err != nil {
		return "", err
	}
	switch strings.TrimSpace(userID) {
	case members[0]:
		return "A", nil
	case members[1]:
		return "B", nil
	default:
		return "", ErrNotMember
	}
}

// CoupleOf returns the couple a user currently belongs to.
func (d *Directory) CoupleOf(ctx context.Context, userID string) (string, bool, error) {
	record, ok, err := d.coupleByUser(ctx, userID)
	if err != nil || !ok {
		return "", ok, err
	}
	return record.CoupleID, true, nil
}

// GetPartner returns the other member of the user's couple.
func (d *Directory) GetPartner(ctx context.Context, userID string) (string, bool, error) {
	record, ok, err := d.coupleByUser(ctx, userID)
	if err != nil || !ok {
		return "", ok, err
	}
	if record.Members[0] == strings.TrimSpace(userID) {
		return record.Members[1], true, nil
	}
	return record.Members[0], true, nil
}

// Pair records a new couple. The first member takes side A.
func (d *Directory) Pair(ctx context.Context, coupleID string, members [2]string) error {
	if d == nil || d.store == nil {
		return ErrStoreNotConfigured
	}
	coupleID = strings.TrimSpace(coupleID)
	if coupleID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "couple id is required")
	}
	for i := range members {
		members[i] = strings.TrimSpace(members[i])
		if members[i] == "" {
			return apperrors.New(apperrors.CodeInvalidArgument, "both member ids are required")
		}
	}
	if members[0] == members[1] {
		return apperrors.New(apperrors.CodeInvalidArgument, "a couple needs two different members")
	}
	err := d.store.PutCouple(ctx, storage.CoupleRecord{
		CoupleID:  coupleID,
		Members:   members,
		CreatedAt: d.clock().UTC(),
	})
	if errors.Is(err, storage.ErrConflict) {
		return ErrAlreadyPaired
	}
	if err != nil {
		return fmt.Errorf("put couple: %w", err)
	}
	return nil
}

// Dissolve removes a couple and returns its former members.
func (d *Directory) Dissolve(ctx context.Context, coupleID string) ([2]string, error) {
	members, err := d.Members(ctx, coupleID)
	if err != nil {
		return [2]string{}, err
	}
	if err := d.store.DeleteCouple(ctx, strings.TrimSpace(coupleID)); err != nil {
		return [2]string{}, mapStoreError(err)
	}
	return members, nil
}

func (d *Directory) coupleByUser(ctx context.Context, userID string) (storage.CoupleRecord, bool, error) {
	if d == nil || d.store == nil {
		return storage.CoupleRecord{}, false, ErrStoreNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.CoupleRecord{}, false, apperrors.New(apperrors.CodeInvalidArgument, "user id is required")
	}
	record, err := d.store.GetCoupleByUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.CoupleRecord{}, false, nil
	}
	if err != nil {
		return storage.CoupleRecord{}, false, fmt.Errorf("get couple by user: %w", err)
	}
	return record, true, nil
}

func mapStoreError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrCoupleNotFound
	}
	return fmt.Errorf("couple store: %w", err)
}
