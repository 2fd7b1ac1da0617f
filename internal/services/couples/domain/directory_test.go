package domain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/embers/internal/platform/errors"
	"github.com/louisbranch/embers/internal/services/couples/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	couples map[string]storage.CoupleRecord
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{couples: make(map[string]storage.CoupleRecord)}
}

func (s *fakeStore) PutCouple(_ context.Context, record storage.CoupleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, existing := range s.couples {
		for _, member := range record.Members {
			if existing.CoupleID != record.CoupleID && (existing.Members[0] == member || existing.Members[1] == member) {
				return storage.ErrConflict
			}
		}
	}
	s.couples[record.CoupleID] = record
	return nil
}

func (s *fakeStore) GetCouple(_ context.Context, coupleID string) (storage.CoupleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return storage.CoupleRecord{}, s.err
	}
	record, ok := s.couples[coupleID]
	if !ok {
		return storage.CoupleRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *fakeStore) GetCoupleByUser(_ context.Context, userID string) (storage.CoupleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return storage.CoupleRecord{}, s.err
	}
	for _, record := range s.couples {
		if record.Members[0] == userID || record.Members[1] == userID {
			return record, nil
		}
	}
	return storage.CoupleRecord{}, storage.ErrNotFound
}

func (s *fakeStore) DeleteCouple(_ context.Context, coupleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.couples[coupleID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.couples, coupleID)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPairAndResolve(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := newFakeStore()
	dir := NewDirectory(store, fixedClock(now))
	ctx := context.Background()

	if err := dir.Pair(ctx, "couple-1", [2]string{" user-a ", "user-b"}); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if got := store.couples["couple-1"]; got.Members[0] != "user-a" || !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected stored couple %+v", got)
	}

	for user, want := range map[string]string{"user-a": "A", "user-b": "B"} {
		side, err := dir.ResolveSide(ctx, user, "couple-1")
		if err != nil {
			t.Fatalf("resolve %s: %v", user, err)
		}
		if side != want {
			t.Fatalf("expected side %s for %s, got %s", want, user, side)
		}
	}
	if _, err := dir.ResolveSide(ctx, "stranger", "couple-1"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected not member, got %v", err)
	}
	if _, err := dir.ResolveSide(ctx, "user-a", "couple-x"); !errors.Is(err, ErrCoupleNotFound) {
		t.Fatalf("expected couple not found, got %v", err)
	}

	partner, ok, err := dir.GetPartner(ctx, "user-b")
	if err != nil || !ok || partner != "user-a" {
		t.Fatalf("expected partner user-a, got %q ok=%v err=%v", partner, ok, err)
	}
	coupleID, ok, err := dir.CoupleOf(ctx, "user-a")
	if err != nil || !ok || coupleID != "couple-1" {
		t.Fatalf("expected couple-1, got %q ok=%v err=%v", coupleID, ok, err)
	}
	if _, ok, err := dir.GetPartner(ctx, "single"); ok || err != nil {
		t.Fatalf("expected no partner for single user, ok=%v err=%v", ok, err)
	}
}

func TestPairValidation(t *testing.T) {
	t.Parallel()

	dir := NewDirectory(newFakeStore(), nil)
	ctx := context.Background()
	for _, tc := range []struct {
		name     string
		coupleID string
		members  [2]string
	}{
		{name: "missing couple", coupleID: "", members: [2]string{"a", "b"}},
		{name: "missing member", coupleID: "c", members: [2]string{"a", " "}},
		{name: "same member", coupleID: "c", members: [2]string{"a", "a"}},
	} {
		if err := dir.Pair(ctx, tc.coupleID, tc.members); apperrors.GetCode(err) != apperrors.CodeInvalidArgument {
			t.Fatalf("%s: expected invalid argument, got %v", tc.name, err)
		}
	}
}

func TestPairConflict(t *testing.T) {
	t.Parallel()

	dir := NewDirectory(newFakeStore(), nil)
	ctx := context.Background()
	if err := dir.Pair(ctx, "couple-1", [2]string{"a", "b"}); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if err := dir.Pair(ctx, "couple-2", [2]string{"c", "b"}); !errors.Is(err, ErrAlreadyPaired) {
		t.Fatalf("expected already paired, got %v", err)
	}
}

func TestDissolve(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dir := NewDirectory(store, nil)
	ctx := context.Background()
	if err := dir.Pair(ctx, "couple-1", [2]string{"a", "b"}); err != nil {
		t.Fatalf("pair: %v", err)
	}
	members, err := dir.Dissolve(ctx, "couple-1")
	if err != nil {
		t.Fatalf("dissolve: %v", err)
	}
	if members != [2]string{"a", "b"} {
		t.Fatalf("unexpected members %v", members)
	}
	if _, err := dir.Dissolve(ctx, "couple-1"); !errors.Is(err, ErrCoupleNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreErrorsSurface(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.err = errors.New("db down")
	dir := NewDirectory(store, nil)

	if _, _, err := dir.CoupleOf(context.Background(), "a"); err == nil {
		t.Fatal("expected store error")
	}
	if _, err := dir.Members(context.Background(), "couple-1"); err == nil || errors.Is(err, ErrCoupleNotFound) {
		t.Fatalf("expected raw store error, got %v", err)
	}
	var nilDir *Directory
	if _, err := nilDir.Members(context.Background(), "c"); !errors.Is(err, ErrStoreNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}
