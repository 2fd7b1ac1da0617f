package domain

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	apperrors "github.com/louisbranch/embers/internal/platform/errors"
	"github.com/louisbranch/embers/internal/services/streak/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	records   map[string]storage.StreakRecord
	conflicts int
	getErr    error
	putErr    error
	puts      int
	listErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]storage.StreakRecord)}
}

func (s *fakeStore) GetStreak(_ context.Context, coupleID string) (storage.StreakRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return storage.StreakRecord{}, s.getErr
	}
	record, ok := s.records[coupleID]
	if !ok {
		return storage.StreakRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *fakeStore) PutStreak(_ context.Context, record storage.StreakRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	if s.conflicts > 0 {
		s.conflicts--
		// Simulate another process writing first.
		current := s.records[record.CoupleID]
		current.CoupleID = record.CoupleID
		current.Version++
		s.records[record.CoupleID] = current
		return storage.ErrConflict
	}
	current, ok := s.records[record.CoupleID]
	if (!ok && expectedVersion != 0) || (ok && current.Version != expectedVersion) {
		return storage.ErrConflict
	}
	record.Version = expectedVersion + 1
	s.records[record.CoupleID] = record
	s.puts++
	return nil
}

func (s *fakeStore) DeleteStreak(_ context.Context, coupleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, coupleID)
	return nil
}

func (s *fakeStore) ListActiveStreaks(_ context.Context, afterCoupleID string, limit int) (storage.StreakPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return storage.StreakPage{}, s.listErr
	}
	ids := make([]string, 0, len(s.records))
	for id, record := range s.records {
		if record.CurrentDays > 0 && id > afterCoupleID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	page := storage.StreakPage{}
	for _, id := range ids {
		if len(page.Records) == limit {
			page.NextAfter = page.Records[limit-1].CoupleID
			break
		}
		page.Records = append(page.Records, s.records[id])
	}
	return page, nil
}

func (s *fakeStore) put(record storage.StreakRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.Version == 0 {
		record.Version = 1
	}
	s.records[record.CoupleID] = record
}

func (s *fakeStore) get(coupleID string) storage.StreakRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[coupleID]
}

type fakeDirectory struct {
	couples map[string][2]string
	err     error
	failFor map[string]bool
}

func (d fakeDirectory) Members(_ context.Context, coupleID string) ([2]string, error) {
	if d.err != nil {
		return [2]string{}, d.err
	}
	if d.failFor[coupleID] {
		return [2]string{}, errors.New("directory unavailable")
	}
	members, ok := d.couples[coupleID]
	if !ok {
		return [2]string{}, apperrors.New(apperrors.CodeNotFound, "couple not found")
	}
	return members, nil
}

type notification struct {
	kind   string
	target string
	value  int
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []notification
	err   error
	block chan struct{}
	// blockTarget limits block to sends for one target. Empty blocks all.
	blockTarget string
	// entered receives the target of each send before it blocks.
	entered chan string
}

func (n *recordingNotifier) record(kind, target string, value int) error {
	if n.entered != nil {
		n.entered <- target
	}
	if n.block != nil && (n.blockTarget == "" || n.blockTarget == target) {
		<-n.block
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{kind: kind, target: target, value: value})
	return n.err
}

func (n *recordingNotifier) SendInteractionPush(_ context.Context, actorUserID string) error {
	return n.record("interaction", actorUserID, 0)
}

func (n *recordingNotifier) SendMilestone(_ context.Context, coupleID string, days int) error {
	return n.record("milestone", coupleID, days)
}

func (n *recordingNotifier) SendStreakBroken(_ context.Context, coupleID string) error {
	return n.record("broken", coupleID, 0)
}

func (n *recordingNotifier) SendStreakWarning(_ context.Context, userID string, hoursLeft int) error {
	return n.record("warning", userID, hoursLeft)
}

func (n *recordingNotifier) of(kind string) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification
	for _, sent := range n.sent {
		if sent.kind == kind {
			out = append(out, sent)
		}
	}
	return out
}

type published struct {
	coupleID string
	event    string
	payload  any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) PublishToCouple(coupleID, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{coupleID: coupleID, event: event, payload: payload})
}

func day1(hour, minute int) time.Time {
	return time.Date(2026, 3, 1, hour, minute, 0, 0, time.UTC)
}

func timeRef(t time.Time) *time.Time {
	return &t
}
