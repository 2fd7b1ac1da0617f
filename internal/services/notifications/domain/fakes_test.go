package domain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/louisbranch/embers/internal/services/notifications/storage"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSentLog struct {
	mu   sync.Mutex
	sent map[string][]time.Time
	err  error
}

func newFakeSentLog() *fakeSentLog {
	return &fakeSentLog{sent: map[string][]time.Time{}}
}

func (f *fakeSentLog) LastSent(_ context.Context, userID, messageType string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return time.Time{}, f.err
	}
	times := f.sent[userID+"|"+messageType]
	if len(times) == 0 {
		return time.Time{}, storage.ErrNotFound
	}
	latest := times[0]
	for _, t := range times[1:] {
		if t.After(latest) {
			latest = t
		}
	}
	return latest, nil
}

func (f *fakeSentLog) RecordSent(_ context.Context, userID, messageType string, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + "|" + messageType
	f.sent[key] = append(f.sent[key], sentAt)
	return nil
}

func (f *fakeSentLog) PruneSentBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeSettings struct {
	mu       sync.Mutex
	settings map[string]storage.Settings
	err      error
}

func (f *fakeSettings) GetSettings(_ context.Context, userID string) (storage.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return storage.Settings{}, f.err
	}
	s, ok := f.settings[userID]
	if !ok {
		return storage.Settings{}, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeSettings) PutSettings(_ context.Context, settings storage.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settings == nil {
		f.settings = map[string]storage.Settings{}
	}
	f.settings[settings.UserID] = settings
	return nil
}

type fakeDirectory struct {
	couples map[string][2]string
	err     error
}

func (f fakeDirectory) Members(_ context.Context, coupleID string) ([2]string, error) {
	if f.err != nil {
		return [2]string{}, f.err
	}
	members, ok := f.couples[coupleID]
	if !ok {
		return [2]string{}, errors.New("couple not found")
	}
	return members, nil
}

func (f fakeDirectory) GetPartner(_ context.Context, userID string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	for _, members := range f.couples {
		switch userID {
		case members[0]:
			return members[1], true, nil
		case members[1]:
			return members[0], true, nil
		}
	}
	return "", false, nil
}

type fakePresence struct {
	lastActive map[string]time.Time
}

func (f fakePresence) LastActive(_ context.Context, userID string) (time.Time, bool, error) {
	t, ok := f.lastActive[userID]
	return t, ok, nil
}

type recordingSender struct {
	mu     sync.Mutex
	pushes []Push
	err    error
	// started and block, when set, signal a send and hold it until closed.
	started chan struct{}
	block   chan struct{}
}

func (r *recordingSender) Send(_ context.Context, push Push) error {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.pushes = append(r.pushes, push)
	return nil
}

func (r *recordingSender) sent() []Push {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Push(nil), r.pushes...)
}

func defaultCouples() fakeDirectory {
	return fakeDirectory{couples: map[string][2]string{"couple-1": {"alice", "bob"}}}
}
