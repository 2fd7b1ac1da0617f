package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/louisbranch/embers/internal/platform/authtoken"
	apperrors "github.com/louisbranch/embers/internal/platform/errors"
	"github.com/louisbranch/embers/internal/platform/kv"
	notificationstorage "github.com/louisbranch/embers/internal/services/notifications/storage"
	streakdomain "github.com/louisbranch/embers/internal/services/streak/domain"
)

const (
	testSecret       = "test-secret-test-secret-test-secret"
	testServiceToken = "service-token"
)

func testNow() time.Time {
	return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
}

func newTestVerifier(t *testing.T) *authtoken.Verifier {
	t.Helper()
	verifier, err := authtoken.NewVerifier(testSecret, "", nil)
	require.NoError(t, err)
	return verifier
}

func issueToken(t *testing.T, verifier *authtoken.Verifier, userID string) string {
	t.Helper()
	token, err := verifier.Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

type fakeDirectory struct {
	mu      sync.Mutex
	couples map[string][2]string
	err     error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{couples: map[string][2]string{"couple-1": {"alice", "bob"}}}
}

func (d *fakeDirectory) CoupleOf(_ context.Context, userID string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", false, d.err
	}
	for id, members := range d.couples {
		if members[0] == userID || members[1] == userID {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (d *fakeDirectory) ResolveSide(_ context.Context, userID, coupleID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	members, ok := d.couples[coupleID]
	if !ok {
		return "", apperrors.New(apperrors.CodeNotFound, "couple not found")
	}
	switch userID {
	case members[0]:
		return "A", nil
	case members[1]:
		return "B", nil
	}
	return "", apperrors.New(apperrors.CodeForbidden, "not a member")
}

func (d *fakeDirectory) Pair(_ context.Context, coupleID string, members [2]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.couples[coupleID]; ok {
		return apperrors.New(apperrors.CodeConflict, "already paired")
	}
	d.couples[coupleID] = members
	return nil
}

func (d *fakeDirectory) Dissolve(_ context.Context, coupleID string) ([2]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.couples[coupleID]
	if !ok {
		return [2]string{}, apperrors.New(apperrors.CodeNotFound, "couple not found")
	}
	delete(d.couples, coupleID)
	return members, nil
}

type fakeStreaks struct {
	mu       sync.Mutex
	views    map[string]streakdomain.View
	resets   []string
	resetErr error
}

func (f *fakeStreaks) RecordInteraction(_ context.Context, _ string, coupleID string, _ time.Time) (streakdomain.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.views[coupleID], nil
}

func (f *fakeStreaks) GetStreakView(_ context.Context, coupleID string, _ time.Time) (streakdomain.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.views[coupleID], nil
}

func (f *fakeStreaks) ResetCouple(_ context.Context, coupleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resets = append(f.resets, coupleID)
	return nil
}

type fakeNotifications struct {
	mu          sync.Mutex
	partnerOpen []string
	settings    map[string]notificationstorage.Settings
}

func (f *fakeNotifications) SendPartnerOpen(_ context.Context, actorUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partnerOpen = append(f.partnerOpen, actorUserID)
	return nil
}

func (f *fakeNotifications) Settings(_ context.Context, userID string) (notificationstorage.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if settings, ok := f.settings[userID]; ok {
		return settings, nil
	}
	return notificationstorage.DefaultSettings(userID), nil
}

func (f *fakeNotifications) UpdateSettings(_ context.Context, settings notificationstorage.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settings == nil {
		f.settings = make(map[string]notificationstorage.Settings)
	}
	f.settings[settings.UserID] = settings
	return nil
}

type testServer struct {
	server        *Server
	hub           *Hub
	verifier      *authtoken.Verifier
	directory     *fakeDirectory
	streaks       *fakeStreaks
	notifications *fakeNotifications
	kv            *kv.Memory
}

func newTestServer(t *testing.T, configure func(*Config)) *testServer {
	t.Helper()
	ts := &testServer{
		hub:           NewHub(0, nil, nil),
		verifier:      newTestVerifier(t),
		directory:     newFakeDirectory(),
		streaks:       &fakeStreaks{views: map[string]streakdomain.View{}},
		notifications: &fakeNotifications{},
		kv:            kv.NewMemory(nil),
	}
	cfg := Config{HTTPAddr: "127.0.0.1:0", ServiceToken: testServiceToken}
	if configure != nil {
		configure(&cfg)
	}
	srv, err := NewServer(cfg, Deps{
		Hub:           ts.hub,
		Verifier:      ts.verifier,
		Directory:     ts.directory,
		Streaks:       ts.streaks,
		Notifications: ts.notifications,
		KV:            ts.kv,
		Clock:         testNow,
	})
	require.NoError(t, err)
	ts.server = srv
	return ts
}
