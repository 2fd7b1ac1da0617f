// Package server hosts the realtime WebSocket channel and the HTTP API of
// the streak engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/louisbranch/embers/internal/platform/authtoken"
	"github.com/louisbranch/embers/internal/platform/kv"
	"github.com/louisbranch/embers/internal/platform/logging"
	"github.com/louisbranch/embers/internal/platform/metrics"
	"github.com/louisbranch/embers/internal/platform/timeouts"
	notificationstorage "github.com/louisbranch/embers/internal/services/notifications/storage"
	streakdomain "github.com/louisbranch/embers/internal/services/streak/domain"
)

// Authenticator validates user bearer tokens.
type Authenticator interface {
	Authenticate(raw string) (authtoken.Claims, error)
}

// CoupleDirectory answers and changes couple membership.
type CoupleDirectory interface {
	CoupleOf(ctx context.Context, userID string) (string, bool, error)
	ResolveSide(ctx context.Context, userID, coupleID string) (string, error)
	Pair(ctx context.Context, coupleID string, members [2]string) error
	Dissolve(ctx context.Context, coupleID string) ([2]string, error)
}

// StreakService records interactions and reads streak views.
type StreakService interface {
	RecordInteraction(ctx context.Context, userID, coupleID string, now time.Time) (streakdomain.View, error)
	GetStreakView(ctx context.Context, coupleID string, now time.Time) (streakdomain.View, error)
	ResetCouple(ctx context.Context, coupleID string) error
}

// NotificationService exposes partner-open pushes and preferences.
type NotificationService interface {
	SendPartnerOpen(ctx context.Context, actorUserID string) error
	Settings(ctx context.Context, userID string) (notificationstorage.Settings, error)
	UpdateSettings(ctx context.Context, settings notificationstorage.Settings) error
}

// Config defines the HTTP surface settings.
type Config struct {
	HTTPAddr          string
	ServiceToken      string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// FramesPerSecond and FrameBurst bound inbound frames per connection.
	FramesPerSecond   float64
	FrameBurst        int
	MaxAuthFailures   int
	AuthFailureWindow time.Duration
}

// Deps are the collaborators of the server. Hub and Verifier are required.
type Deps struct {
	Hub           *Hub
	Presence      *Presence
	Verifier      Authenticator
	Directory     CoupleDirectory
	Streaks       StreakService
	Notifications NotificationService
	KV            kv.Store
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	Clock         func() time.Time
}

// Server hosts the realtime HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	serviceToken    string
	httpServer      *http.Server
	wsServer        websocket.Server

	hub           *Hub
	presence      *Presence
	verifier      Authenticator
	directory     CoupleDirectory
	streaks       StreakService
	notifications NotificationService
	throttle      *authThrottle
	frameRate     rate.Limit
	frameBurst    int
	logger        *zap.Logger
	metrics       *metrics.Metrics
	clock         func() time.Time
}

// NewServer builds a server from config and deps.
func NewServer(config Config, deps Deps) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if deps.Hub == nil {
		return nil, errors.New("hub is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.FramesPerSecond <= 0 {
		config.FramesPerSecond = defaultFramesPerSecond
	}
	if config.FrameBurst <= 0 {
		config.FrameBurst = defaultFrameBurst
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	presence := deps.Presence
	if presence == nil {
		presence = NewPresence(deps.Hub, deps.KV, clock)
	}

	s := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		serviceToken:    strings.TrimSpace(config.ServiceToken),
		hub:             deps.Hub,
		presence:        presence,
		verifier:        deps.Verifier,
		directory:       deps.Directory,
		streaks:         deps.Streaks,
		notifications:   deps.Notifications,
		throttle:        newAuthThrottle(deps.KV, config.MaxAuthFailures, config.AuthFailureWindow),
		frameRate:       rate.Limit(config.FramesPerSecond),
		frameBurst:      config.FrameBurst,
		logger:          logging.OrNop(deps.Logger).Named("realtime"),
		metrics:         deps.Metrics,
		clock:           clock,
	}
	s.wsServer = websocket.Server{Handshake: acceptAnyOrigin, Handler: s.handleWSConn}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return s, nil
}

// Handler returns the server routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.Handle("/ws", s.metrics.InstrumentHandler("ws", http.HandlerFunc(s.serveWS)))
	s.registerAPI(mux)
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully and
// closes live connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("realtime server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	s.logger.Info("realtime server listening", zap.String("addr", s.httpAddr))
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		s.hub.CloseAll()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
