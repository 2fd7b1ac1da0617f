package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/louisbranch/embers/internal/platform/authtoken"
	apperrors "github.com/louisbranch/embers/internal/platform/errors"
)

const (
	authTokenHeader = "X-Auth-Token"
	authTokenQuery  = "token"

	maxFramePayloadBytes = 16 * 1024

	defaultFramesPerSecond = 20
	defaultFrameBurst      = 40
)

type wsUserIDContextKey struct{}

type joinPayload struct {
	CoupleRoomID string `json:"coupleRoomId"`
}

// tokenFromRequest returns the credential from the handshake auth header,
// the token query parameter or the Authorization bearer header, in that
// order.
func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := stripBearer(r.Header.Get(authTokenHeader)); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.URL.Query().Get(authTokenQuery)); token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func stripBearer(value string) string {
	value = strings.TrimSpace(value)
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return value
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// serveWS authenticates the handshake and upgrades the connection.
// Authentication failures never reveal their reason to the client.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.verifier == nil {
		http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
		return
	}

	host := remoteHost(r)
	blocked, err := s.throttle.blocked(r.Context(), host)
	if err != nil {
		s.logger.Warn("auth throttle lookup failed", zap.String("remote", host), zap.Error(err))
	}
	if blocked {
		s.metrics.AuthFailure("throttled")
		s.logger.Warn("websocket handshake throttled", zap.String("remote", host))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	claims, err := s.verifier.Authenticate(tokenFromRequest(r))
	if err != nil {
		reason := authtoken.Reason(err)
		s.metrics.AuthFailure(reason)
		s.logger.Warn("websocket unauthorized",
			zap.String("reason", reason),
			zap.String("remote", host),
			zap.Error(err),
		)
		if err := s.throttle.fail(r.Context(), host); err != nil {
			s.logger.Warn("auth throttle update failed", zap.String("remote", host), zap.Error(err))
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, claims.UserID)
	s.wsServer.ServeHTTP(w, r.WithContext(ctx))
}

// acceptAnyOrigin lets native clients without an Origin header connect.
func acceptAnyOrigin(config *websocket.Config, req *http.Request) error {
	origin, err := websocket.Origin(config, req)
	if err == nil {
		config.Origin = origin
	}
	return nil
}

func (s *Server) handleWSConn(conn *websocket.Conn) {
	request := conn.Request()
	userID, _ := request.Context().Value(wsUserIDContextKey{}).(string)
	if userID == "" {
		_ = conn.Close()
		return
	}
	conn.MaxPayloadBytes = maxFramePayloadBytes

	p := newPeer(conn, userID, s.hub.queueSize, s.metrics)
	go p.writeLoop()
	s.hub.register(p)
	s.metrics.ConnectionOpened()
	logger := s.logger.With(zap.String("user_id", userID), zap.String("conn_id", p.id))
	logger.Debug("websocket connected")

	// The connection context ends with the handler, so background work uses
	// a context detached from it.
	ctx := context.WithoutCancel(request.Context())
	defer func() {
		s.hub.unregister(p)
		p.close()
		<-p.stopped
		s.metrics.ConnectionClosed()
		if err := s.presence.Touch(ctx, userID); err != nil {
			logger.Warn("presence update failed", zap.Error(err))
		}
		logger.Debug("websocket disconnected")
	}()

	coupleID := ""
	if s.directory != nil {
		resolved, ok, err := s.directory.CoupleOf(ctx, userID)
		if err != nil {
			logger.Warn("couple lookup failed on connect", zap.Error(err))
		} else if ok {
			coupleID = resolved
		}
	}
	p.enqueue(wsFrame{Type: EventConnected, Payload: mustJSON(connectedPayload{
		UserID:       userID,
		CoupleRoomID: coupleID,
	})})
	s.hub.subscribe(p, UserTopic(userID))
	if coupleID != "" {
		s.hub.subscribe(p, CoupleTopic(coupleID))
	}
	if err := s.presence.Touch(ctx, userID); err != nil {
		logger.Warn("presence update failed", zap.Error(err))
	}

	limiter := rate.NewLimiter(s.frameRate, s.frameBurst)
	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				p.enqueue(errorFrame("", apperrors.CodeInvalidArgument, "frame too large"))
				continue
			}
			if !errors.Is(err, io.EOF) && !p.closed() {
				logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil || strings.TrimSpace(frame.Type) == "" {
			p.enqueue(errorFrame("", apperrors.CodeInvalidArgument, "invalid frame payload"))
			continue
		}
		if !limiter.Allow() {
			p.enqueue(errorFrame(frame.RequestID, apperrors.CodeResourceExhausted, "rate limit exceeded"))
			continue
		}

		switch frame.Type {
		case frameJoinCoupleRoom:
			s.handleJoin(ctx, p, frame)
		case frameLeaveCoupleRoom:
			s.handleLeave(p, frame)
		case framePing:
			if err := s.presence.Touch(ctx, userID); err != nil {
				logger.Warn("presence update failed", zap.Error(err))
			}
		default:
			p.enqueue(errorFrame(frame.RequestID, apperrors.CodeInvalidArgument, "unsupported frame type"))
		}
	}
}

func decodeCoupleRoom(frame wsFrame) (string, bool) {
	var payload joinPayload
	if len(frame.Payload) == 0 || json.Unmarshal(frame.Payload, &payload) != nil {
		return "", false
	}
	coupleID := strings.TrimSpace(payload.CoupleRoomID)
	return coupleID, coupleID != ""
}

// handleJoin subscribes p to a couple topic after checking membership. A
// refusal is reported to this connection only.
func (s *Server) handleJoin(ctx context.Context, p *peer, frame wsFrame) {
	coupleID, ok := decodeCoupleRoom(frame)
	if !ok {
		p.enqueue(errorFrame(frame.RequestID, apperrors.CodeInvalidArgument, "coupleRoomId is required"))
		return
	}
	if s.directory == nil {
		p.enqueue(errorFrame(frame.RequestID, apperrors.CodeUnavailable, "couple directory unavailable"))
		return
	}
	if _, err := s.directory.ResolveSide(ctx, p.userID, coupleID); err != nil {
		switch apperrors.GetCode(err) {
		case apperrors.CodeForbidden, apperrors.CodeNotFound:
			p.enqueue(errorFrame(frame.RequestID, apperrors.CodeForbidden, "not a member of this couple room"))
		default:
			s.logger.Warn("couple membership check failed",
				zap.String("user_id", p.userID),
				zap.String("couple_id", coupleID),
				zap.Error(err),
			)
			p.enqueue(errorFrame(frame.RequestID, apperrors.CodeUnavailable, "couple membership verification unavailable"))
		}
		return
	}
	s.hub.subscribe(p, CoupleTopic(coupleID))
	p.enqueue(wsFrame{
		Type:      EventJoinedCoupleRoom,
		RequestID: frame.RequestID,
		Payload:   mustJSON(coupleRoomPayload{CoupleRoomID: coupleID}),
	})
}

func (s *Server) handleLeave(p *peer, frame wsFrame) {
	coupleID, ok := decodeCoupleRoom(frame)
	if !ok {
		p.enqueue(errorFrame(frame.RequestID, apperrors.CodeInvalidArgument, "coupleRoomId is required"))
		return
	}
	s.hub.unsubscribe(p, CoupleTopic(coupleID))
	p.enqueue(wsFrame{
		Type:      EventLeftCoupleRoom,
		RequestID: frame.RequestID,
		Payload:   mustJSON(coupleRoomPayload{CoupleRoomID: coupleID}),
	})
}
