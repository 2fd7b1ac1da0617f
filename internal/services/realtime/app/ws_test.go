package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

type wsTestErrorPayload struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func dialTestWS(t *testing.T, ts *testServer, userID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(ts.server.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, srv.URL)
	require.NoError(t, err)
	cfg.Header = make(http.Header)
	cfg.Header.Set(authTokenHeader, issueToken(t, ts.verifier, userID))
	conn, err := websocket.DialConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		require.Eventually(t, func() bool { return ts.hub.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	})
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame wsFrame
	require.NoError(t, websocket.JSON.Receive(conn, &frame))
	return frame
}

func readErrorFrame(t *testing.T, conn *websocket.Conn) wsTestErrorPayload {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, EventError, frame.Type)
	var payload wsTestErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	return payload
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType, requestID string, payload any) {
	t.Helper()
	frame := map[string]any{"type": frameType, "request_id": requestID}
	if payload != nil {
		frame["payload"] = payload
	}
	require.NoError(t, websocket.JSON.Send(conn, frame))
}

func waitSubscribed(t *testing.T, hub *Hub, userID, topic string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range hub.subscribers(UserTopic(userID)) {
			if hub.subscribed(p, topic) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeWSRejectsMissingToken(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication required")
	assert.NotContains(t, rec.Body.String(), "missing")
}

func TestServeWSRejectsNonGet(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ws", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeWSThrottlesRepeatedFailures(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.MaxAuthFailures = 2
		cfg.AuthFailureWindow = time.Minute
	})
	handler := ts.server.Handler()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=bogus", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+issueToken(t, ts.verifier, "alice"), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestTokenFromRequestPrefersAuthHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
	req.Header.Set(authTokenHeader, "Bearer header")
	req.Header.Set("Authorization", "Bearer authz")
	assert.Equal(t, "header", tokenFromRequest(req))

	req.Header.Del(authTokenHeader)
	assert.Equal(t, "query", tokenFromRequest(req))

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer authz")
	assert.Equal(t, "authz", tokenFromRequest(req))
}

func TestWSConnectedFrameAndCoupleDelivery(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialTestWS(t, ts, "alice")

	frame := readFrame(t, conn)
	require.Equal(t, EventConnected, frame.Type)
	assert.JSONEq(t, `{"userId":"alice","coupleRoomId":"couple-1"}`, string(frame.Payload))

	waitSubscribed(t, ts.hub, "alice", CoupleTopic("couple-1"))
	ts.hub.PublishToCouple("couple-1", "streakUpdated", map[string]int{"days": 4})

	frame = readFrame(t, conn)
	assert.Equal(t, "streakUpdated", frame.Type)
	assert.JSONEq(t, `{"days":4}`, string(frame.Payload))
}

func TestWSConnectedWithoutCouple(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialTestWS(t, ts, "carol")

	frame := readFrame(t, conn)
	require.Equal(t, EventConnected, frame.Type)
	assert.JSONEq(t, `{"userId":"carol"}`, string(frame.Payload))

	waitSubscribed(t, ts.hub, "carol", UserTopic("carol"))
	assert.Equal(t, 1, ts.hub.TopicCount())
}

func TestWSJoinOtherCoupleIsForbiddenAndConnectionStaysOpen(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.directory.couples["couple-2"] = [2]string{"carol", "dave"}
	conn := dialTestWS(t, ts, "alice")
	readFrame(t, conn)

	sendFrame(t, conn, frameJoinCoupleRoom, "req-1", map[string]string{"coupleRoomId": "couple-2"})
	errPayload := readErrorFrame(t, conn)
	assert.Equal(t, "FORBIDDEN", errPayload.Error.Code)
	assert.False(t, errPayload.Error.Retryable)

	sendFrame(t, conn, frameJoinCoupleRoom, "req-2", map[string]string{"coupleRoomId": "missing"})
	assert.Equal(t, "FORBIDDEN", readErrorFrame(t, conn).Error.Code)

	sendFrame(t, conn, frameJoinCoupleRoom, "req-3", map[string]string{"coupleRoomId": "couple-1"})
	frame := readFrame(t, conn)
	assert.Equal(t, EventJoinedCoupleRoom, frame.Type)
	assert.Equal(t, "req-3", frame.RequestID)
	assert.JSONEq(t, `{"coupleRoomId":"couple-1"}`, string(frame.Payload))
}

func TestWSLeaveCoupleRoomStopsDelivery(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialTestWS(t, ts, "alice")
	readFrame(t, conn)
	waitSubscribed(t, ts.hub, "alice", CoupleTopic("couple-1"))

	sendFrame(t, conn, frameLeaveCoupleRoom, "req-1", map[string]string{"coupleRoomId": "couple-1"})
	frame := readFrame(t, conn)
	require.Equal(t, EventLeftCoupleRoom, frame.Type)

	ts.hub.PublishToCouple("couple-1", "streakUpdated", map[string]int{"days": 1})
	ts.hub.PublishToUser("alice", "direct", map[string]int{"n": 1})
	frame = readFrame(t, conn)
	assert.Equal(t, "direct", frame.Type)
}

func TestWSMalformedFrameKeepsConnectionOpen(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialTestWS(t, ts, "alice")
	readFrame(t, conn)

	require.NoError(t, websocket.Message.Send(conn, "not json"))
	assert.Equal(t, "INVALID_ARGUMENT", readErrorFrame(t, conn).Error.Code)

	sendFrame(t, conn, "teleport", "req-1", nil)
	assert.Equal(t, "INVALID_ARGUMENT", readErrorFrame(t, conn).Error.Code)

	sendFrame(t, conn, frameJoinCoupleRoom, "req-2", nil)
	assert.Equal(t, "INVALID_ARGUMENT", readErrorFrame(t, conn).Error.Code)

	sendFrame(t, conn, frameJoinCoupleRoom, "req-3", map[string]string{"coupleRoomId": "couple-1"})
	assert.Equal(t, EventJoinedCoupleRoom, readFrame(t, conn).Type)
}

func TestWSOversizedFrameIsRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialTestWS(t, ts, "alice")
	readFrame(t, conn)

	require.NoError(t, websocket.Message.Send(conn, strings.Repeat("x", maxFramePayloadBytes+1)))
	assert.Equal(t, "INVALID_ARGUMENT", readErrorFrame(t, conn).Error.Code)

	sendFrame(t, conn, frameJoinCoupleRoom, "req-1", map[string]string{"coupleRoomId": "couple-1"})
	assert.Equal(t, EventJoinedCoupleRoom, readFrame(t, conn).Type)
}

func TestWSRateLimitReportsResourceExhausted(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.FramesPerSecond = 0.001
		cfg.FrameBurst = 1
	})
	conn := dialTestWS(t, ts, "alice")
	readFrame(t, conn)

	sendFrame(t, conn, frameLeaveCoupleRoom, "req-1", map[string]string{"coupleRoomId": "couple-1"})
	assert.Equal(t, EventLeftCoupleRoom, readFrame(t, conn).Type)

	sendFrame(t, conn, frameLeaveCoupleRoom, "req-2", map[string]string{"coupleRoomId": "couple-1"})
	errPayload := readErrorFrame(t, conn)
	assert.Equal(t, "RESOURCE_EXHAUSTED", errPayload.Error.Code)
	assert.True(t, errPayload.Error.Retryable)
}

func TestWSDisconnectCleansUpAndRecordsPresence(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialTestWS(t, ts, "alice")
	readFrame(t, conn)
	waitSubscribed(t, ts.hub, "alice", CoupleTopic("couple-1"))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return ts.hub.ConnectionCount() == 0 && ts.hub.TopicCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	last, ok, err := ts.server.presence.LastActive(t.Context(), "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testNow(), last)
}
