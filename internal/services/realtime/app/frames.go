package server

import (
	"encoding/json"

	"go.uber.org/zap"

	apperrors "github.com/louisbranch/embers/internal/platform/errors"
)

// Server to client events.
const (
	EventConnected         = "connected"
	EventCouplePaired      = "couplePaired"
	EventCoupleRoomUpdated = "coupleRoomUpdated"
	EventCoupleBrokenUp    = "coupleBrokenUp"
	EventCoupleRoomDeleted = "coupleRoomDeleted"
	EventJoinedCoupleRoom  = "joinedCoupleRoom"
	EventLeftCoupleRoom    = "leftCoupleRoom"
	EventError             = "error"
)

// Client to server events.
const (
	frameJoinCoupleRoom  = "joinCoupleRoom"
	frameLeaveCoupleRoom = "leaveCoupleRoom"
	framePing            = "ping"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type connectedPayload struct {
	UserID       string `json:"userId"`
	CoupleRoomID string `json:"coupleRoomId,omitempty"`
}

type coupleRoomPayload struct {
	CoupleRoomID string `json:"coupleRoomId"`
}

type couplePairedPayload struct {
	CoupleRoomID string `json:"coupleRoomId"`
	PartnerID    string `json:"partnerId"`
}

type coupleRoomUpdatedPayload struct {
	CoupleRoomID string   `json:"coupleRoomId"`
	Members      []string `json:"members"`
}

func errorFrame(requestID string, code apperrors.Code, message string) wsFrame {
	return wsFrame{
		Type:      EventError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code.WireCode(),
				Message:   message,
				Retryable: code.Retryable(),
			},
		}),
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		zap.L().Error("marshal websocket frame payload", zap.Error(err))
		return nil
	}
	return b
}
