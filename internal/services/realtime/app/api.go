package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/louisbranch/embers/internal/platform/errors"
	notificationstorage "github.com/louisbranch/embers/internal/services/notifications/storage"
	streakdomain "github.com/louisbranch/embers/internal/services/streak/domain"
)

const (
	serviceTokenHeader = "X-Service-Token"
	maxRequestBytes    = 64 * 1024

	topicKindUser   = "user"
	topicKindCouple = "couple"
)

type errorBody struct {
	Error wsError `json:"error"`
}

type interactionRequest struct {
	UserID   string `json:"user_id"`
	CoupleID string `json:"couple_id"`
}

type presenceRequest struct {
	UserID string `json:"user_id"`
}

type publishRequest struct {
	TopicKind string          `json:"topic_kind"`
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

type pairRequest struct {
	CoupleID string   `json:"couple_id"`
	UserIDs  []string `json:"user_ids"`
}

type settingsBody struct {
	Interaction   bool   `json:"interaction"`
	StreakWarning bool   `json:"streak_warning"`
	Milestones    bool   `json:"milestones"`
	PartnerOpen   bool   `json:"partner_open"`
	Locale        string `json:"locale"`
}

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.Handle("GET /streak", s.metrics.InstrumentHandler("streak", http.HandlerFunc(s.handleGetStreak)))

	internal := func(pattern, route string, h http.HandlerFunc) {
		mux.Handle(pattern, s.metrics.InstrumentHandler(route, s.requireService(h)))
	}
	internal("POST /internal/interactions", "internal_interactions", s.handleRecordInteraction)
	internal("POST /internal/presence", "internal_presence", s.handlePresence)
	internal("POST /internal/publish", "internal_publish", s.handlePublish)
	internal("POST /internal/couples", "internal_couples_pair", s.handlePair)
	internal("DELETE /internal/couples/{id}", "internal_couples_dissolve", s.handleDissolve)
	internal("GET /internal/users/{id}/notification-settings", "internal_settings_get", s.handleGetSettings)
	internal("PUT /internal/users/{id}/notification-settings", "internal_settings_put", s.handlePutSettings)
}

// requireService guards internal routes with the shared service token.
func (s *Server) requireService(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.serviceToken == "" {
			writeError(w, apperrors.New(apperrors.CodeUnavailable, "internal api is not configured"))
			return
		}
		got := strings.TrimSpace(r.Header.Get(serviceTokenHeader))
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.serviceToken)) != 1 {
			writeError(w, apperrors.New(apperrors.CodeUnauthenticated, "service token required"))
			return
		}
		next(w, r)
	})
}

func (s *Server) handleGetStreak(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verifier.Authenticate(tokenFromRequest(r))
	if err != nil {
		writeError(w, apperrors.New(apperrors.CodeUnauthenticated, "authentication required"))
		return
	}
	if s.streaks == nil || s.directory == nil {
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "streaks are not configured"))
		return
	}
	coupleID, ok, err := s.directory.CoupleOf(r.Context(), claims.UserID)
	if err != nil {
		s.writeInternal(w, "resolve couple", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, streakdomain.BaselineView())
		return
	}
	view, err := s.streaks.GetStreakView(r.Context(), coupleID, s.clock())
	if err != nil {
		s.writeInternal(w, "get streak view", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRecordInteraction(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.streaks == nil {
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "streaks are not configured"))
		return
	}
	view, err := s.streaks.RecordInteraction(r.Context(), req.UserID, req.CoupleID, s.clock())
	if err != nil {
		s.writeInternal(w, "record interaction", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handlePresence records a device ping and nudges the partner.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "user_id is required"))
		return
	}
	if err := s.presence.Touch(r.Context(), userID); err != nil {
		s.logger.Warn("presence update failed", zap.String("user_id", userID), zap.Error(err))
	}
	if s.notifications != nil {
		if err := s.notifications.SendPartnerOpen(r.Context(), userID); err != nil {
			s.logger.Warn("partner open push failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := strings.TrimSpace(req.ID)
	event := strings.TrimSpace(req.Event)
	if id == "" || event == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "id and event are required"))
		return
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	switch req.TopicKind {
	case topicKindUser:
		s.hub.PublishToUser(id, event, payload)
	case topicKindCouple:
		s.hub.PublishToCouple(id, event, payload)
	default:
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "topic_kind must be user or couple"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handlePair stores a new couple, moves the members' live connections into
// the couple topic and tells both sides.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.UserIDs) != 2 {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "exactly two user_ids are required"))
		return
	}
	if s.directory == nil {
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "couple directory is not configured"))
		return
	}
	coupleID := strings.TrimSpace(req.CoupleID)
	members := [2]string{strings.TrimSpace(req.UserIDs[0]), strings.TrimSpace(req.UserIDs[1])}
	if err := s.directory.Pair(r.Context(), coupleID, members); err != nil {
		s.writeInternal(w, "pair couple", err)
		return
	}

	topic := CoupleTopic(coupleID)
	for i, userID := range members {
		s.hub.SubscribeUser(userID, topic)
		s.hub.PublishToUser(userID, EventCouplePaired, couplePairedPayload{
			CoupleRoomID: coupleID,
			PartnerID:    members[1-i],
		})
	}
	s.hub.PublishToCouple(coupleID, EventCoupleRoomUpdated, coupleRoomUpdatedPayload{
		CoupleRoomID: coupleID,
		Members:      members[:],
	})
	writeJSON(w, http.StatusCreated, coupleRoomUpdatedPayload{CoupleRoomID: coupleID, Members: members[:]})
}

// handleDissolve removes the couple, its streak and its topic. The streak goes
// first so a failed reset leaves the couple in place for a retry.
func (s *Server) handleDissolve(w http.ResponseWriter, r *http.Request) {
	coupleID := strings.TrimSpace(r.PathValue("id"))
	if s.directory == nil {
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "couple directory is not configured"))
		return
	}
	if s.streaks != nil {
		if err := s.streaks.ResetCouple(r.Context(), coupleID); err != nil {
			s.writeInternal(w, "reset streak", err)
			return
		}
	}
	members, err := s.directory.Dissolve(r.Context(), coupleID)
	if err != nil {
		s.writeInternal(w, "dissolve couple", err)
		return
	}

	s.hub.PublishToCouple(coupleID, EventCoupleRoomDeleted, coupleRoomPayload{CoupleRoomID: coupleID})
	for _, userID := range members {
		s.hub.PublishToUser(userID, EventCoupleBrokenUp, coupleRoomPayload{CoupleRoomID: coupleID})
	}
	s.hub.DropTopic(CoupleTopic(coupleID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.notifications == nil {
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "notifications are not configured"))
		return
	}
	settings, err := s.notifications.Settings(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeInternal(w, "get notification settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settingsBody{
		Interaction:   settings.Interaction,
		StreakWarning: settings.StreakWarning,
		Milestones:    settings.Milestones,
		PartnerOpen:   settings.PartnerOpen,
		Locale:        settings.Locale,
	})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.notifications == nil {
		writeError(w, apperrors.New(apperrors.CodeUnavailable, "notifications are not configured"))
		return
	}
	userID := strings.TrimSpace(r.PathValue("id"))
	if userID == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "user id is required"))
		return
	}
	var body settingsBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.notifications.UpdateSettings(r.Context(), notificationstorage.Settings{
		UserID:        userID,
		Interaction:   body.Interaction,
		StreakWarning: body.StreakWarning,
		Milestones:    body.Milestones,
		PartnerOpen:   body.PartnerOpen,
		Locale:        body.Locale,
	}); err != nil {
		s.writeInternal(w, "update notification settings", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeInternal logs failures without a domain code before answering.
func (s *Server) writeInternal(w http.ResponseWriter, op string, err error) {
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) {
		s.logger.Error(op, zap.Error(err))
	}
	writeError(w, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	writeJSON(w, code.HTTPStatus(), errorBody{Error: wsError{
		Code:      code.WireCode(),
		Message:   apperrors.PublicMessage(err),
		Retryable: code.Retryable(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
