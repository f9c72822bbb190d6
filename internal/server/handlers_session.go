package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pairit/pairit/internal/apperr"
	"github.com/pairit/pairit/internal/session"
	"github.com/pairit/pairit/pkg/types"
)

// sessionView is the response shape shared by start, get and advance.
type sessionView struct {
	SessionID      string         `json:"sessionId"`
	ConfigID       string         `json:"configId"`
	CurrentPageID  string         `json:"currentPageId"`
	Page           *types.Page    `json:"page"`
	UserState      map[string]any `json:"userState"`
	Status         types.SessionStatus `json:"status"`
	GroupID        string         `json:"groupId,omitempty"`
	EndRedirectURL string         `json:"endRedirectUrl,omitempty"`
}

func viewOf(sess *types.Session, page *types.Page) sessionView {
	return sessionView{
		SessionID:      sess.SessionID,
		ConfigID:       sess.ConfigID,
		CurrentPageID:  sess.CurrentPageID,
		Page:           page,
		UserState:      sess.UserState,
		Status:         sess.Status,
		GroupID:        sess.GroupID,
		EndRedirectURL: sess.EndRedirectURL,
	}
}

// startSession handles POST /sessions/start.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfigID      string `json:"configId"`
		ParticipantID string `json:"participantId,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.ConfigID == "" {
		writeError(w, apperr.CodeInvalidEvent, "configId is required")
		return
	}

	cfg, err := s.store.GetConfig(r.Context(), req.ConfigID)
	if err != nil {
		writeError(w, apperr.CodeNotFound, "config not found")
		return
	}
	participantID := req.ParticipantID
	if cfg.RequireAuth {
		userID := callerID(r.Context())
		if userID == "" {
			writeError(w, apperr.CodeUnauthorized, "this experiment requires an authenticated participant")
			return
		}
		participantID = userID
	}

	sess, page, err := s.engine.StartSession(r.Context(), req.ConfigID, participantID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess, page))
}

// getSession handles GET /sessions/:id.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, page, err := s.engine.GetSession(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	cfg, err := s.store.GetConfig(r.Context(), sess.ConfigID)
	if err == nil {
		if cfg.RequireAuth && callerID(r.Context()) == "" {
			writeError(w, apperr.CodeUnauthorized, "this experiment requires an authenticated participant")
			return
		}
		if sess.Status != types.SessionActive && !cfg.AllowRetake {
			writeError(w, apperr.CodeGone, "session has ended")
			return
		}
	}
	writeJSON(w, http.StatusOK, viewOf(sess, page))
}

// advanceSession handles POST /sessions/:id/advance.
func (s *Server) advanceSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req struct {
		IdempotencyKey string `json:"idempotencyKey"`
		Event          struct {
			Type     string         `json:"type"`
			ButtonID string         `json:"buttonId,omitempty"`
			Payload  map[string]any `json:"payload,omitempty"`
		} `json:"event"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, apperr.CodeInvalidEvent, "idempotencyKey is required")
		return
	}

	sess, page, err := s.engine.Advance(r.Context(), sessionID, session.ClientEvent{
		Type:     req.Event.Type,
		ButtonID: req.Event.ButtonID,
		Payload:  req.Event.Payload,
	}, req.IdempotencyKey)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess, page))
}

// postSessionEvent handles POST /sessions/:id/events, the generic
// client-originated event log.
func (s *Server) postSessionEvent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req struct {
		IdempotencyKey string `json:"idempotencyKey"`
		Event          struct {
			Type        string         `json:"type"`
			ComponentID string         `json:"componentId,omitempty"`
			Payload     map[string]any `json:"payload,omitempty"`
		} `json:"event"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, apperr.CodeInvalidEvent, "idempotencyKey is required")
		return
	}

	ev, err := s.engine.RecordEvent(r.Context(), sessionID, session.ClientEvent{
		Type:    req.Event.Type,
		Payload: req.Event.Payload,
	}, req.IdempotencyKey)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequence": ev.Sequence})
}
