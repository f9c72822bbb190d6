package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pairit/pairit/internal/apperr"
	"github.com/pairit/pairit/internal/chat"
)

// postChatMessage handles POST /chat/:groupId/message. The sender is the
// session named in the body; membership and chat state are enforced by
// the coordinator. The caller's confirmation arrives via its push stream,
// so the response carries only the message id and the assigned sequence.
func (s *Server) postChatMessage(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	var req struct {
		IdempotencyKey string `json:"idempotencyKey"`
		SessionID      string `json:"sessionId"`
		Body           string `json:"body"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, apperr.CodeInvalidEvent, "sessionId is required")
		return
	}

	msg, err := s.coordinator.SendMessage(r.Context(), groupID, chat.SenderParticipant, req.SessionID, req.Body, req.IdempotencyKey)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messageId":     msg.MessageID,
		"groupSequence": msg.Sequence,
	})
}

// getChatHistory handles GET /chat/:groupId/history?after=<sequence>.
func (s *Server) getChatHistory(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, apperr.CodeInvalidEvent, "after must be a non-negative integer")
			return
		}
		after = parsed
	}

	msgs, err := s.coordinator.ReplayHistory(r.Context(), groupID, after)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// postTyping handles POST /chat/:groupId/typing, an ephemeral indicator.
func (s *Server) postTyping(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.coordinator.Typing(r.Context(), groupID, req.SessionID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
