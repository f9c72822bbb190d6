package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pairit/pairit/internal/apperr"
	"github.com/pairit/pairit/pkg/types"
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes one SSE message. Durable events carry their sequence
// as the SSE id so Last-Event-ID resume works; ephemeral events
// (heartbeat, typing, agent deltas) have no sequence and no id line.
func (s *sseWriter) writeEvent(ev types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Sequence > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.Sequence); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

// parseCursor reads the resume position: Last-Event-ID header first, then
// the ?cursor= query parameter.
func parseCursor(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("cursor")
	}
	if raw == "" {
		return 0
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0
	}
	return cursor
}

// streamSession handles GET /sessions/:id/stream: replay everything after
// the cursor from the durable log, then stream live events until the
// client disconnects.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, _, err := s.engine.GetSession(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, apperr.CodeInternal, err.Error())
		return
	}

	cursor := parseCursor(r)
	ch, cancel, err := s.hub.Subscribe(r.Context(), sessionID, cursor)
	if err != nil {
		writeAppError(w, err)
		return
	}
	defer cancel()

	// A matched participant connecting (or reconnecting) to the stream is
	// the signal that its group's agent workers should exist.
	if sess.GroupID != "" && s.groupNotify != nil {
		// Agent absence is not a stream error; the chat stays human-usable.
		_ = s.groupNotify.StartGroup(r.Context(), sess.GroupID)
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.writeEvent(ev); err != nil {
				return
			}
		}
	}
}
