package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"

	"github.com/pairit/pairit/internal/apperr"
	"github.com/pairit/pairit/internal/compiler"
	"github.com/pairit/pairit/internal/objectstore"
)

// maxInlineMediaBytes bounds POST /media/upload payloads; anything larger
// goes through the signed direct-upload URL.
const maxInlineMediaBytes = 8 << 20

// requireIdentity guards the manager surface: anonymous callers get 401.
func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if callerID(r.Context()) == "" {
			writeError(w, apperr.CodeUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// uploadConfig handles POST /configs/upload: compile the declarative
// document, verify the claimed checksum, and store the canonical form.
// The owner is always the authenticated caller, never the body.
func (s *Server) uploadConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfigID string          `json:"configId"`
		Checksum string          `json:"checksum,omitempty"`
		Config   json.RawMessage `json:"config"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if len(req.Config) == 0 {
		writeError(w, apperr.CodeInvalidEvent, "config document is required")
		return
	}
	if req.Checksum != "" {
		sum := sha256.Sum256(req.Config)
		if hex.EncodeToString(sum[:]) != req.Checksum {
			writeError(w, apperr.CodeInvalidEvent, "checksum does not match uploaded document")
			return
		}
	}

	cfg, diagnostics, err := compiler.Compile(req.Config)
	if err != nil {
		writeAppError(w, apperr.Newf(apperr.CodeInvalidEvent, err.Error(), map[string]any{
			"diagnostics": diagnostics,
		}))
		return
	}
	if req.ConfigID != "" {
		cfg.ConfigID = req.ConfigID
	}
	cfg.OwnerID = callerID(r.Context())
	cfg.CreatedAt = time.Now().UnixMilli()

	if err := s.store.InsertConfig(r.Context(), cfg); err != nil {
		writeError(w, apperr.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configId":    cfg.ConfigID,
		"configHash":  cfg.ConfigHash,
		"ownerId":     cfg.OwnerID,
		"diagnostics": diagnostics,
	})
}

// listConfigs handles GET /configs. The owner filter is implicitly the
// caller; the ?owner= parameter is accepted but must match.
func (s *Server) listConfigs(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r.Context())
	if owner := r.URL.Query().Get("owner"); owner != "" && owner != caller {
		writeError(w, apperr.CodeForbidden, "cannot list another owner's configs")
		return
	}
	configs, err := s.store.ListConfigsByOwner(r.Context(), caller)
	if err != nil {
		writeError(w, apperr.CodeInternal, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, map[string]any{
			"configId":   cfg.ConfigID,
			"configHash": cfg.ConfigHash,
			"createdAt":  cfg.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"configs": out})
}

// deleteConfig handles DELETE /configs/:configId.
func (s *Server) deleteConfig(w http.ResponseWriter, r *http.Request) {
	configID := chi.URLParam(r, "configID")
	cfg, err := s.store.GetConfig(r.Context(), configID)
	if err != nil {
		writeError(w, apperr.CodeNotFound, "config not found")
		return
	}
	if cfg.OwnerID != callerID(r.Context()) {
		writeError(w, apperr.CodeForbidden, "caller does not own this config")
		return
	}
	if err := s.store.DeleteConfig(r.Context(), configID); err != nil {
		writeError(w, apperr.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// uploadMedia handles POST /media/upload with a bounded base64 payload.
func (s *Server) uploadMedia(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Object      string `json:"object"`
		Data        string `json:"data"`
		ContentType string `json:"contentType,omitempty"`
		Public      bool   `json:"public,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, apperr.CodeInvalidEvent, "data must be base64")
		return
	}
	if len(data) > maxInlineMediaBytes {
		writeError(w, apperr.CodeInvalidEvent, "payload too large; use /media/upload-url")
		return
	}
	if err := s.objects.Put(r.Context(), req.Object, data, req.ContentType); err != nil {
		writeAppError(w, apperr.New(apperr.CodeInvalidEvent, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": req.Object,
		"size":   len(data),
		"url":    s.objects.PublicURL(req.Object),
	})
}

// mediaUploadURL handles POST /media/upload-url for large direct uploads.
func (s *Server) mediaUploadURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Object      string `json:"object"`
		ContentType string `json:"contentType,omitempty"`
		TTLSeconds  int    `json:"ttlSeconds,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	url, err := s.objects.SignedUploadURL(r.Context(), req.Object, req.ContentType, ttl)
	if err != nil {
		if errors.Is(err, objectstore.ErrSigningUnsupported) {
			writeError(w, apperr.CodeInvalidEvent, "this deployment does not support direct uploads; use /media/upload")
			return
		}
		writeError(w, apperr.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploadUrl": url, "object": req.Object})
}

// listMedia handles GET /media?prefix=&glob=. The optional glob narrows
// the prefix listing with ** patterns (e.g. stimuli/**/*.png).
func (s *Server) listMedia(w http.ResponseWriter, r *http.Request) {
	objects, err := s.objects.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, apperr.CodeInternal, err.Error())
		return
	}
	if glob := r.URL.Query().Get("glob"); glob != "" {
		if !doublestar.ValidatePattern(glob) {
			writeError(w, apperr.CodeInvalidEvent, "invalid glob pattern")
			return
		}
		filtered := objects[:0]
		for _, obj := range objects {
			if ok, _ := doublestar.Match(glob, obj.Name); ok {
				filtered = append(filtered, obj)
			}
		}
		objects = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects})
}

// deleteMedia handles DELETE /media/:object.
func (s *Server) deleteMedia(w http.ResponseWriter, r *http.Request) {
	object := chi.URLParam(r, "object")
	if err := s.objects.Delete(r.Context(), object); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			writeError(w, apperr.CodeNotFound, "object not found")
			return
		}
		writeError(w, apperr.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// getMediaObject serves object content by name, the target of the fs
// backend's public URLs.
func (s *Server) getMediaObject(w http.ResponseWriter, r *http.Request) {
	object := chi.URLParam(r, "*")
	data, err := s.objects.Get(r.Context(), object)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			writeError(w, apperr.CodeNotFound, "object not found")
			return
		}
		writeError(w, apperr.CodeInternal, err.Error())
		return
	}
	w.Write(data)
}
