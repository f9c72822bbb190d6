package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// setupRoutes configures the lab (participant-facing) and manager
// (experimenter-facing) API.
func (s *Server) setupRoutes() {
	r := s.router

	// Lab surface.
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/start", s.startSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/advance", s.advanceSession)
			r.Post("/events", s.postSessionEvent)
			r.Get("/stream", s.streamSession)
		})
	})

	r.Route("/chat/{groupID}", func(r chi.Router) {
		r.Post("/message", s.postChatMessage)
		r.Get("/history", s.getChatHistory)
		r.Post("/typing", s.postTyping)
	})

	// Manager surface; every route requires an authenticated caller.
	r.Group(func(r chi.Router) {
		r.Use(s.requireIdentity)

		r.Route("/configs", func(r chi.Router) {
			r.Post("/upload", s.uploadConfig)
			r.Get("/", s.listConfigs)
			r.Delete("/{configID}", s.deleteConfig)
		})

		r.Route("/media", func(r chi.Router) {
			r.Post("/upload", s.uploadMedia)
			r.Post("/upload-url", s.mediaUploadURL)
			r.Get("/", s.listMedia)
			r.Delete("/{object}", s.deleteMedia)
		})
	})

	// Media content is public by name once uploaded (the fs backend's
	// PublicURL points here).
	r.Get("/media/object/*", s.getMediaObject)

	// Operational surface.
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
