// Package server is the HTTP surface: thin adapters over the session
// engine, push hub, matchmaker, chat coordinator and manager stores.
// Every route validates inputs, enforces idempotency where a mutation
// needs it, and returns structured errors.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pairit/pairit/internal/chat"
	"github.com/pairit/pairit/internal/event"
	"github.com/pairit/pairit/internal/identity"
	"github.com/pairit/pairit/internal/logging"
	"github.com/pairit/pairit/internal/matchmaker"
	"github.com/pairit/pairit/internal/objectstore"
	"github.com/pairit/pairit/internal/session"
	"github.com/pairit/pairit/internal/storage"
	"github.com/pairit/pairit/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Addr         string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8080",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout; SSE streams stay open
	}
}

// Server is the HTTP server.
type Server struct {
	config      *Config
	router      *chi.Mux
	httpSrv     *http.Server
	appConfig   *types.ServerConfig
	store       *storage.Storage
	engine      *session.Engine
	hub         *event.Hub
	matchmaker  *matchmaker.Matchmaker
	coordinator *chat.Coordinator
	groupNotify GroupStarter
	objects     objectstore.Store
	identity    identity.Provider
}

// GroupStarter is the server's view of the agent runtime: the stream
// handler pings it when a matched participant connects so agent workers
// exist before the first message.
type GroupStarter interface {
	StartGroup(ctx context.Context, groupID string) error
}

// New creates a Server wired to the already-constructed runtime
// components.
func New(cfg *Config, appConfig *types.ServerConfig, store *storage.Storage, engine *session.Engine, hub *event.Hub, mm *matchmaker.Matchmaker, coordinator *chat.Coordinator, agents GroupStarter, objects objectstore.Store, idp identity.Provider) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		config:      cfg,
		router:      chi.NewRouter(),
		appConfig:   appConfig,
		store:       store,
		engine:      engine,
		hub:         hub,
		matchmaker:  mm,
		coordinator: coordinator,
		groupNotify: agents,
		objects:     objects,
		identity:    idp,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Last-Event-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	s.router.Use(s.identityContext)
}

type contextKey string

const userIDKey contextKey = "pairit.userID"

// identityContext resolves the caller through the injected identity
// provider and stashes the user id (possibly empty: anonymous) on the
// request context. Route handlers decide whether anonymity is allowed.
func (s *Server) identityContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := s.identity.Authenticate(r)
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// Router exposes the configured handler for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	logging.Info().Str("addr", s.config.Addr).Msg("pairit server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
