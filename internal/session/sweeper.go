package session

import (
	"context"
	"errors"
	"time"

	"github.com/pairit/pairit/internal/logging"
	"github.com/pairit/pairit/internal/storage"
	"github.com/pairit/pairit/pkg/types"
)

const (
	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = 60 * time.Second

	// DefaultIdleTTL is how long a session may sit without client
	// activity before it is abandoned.
	DefaultIdleTTL = 30 * time.Minute
)

// SubscriberCounter reports live push-stream subscriptions; a session
// with an open stream is not idle even when it sends no commands.
type SubscriberCounter interface {
	SubscriberCount(sessionID string) int
}

// Sweeper periodically moves idle active sessions to abandoned, with
// cascading cleanup: the session leaves any match pool and an optional
// hook informs interested parties (the agent runtime) of the departure.
type Sweeper struct {
	store      *storage.Storage
	engine     *Engine
	matchmaker Matchmaker
	subs       SubscriberCounter

	Interval time.Duration
	IdleTTL  time.Duration

	// OnAbandoned runs after a session is marked abandoned, outside any
	// lock. Wired to the agent runtime at startup.
	OnAbandoned func(sess *types.Session)
}

// NewSweeper constructs a Sweeper with the default cadence.
func NewSweeper(store *storage.Storage, engine *Engine, mm Matchmaker, subs SubscriberCounter) *Sweeper {
	return &Sweeper{
		store:      store,
		engine:     engine,
		matchmaker: mm,
		subs:       subs,
		Interval:   DefaultSweepInterval,
		IdleTTL:    DefaultIdleTTL,
	}
}

// Run sweeps until ctx is done. Intended to run as one background
// goroutine per process.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single pass. Exposed for tests.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	ids, err := s.store.ListSessionIDs(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("idle sweep: list sessions failed")
		return
	}
	cutoff := time.Now().Add(-s.IdleTTL).UnixMilli()
	for _, id := range ids {
		sess, err := s.store.GetSession(ctx, id)
		if err != nil || sess.Status != types.SessionActive {
			continue
		}
		if sess.LastActivityAt > cutoff {
			continue
		}
		if s.subs != nil && s.subs.SubscriberCount(id) > 0 {
			continue
		}
		s.abandon(ctx, sess)
	}
}

func (s *Sweeper) abandon(ctx context.Context, sess *types.Session) {
	updated, err := s.store.UpdateSession(ctx, sess.SessionID, func(cur *types.Session) error {
		if cur.Status != types.SessionActive {
			return errAlreadyClosed
		}
		cur.Status = types.SessionAbandoned
		now := time.Now().UnixMilli()
		cur.EndedAt = &now
		return nil
	})
	if err != nil {
		if err != errAlreadyClosed {
			logging.Warn().Err(err).Str("sessionId", sess.SessionID).Msg("idle sweep: abandon failed")
		}
		return
	}
	logging.Info().Str("sessionId", sess.SessionID).Msg("session abandoned by idle sweep")

	if s.matchmaker != nil {
		if err := s.matchmaker.CancelSession(ctx, sess.SessionID); err != nil {
			logging.Warn().Err(err).Str("sessionId", sess.SessionID).Msg("idle sweep: pool cancel failed")
		}
	}
	if s.OnAbandoned != nil {
		s.OnAbandoned(updated)
	}
}

var errAlreadyClosed = errors.New("session already closed")
