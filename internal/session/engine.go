// Package session is the server-authoritative state machine that
// advances a participant through a compiled experiment's page graph,
// ingesting client events idempotently and writing user_state
// field-at-a-time under a per-session compare-and-set.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pairit/pairit/internal/apperr"
	"github.com/pairit/pairit/internal/compiler"
	"github.com/pairit/pairit/internal/expr"
	"github.com/pairit/pairit/internal/logging"
	"github.com/pairit/pairit/internal/storage"
	"github.com/pairit/pairit/pkg/types"
)

// Publisher is the push-stream hub's view, as consumed by the engine.
// Defined here (consumer side) so internal/event has no dependency on
// internal/session.
type Publisher interface {
	Publish(sessionID string, event types.Event)
}

// Matchmaker is the engine's view of the matchmaker, satisfied
// structurally by internal/matchmaker.Matchmaker.
type Matchmaker interface {
	Enqueue(ctx context.Context, sessionID, configID, poolID string) error
	CancelSession(ctx context.Context, sessionID string) error
}

// ConfigLoader resolves a compiled config by id, backed by the compiler's
// output persisted in storage.
type ConfigLoader interface {
	GetConfig(ctx context.Context, configID string) (*types.ExperimentConfig, error)
}

// ClientEvent is a client-authored action submitted to Advance.
type ClientEvent struct {
	Type     string         `json:"type"` // "button_click" | ...
	ButtonID string         `json:"buttonId,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// ServerEvent is injected by the matchmaker, chat coordinator or agent
// runtime via ApplyServerEvent.
type ServerEvent struct {
	Type types.EventType
	Data any
	// PageTransition, if non-empty, forces currentPageId to this page
	// (used by match/chat timeouts, which do move the session).
	PageTransition string
	// StateWrites are field-level user_state writes applied atomically
	// alongside the event (used by match_found and assign_state tool calls).
	StateWrites []types.StateDelta
	// GroupID, if non-empty, links the session to its matched group.
	GroupID    string
	// ChatEnded marks the session's chat as terminal (end_chat tool).
	ChatEnded  bool
	EndSession bool
}

// Engine is the session runtime: StartSession/GetSession/Advance/
// ApplyServerEvent/RecordEvent over a cache of compiled configs. The idle
// sweep is the separate Sweeper.
type Engine struct {
	store      *storage.Storage
	hub        Publisher
	matchmaker Matchmaker

	mu           sync.RWMutex
	configCache  map[string]*types.ExperimentConfig
}

// New constructs an Engine. The matchmaker is wired in after construction
// via SetMatchmaker because the matchmaker itself is constructed with a
// reference back to the engine (ApplyServerEvent) — see cmd/pairit for
// the two-step wiring.
func New(store *storage.Storage, hub Publisher) *Engine {
	return &Engine{
		store:       store,
		hub:         hub,
		configCache: make(map[string]*types.ExperimentConfig),
	}
}

func (e *Engine) SetMatchmaker(mm Matchmaker) { e.matchmaker = mm }

// InvalidateConfig drops a cached compiled config, used by the dev-mode
// config watcher after re-uploading a changed document.
func (e *Engine) InvalidateConfig(configID string) {
	e.mu.Lock()
	delete(e.configCache, configID)
	e.mu.Unlock()
}

func (e *Engine) loadConfig(ctx context.Context, configID string) (*types.ExperimentConfig, error) {
	e.mu.RLock()
	cfg, ok := e.configCache[configID]
	e.mu.RUnlock()
	if ok {
		return cfg, nil
	}
	cfg, err := e.store.GetConfig(ctx, configID)
	if err != nil {
		return nil, apperr.New(apperr.CodeNotFound, "config not found")
	}
	// The stored canonical form carries expression sources, not ASTs.
	if err := compiler.PrepareExpressions(cfg); err != nil {
		return nil, apperr.New(apperr.CodeInternal, err.Error())
	}
	e.mu.Lock()
	e.configCache[configID] = cfg
	e.mu.Unlock()
	return cfg, nil
}

func findPage(cfg *types.ExperimentConfig, pageID string) *types.Page {
	for i := range cfg.Pages {
		if cfg.Pages[i].ID == pageID {
			return &cfg.Pages[i]
		}
	}
	return nil
}

func findButton(page *types.Page, buttonID string) *types.Button {
	for i := range page.Buttons {
		if page.Buttons[i].ID == buttonID {
			return &page.Buttons[i]
		}
	}
	return nil
}

func generateID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// StartSession creates a new Session at the config's initial page.
func (e *Engine) StartSession(ctx context.Context, configID, participantID string) (*types.Session, *types.Page, error) {
	cfg, err := e.loadConfig(ctx, configID)
	if err != nil {
		return nil, nil, err
	}
	page := findPage(cfg, cfg.InitialPageID)
	if page == nil {
		return nil, nil, apperr.New(apperr.CodeInternal, "initial page missing from compiled config")
	}

	now := time.Now().UnixMilli()
	sess := &types.Session{
		SessionID:      generateID("sess"),
		ConfigID:       configID,
		ParticipantID:  participantID,
		CurrentPageID:  page.ID,
		UserState:      map[string]any{},
		Status:         types.SessionActive,
		StartedAt:      now,
		LastActivityAt: now,
		NextSequence:   1,
	}
	if err := e.store.InsertSession(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("%w", apperr.New(apperr.CodeInternal, err.Error()))
	}
	logging.Info().Str("sessionId", sess.SessionID).Str("configId", configID).Msg("session started")
	return sess, page, nil
}

// GetSession returns a session and its current page.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*types.Session, *types.Page, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, apperr.New(apperr.CodeNotFound, "session not found")
	}
	cfg, err := e.loadConfig(ctx, sess.ConfigID)
	if err != nil {
		return nil, nil, err
	}
	page := findPage(cfg, sess.CurrentPageID)
	return sess, page, nil
}

// advanceOutcome is what Advance and its idempotent-replay path both
// produce, so the idempotency record can store exactly this shape.
type advanceOutcome struct {
	Session *types.Session `json:"session"`
	Page    *types.Page    `json:"page"`
}

// Advance executes one client-authored action against a session. Survey
// submissions piggyback on the button click that leaves the survey page.
func (e *Engine) Advance(ctx context.Context, sessionID string, clientEvent ClientEvent, idempotencyKey string) (*types.Session, *types.Page, error) {
	if idempotencyKey != "" {
		if _, body, found, err := e.store.CheckIdempotency(ctx, sessionID, idempotencyKey); err == nil && found {
			var outcome advanceOutcome
			if jsonErr := json.Unmarshal(body, &outcome); jsonErr == nil {
				return outcome.Session, outcome.Page, nil
			}
		}
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, apperr.New(apperr.CodeNotFound, "session not found")
	}
	if sess.Status != types.SessionActive {
		return nil, nil, apperr.New(apperr.CodeGone, "session has ended")
	}

	cfg, err := e.loadConfig(ctx, sess.ConfigID)
	if err != nil {
		return nil, nil, err
	}
	page := findPage(cfg, sess.CurrentPageID)
	if page == nil {
		return nil, nil, apperr.New(apperr.CodeInternal, "current page missing from config")
	}
	btn := findButton(page, clientEvent.ButtonID)
	if btn == nil {
		return nil, nil, apperr.New(apperr.CodeUnknownButton, fmt.Sprintf("no button %q on page %q", clientEvent.ButtonID, page.ID))
	}

	deltas, err := validateAndComputeDeltas(page, btn, clientEvent, sess, cfg)
	if err != nil {
		return nil, nil, err
	}

	evalCtx := expr.Context{
		UserState: applyDeltas(sess.UserState, deltas),
		Event:     map[string]any{"payload": toAny(clientEvent.Payload)},
		Run:       map[string]any{"currentPageId": sess.CurrentPageID},
	}
	target, err := resolveTarget(btn.Action, evalCtx)
	if err != nil {
		return nil, nil, err
	}
	targetPage := findPage(cfg, target)
	if targetPage == nil {
		return nil, nil, apperr.New(apperr.CodeUnknownNode, fmt.Sprintf("branch target %q does not exist", target))
	}

	now := time.Now().UnixMilli()
	var outSess *types.Session
	var events []types.Event

	_, err = e.store.WithSessionTransaction(ctx, sessionID, func(cur *types.Session) (*types.Session, error) {
		next := cur.Clone()
		for _, d := range deltas {
			setUserStatePath(next.UserState, d.Path, d.After)
		}
		next.CurrentPageID = targetPage.ID
		next.LastActivityAt = now
		if targetPage.End {
			next.Status = types.SessionEnded
			ended := now
			next.EndedAt = &ended
			next.EndRedirectURL = targetPage.EndRedirectURL
		}

		startSeq := next.NextSequence
		events = buildAdvanceEvents(startSeq, sessionID, page.ID, clientEvent, btn, deltas, targetPage, idempotencyKey, now)
		next.NextSequence = startSeq + int64(len(events))

		if err := e.store.AppendEvents(ctx, sessionID, startSeq, events); err != nil {
			return nil, apperr.New(apperr.CodeInternal, err.Error())
		}
		if idempotencyKey != "" {
			outcome := advanceOutcome{Session: next, Page: targetPage}
			body, _ := json.Marshal(outcome)
			if err := e.store.RecordIdempotency(ctx, sessionID, idempotencyKey, startSeq, body); err != nil {
				return nil, apperr.New(apperr.CodeInternal, err.Error())
			}
		}

		outSess = next
		return next, nil
	})
	if err != nil {
		return nil, nil, err
	}

	for _, ev := range events {
		e.hub.Publish(sessionID, ev)
	}

	if e.matchmaker != nil {
		if targetPage.End {
			// An ending session leaves any pool it was still waiting in.
			if err := e.matchmaker.CancelSession(ctx, sessionID); err != nil {
				logging.Warn().Err(err).Str("sessionId", sessionID).Msg("pool cancel on session end failed")
			}
		} else if hasMatchmakingComponent(targetPage) {
			poolID := matchmakingPoolID(targetPage)
			if err := e.matchmaker.Enqueue(ctx, sessionID, cfg.ConfigID, poolID); err != nil {
				logging.Warn().Err(err).Str("sessionId", sessionID).Msg("matchmaking enqueue failed")
			}
		}
	}

	return outSess, targetPage, nil
}

// ApplyServerEvent applies a server-originated mutation (match found,
// timeout, agent message, tool-driven assign_state/end_chat) to a session,
// appending the corresponding event and publishing it.
func (e *Engine) ApplyServerEvent(ctx context.Context, sessionID string, se ServerEvent) error {
	now := time.Now().UnixMilli()
	var event types.Event

	_, err := e.store.WithSessionTransaction(ctx, sessionID, func(cur *types.Session) (*types.Session, error) {
		next := cur.Clone()
		for _, d := range se.StateWrites {
			setUserStatePath(next.UserState, d.Path, d.After)
		}
		if se.PageTransition != "" {
			next.CurrentPageID = se.PageTransition
		}
		if se.GroupID != "" {
			next.GroupID = se.GroupID
		}
		if se.ChatEnded {
			next.ChatEnded = true
		}
		if se.EndSession && next.Status == types.SessionActive {
			next.Status = types.SessionEnded
			ended := now
			next.EndedAt = &ended
		}
		next.LastActivityAt = now

		seq := next.NextSequence
		event = types.Event{
			Sequence:  seq,
			SessionID: sessionID,
			Type:      se.Type,
			PageID:    next.CurrentPageID,
			Timestamp: now,
			Data:      se.Data,
		}
		next.NextSequence = seq + 1
		if err := e.store.AppendEvents(ctx, sessionID, seq, []types.Event{event}); err != nil {
			return nil, apperr.New(apperr.CodeInternal, err.Error())
		}
		return next, nil
	})
	if err != nil {
		return err
	}
	e.hub.Publish(sessionID, event)
	return nil
}

// RecordEvent appends a generic client-originated event to the session's
// log without a page transition. The
// idempotency key is required by the HTTP surface; a replayed key returns
// the original event.
func (e *Engine) RecordEvent(ctx context.Context, sessionID string, clientEvent ClientEvent, idempotencyKey string) (*types.Event, error) {
	if idempotencyKey != "" {
		if _, body, found, err := e.store.CheckIdempotency(ctx, sessionID, idempotencyKey); err == nil && found {
			var ev types.Event
			if jsonErr := json.Unmarshal(body, &ev); jsonErr == nil {
				return &ev, nil
			}
		}
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, apperr.New(apperr.CodeNotFound, "session not found")
	}
	if sess.Status != types.SessionActive {
		return nil, apperr.New(apperr.CodeGone, "session has ended")
	}
	if clientEvent.Type == "" {
		return nil, apperr.New(apperr.CodeInvalidEvent, "event type is required")
	}

	now := time.Now().UnixMilli()
	var event types.Event
	_, err = e.store.WithSessionTransaction(ctx, sessionID, func(cur *types.Session) (*types.Session, error) {
		next := cur.Clone()
		next.LastActivityAt = now
		seq := next.NextSequence
		event = types.Event{
			Sequence:       seq,
			SessionID:      sessionID,
			Type:           types.EventType(clientEvent.Type),
			PageID:         next.CurrentPageID,
			Timestamp:      now,
			IdempotencyKey: idempotencyKey,
			Data:           clientEvent.Payload,
		}
		next.NextSequence = seq + 1
		if err := e.store.AppendEvents(ctx, sessionID, seq, []types.Event{event}); err != nil {
			return nil, apperr.New(apperr.CodeInternal, err.Error())
		}
		if idempotencyKey != "" {
			body, _ := json.Marshal(event)
			if err := e.store.RecordIdempotency(ctx, sessionID, idempotencyKey, seq, body); err != nil {
				return nil, apperr.New(apperr.CodeInternal, err.Error())
			}
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	e.hub.Publish(sessionID, event)
	return &event, nil
}

func toAny(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
