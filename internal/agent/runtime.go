// Package agent turns a configured AI agent into a chat participant. On
// group formation a worker is spawned per (group, agent); each worker
// rebuilds the room transcript from the persisted chat history, streams a
// completion from the configured model provider, fans partial text out as
// agent_message_delta events, persists the final text as an agent chat
// message, and dispatches model-invoked tool calls back into the session
// engine.
package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pairit/pairit/internal/chat"
	"github.com/pairit/pairit/internal/logging"
	"github.com/pairit/pairit/internal/provider"
	"github.com/pairit/pairit/internal/session"
	"github.com/pairit/pairit/internal/storage"
	"github.com/pairit/pairit/internal/tool"
	"github.com/pairit/pairit/pkg/types"
)

const (
	// TurnTimeout bounds one completion request.
	TurnTimeout = 60 * time.Second

	// MaxToolSteps bounds tool-call continuations within one turn.
	MaxToolSteps = 8

	// DormancyThreshold is how many consecutive failed turns mark an
	// agent dormant for its group.
	DormancyThreshold = 3
)

// SessionApplier is the runtime's view of the session engine.
type SessionApplier interface {
	ApplyServerEvent(ctx context.Context, sessionID string, se session.ServerEvent) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, *types.Page, error)
}

// Publisher delivers ephemeral agent_message_delta events. Deltas are
// transient rendering hints; only the final agent message is persisted
// and sequenced (see DESIGN.md).
type Publisher interface {
	Publish(sessionID string, event types.Event)
}

// ModelResolver resolves an AgentConfig.Model string to a provider,
// satisfied by *provider.Registry.
type ModelResolver interface {
	ResolveModel(modelString string) (provider.Provider, string, error)
}

// Runtime owns all agent workers in the process, keyed by (group, agent).
type Runtime struct {
	store     *storage.Storage
	engine    SessionApplier
	chat      *chat.Coordinator
	hub       Publisher
	providers ModelResolver

	mu      sync.Mutex
	workers map[workerKey]*worker

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

type workerKey struct {
	groupID string
	agentID string
}

// NewRuntime constructs the runtime and registers its chat listener so
// new participant messages wake the relevant workers.
func NewRuntime(store *storage.Storage, engine SessionApplier, coordinator *chat.Coordinator, hub Publisher, providers ModelResolver) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		store:      store,
		engine:     engine,
		chat:       coordinator,
		hub:        hub,
		providers:  providers,
		workers:    make(map[workerKey]*worker),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	coordinator.AddListener(rt.onChatMessage)
	return rt
}

// onChatMessage wakes every worker in the message's group when a
// participant speaks.
func (rt *Runtime) onChatMessage(msg *types.ChatMessage) {
	if msg.SenderKind != chat.SenderParticipant {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for key, w := range rt.workers {
		if key.groupID == msg.GroupID {
			w.poke()
		}
	}
}

// chatProps is the canonical chat component's prop shape.
type chatProps struct {
	Agents      []string `json:"agents,omitempty"`
	AgentStarts bool     `json:"agentStarts,omitempty"`
}

// agentsOnConfig collects the agent ids referenced by any chat component
// in the config, with whether any referencing component asks the agent to
// open the conversation.
func agentsOnConfig(cfg *types.ExperimentConfig) map[string]bool {
	out := make(map[string]bool)
	for _, page := range cfg.Pages {
		for _, c := range page.Components {
			if c.Type != "chat" {
				continue
			}
			var props chatProps
			if err := json.Unmarshal(c.Props, &props); err != nil {
				continue
			}
			for _, id := range props.Agents {
				out[id] = out[id] || props.AgentStarts
			}
		}
	}
	return out
}

func findAgentConfig(cfg *types.ExperimentConfig, agentID string) *types.AgentConfig {
	for i := range cfg.Agents {
		if cfg.Agents[i].ID == agentID {
			return &cfg.Agents[i]
		}
	}
	return nil
}

// StartGroup spawns one worker per agent the group's config wires into a
// chat room. Idempotent: a worker that already exists is left running.
func (rt *Runtime) StartGroup(ctx context.Context, groupID string) error {
	group, err := rt.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	cfg, err := rt.store.GetConfig(ctx, group.ConfigID)
	if err != nil {
		return err
	}

	for agentID, starts := range agentsOnConfig(cfg) {
		agentCfg := findAgentConfig(cfg, agentID)
		if agentCfg == nil {
			logging.Warn().Str("agentId", agentID).Str("configId", cfg.ConfigID).Msg("chat component references undeclared agent")
			continue
		}
		rt.spawn(group, cfg, agentCfg, starts)
	}
	return nil
}

func (rt *Runtime) spawn(group *types.Group, cfg *types.ExperimentConfig, agentCfg *types.AgentConfig, starts bool) {
	key := workerKey{groupID: group.GroupID, agentID: agentCfg.ID}
	rt.mu.Lock()
	if _, exists := rt.workers[key]; exists {
		rt.mu.Unlock()
		return
	}
	workerCtx, cancel := context.WithCancel(rt.baseCtx)
	w := &worker{
		runtime:    rt,
		group:      group,
		config:     cfg,
		agent:      agentCfg,
		dispatcher: tool.NewDispatcher(rt.engine, rt.chat, rt.store, cfg, agentCfg.Tools),
		trigger:    make(chan struct{}, 1),
		cancel:     cancel,
	}
	rt.workers[key] = w
	rt.mu.Unlock()

	go w.run(workerCtx)
	if starts {
		w.poke()
	}
	logging.Info().Str("groupId", group.GroupID).Str("agentId", agentCfg.ID).Msg("agent worker started")
}

// StopGroup cancels every worker scoped to the group, used when the
// group's chat ends or its members abandon.
func (rt *Runtime) StopGroup(groupID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for key, w := range rt.workers {
		if key.groupID == groupID {
			w.cancel()
			delete(rt.workers, key)
		}
	}
}

// Close cancels every worker.
func (rt *Runtime) Close() {
	rt.cancelBase()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for key, w := range rt.workers {
		w.cancel()
		delete(rt.workers, key)
	}
}

// WorkerCount reports live workers, for diagnostics and tests.
func (rt *Runtime) WorkerCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.workers)
}
