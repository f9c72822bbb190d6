package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairit/pairit/internal/chat"
	"github.com/pairit/pairit/internal/compiler"
	"github.com/pairit/pairit/internal/provider"
	"github.com/pairit/pairit/internal/session"
	"github.com/pairit/pairit/internal/storage"
	"github.com/pairit/pairit/internal/tool"
	"github.com/pairit/pairit/pkg/types"
)

const negotiationDoc = `{
  "configId": "negotiation",
  "initialPageId": "room",
  "userStateSchema": {
    "deal_reached": {"type": "bool"},
    "agreed_price": {"type": "int"}
  },
  "agents": [
    {"id": "dealer", "model": "fake/test-model", "system": "You are a car dealer."}
  ],
  "pages": [
    {
      "id": "room",
      "components": [{"type": "chat", "props": {"agents": ["dealer"]}}],
      "buttons": [{"id": "end", "action": {"target": "bye"}}]
    },
    {"id": "bye", "end": true}
  ]
}`

// fakeProvider replays scripted completion streams.
type fakeProvider struct {
	mu      sync.Mutex
	scripts []func() *provider.CompletionStream
	errs    []error
	calls   int
}

func (f *fakeProvider) ID() string                             { return "fake" }
func (f *fakeProvider) Name() string                           { return "Fake" }
func (f *fakeProvider) Models() []types.Model                  { return nil }
func (f *fakeProvider) ChatModel() model.ToolCallingChatModel  { return nil }

func (f *fakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.scripts) {
		return f.scripts[i](), nil
	}
	return textStream(""), nil
}

type fakeResolver struct{ prov provider.Provider }

func (f *fakeResolver) ResolveModel(modelString string) (provider.Provider, string, error) {
	return f.prov, "test-model", nil
}

func textStream(chunks ...string) *provider.CompletionStream {
	sr, sw := schema.Pipe[*schema.Message](len(chunks) + 1)
	go func() {
		defer sw.Close()
		for _, c := range chunks {
			sw.Send(&schema.Message{Role: schema.Assistant, Content: c}, nil)
		}
	}()
	return provider.NewCompletionStream(sr)
}

func toolCallStream(name, args string) *provider.CompletionStream {
	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		idx := 0
		sw.Send(&schema.Message{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{{
				Index:    &idx,
				ID:       "call_1",
				Function: schema.FunctionCall{Name: name, Arguments: args},
			}},
		}, nil)
	}()
	return provider.NewCompletionStream(sr)
}

type recordingHub struct {
	mu     sync.Mutex
	events []types.Event
}

func (h *recordingHub) Publish(sessionID string, ev types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHub) byType(t types.EventType) []types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []types.Event
	for _, ev := range h.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	store       *storage.Storage
	engine      *session.Engine
	coordinator *chat.Coordinator
	hub         *recordingHub
	group       *types.Group
	config      *types.ExperimentConfig
}

func newAgentFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.New(t.TempDir())
	cfg, _, err := compiler.Compile([]byte(negotiationDoc))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.InsertConfig(ctx, cfg))

	hub := &recordingHub{}
	engine := session.New(store, hub)
	coordinator := chat.New(store, engine, hub)

	sess, _, err := engine.StartSession(ctx, cfg.ConfigID, "")
	require.NoError(t, err)
	group := &types.Group{
		GroupID:          "grp_neg",
		PoolID:           "p",
		ConfigID:         cfg.ConfigID,
		MemberSessionIDs: []string{sess.SessionID},
		SharedState:      map[string]any{},
		ChatGroupID:      "grp_neg",
		CreatedAt:        time.Now().UnixMilli(),
	}
	require.NoError(t, store.InsertGroup(ctx, group))

	return &fixture{store: store, engine: engine, coordinator: coordinator, hub: hub, group: group, config: cfg}
}

func newWorker(f *fixture, prov provider.Provider) *worker {
	rt := &Runtime{
		store:     f.store,
		engine:    f.engine,
		chat:      f.coordinator,
		hub:       f.hub,
		providers: &fakeResolver{prov: prov},
		workers:   make(map[workerKey]*worker),
	}
	agentCfg := &f.config.Agents[0]
	return &worker{
		runtime:    rt,
		group:      f.group,
		config:     f.config,
		agent:      agentCfg,
		dispatcher: tool.NewDispatcher(f.engine, f.coordinator, f.store, f.config, agentCfg.Tools),
		trigger:    make(chan struct{}, 1),
		cancel:     func() {},
	}
}

func TestTurnStreamsDeltasAndPersistsFinalMessage(t *testing.T) {
	f := newAgentFixture(t)
	prov := &fakeProvider{scripts: []func() *provider.CompletionStream{
		func() *provider.CompletionStream { return textStream("How about ", "$13,000?") },
	}}
	w := newWorker(f, prov)

	w.runTurn(context.Background())

	deltas := f.hub.byType(types.EventAgentMessageDelta)
	require.Len(t, deltas, 2)

	msgs, err := f.store.ListChatMessages(context.Background(), f.group.GroupID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "agent", msgs[0].SenderKind)
	assert.Equal(t, "dealer", msgs[0].SenderID)
	assert.Equal(t, "How about $13,000?", msgs[0].Body)
}

func TestToolCallContinuationWritesStateThenSpeaks(t *testing.T) {
	f := newAgentFixture(t)
	prov := &fakeProvider{scripts: []func() *provider.CompletionStream{
		func() *provider.CompletionStream {
			return toolCallStream(tool.NameAssignState, `{"path": "user_state.deal_reached", "value": true}`)
		},
		func() *provider.CompletionStream { return textStream("Deal!") },
	}}
	w := newWorker(f, prov)

	w.runTurn(context.Background())

	sess, _, err := f.engine.GetSession(context.Background(), f.group.MemberSessionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, true, sess.UserState["deal_reached"])

	msgs, err := f.store.ListChatMessages(context.Background(), f.group.GroupID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Deal!", msgs[0].Body)
}

func TestEndChatToolStopsTheTurn(t *testing.T) {
	f := newAgentFixture(t)
	prov := &fakeProvider{scripts: []func() *provider.CompletionStream{
		func() *provider.CompletionStream { return toolCallStream(tool.NameEndChat, `{}`) },
	}}
	w := newWorker(f, prov)

	w.runTurn(context.Background())

	assert.Equal(t, 1, prov.calls, "no continuation after end_chat")
	group, err := f.store.GetGroup(context.Background(), f.group.GroupID)
	require.NoError(t, err)
	assert.True(t, group.ChatEnded)
}

func TestProviderFailurePostsSystemNoticeAndAgentError(t *testing.T) {
	f := newAgentFixture(t)
	prov := &fakeProvider{errs: []error{
		fmt.Errorf("provider down"), fmt.Errorf("provider down"), fmt.Errorf("provider down"),
	}}
	w := newWorker(f, prov)

	w.runTurn(context.Background())

	msgs, err := f.store.ListChatMessages(context.Background(), f.group.GroupID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "system", msgs[0].SenderKind)
	assert.Equal(t, unavailableNotice, msgs[0].Body)

	events, err := f.store.ListEventsAfter(context.Background(), f.group.MemberSessionIDs[0], 0)
	require.NoError(t, err)
	var sawAgentError bool
	for _, ev := range events {
		if ev.Type == types.EventAgentError {
			sawAgentError = true
		}
	}
	assert.True(t, sawAgentError)
}

func TestRepeatedFailuresMarkAgentDormant(t *testing.T) {
	f := newAgentFixture(t)
	w := newWorker(f, &fakeProvider{})

	for i := 0; i < DormancyThreshold; i++ {
		w.recordFailure(context.Background(), "boom")
	}
	w.mu.Lock()
	dormant := w.dormant
	w.mu.Unlock()
	assert.True(t, dormant)
}

func TestAgentsOnConfigCollectsChatAgents(t *testing.T) {
	cfg, _, err := compiler.Compile([]byte(negotiationDoc))
	require.NoError(t, err)
	agents := agentsOnConfig(cfg)
	assert.Contains(t, agents, "dealer")
	assert.False(t, agents["dealer"], "agentStarts defaults to false")
}

func TestStartGroupSpawnsWorkerPerAgent(t *testing.T) {
	f := newAgentFixture(t)
	rt := NewRuntime(f.store, f.engine, f.coordinator, f.hub, &fakeResolver{prov: &fakeProvider{}})
	t.Cleanup(rt.Close)

	require.NoError(t, rt.StartGroup(context.Background(), f.group.GroupID))
	assert.Equal(t, 1, rt.WorkerCount())

	rt.StopGroup(f.group.GroupID)
	assert.Equal(t, 0, rt.WorkerCount())
}
