package tool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairit/pairit/internal/chat"
	"github.com/pairit/pairit/internal/compiler"
	"github.com/pairit/pairit/internal/event"
	"github.com/pairit/pairit/internal/session"
	"github.com/pairit/pairit/internal/storage"
	"github.com/pairit/pairit/pkg/types"
)

const dealDoc = `{
  "configId": "deal-study",
  "initialPageId": "room",
  "userStateSchema": {
    "deal_reached": {"type": "bool"},
    "agreed_price": {"type": "int"}
  },
  "pages": [
    {
      "id": "room",
      "components": [{"type": "chat", "props": {"agents": ["dealer"]}}],
      "buttons": [{"id": "end", "action": {"target": "bye"}}]
    },
    {"id": "bye", "end": true}
  ]
}`

func newDispatcherFixture(t *testing.T, customTools []types.ToolSpec) (*Dispatcher, *session.Engine, *storage.Storage, *types.Group) {
	t.Helper()
	store := storage.New(t.TempDir())
	cfg, _, err := compiler.Compile([]byte(dealDoc))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.InsertConfig(ctx, cfg))

	hub := event.NewHub(store)
	engine := session.New(store, hub)
	coordinator := chat.New(store, engine, hub)

	sess, _, err := engine.StartSession(ctx, cfg.ConfigID, "")
	require.NoError(t, err)
	group := &types.Group{
		GroupID:          "grp_deal",
		PoolID:           "p",
		ConfigID:         cfg.ConfigID,
		MemberSessionIDs: []string{sess.SessionID},
		SharedState:      map[string]any{},
		ChatGroupID:      "grp_deal",
		CreatedAt:        time.Now().UnixMilli(),
	}
	require.NoError(t, store.InsertGroup(ctx, group))

	return NewDispatcher(engine, coordinator, store, cfg, customTools), engine, store, group
}

func TestAssignStateWritesDeclaredField(t *testing.T) {
	d, engine, _, group := newDispatcherFixture(t, nil)
	ctx := context.Background()

	outcome := d.Dispatch(ctx, Call{
		AgentID:   "dealer",
		GroupID:   group.GroupID,
		Name:      NameAssignState,
		Arguments: json.RawMessage(`{"path": "user_state.deal_reached", "value": true}`),
	})
	require.Empty(t, outcome.Err)
	assert.False(t, outcome.EndTurn)

	sess, _, err := engine.GetSession(ctx, group.MemberSessionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, true, sess.UserState["deal_reached"])
}

func TestAssignStateRejectsUndeclaredField(t *testing.T) {
	d, engine, _, group := newDispatcherFixture(t, nil)
	ctx := context.Background()

	outcome := d.Dispatch(ctx, Call{
		AgentID:   "dealer",
		GroupID:   group.GroupID,
		Name:      NameAssignState,
		Arguments: json.RawMessage(`{"path": "user_state.secret", "value": 1}`),
	})
	assert.NotEmpty(t, outcome.Err)

	sess, _, err := engine.GetSession(ctx, group.MemberSessionIDs[0])
	require.NoError(t, err)
	_, written := sess.UserState["secret"]
	assert.False(t, written)
}

func TestAssignStateRejectsTypeMismatch(t *testing.T) {
	d, _, _, group := newDispatcherFixture(t, nil)

	outcome := d.Dispatch(context.Background(), Call{
		AgentID:   "dealer",
		GroupID:   group.GroupID,
		Name:      NameAssignState,
		Arguments: json.RawMessage(`{"path": "user_state.agreed_price", "value": "twelve thousand"}`),
	})
	assert.NotEmpty(t, outcome.Err)
}

func TestAssignStateRecordsToolErrorEventOnFailure(t *testing.T) {
	d, _, store, group := newDispatcherFixture(t, nil)
	ctx := context.Background()

	d.Dispatch(ctx, Call{
		AgentID:   "dealer",
		GroupID:   group.GroupID,
		Name:      NameAssignState,
		Arguments: json.RawMessage(`{"path": "user_state.secret", "value": 1}`),
	})

	events, err := store.ListEventsAfter(ctx, group.MemberSessionIDs[0], 0)
	require.NoError(t, err)
	var sawToolError bool
	for _, ev := range events {
		if ev.Type == types.EventToolError {
			sawToolError = true
		}
	}
	assert.True(t, sawToolError)
}

func TestEndChatEndsTurnAndDisablesChat(t *testing.T) {
	d, engine, _, group := newDispatcherFixture(t, nil)
	ctx := context.Background()

	outcome := d.Dispatch(ctx, Call{
		AgentID:   "dealer",
		GroupID:   group.GroupID,
		Name:      NameEndChat,
		Arguments: json.RawMessage(`{}`),
	})
	require.Empty(t, outcome.Err)
	assert.True(t, outcome.EndTurn)

	sess, _, err := engine.GetSession(ctx, group.MemberSessionIDs[0])
	require.NoError(t, err)
	assert.True(t, sess.ChatEnded)
}

func TestCustomToolEchoesValidatedArguments(t *testing.T) {
	custom := []types.ToolSpec{{
		Name:        "record_offer",
		Description: "Record an offer amount.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {"amount": {"type": "number"}}, "required": ["amount"]}`),
	}}
	d, _, _, group := newDispatcherFixture(t, custom)

	outcome := d.Dispatch(context.Background(), Call{
		AgentID:   "dealer",
		GroupID:   group.GroupID,
		Name:      "record_offer",
		Arguments: json.RawMessage(`{"amount": 12000}`),
	})
	require.Empty(t, outcome.Err)
	args, ok := outcome.Result.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 12000, args["amount"])
}

func TestCustomToolValidationFailureReturnsError(t *testing.T) {
	custom := []types.ToolSpec{{
		Name:       "record_offer",
		Parameters: json.RawMessage(`{"type": "object", "properties": {"amount": {"type": "number"}}, "required": ["amount"]}`),
	}}
	d, _, _, group := newDispatcherFixture(t, custom)

	outcome := d.Dispatch(context.Background(), Call{
		AgentID:   "dealer",
		GroupID:   group.GroupID,
		Name:      "record_offer",
		Arguments: json.RawMessage(`{"amount": "a lot"}`),
	})
	assert.NotEmpty(t, outcome.Err)
}

func TestUnknownToolIsAnError(t *testing.T) {
	d, _, _, group := newDispatcherFixture(t, nil)
	outcome := d.Dispatch(context.Background(), Call{GroupID: group.GroupID, Name: "frobnicate", Arguments: json.RawMessage(`{}`)})
	assert.NotEmpty(t, outcome.Err)
}

func TestValidateArguments(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"count": {"type": "integer"}
		},
		"required": ["name"]
	}`)

	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"valid", `{"name": "x", "count": 3}`, false},
		{"missing required", `{"count": 3}`, true},
		{"wrong type", `{"name": 5}`, true},
		{"non-integral integer", `{"name": "x", "count": 1.5}`, true},
		{"unexpected property", `{"name": "x", "extra": true}`, true},
		{"not an object", `[1, 2]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArguments(schema, json.RawMessage(tt.args))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
