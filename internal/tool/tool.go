// Package tool is the agent-runtime tool layer: the built-in end_chat
// and assign_state tools, experimenter-declared custom tools with
// JSON-Schema-checked arguments, and the dispatcher that turns a model's
// tool call into session-engine effects.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pairit/pairit/internal/session"
	"github.com/pairit/pairit/pkg/types"
)

// Built-in tool names, always available to every agent.
const (
	NameEndChat     = "end_chat"
	NameAssignState = "assign_state"
)

// Definition describes one tool as presented to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema
}

// BuiltinDefinitions returns the definitions for end_chat and
// assign_state.
func BuiltinDefinitions() []Definition {
	return []Definition{
		{
			Name:        NameEndChat,
			Description: "End the chat for all participants. Call this when the conversation has reached its natural conclusion. Takes no parameters.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        NameAssignState,
			Description: "Write a value into a participant's declared state. The path must name a declared user_state field, e.g. user_state.deal_reached.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Dotted path starting with user_state."},
					"value": {"description": "The value to assign; must match the field's declared type."},
					"sessionId": {"type": "string", "description": "Optional member session to scope the write to; defaults to all group members."}
				},
				"required": ["path", "value"]
			}`),
		},
	}
}

// Call is one model-invoked tool call, scoped to the group the invoking
// agent participates in.
type Call struct {
	AgentID   string
	GroupID   string
	Name      string
	CallID    string
	Arguments json.RawMessage
}

// Outcome is what a dispatch produces. Result goes back to the model as
// the tool result; Err is a validation or execution failure the model may
// retry on; EndTurn signals the worker to stop requesting completions
// (end_chat).
type Outcome struct {
	Result  any
	Err     string
	EndTurn bool
}

// SessionApplier is the dispatcher's view of the session engine.
type SessionApplier interface {
	ApplyServerEvent(ctx context.Context, sessionID string, se session.ServerEvent) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, *types.Page, error)
}

// ChatEnder is the dispatcher's view of the chat coordinator.
type ChatEnder interface {
	EndChat(ctx context.Context, groupID, agentID string) error
}

// GroupReader resolves a group's membership.
type GroupReader interface {
	GetGroup(ctx context.Context, groupID string) (*types.Group, error)
}

// Dispatcher executes tool calls against the session engine and chat
// coordinator. Invalid calls produce a tool_error outcome returned to the
// model, never a participant-visible failure.
type Dispatcher struct {
	engine SessionApplier
	chat   ChatEnder
	groups GroupReader
	config *types.ExperimentConfig
	custom map[string]types.ToolSpec
}

// NewDispatcher builds a dispatcher for one agent's tool surface within
// one experiment config.
func NewDispatcher(engine SessionApplier, chat ChatEnder, groups GroupReader, cfg *types.ExperimentConfig, customTools []types.ToolSpec) *Dispatcher {
	custom := make(map[string]types.ToolSpec, len(customTools))
	for _, t := range customTools {
		custom[t.Name] = t
	}
	return &Dispatcher{engine: engine, chat: chat, groups: groups, config: cfg, custom: custom}
}

// Definitions returns every tool this dispatcher serves, builtins first.
func (d *Dispatcher) Definitions() []Definition {
	defs := BuiltinDefinitions()
	for _, t := range d.custom {
		defs = append(defs, Definition{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return defs
}

// Dispatch executes one tool call and records a tool_call event on every
// member session.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Outcome {
	var outcome Outcome
	switch call.Name {
	case NameEndChat:
		outcome = d.dispatchEndChat(ctx, call)
	case NameAssignState:
		outcome = d.dispatchAssignState(ctx, call, call.Arguments)
	default:
		spec, ok := d.custom[call.Name]
		if !ok {
			outcome = Outcome{Err: fmt.Sprintf("unknown tool %q", call.Name)}
			break
		}
		outcome = d.dispatchCustom(ctx, call, spec)
	}

	d.recordToolCall(ctx, call, outcome)
	return outcome
}

func (d *Dispatcher) recordToolCall(ctx context.Context, call Call, outcome Outcome) {
	group, err := d.groups.GetGroup(ctx, call.GroupID)
	if err != nil {
		return
	}
	var args any
	_ = json.Unmarshal(call.Arguments, &args)
	eventType := types.EventToolCall
	if outcome.Err != "" {
		eventType = types.EventToolError
	}
	data := types.ToolCallData{
		AgentID:   call.AgentID,
		Tool:      call.Name,
		Arguments: args,
		Result:    outcome.Result,
		Error:     outcome.Err,
	}
	for _, memberID := range group.MemberSessionIDs {
		_ = d.engine.ApplyServerEvent(ctx, memberID, session.ServerEvent{Type: eventType, Data: data})
	}
}

func (d *Dispatcher) dispatchEndChat(ctx context.Context, call Call) Outcome {
	if err := d.chat.EndChat(ctx, call.GroupID, call.AgentID); err != nil {
		return Outcome{Err: err.Error()}
	}
	return Outcome{Result: "chat ended", EndTurn: true}
}

type assignStateArgs struct {
	Path      string          `json:"path"`
	Value     json.RawMessage `json:"value"`
	SessionID string          `json:"sessionId,omitempty"`
}

func (d *Dispatcher) dispatchAssignState(ctx context.Context, call Call, rawArgs json.RawMessage) Outcome {
	var args assignStateArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return Outcome{Err: "malformed arguments: " + err.Error()}
	}
	if !strings.HasPrefix(args.Path, "user_state.") {
		return Outcome{Err: fmt.Sprintf("path %q must start with user_state.", args.Path)}
	}
	field := strings.TrimPrefix(args.Path, "user_state.")
	schema, declared := d.config.UserStateSchema[field]
	if !declared {
		return Outcome{Err: fmt.Sprintf("no declared user_state field %q", field)}
	}
	var value any
	if err := json.Unmarshal(args.Value, &value); err != nil {
		return Outcome{Err: "malformed value: " + err.Error()}
	}
	if !valueMatchesSchema(value, schema) {
		return Outcome{Err: fmt.Sprintf("value for %q does not match declared type %q", field, schema.Type)}
	}

	group, err := d.groups.GetGroup(ctx, call.GroupID)
	if err != nil {
		return Outcome{Err: "group not found"}
	}
	targets := group.MemberSessionIDs
	if args.SessionID != "" {
		if !contains(group.MemberSessionIDs, args.SessionID) {
			return Outcome{Err: fmt.Sprintf("session %q is not a member of this group", args.SessionID)}
		}
		targets = []string{args.SessionID}
	}

	for _, sessionID := range targets {
		sess, _, err := d.engine.GetSession(ctx, sessionID)
		if err != nil {
			return Outcome{Err: "member session unavailable"}
		}
		before := sess.UserState[field]
		err = d.engine.ApplyServerEvent(ctx, sessionID, session.ServerEvent{
			Type:        types.EventStateUpdated,
			Data:        types.StateUpdatedData{Deltas: []types.StateDelta{{Path: args.Path, Before: before, After: value}}},
			StateWrites: []types.StateDelta{{Path: args.Path, Before: before, After: value}},
		})
		if err != nil {
			return Outcome{Err: "state write failed"}
		}
	}
	return Outcome{Result: map[string]any{"path": args.Path, "applied": len(targets)}}
}

// dispatchCustom validates the arguments against the tool's declared JSON
// Schema. If the declared shape matches the assign_state pattern (a path
// string plus a value), the server performs the corresponding state
// write; otherwise the validated arguments are echoed back as the tool
// result with no server-side effect.
func (d *Dispatcher) dispatchCustom(ctx context.Context, call Call, spec types.ToolSpec) Outcome {
	if err := ValidateArguments(spec.Parameters, call.Arguments); err != nil {
		return Outcome{Err: err.Error()}
	}
	if isAssignStateShaped(spec.Parameters) {
		return d.dispatchAssignState(ctx, call, call.Arguments)
	}
	var args any
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return Outcome{Err: "malformed arguments: " + err.Error()}
	}
	return Outcome{Result: args}
}

// isAssignStateShaped reports whether a custom tool's schema declares
// exactly the assign_state parameter pattern.
func isAssignStateShaped(schemaJSON json.RawMessage) bool {
	var s struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schemaJSON, &s); err != nil {
		return false
	}
	_, hasPath := s.Properties["path"]
	_, hasValue := s.Properties["value"]
	return hasPath && hasValue
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func valueMatchesSchema(val any, schema types.FieldSchema) bool {
	switch schema.Type {
	case "int":
		switch v := val.(type) {
		case float64:
			return v == float64(int64(v))
		case int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := val.(bool)
		return ok
	case "string":
		_, ok := val.(string)
		return ok
	case "enum":
		s, ok := val.(string)
		if !ok {
			return false
		}
		for _, e := range schema.Enum {
			if e == s {
				return true
			}
		}
		return false
	case "object":
		_, ok := val.(map[string]any)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	default:
		return true
	}
}
