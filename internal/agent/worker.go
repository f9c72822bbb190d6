package agent

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/pairit/pairit/internal/chat"
	"github.com/pairit/pairit/internal/logging"
	"github.com/pairit/pairit/internal/provider"
	"github.com/pairit/pairit/internal/session"
	"github.com/pairit/pairit/internal/tool"
	"github.com/pairit/pairit/pkg/types"
)

// unavailableNotice is the one-line system chat message participants see
// when the agent's provider fails for a turn.
const unavailableNotice = "The assistant is unavailable; the conversation can continue."

// worker is one agent's presence in one group's chat room.
type worker struct {
	runtime    *Runtime
	group      *types.Group
	config     *types.ExperimentConfig
	agent      *types.AgentConfig
	dispatcher *tool.Dispatcher

	trigger chan struct{}
	cancel  context.CancelFunc

	mu       sync.Mutex
	failures int
	dormant  bool
}

// poke requests a turn. The buffered channel coalesces bursts: several
// participant messages arriving mid-turn produce exactly one follow-up
// turn over the then-current history.
func (w *worker) poke() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
		}
		w.mu.Lock()
		dormant := w.dormant
		w.mu.Unlock()
		if dormant {
			continue
		}
		w.runTurn(ctx)
	}
}

// newRetryBackoff builds the provider-retry policy for one turn.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)
}

// runTurn executes one agent turn: transcript -> streaming completion ->
// deltas -> final message or tool dispatch, with tool-result continuation
// until the model stops calling tools or ends the chat.
func (w *worker) runTurn(ctx context.Context) {
	prov, modelID, err := w.runtime.providers.ResolveModel(w.agent.Model)
	if err != nil {
		logging.Error().Err(err).Str("agentId", w.agent.ID).Msg("agent model unresolvable")
		w.recordFailure(ctx, "model unresolvable: "+err.Error())
		return
	}

	history, err := w.runtime.store.ListChatMessages(ctx, w.group.GroupID, 0)
	if err != nil {
		w.recordFailure(ctx, "history unavailable: "+err.Error())
		return
	}
	messages := provider.BuildTranscript(w.agent.System, w.agent.ID, history)
	tools := einoTools(w.dispatcher.Definitions())

	retryBackoff := newRetryBackoff(ctx)
	malformedRetries := 0

	for step := 0; step < MaxToolSteps; step++ {
		turnCtx, cancelTurn := context.WithTimeout(ctx, TurnTimeout)
		result, err := w.streamOnce(turnCtx, prov, modelID, messages, tools)
		cancelTurn()
		if err != nil {
			next := retryBackoff.NextBackOff()
			if next == backoff.Stop {
				w.failTurn(ctx, err)
				return
			}
			time.Sleep(next)
			continue
		}
		retryBackoff.Reset()

		if len(result.toolCalls) == 0 {
			text := strings.TrimSpace(result.content)
			if text != "" {
				if _, err := w.runtime.chat.SendMessage(ctx, w.group.GroupID, chat.SenderAgent, w.agent.ID, text, ""); err != nil {
					logging.Warn().Err(err).Str("agentId", w.agent.ID).Msg("agent message persist failed")
				}
			}
			w.resetFailures()
			return
		}

		// The model called tools: dispatch each and either stop (end_chat)
		// or continue the loop with the results appended.
		assistantMsg := &schema.Message{Role: schema.Assistant, Content: result.content, ToolCalls: result.toolCalls}
		messages = append(messages, assistantMsg)

		var ended bool
		for _, tc := range result.toolCalls {
			outcome := w.dispatcher.Dispatch(ctx, tool.Call{
				AgentID:   w.agent.ID,
				GroupID:   w.group.GroupID,
				Name:      tc.Function.Name,
				CallID:    tc.ID,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
			if outcome.Err != "" {
				malformedRetries++
				if malformedRetries > 1 {
					// One retry allowed on malformed calls; after that the
					// turn is dropped.
					w.failTurn(ctx, errToolRepeated{outcome.Err})
					return
				}
			}
			messages = append(messages, toolResultMessage(tc.ID, outcome))
			if outcome.EndTurn {
				ended = true
			}
		}
		if ended {
			w.resetFailures()
			return
		}
	}
	logging.Warn().Str("agentId", w.agent.ID).Str("groupId", w.group.GroupID).Int("maxSteps", MaxToolSteps).Msg("agent turn hit tool-step limit")
}

type errToolRepeated struct{ msg string }

func (e errToolRepeated) Error() string { return "repeated malformed tool call: " + e.msg }

// streamResult is what one streamed completion produced.
type streamResult struct {
	content   string
	toolCalls []schema.ToolCall
}

// streamOnce issues a single streaming completion and fans content deltas
// out to every member as ephemeral agent_message_delta events. Tool-call
// argument fragments are accumulated by call index, the way Eino chunks
// them.
func (w *worker) streamOnce(ctx context.Context, prov provider.Provider, modelID string, messages []*schema.Message, tools []*schema.ToolInfo) (*streamResult, error) {
	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model:    modelID,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var content strings.Builder
	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	calls := make(map[int]*partialCall)
	maxIndex := -1

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if msg.Content != "" {
			content.WriteString(msg.Content)
			w.publishDelta(msg.Content)
		}
		for _, tc := range msg.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc, ok := calls[idx]
			if !ok {
				pc = &partialCall{}
				calls[idx] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
			if idx > maxIndex {
				maxIndex = idx
			}
		}
	}

	result := &streamResult{content: content.String()}
	for idx := 0; idx <= maxIndex; idx++ {
		pc, ok := calls[idx]
		if !ok {
			continue
		}
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		result.toolCalls = append(result.toolCalls, schema.ToolCall{
			ID:       pc.id,
			Function: schema.FunctionCall{Name: pc.name, Arguments: args},
		})
	}
	return result, nil
}

// publishDelta sends one partial-text chunk to every member's push
// stream. Deltas are never persisted; a reconnecting client recovers the
// full text from the final agent_message event instead.
func (w *worker) publishDelta(chunk string) {
	data := types.AgentMessageDeltaData{AgentID: w.agent.ID, GroupID: w.group.GroupID, Chunk: chunk}
	for _, memberID := range w.group.MemberSessionIDs {
		w.runtime.hub.Publish(memberID, types.Event{
			SessionID: memberID,
			Type:      types.EventAgentMessageDelta,
			Timestamp: time.Now().UnixMilli(),
			Data:      data,
		})
	}
}

func toolResultMessage(callID string, outcome tool.Outcome) *schema.Message {
	var content string
	if outcome.Err != "" {
		content = "error: " + outcome.Err
	} else {
		data, err := json.Marshal(outcome.Result)
		if err != nil {
			content = "ok"
		} else {
			content = string(data)
		}
	}
	return &schema.Message{Role: schema.Tool, ToolCallID: callID, Content: content}
}

// failTurn absorbs a provider failure: participants get a one-line system
// notice, the session logs get an agent_error event, and repeated
// consecutive failures park the agent.
func (w *worker) failTurn(ctx context.Context, cause error) {
	logging.Error().Err(cause).Str("agentId", w.agent.ID).Str("groupId", w.group.GroupID).Msg("agent turn failed")
	if _, err := w.runtime.chat.SendMessage(ctx, w.group.GroupID, chat.SenderSystem, w.agent.ID, unavailableNotice, ""); err != nil {
		logging.Warn().Err(err).Msg("agent unavailability notice failed")
	}
	w.recordFailure(ctx, cause.Error())
}

func (w *worker) recordFailure(ctx context.Context, detail string) {
	data := map[string]any{"agentId": w.agent.ID, "groupId": w.group.GroupID, "error": detail}
	for _, memberID := range w.group.MemberSessionIDs {
		_ = w.runtime.engine.ApplyServerEvent(ctx, memberID, session.ServerEvent{Type: types.EventAgentError, Data: data})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures++
	if w.failures >= DormancyThreshold && !w.dormant {
		w.dormant = true
		logging.Warn().Str("agentId", w.agent.ID).Str("groupId", w.group.GroupID).Int("failures", w.failures).Msg("agent marked dormant for group")
	}
}

func (w *worker) resetFailures() {
	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()
}

// einoTools converts the dispatcher's definitions to Eino tool infos.
func einoTools(defs []tool.Definition) []*schema.ToolInfo {
	infos := make([]provider.ToolInfo, len(defs))
	for i, d := range defs {
		infos[i] = provider.ToolInfo{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return provider.ConvertToEinoTools(infos)
}
