// Package chat is the per-group coordinator that
// sequences human, agent and system messages into a chat room, persists
// them under a per-group monotonic sequence and fans the corresponding
// events out to every member session. Delivery of a sender's own message
// goes through the push stream, never the POST response, so every member
// observes the identical total order.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pairit/pairit/internal/apperr"
	"github.com/pairit/pairit/internal/logging"
	"github.com/pairit/pairit/internal/session"
	"github.com/pairit/pairit/internal/storage"
	"github.com/pairit/pairit/pkg/types"
)

// DefaultMaxBodyLength bounds a single chat message body.
const DefaultMaxBodyLength = 4000

// SenderKind values for SendMessage.
const (
	SenderParticipant = "participant"
	SenderAgent       = "agent"
	SenderSystem      = "system"
)

// SessionApplier is the coordinator's view of the session engine.
type SessionApplier interface {
	ApplyServerEvent(ctx context.Context, sessionID string, se session.ServerEvent) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, *types.Page, error)
}

// Publisher delivers ephemeral (non-persisted) events, used only for
// typing indicators.
type Publisher interface {
	Publish(sessionID string, event types.Event)
}

// Listener observes every persisted chat message, in group-sequence
// order. The agent runtime registers one per process to wake agent
// workers on new participant messages.
type Listener func(msg *types.ChatMessage)

// Coordinator owns message ordering and fan-out for all groups.
type Coordinator struct {
	store  *storage.Storage
	engine SessionApplier
	hub    Publisher

	maxBodyLength int

	mu        sync.RWMutex
	listeners []Listener
}

// New constructs a Coordinator.
func New(store *storage.Storage, engine SessionApplier, hub Publisher) *Coordinator {
	return &Coordinator{
		store:         store,
		engine:        engine,
		hub:           hub,
		maxBodyLength: DefaultMaxBodyLength,
	}
}

// AddListener registers a message observer. Listeners run synchronously
// after the message is persisted and fanned out.
func (c *Coordinator) AddListener(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) notify(msg *types.ChatMessage) {
	c.mu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(msg)
	}
}

func isMember(g *types.Group, sessionID string) bool {
	for _, id := range g.MemberSessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}

// SendMessage validates, persists and broadcasts one message. For
// participant senders, senderID is the sending session's id and
// membership is enforced; agent and system senders are server-originated
// and trusted. The returned message carries its assigned group sequence.
func (c *Coordinator) SendMessage(ctx context.Context, groupID, senderKind, senderID, body, idempotencyKey string) (*types.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.New(apperr.CodeInvalidEvent, "message body is empty")
	}
	if len(body) > c.maxBodyLength {
		return nil, apperr.New(apperr.CodeInvalidEvent, "message body exceeds length limit")
	}

	group, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, apperr.New(apperr.CodeNotFound, "group not found")
	}
	if senderKind == SenderParticipant {
		if !isMember(group, senderID) {
			return nil, apperr.New(apperr.CodeForbidden, "sender is not a member of this group")
		}
		sess, _, err := c.engine.GetSession(ctx, senderID)
		if err != nil {
			return nil, err
		}
		if sess.Status != types.SessionActive || sess.ChatEnded || group.ChatEnded {
			return nil, apperr.New(apperr.CodeGone, "chat has ended")
		}
		if idempotencyKey != "" {
			if _, _, found, err := c.store.CheckIdempotency(ctx, senderID, idempotencyKey); err == nil && found {
				return c.findByIdempotencyKey(ctx, groupID, idempotencyKey)
			}
		}
	} else if group.ChatEnded {
		return nil, apperr.New(apperr.CodeGone, "chat has ended")
	}

	msg := &types.ChatMessage{
		MessageID:      "msg_" + ulid.Make().String(),
		GroupID:        groupID,
		SenderKind:     senderKind,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      time.Now().UnixMilli(),
		IdempotencyKey: idempotencyKey,
	}
	msg, err = c.store.AppendChatMessage(ctx, groupID, msg)
	if err != nil {
		return nil, apperr.New(apperr.CodeInternal, err.Error())
	}
	if senderKind == SenderParticipant && idempotencyKey != "" {
		if err := c.store.RecordIdempotency(ctx, senderID, idempotencyKey, msg.Sequence, nil); err != nil {
			logging.Warn().Err(err).Str("groupId", groupID).Msg("chat idempotency record failed")
		}
	}

	c.broadcast(ctx, group, msg, eventTypeFor(senderKind))
	c.notify(msg)
	return msg, nil
}

func eventTypeFor(senderKind string) types.EventType {
	if senderKind == SenderAgent {
		return types.EventAgentMessage
	}
	return types.EventChatMessage
}

// broadcast appends a chat event to every member session's log (which
// also publishes it over the push stream).
func (c *Coordinator) broadcast(ctx context.Context, group *types.Group, msg *types.ChatMessage, eventType types.EventType) {
	data := types.ChatMessageData{
		MessageID:     msg.MessageID,
		GroupID:       msg.GroupID,
		SenderKind:    msg.SenderKind,
		SenderID:      msg.SenderID,
		Body:          msg.Body,
		GroupSequence: msg.Sequence,
	}
	for _, memberID := range group.MemberSessionIDs {
		err := c.engine.ApplyServerEvent(ctx, memberID, session.ServerEvent{Type: eventType, Data: data})
		if err != nil {
			logging.Warn().Err(err).Str("groupId", group.GroupID).Str("sessionId", memberID).Msg("chat broadcast to member failed")
		}
	}
}

// findByIdempotencyKey resolves an idempotent replay to the original
// message so the caller gets the same response body both times.
func (c *Coordinator) findByIdempotencyKey(ctx context.Context, groupID, key string) (*types.ChatMessage, error) {
	msgs, err := c.store.ListChatMessages(ctx, groupID, 0)
	if err != nil {
		return nil, apperr.New(apperr.CodeInternal, err.Error())
	}
	for i := range msgs {
		if msgs[i].IdempotencyKey == key {
			return &msgs[i], nil
		}
	}
	return nil, apperr.New(apperr.CodeNotFound, "replayed message not found")
}

// ReplayHistory returns all messages with sequence > afterSequence, in
// order, for clients re-entering a chat.
func (c *Coordinator) ReplayHistory(ctx context.Context, groupID string, afterSequence int64) ([]types.ChatMessage, error) {
	if _, err := c.store.GetGroup(ctx, groupID); err != nil {
		return nil, apperr.New(apperr.CodeNotFound, "group not found")
	}
	msgs, err := c.store.ListChatMessages(ctx, groupID, afterSequence)
	if err != nil {
		return nil, apperr.New(apperr.CodeInternal, err.Error())
	}
	return msgs, nil
}

// Typing broadcasts an ephemeral typing indicator to every member except
// the typist. Nothing is persisted.
func (c *Coordinator) Typing(ctx context.Context, groupID, senderID string) error {
	group, err := c.store.GetGroup(ctx, groupID)
	if err != nil {
		return apperr.New(apperr.CodeNotFound, "group not found")
	}
	for _, memberID := range group.MemberSessionIDs {
		if memberID == senderID {
			continue
		}
		c.hub.Publish(memberID, types.Event{
			SessionID: memberID,
			Type:      types.EventTyping,
			Timestamp: time.Now().UnixMilli(),
			Data:      map[string]any{"groupId": groupID, "senderId": senderID},
		})
	}
	return nil
}

// EndChat marks a group's chat terminal: the group document is flagged,
// each member session's chat is disabled, and every member receives a
// chat_ended event. Subsequent SendMessage calls fail with gone. Invoked
// by the agent runtime's end_chat tool dispatch.
func (c *Coordinator) EndChat(ctx context.Context, groupID, agentID string) error {
	group, err := c.store.UpdateGroup(ctx, groupID, func(g *types.Group) error {
		g.ChatEnded = true
		if g.ClosedAt == nil {
			now := time.Now().UnixMilli()
			g.ClosedAt = &now
		}
		return nil
	})
	if err != nil {
		return apperr.New(apperr.CodeNotFound, "group not found")
	}
	for _, memberID := range group.MemberSessionIDs {
		err := c.engine.ApplyServerEvent(ctx, memberID, session.ServerEvent{
			Type:      types.EventChatEnded,
			Data:      map[string]any{"groupId": groupID, "agentId": agentID},
			ChatEnded: true,
		})
		if err != nil {
			logging.Warn().Err(err).Str("groupId", groupID).Str("sessionId", memberID).Msg("chat end notify failed")
		}
	}
	return nil
}
