package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/pairit/pairit/internal/logging"
	"github.com/pairit/pairit/internal/storage"
	"github.com/pairit/pairit/pkg/types"
)

const (
	// subscriberBuffer bounds how many undelivered events a slow
	// subscriber can accumulate before its subscription is dropped; the
	// client recovers by subscribing again with its cursor.
	subscriberBuffer = 64

	// HeartbeatInterval is how often an idle subscription receives a
	// types.EventHeartbeat so the transport layer (SSE) can detect a
	// dead connection before IdleTimeout.
	HeartbeatInterval = 30 * time.Second

	// IdleTimeout tears down a subscription that has gone this long
	// without any caller activity (the caller renews it implicitly by
	// keeping the returned channel being read).
	IdleTimeout = 5 * time.Minute
)

// Hub is the push-stream hub: per-session fanout of types.Event to
// subscribers, with replay-on-resume backed by storage. Live delivery
// rides watermill's gochannel, one topic per session; each subscription's
// pump drains its topic into the caller's buffered channel so publishers
// never wait on a slow consumer.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscription
	nextID uint64

	store  *storage.Storage
	pubsub *gochannel.GoChannel
}

type subscription struct {
	ch chan types.Event
}

// NewHub creates a push-stream hub backed by store for replay.
func NewHub(store *storage.Storage) *Hub {
	return &Hub{
		subs:  make(map[string]map[uint64]*subscription),
		store: store,
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: subscriberBuffer},
			watermill.NopLogger{},
		),
	}
}

func sessionTopic(sessionID string) string { return "session." + sessionID }

// Subscribe registers a live subscriber for sessionID and replays every
// persisted event with sequence > afterSequence before live delivery, so
// a reconnecting client never misses events that were published while it
// was offline. The topic subscription is opened before the backlog is
// read, so an event published in between is seen twice by the pump, never
// zero times; the pump dedupes by sequence. The returned channel is
// closed, and the subscription removed, when the returned cancel func is
// called, the parent ctx is done, or the subscription goes idle for
// longer than IdleTimeout.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, afterSequence int64) (<-chan types.Event, context.CancelFunc, error) {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := h.pubsub.Subscribe(subCtx, sessionTopic(sessionID))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	backlog, err := h.store.ListEventsAfter(ctx, sessionID, afterSequence)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	ch := make(chan types.Event, subscriberBuffer)
	sub := &subscription{ch: ch}

	id := atomic.AddUint64(&h.nextID, 1)
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[uint64]*subscription)
	}
	h.subs[sessionID][id] = sub
	h.mu.Unlock()

	removeFn := func() {
		h.mu.Lock()
		if bySession, ok := h.subs[sessionID]; ok {
			delete(bySession, id)
			if len(bySession) == 0 {
				delete(h.subs, sessionID)
			}
		}
		h.mu.Unlock()
		close(ch)
	}

	go h.pump(subCtx, sessionID, afterSequence, backlog, msgs, sub, removeFn)

	return ch, cancel, nil
}

// pump delivers the replayed backlog first, then shovels the session
// topic into the subscriber channel until the subscription is cancelled
// or goes idle. Durable events already covered by the backlog are
// dropped by sequence; ephemeral events (heartbeats, typing, deltas)
// carry no sequence and always pass.
func (h *Hub) pump(ctx context.Context, sessionID string, afterSequence int64, backlog []types.Event, msgs <-chan *message.Message, sub *subscription, removeFn func()) {
	defer removeFn()

	delivered := afterSequence
	for _, ev := range backlog {
		select {
		case sub.ch <- ev:
			delivered = ev.Sequence
		case <-ctx.Done():
			return
		}
	}

	idle := time.NewTimer(IdleTimeout)
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer idle.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			logging.Warn().Str("sessionId", sessionID).Msg("push stream subscription idle timeout")
			return
		case <-heartbeat.C:
			if len(sub.ch) > 0 {
				// Earlier deliveries are still unread: the caller is not
				// reading, so the idle timer keeps running.
				continue
			}
			select {
			case sub.ch <- types.Event{SessionID: sessionID, Type: types.EventHeartbeat, Timestamp: time.Now().UnixMilli()}:
			default:
			}
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var ev types.Event
			err := json.Unmarshal(m.Payload, &ev)
			m.Ack()
			if err != nil {
				logging.Warn().Err(err).Str("sessionId", sessionID).Msg("push stream message decode failed")
				break
			}
			if ev.Sequence > 0 && ev.Sequence <= delivered {
				break // already replayed from the durable log
			}
			select {
			case sub.ch <- ev:
				if ev.Sequence > 0 {
					delivered = ev.Sequence
				}
			default:
				// Slow consumer: drop the subscription; nothing is lost
				// because every sequenced event is durable.
				logging.Warn().Str("sessionId", sessionID).Int64("sequence", ev.Sequence).Msg("push stream subscriber full, dropping subscription")
				return
			}
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(IdleTimeout)
	}
}

// Publish fans event out to the session's topic. Persistence happens
// upstream in internal/session.Engine; Publish is best-effort delivery to
// currently-connected subscribers only. With no subscriber on the topic
// the message is discarded, which is fine: a later Subscribe with a cursor
// replays it from the durable log.
func (h *Hub) Publish(sessionID string, ev types.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.Warn().Err(err).Str("sessionId", sessionID).Msg("push stream event marshal failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := h.pubsub.Publish(sessionTopic(sessionID), msg); err != nil {
		logging.Warn().Err(err).Str("sessionId", sessionID).Int64("sequence", ev.Sequence).Msg("push stream publish failed")
	}
}

// SubscriberCount reports the number of live subscriptions for a
// session, used by the idle sweeper, diagnostics and tests.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Close shuts down the watermill transport, terminating every topic
// subscription; pumps observe their closed message channels and unwind.
func (h *Hub) Close() error {
	return h.pubsub.Close()
}
