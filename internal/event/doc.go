/*
Package event implements the push-stream hub: a per-session
fanout of types.Event records to subscribed clients, with replay-from-cursor
resume and periodic heartbeats.

# Architecture

Live delivery rides watermill's gochannel with one topic per session:
Publish marshals the event onto the session's topic, and every
subscription runs a pump goroutine that drains its topic subscription
into the caller's buffered channel, deduping against the replayed
backlog by sequence. A subscriber-set registry is kept alongside for
SubscriberCount (the idle sweeper's liveness check).
Persistence is not the hub's job: internal/session.Engine already appends
events to internal/storage before calling Publish, so Publish is a
best-effort, at-least-once fanout to whoever is currently subscribed. A
subscriber that was offline when an event was published recovers it by
reconnecting with Subscribe's cursor argument, which replays everything
after that sequence from storage before live events start flowing.

# Basic usage

	hub := event.NewHub(store)

	ch, cancel, err := hub.Subscribe(ctx, sessionID, lastSeenSequence)
	if err != nil { ... }
	defer cancel()
	for ev := range ch {
		// ev.Type == types.EventHeartbeat marks a liveness ping, not a
		// session event; forward everything else to the client.
	}

	hub.Publish(sessionID, ev) // called by internal/session.Engine

# Delivery guarantees

Each subscription has a bounded channel. A slow consumer that doesn't
drain fast enough has its subscription dropped rather than blocking the
publisher; nothing is lost, because the client reconnects with a cursor
and storage retains the full event log. Subscriptions idle for longer
than IdleTimeout are torn down automatically.

# Thread safety

Hub is safe for concurrent use from multiple goroutines.
*/
package event
