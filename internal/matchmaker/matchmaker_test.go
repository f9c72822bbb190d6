package matchmaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairit/pairit/internal/apperr"
	"github.com/pairit/pairit/internal/compiler"
	"github.com/pairit/pairit/internal/event"
	"github.com/pairit/pairit/internal/session"
	"github.com/pairit/pairit/internal/storage"
	"github.com/pairit/pairit/pkg/types"
)

const pairDoc = `{
  "configId": "pair-study",
  "initialPageId": "intro",
  "userStateSchema": {
    "group_id": {"type": "string"},
    "treatment": {"type": "enum", "enum": ["c1", "c2"]}
  },
  "matchmaking": [
    {"poolId": "p", "numUsers": 2, "timeoutSeconds": 60, "conditions": ["c1", "c2"], "timeoutTarget": "timed_out"}
  ],
  "pages": [
    {
      "id": "intro",
      "buttons": [{"id": "go", "action": {"target": "waiting"}}]
    },
    {
      "id": "waiting",
      "components": [{"type": "matchmaking", "props": {"poolId": "p"}}],
      "buttons": [{"id": "leave", "action": {"target": "done"}}]
    },
    {"id": "timed_out", "end": true},
    {"id": "done", "end": true}
  ]
}`

func newFixture(t *testing.T) (*Matchmaker, *session.Engine, *storage.Storage, *types.ExperimentConfig) {
	t.Helper()
	store := storage.New(t.TempDir())
	cfg, _, err := compiler.Compile([]byte(pairDoc))
	require.NoError(t, err)
	require.NoError(t, store.InsertConfig(context.Background(), cfg))

	hub := event.NewHub(store)
	engine := session.New(store, hub)
	mm := New(store, engine)
	engine.SetMatchmaker(mm)
	t.Cleanup(mm.Close)
	return mm, engine, store, cfg
}

// startWaiting creates a session and advances it onto the matchmaking page
// (which enqueues it as part of the transition).
func startWaiting(t *testing.T, engine *session.Engine, configID string) *types.Session {
	t.Helper()
	sess, _, err := engine.StartSession(context.Background(), configID, "")
	require.NoError(t, err)
	_, _, err = engine.Advance(context.Background(), sess.SessionID, session.ClientEvent{Type: "button_click", ButtonID: "go"}, "")
	require.NoError(t, err)
	return sess
}

func waitForGroup(t *testing.T, engine *session.Engine, sessionID string) *types.Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, _, err := engine.GetSession(context.Background(), sessionID)
		require.NoError(t, err)
		if sess.GroupID != "" {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s was never matched", sessionID)
	return nil
}

func TestTwoSessionsFormAGroupWithTreatment(t *testing.T) {
	mm, engine, store, cfg := newFixture(t)
	mm.SetPicker(func(n int) int { return 0 })

	a := startWaiting(t, engine, cfg.ConfigID)
	b := startWaiting(t, engine, cfg.ConfigID)

	matchedA := waitForGroup(t, engine, a.SessionID)
	matchedB := waitForGroup(t, engine, b.SessionID)

	assert.Equal(t, matchedA.GroupID, matchedB.GroupID)
	assert.Equal(t, matchedA.GroupID, matchedA.UserState["group_id"])
	assert.Equal(t, matchedA.UserState["treatment"], matchedB.UserState["treatment"])

	group, err := store.GetGroup(context.Background(), matchedA.GroupID)
	require.NoError(t, err)
	assert.Len(t, group.MemberSessionIDs, 2)
	assert.Contains(t, group.MemberSessionIDs, a.SessionID)
	assert.Contains(t, group.MemberSessionIDs, b.SessionID)
	assert.NotEmpty(t, group.Treatment)

	assert.False(t, mm.Waiting(a.SessionID))
	assert.False(t, mm.Waiting(b.SessionID))
}

func TestTreatmentAssignmentStaysBalanced(t *testing.T) {
	mm, engine, store, cfg := newFixture(t)
	mm.SetPicker(func(n int) int { return 0 })

	var sessions []*types.Session
	for i := 0; i < 8; i++ {
		sessions = append(sessions, startWaiting(t, engine, cfg.ConfigID))
	}
	for _, s := range sessions {
		waitForGroup(t, engine, s.SessionID)
	}

	ps, err := store.GetOrInitPool(context.Background(), cfg.ConfigID, "p")
	require.NoError(t, err)
	diff := ps.Histogram["c1"] - ps.Histogram["c2"]
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, 1, "per-condition counts must differ by at most 1")
	assert.Equal(t, 4, ps.Histogram["c1"]+ps.Histogram["c2"])
	assert.Empty(t, ps.Queue)
}

func TestEnqueueSameSessionTwiceConflicts(t *testing.T) {
	mm, engine, _, cfg := newFixture(t)

	sess := startWaiting(t, engine, cfg.ConfigID)
	err := mm.Enqueue(context.Background(), sess.SessionID, cfg.ConfigID, "p")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeMatchmakingConflict, apperr.CodeOf(err))
}

func TestEnqueueRejectsSessionAlreadyInGroup(t *testing.T) {
	mm, engine, _, cfg := newFixture(t)
	mm.SetPicker(func(n int) int { return 0 })

	a := startWaiting(t, engine, cfg.ConfigID)
	b := startWaiting(t, engine, cfg.ConfigID)
	waitForGroup(t, engine, a.SessionID)
	waitForGroup(t, engine, b.SessionID)

	err := mm.Enqueue(context.Background(), a.SessionID, cfg.ConfigID, "p")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeMatchmakingConflict, apperr.CodeOf(err))
}

func TestCancelRemovesEntry(t *testing.T) {
	mm, engine, store, cfg := newFixture(t)

	sess := startWaiting(t, engine, cfg.ConfigID)
	require.True(t, mm.Waiting(sess.SessionID))

	require.NoError(t, mm.CancelSession(context.Background(), sess.SessionID))
	assert.False(t, mm.Waiting(sess.SessionID))

	ps, err := store.GetOrInitPool(context.Background(), cfg.ConfigID, "p")
	require.NoError(t, err)
	assert.Empty(t, ps.Queue)
}

func TestAdvancingToTerminalPageCancelsPoolEntry(t *testing.T) {
	mm, engine, store, cfg := newFixture(t)

	sess := startWaiting(t, engine, cfg.ConfigID)
	require.True(t, mm.Waiting(sess.SessionID))

	// Leaving the matchmaking page for a terminal page ends the session
	// and releases its queue slot.
	_, _, err := engine.Advance(context.Background(), sess.SessionID, session.ClientEvent{Type: "button_click", ButtonID: "leave"}, "")
	require.NoError(t, err)

	assert.False(t, mm.Waiting(sess.SessionID))
	ps, err := store.GetOrInitPool(context.Background(), cfg.ConfigID, "p")
	require.NoError(t, err)
	assert.Empty(t, ps.Queue)
}

func TestTimeoutTransitionsToTimeoutTarget(t *testing.T) {
	mm, engine, _, cfg := newFixture(t)

	sess := startWaiting(t, engine, cfg.ConfigID)
	// Fire the timeout directly rather than waiting out the 60s timer.
	mm.onTimeout(sess.SessionID, cfg.ConfigID, "p")

	after, _, err := engine.GetSession(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "timed_out", after.CurrentPageID)
	assert.Equal(t, types.SessionEnded, after.Status)
	assert.False(t, mm.Waiting(sess.SessionID))
}

func TestTimeoutAfterLeavingPageIsDropped(t *testing.T) {
	mm, engine, _, cfg := newFixture(t)

	sess := startWaiting(t, engine, cfg.ConfigID)
	// The participant leaves the matchmaking page before the timer fires.
	_, _, err := engine.Advance(context.Background(), sess.SessionID, session.ClientEvent{Type: "button_click", ButtonID: "leave"}, "")
	require.NoError(t, err)

	mm.onTimeout(sess.SessionID, cfg.ConfigID, "p")

	after, _, err := engine.GetSession(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "done", after.CurrentPageID)
}

func TestRecoverRebuildsQueueFromStorage(t *testing.T) {
	mm, engine, store, cfg := newFixture(t)

	sess := startWaiting(t, engine, cfg.ConfigID)
	require.True(t, mm.Waiting(sess.SessionID))
	mm.Close()

	// A fresh matchmaker (as after a restart) sees the persisted entry.
	hub := event.NewHub(store)
	engine2 := session.New(store, hub)
	mm2 := New(store, engine2)
	engine2.SetMatchmaker(mm2)
	t.Cleanup(mm2.Close)

	require.NoError(t, mm2.Recover(context.Background()))
	assert.True(t, mm2.Waiting(sess.SessionID))
}

func TestPickBalancedPrefersUnderassignedCondition(t *testing.T) {
	hist := map[string]int{"c1": 3, "c2": 2}
	got := pickBalanced(hist, []string{"c1", "c2"}, func(n int) int { return 0 })
	assert.Equal(t, "c2", got)
}
