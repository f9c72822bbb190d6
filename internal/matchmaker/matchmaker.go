// Package matchmaker groups waiting sessions into fixed-size groups:
// named pool queues, balanced-random treatment assignment, per-entry
// timeout timers and abandonment cleanup. Live bookkeeping (timers, the
// session->pool index) is process memory; queue truth and the treatment
// histogram are persisted so a restart can rebuild both.
package matchmaker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pairit/pairit/internal/apperr"
	"github.com/pairit/pairit/internal/logging"
	"github.com/pairit/pairit/internal/session"
	"github.com/pairit/pairit/internal/storage"
	"github.com/pairit/pairit/pkg/types"
)

// SessionApplier is the matchmaker's view of the session engine,
// satisfied by *session.Engine.
type SessionApplier interface {
	ApplyServerEvent(ctx context.Context, sessionID string, se session.ServerEvent) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, *types.Page, error)
}

// Matchmaker forms fixed-size groups out of waiting sessions. Queue truth
// lives in storage (types.PoolState, one document per pool) so a restart
// can rebuild it; timers and the session->pool index are process memory.
type Matchmaker struct {
	store  *storage.Storage
	engine SessionApplier

	mu     sync.Mutex
	byID   map[string]poolKey     // sessionID -> enclosing pool
	timers map[string]*time.Timer // sessionID -> timeout timer
	pick   func(n int) int        // injectable for deterministic tests
}

type poolKey struct {
	configID string
	poolID   string
}

// New constructs a Matchmaker. Call Recover before serving traffic so
// queues persisted by a previous process are re-armed.
func New(store *storage.Storage, engine SessionApplier) *Matchmaker {
	return &Matchmaker{
		store:  store,
		engine: engine,
		byID:   make(map[string]poolKey),
		timers: make(map[string]*time.Timer),
		pick:   rand.Intn,
	}
}

// Recover rebuilds the in-memory session index and timeout timers from the
// persisted pool collection.
func (m *Matchmaker) Recover(ctx context.Context) error {
	pools, err := m.store.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("list pools: %w", err)
	}
	for _, ps := range pools {
		cfg, err := m.store.GetConfig(ctx, ps.ConfigID)
		if err != nil {
			logging.Warn().Str("poolId", ps.PoolID).Str("configId", ps.ConfigID).Msg("pool references missing config, skipping recovery")
			continue
		}
		pool := findPool(cfg, ps.PoolID)
		if pool == nil {
			continue
		}
		m.mu.Lock()
		for _, entry := range ps.Queue {
			m.byID[entry.SessionID] = poolKey{configID: ps.ConfigID, poolID: ps.PoolID}
			m.armTimerLocked(entry.SessionID, ps.ConfigID, ps.PoolID, remainingTimeout(entry.EnqueuedAt, pool.TimeoutSeconds))
		}
		m.mu.Unlock()
		go m.tryMatch(context.WithoutCancel(ctx), ps.ConfigID, ps.PoolID)
	}
	return nil
}

func remainingTimeout(enqueuedAtMilli int64, timeoutSeconds int) time.Duration {
	deadline := time.UnixMilli(enqueuedAtMilli).Add(time.Duration(timeoutSeconds) * time.Second)
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	return d
}

func findPool(cfg *types.ExperimentConfig, poolID string) *types.PoolConfig {
	for i := range cfg.Matchmaking {
		if cfg.Matchmaking[i].PoolID == poolID {
			return &cfg.Matchmaking[i]
		}
	}
	return nil
}

// Enqueue adds a session to the tail of a pool's queue, arms its timeout
// timer and attempts a match. A session already waiting or already in a
// group is rejected with matchmaking_conflict.
func (m *Matchmaker) Enqueue(ctx context.Context, sessionID, configID, poolID string) error {
	cfg, err := m.store.GetConfig(ctx, configID)
	if err != nil {
		return apperr.New(apperr.CodeNotFound, "config not found")
	}
	pool := findPool(cfg, poolID)
	if pool == nil {
		return apperr.New(apperr.CodeUnknownNode, fmt.Sprintf("no matchmaking pool %q in config %q", poolID, configID))
	}

	sess, _, err := m.engine.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.GroupID != "" {
		return apperr.New(apperr.CodeMatchmakingConflict, "session is already in a group")
	}

	m.mu.Lock()
	if _, waiting := m.byID[sessionID]; waiting {
		m.mu.Unlock()
		return apperr.New(apperr.CodeMatchmakingConflict, "session is already enqueued")
	}
	m.byID[sessionID] = poolKey{configID: configID, poolID: poolID}
	m.mu.Unlock()

	if _, err := m.store.GetOrInitPool(ctx, configID, poolID); err != nil {
		m.forget(sessionID)
		return err
	}
	_, err = m.store.UpdatePool(ctx, configID, poolID, func(ps *types.PoolState) error {
		for _, e := range ps.Queue {
			if e.SessionID == sessionID {
				return apperr.New(apperr.CodeMatchmakingConflict, "session is already enqueued")
			}
		}
		ps.Queue = append(ps.Queue, types.MatchPoolEntry{
			SessionID:  sessionID,
			ConfigID:   configID,
			PoolID:     poolID,
			EnqueuedAt: time.Now().UnixMilli(),
		})
		return nil
	})
	if err != nil {
		m.forget(sessionID)
		return err
	}

	m.mu.Lock()
	m.armTimerLocked(sessionID, configID, poolID, time.Duration(pool.TimeoutSeconds)*time.Second)
	m.mu.Unlock()

	logging.Info().Str("sessionId", sessionID).Str("poolId", poolID).Msg("session enqueued for matchmaking")
	go m.tryMatch(context.WithoutCancel(ctx), configID, poolID)
	return nil
}

func (m *Matchmaker) forget(sessionID string) {
	m.mu.Lock()
	delete(m.byID, sessionID)
	m.mu.Unlock()
}

func (m *Matchmaker) armTimerLocked(sessionID, configID, poolID string, d time.Duration) {
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(d, func() {
		m.onTimeout(sessionID, configID, poolID)
	})
}

// CancelSession removes a session from whatever pool it is waiting in, if
// any, cancelling its timer. Used on session end and on abandonment.
func (m *Matchmaker) CancelSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	key, waiting := m.byID[sessionID]
	if waiting {
		delete(m.byID, sessionID)
		if t, ok := m.timers[sessionID]; ok {
			t.Stop()
			delete(m.timers, sessionID)
		}
	}
	m.mu.Unlock()
	if !waiting {
		return nil
	}

	_, err := m.store.UpdatePool(ctx, key.configID, key.poolID, func(ps *types.PoolState) error {
		ps.Queue = removeEntry(ps.Queue, sessionID)
		return nil
	})
	return err
}

func removeEntry(queue []types.MatchPoolEntry, sessionID string) []types.MatchPoolEntry {
	out := queue[:0]
	for _, e := range queue {
		if e.SessionID != sessionID {
			out = append(out, e)
		}
	}
	return out
}

// onTimeout fires when an entry waited longer than the pool's
// timeoutSeconds. The entry is removed and the session receives a
// match_timeout event; if the pool declares a timeoutTarget and the
// session is still sitting on the matchmaking page, it is transitioned
// there.
func (m *Matchmaker) onTimeout(sessionID, configID, poolID string) {
	ctx := context.Background()

	m.mu.Lock()
	if _, waiting := m.byID[sessionID]; !waiting {
		m.mu.Unlock()
		return
	}
	delete(m.byID, sessionID)
	delete(m.timers, sessionID)
	m.mu.Unlock()

	var removed bool
	_, err := m.store.UpdatePool(ctx, configID, poolID, func(ps *types.PoolState) error {
		before := len(ps.Queue)
		ps.Queue = removeEntry(ps.Queue, sessionID)
		removed = len(ps.Queue) < before
		return nil
	})
	if err != nil || !removed {
		return
	}

	cfg, err := m.store.GetConfig(ctx, configID)
	if err != nil {
		return
	}
	pool := findPool(cfg, poolID)
	sess, page, err := m.engine.GetSession(ctx, sessionID)
	if err != nil || sess.Status != types.SessionActive {
		return
	}
	// A session that already left the matchmaking page gets no state
	// change; the timeout is dropped.
	if pageMatchmakingPool(page) != poolID {
		return
	}

	se := session.ServerEvent{
		Type: types.EventMatchTimeout,
		Data: map[string]any{"poolId": poolID},
	}
	if pool != nil && pool.TimeoutTarget != "" {
		se.PageTransition = pool.TimeoutTarget
		if target := findPage(cfg, pool.TimeoutTarget); target != nil && target.End {
			se.EndSession = true
		}
	}
	if err := m.engine.ApplyServerEvent(ctx, sessionID, se); err != nil {
		logging.Warn().Err(err).Str("sessionId", sessionID).Msg("match timeout apply failed")
	}
}

func findPage(cfg *types.ExperimentConfig, pageID string) *types.Page {
	for i := range cfg.Pages {
		if cfg.Pages[i].ID == pageID {
			return &cfg.Pages[i]
		}
	}
	return nil
}

func pageMatchmakingPool(page *types.Page) string {
	if page == nil {
		return ""
	}
	for _, c := range page.Components {
		if c.Type != "matchmaking" {
			continue
		}
		var props struct {
			PoolID string `json:"poolId"`
		}
		if err := json.Unmarshal(c.Props, &props); err == nil {
			return props.PoolID
		}
	}
	return ""
}

// TryMatch attempts to form one group from the head of a pool's queue. It
// is safe to call at any time; it no-ops unless num_users eligible entries
// are waiting. Exposed for tests; Enqueue calls it automatically.
func (m *Matchmaker) TryMatch(ctx context.Context, configID, poolID string) error {
	return m.tryMatch(ctx, configID, poolID)
}

func (m *Matchmaker) tryMatch(ctx context.Context, configID, poolID string) error {
	cfg, err := m.store.GetConfig(ctx, configID)
	if err != nil {
		return err
	}
	pool := findPool(cfg, poolID)
	if pool == nil || pool.NumUsers <= 0 {
		return nil
	}

	for {
		formed, err := m.formOneGroup(ctx, cfg, pool)
		if err != nil || !formed {
			return err
		}
	}
}

// formOneGroup pops num_users eligible head entries in a single pool
// transaction, assigns a balanced-random treatment from the persisted
// histogram, persists the group and applies the member state writes. On
// partial member-update failure the whole formation is rolled back:
// treatment count decremented, group deleted, entries re-enqueued at their
// original positions.
func (m *Matchmaker) formOneGroup(ctx context.Context, cfg *types.ExperimentConfig, pool *types.PoolConfig) (bool, error) {
	var members []types.MatchPoolEntry
	var treatment string

	_, err := m.store.UpdatePool(ctx, cfg.ConfigID, pool.PoolID, func(ps *types.PoolState) error {
		members = members[:0]
		eligible, rest := m.partitionEligible(ctx, ps.Queue, pool)
		if len(eligible) < pool.NumUsers {
			// Drop any stale entries we discovered while scanning.
			ps.Queue = append(eligible, rest...)
			return errNotEnough
		}
		members = append(members, eligible[:pool.NumUsers]...)
		ps.Queue = append(eligible[pool.NumUsers:], rest...)
		if len(pool.Conditions) > 0 {
			treatment = pickBalanced(ps.Histogram, pool.Conditions, m.pick)
			ps.Histogram[treatment]++
		}
		return nil
	})
	if err == errNotEnough {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	for _, e := range members {
		delete(m.byID, e.SessionID)
		if t, ok := m.timers[e.SessionID]; ok {
			t.Stop()
			delete(m.timers, e.SessionID)
		}
	}
	m.mu.Unlock()

	group := &types.Group{
		GroupID:          "grp_" + ulid.Make().String(),
		PoolID:           pool.PoolID,
		ConfigID:         cfg.ConfigID,
		MemberSessionIDs: memberIDs(members),
		Treatment:        treatment,
		SharedState:      cloneShared(pool.SharedFields),
		CreatedAt:        time.Now().UnixMilli(),
	}
	group.ChatGroupID = group.GroupID
	if err := m.store.InsertGroup(ctx, group); err != nil {
		m.rollback(ctx, cfg.ConfigID, pool, members, treatment, "")
		return false, fmt.Errorf("insert group: %w", err)
	}

	matchData := types.MatchFoundData{
		GroupID:          group.GroupID,
		Treatment:        treatment,
		MemberSessionIDs: group.MemberSessionIDs,
	}
	for i, e := range members {
		writes := []types.StateDelta{
			{Path: "user_state.group_id", After: group.GroupID},
		}
		if treatment != "" {
			writes = append(writes, types.StateDelta{Path: "user_state.treatment", After: treatment})
		}
		for k, v := range pool.SharedFields {
			writes = append(writes, types.StateDelta{Path: "user_state." + k, After: v})
		}
		err := m.engine.ApplyServerEvent(ctx, e.SessionID, session.ServerEvent{
			Type:        types.EventMatchFound,
			Data:        matchData,
			GroupID:     group.GroupID,
			StateWrites: writes,
		})
		if err != nil {
			logging.Error().Err(err).Str("groupId", group.GroupID).Str("sessionId", e.SessionID).Msg("member match update failed, rolling back group")
			m.unlinkMembers(ctx, members[:i])
			m.rollback(ctx, cfg.ConfigID, pool, members, treatment, group.GroupID)
			return false, err
		}
	}

	logging.Info().Str("groupId", group.GroupID).Str("poolId", pool.PoolID).Str("treatment", treatment).Int("members", len(members)).Msg("group formed")
	return true, nil
}

var errNotEnough = fmt.Errorf("not enough eligible entries")

// partitionEligible returns the queue entries still worth matching
// (session active and still on the matchmaking page). Its second result is
// always nil, so stale entries are dropped from the queue rather than
// matched.
func (m *Matchmaker) partitionEligible(ctx context.Context, queue []types.MatchPoolEntry, pool *types.PoolConfig) (eligible, dropped []types.MatchPoolEntry) {
	for _, e := range queue {
		sess, page, err := m.engine.GetSession(ctx, e.SessionID)
		if err != nil || sess.Status != types.SessionActive || pageMatchmakingPool(page) != pool.PoolID {
			continue
		}
		eligible = append(eligible, e)
	}
	return eligible, nil
}

// pickBalanced returns a uniformly random condition among those currently
// at the minimum assignment count, keeping the running deviation from
// uniform within ±1.
func pickBalanced(histogram map[string]int, conditions []string, pick func(int) int) string {
	min := -1
	for _, c := range conditions {
		if min == -1 || histogram[c] < min {
			min = histogram[c]
		}
	}
	var atMin []string
	for _, c := range conditions {
		if histogram[c] == min {
			atMin = append(atMin, c)
		}
	}
	return atMin[pick(len(atMin))]
}

func memberIDs(members []types.MatchPoolEntry) []string {
	ids := make([]string, len(members))
	for i, e := range members {
		ids[i] = e.SessionID
	}
	return ids
}

func cloneShared(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// unlinkMembers reverts the group linkage on members that were already
// updated before a later member failed.
func (m *Matchmaker) unlinkMembers(ctx context.Context, members []types.MatchPoolEntry) {
	for _, e := range members {
		_, err := m.store.UpdateSession(ctx, e.SessionID, func(s *types.Session) error {
			s.GroupID = ""
			delete(s.UserState, "group_id")
			delete(s.UserState, "treatment")
			return nil
		})
		if err != nil {
			logging.Warn().Err(err).Str("sessionId", e.SessionID).Msg("rollback unlink failed")
		}
	}
}

// rollback undoes a partially-formed group: decrement the treatment
// histogram, delete the group document, and restore the consumed entries
// at their original queue positions ordered by enqueuedAt.
func (m *Matchmaker) rollback(ctx context.Context, configID string, pool *types.PoolConfig, members []types.MatchPoolEntry, treatment, groupID string) {
	if groupID != "" {
		if err := m.store.DeleteGroup(ctx, groupID); err != nil {
			logging.Warn().Err(err).Str("groupId", groupID).Msg("rollback group delete failed")
		}
	}
	_, err := m.store.UpdatePool(ctx, configID, pool.PoolID, func(ps *types.PoolState) error {
		if treatment != "" && ps.Histogram[treatment] > 0 {
			ps.Histogram[treatment]--
		}
		ps.Queue = append(ps.Queue, members...)
		sortByEnqueuedAt(ps.Queue)
		return nil
	})
	if err != nil {
		logging.Error().Err(err).Str("poolId", pool.PoolID).Msg("rollback re-enqueue failed")
		return
	}
	m.mu.Lock()
	for _, e := range members {
		m.byID[e.SessionID] = poolKey{configID: configID, poolID: pool.PoolID}
		m.armTimerLocked(e.SessionID, configID, pool.PoolID, remainingTimeout(e.EnqueuedAt, pool.TimeoutSeconds))
	}
	m.mu.Unlock()
}

func sortByEnqueuedAt(queue []types.MatchPoolEntry) {
	for i := 1; i < len(queue); i++ {
		for j := i; j > 0 && queue[j].EnqueuedAt < queue[j-1].EnqueuedAt; j-- {
			queue[j], queue[j-1] = queue[j-1], queue[j]
		}
	}
}

// Waiting reports whether a session is currently enqueued, used by
// diagnostics and tests.
func (m *Matchmaker) Waiting(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[sessionID]
	return ok
}

// SetPicker overrides the random-condition picker, for deterministic tests.
func (m *Matchmaker) SetPicker(pick func(n int) int) { m.pick = pick }

// Close stops all outstanding timers.
func (m *Matchmaker) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
