// Package storage is the document store: file-based JSON documents with
// per-path file locking and atomic rename-on-write, plus the
// compare-and-set primitives the session engine, matchmaker and chat
// coordinator need to serialize concurrent writers without a database.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pairit/pairit/pkg/types"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage provides file-based JSON document storage with CAS primitives.
type Storage struct {
	basePath string
	mu       sync.RWMutex
	locks    map[string]*FileLock
}

// New creates a new Storage instance rooted at basePath.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

func (s *Storage) pathToFile(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...) + ".json"
}

func (s *Storage) pathToDir(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...)
}

func (s *Storage) getLock(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[filePath]
	if !ok {
		lock = NewFileLock(filePath)
		s.locks[filePath] = lock
	}
	return lock
}

// get reads a raw document. Caller must hold the path's lock for any
// read-modify-write sequence.
func (s *Storage) get(path []string, v any) error {
	data, err := os.ReadFile(s.pathToFile(path))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read: %w", err)
	}
	return json.Unmarshal(data, v)
}

// put writes a document atomically (temp file + rename). Caller must hold
// the path's lock.
func (s *Storage) put(path []string, v any) error {
	filePath := s.pathToFile(path)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// withLock runs fn while holding the exclusive lock for path.
func (s *Storage) withLock(path []string, fn func() error) error {
	filePath := s.pathToFile(path)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()
	return fn()
}

func sessionPath(id string) []string { return []string{"sessions", id} }
func groupPath(id string) []string   { return []string{"groups", id} }
func configPath(id string) []string  { return []string{"configs", id} }
func poolPath(configID, poolID string) []string {
	return []string{"pools", configID + "__" + poolID}
}
func eventsDir(sessionID string) []string { return []string{"events", sessionID} }
func idempotencyDir(sessionID string) []string {
	return []string{"idempotency", sessionID}
}
func chatDir(groupID string) []string { return []string{"chat", groupID} }

// --- Sessions ---

func (s *Storage) InsertSession(ctx context.Context, sess *types.Session) error {
	sess.Version = 1
	return s.withLock(sessionPath(sess.SessionID), func() error {
		if s.Exists(ctx, sessionPath(sess.SessionID)) {
			return fmt.Errorf("session %s already exists", sess.SessionID)
		}
		return s.put(sessionPath(sess.SessionID), sess)
	})
}

func (s *Storage) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var sess types.Session
	if err := s.get(sessionPath(sessionID), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession performs a read-modify-write CAS: it loads the current
// document, calls mutate on a clone, and writes it back with Version
// bumped. File locking serializes concurrent callers for a given session,
// so the CAS never actually conflicts under this backend; the Version
// field is still carried so a future networked store backend can implement
// true optimistic concurrency without changing any caller.
func (s *Storage) UpdateSession(ctx context.Context, sessionID string, mutate func(*types.Session) error) (*types.Session, error) {
	var result *types.Session
	err := s.withLock(sessionPath(sessionID), func() error {
		var cur types.Session
		if err := s.get(sessionPath(sessionID), &cur); err != nil {
			return err
		}
		next := cur.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		next.Version = cur.Version + 1
		if err := s.put(sessionPath(sessionID), next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

func (s *Storage) ListSessionIDs(ctx context.Context) ([]string, error) {
	return s.list([]string{"sessions"})
}

// --- Events ---

// AppendEvents appends one or more events to a session's log in a single
// batch under the session's own lock (the caller invokes this from inside
// WithSessionTransaction below), so
// sequence allocation is atomic with the state transition it records.
func (s *Storage) AppendEvents(ctx context.Context, sessionID string, startSeq int64, events []types.Event) error {
	for i := range events {
		events[i].Sequence = startSeq + int64(i)
		if err := s.put(append(eventsDir(sessionID), fmt.Sprintf("%012d", events[i].Sequence)), &events[i]); err != nil {
			return err
		}
	}
	return nil
}

// ListEventsAfter returns events with sequence > afterSeq, in order, for
// push-stream replay.
func (s *Storage) ListEventsAfter(ctx context.Context, sessionID string, afterSeq int64) ([]types.Event, error) {
	keys, err := s.list(eventsDir(sessionID))
	if err != nil {
		return nil, err
	}
	var out []types.Event
	for _, k := range keys {
		var ev types.Event
		if err := s.get(append(eventsDir(sessionID), k), &ev); err != nil {
			continue
		}
		if ev.Sequence > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// --- Idempotency ---

type idempotencyRecord struct {
	EventSequence int64  `json:"eventSequence"`
	ResponseBody  []byte `json:"responseBody"`
}

// CheckIdempotency returns the previously recorded response for
// (sessionID, key), if any.
func (s *Storage) CheckIdempotency(ctx context.Context, sessionID, key string) (seq int64, body []byte, found bool, err error) {
	var rec idempotencyRecord
	if getErr := s.get(append(idempotencyDir(sessionID), key), &rec); getErr != nil {
		if errors.Is(getErr, ErrNotFound) {
			return 0, nil, false, nil
		}
		return 0, nil, false, getErr
	}
	return rec.EventSequence, rec.ResponseBody, true, nil
}

// RecordIdempotency stores the outcome of a state-mutating request under
// its idempotency key, called from within the same session-lock
// transaction that appended the corresponding event.
func (s *Storage) RecordIdempotency(ctx context.Context, sessionID, key string, seq int64, body []byte) error {
	return s.put(append(idempotencyDir(sessionID), key), &idempotencyRecord{EventSequence: seq, ResponseBody: body})
}

// DeleteIdempotencyRecords removes all idempotency records for a session.
// Nothing in the server calls it: sessions are never deleted, so their
// records stay in the store.
func (s *Storage) DeleteIdempotencyRecords(ctx context.Context, sessionID string) error {
	return os.RemoveAll(s.pathToDir(idempotencyDir(sessionID)))
}

// WithSessionTransaction runs fn while holding the session's file lock and
// with the current session document loaded, letting the session engine
// compose "mutate state, allocate event sequence, append events, record
// idempotency" into one atomic unit.
func (s *Storage) WithSessionTransaction(ctx context.Context, sessionID string, fn func(cur *types.Session) (*types.Session, error)) (*types.Session, error) {
	var result *types.Session
	err := s.withLock(sessionPath(sessionID), func() error {
		var cur types.Session
		if err := s.get(sessionPath(sessionID), &cur); err != nil {
			return err
		}
		next, err := fn(&cur)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		next.Version = cur.Version + 1
		if err := s.put(sessionPath(sessionID), next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

// --- Configs ---

func (s *Storage) InsertConfig(ctx context.Context, cfg *types.ExperimentConfig) error {
	return s.withLock(configPath(cfg.ConfigID), func() error {
		return s.put(configPath(cfg.ConfigID), cfg)
	})
}

func (s *Storage) GetConfig(ctx context.Context, configID string) (*types.ExperimentConfig, error) {
	var cfg types.ExperimentConfig
	if err := s.get(configPath(configID), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Storage) ListConfigsByOwner(ctx context.Context, ownerID string) ([]*types.ExperimentConfig, error) {
	ids, err := s.list([]string{"configs"})
	if err != nil {
		return nil, err
	}
	var out []*types.ExperimentConfig
	for _, id := range ids {
		cfg, err := s.GetConfig(ctx, id)
		if err != nil {
			continue
		}
		if cfg.OwnerID == ownerID {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *Storage) DeleteConfig(ctx context.Context, configID string) error {
	return s.withLock(configPath(configID), func() error {
		return os.Remove(s.pathToFile(configPath(configID)))
	})
}

// --- Groups ---

func (s *Storage) InsertGroup(ctx context.Context, g *types.Group) error {
	g.Version = 1
	return s.withLock(groupPath(g.GroupID), func() error {
		return s.put(groupPath(g.GroupID), g)
	})
}

func (s *Storage) GetGroup(ctx context.Context, groupID string) (*types.Group, error) {
	var g types.Group
	if err := s.get(groupPath(groupID), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Storage) UpdateGroup(ctx context.Context, groupID string, mutate func(*types.Group) error) (*types.Group, error) {
	var result *types.Group
	err := s.withLock(groupPath(groupID), func() error {
		var cur types.Group
		if err := s.get(groupPath(groupID), &cur); err != nil {
			return err
		}
		if err := mutate(&cur); err != nil {
			return err
		}
		cur.Version++
		if err := s.put(groupPath(groupID), &cur); err != nil {
			return err
		}
		result = &cur
		return nil
	})
	return result, err
}

// --- Chat ---

// AppendChatMessage allocates the next per-group sequence number and
// persists the message atomically under the group's lock.
func (s *Storage) AppendChatMessage(ctx context.Context, groupID string, msg *types.ChatMessage) (*types.ChatMessage, error) {
	var result *types.ChatMessage
	err := s.withLock(groupPath(groupID), func() error {
		var g types.Group
		if err := s.get(groupPath(groupID), &g); err != nil {
			return err
		}
		msg.Sequence = g.NextChatSequence + 1
		g.NextChatSequence = msg.Sequence
		g.Version++
		if err := s.put(groupPath(groupID), &g); err != nil {
			return err
		}
		if err := s.put(append(chatDir(groupID), fmt.Sprintf("%012d", msg.Sequence)), msg); err != nil {
			return err
		}
		result = msg
		return nil
	})
	return result, err
}

func (s *Storage) ListChatMessages(ctx context.Context, groupID string, afterSeq int64) ([]types.ChatMessage, error) {
	keys, err := s.list(chatDir(groupID))
	if err != nil {
		return nil, err
	}
	var out []types.ChatMessage
	for _, k := range keys {
		var m types.ChatMessage
		if err := s.get(append(chatDir(groupID), k), &m); err != nil {
			continue
		}
		if m.Sequence > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- Pools ---

// GetOrInitPool loads a pool's persisted state, creating an empty one on
// first use.
func (s *Storage) GetOrInitPool(ctx context.Context, configID string, poolID string) (*types.PoolState, error) {
	var ps types.PoolState
	err := s.get(poolPath(configID, poolID), &ps)
	if errors.Is(err, ErrNotFound) {
		ps = types.PoolState{
			PoolID:    poolID,
			ConfigID:  configID,
			Histogram: make(map[string]int),
			Version:   1,
		}
		if putErr := s.withLock(poolPath(configID, poolID), func() error {
			return s.put(poolPath(configID, poolID), &ps)
		}); putErr != nil {
			return nil, putErr
		}
		return &ps, nil
	}
	if err != nil {
		return nil, err
	}
	return &ps, nil
}

// UpdatePool performs a read-modify-write on pool state under the pool's
// own lock, used by the matchmaker's Enqueue/Cancel/AtomicMatch operations
// so two concurrent TryMatch callers can never form overlapping groups.
func (s *Storage) UpdatePool(ctx context.Context, configID, poolID string, mutate func(*types.PoolState) error) (*types.PoolState, error) {
	var result *types.PoolState
	err := s.withLock(poolPath(configID, poolID), func() error {
		var cur types.PoolState
		if err := s.get(poolPath(configID, poolID), &cur); err != nil {
			return err
		}
		if err := mutate(&cur); err != nil {
			return err
		}
		cur.Version++
		if err := s.put(poolPath(configID, poolID), &cur); err != nil {
			return err
		}
		result = &cur
		return nil
	})
	return result, err
}

// DeleteGroup removes a group document, used only by the matchmaker's
// partial-failure rollback before any member ever observed the group.
func (s *Storage) DeleteGroup(ctx context.Context, groupID string) error {
	return s.withLock(groupPath(groupID), func() error {
		err := os.Remove(s.pathToFile(groupPath(groupID)))
		if os.IsNotExist(err) {
			return nil
		}
		return err
	})
}

// ListPools returns every persisted pool state, used to rebuild the
// matchmaker's in-memory queues after a restart.
func (s *Storage) ListPools(ctx context.Context) ([]*types.PoolState, error) {
	keys, err := s.list([]string{"pools"})
	if err != nil {
		return nil, err
	}
	var out []*types.PoolState
	for _, k := range keys {
		var ps types.PoolState
		if err := s.get([]string{"pools", k}, &ps); err != nil {
			continue
		}
		out = append(out, &ps)
	}
	return out, nil
}

// --- Generic helpers ---

func (s *Storage) Exists(ctx context.Context, path []string) bool {
	_, err := os.Stat(s.pathToFile(path))
	return err == nil
}

func (s *Storage) list(path []string) ([]string, error) {
	dirPath := s.pathToDir(path)
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("readdir: %w", err)
	}
	var items []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(name, ".json") {
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}
	return items, nil
}
