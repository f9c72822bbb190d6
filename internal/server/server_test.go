package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairit/pairit/internal/chat"
	"github.com/pairit/pairit/internal/compiler"
	"github.com/pairit/pairit/internal/event"
	"github.com/pairit/pairit/internal/identity"
	"github.com/pairit/pairit/internal/matchmaker"
	"github.com/pairit/pairit/internal/objectstore"
	"github.com/pairit/pairit/internal/session"
	"github.com/pairit/pairit/internal/storage"
	"github.com/pairit/pairit/pkg/types"
)

const helloWorldDoc = `{
  "configId": "hw",
  "initialPageId": "survey",
  "userStateSchema": {"mood": {"type": "int"}},
  "pages": [
    {
      "id": "survey",
      "survey": {"questions": [{"id": "mood", "type": "likert5", "prompt": "Mood?"}]},
      "buttons": [{"id": "done", "label": "Done", "action": {"target": "thanks"}}]
    },
    {"id": "thanks", "end": true}
  ]
}`

const gatedDoc = `{
  "configId": "gated",
  "requireAuth": true,
  "initialPageId": "p1",
  "userStateSchema": {},
  "pages": [{"id": "p1", "end": true}]
}`

type testServer struct {
	srv    *Server
	store  *storage.Storage
	engine *session.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := storage.New(t.TempDir())
	ctx := context.Background()
	for _, doc := range []string{helloWorldDoc, gatedDoc} {
		cfg, _, err := compiler.Compile([]byte(doc))
		require.NoError(t, err)
		require.NoError(t, store.InsertConfig(ctx, cfg))
	}

	hub := event.NewHub(store)
	engine := session.New(store, hub)
	mm := matchmaker.New(store, engine)
	engine.SetMatchmaker(mm)
	t.Cleanup(mm.Close)
	coordinator := chat.New(store, engine, hub)
	objects, err := objectstore.NewFSStore(t.TempDir(), "")
	require.NoError(t, err)
	idp := identity.New(types.IdentityConfig{
		Mode:        "static",
		StaticUsers: map[string]string{"tok-owner": "owner-1", "tok-other": "owner-2"},
	})

	srv := New(DefaultConfig(), &types.ServerConfig{}, store, engine, hub, mm, coordinator, nil, objects, idp)
	return &testServer{srv: srv, store: store, engine: engine}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decode(t, w, &resp)
	return resp.Error.Code
}

func TestStartAdvanceEndToEnd(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/sessions/start", "", map[string]any{"configId": "hw"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var started sessionView
	decode(t, w, &started)
	assert.Equal(t, "survey", started.CurrentPageID)

	w = ts.do(t, "POST", "/sessions/"+started.SessionID+"/advance", "", map[string]any{
		"idempotencyKey": "k1",
		"event": map[string]any{
			"type":     "button_click",
			"buttonId": "done",
			"payload":  map[string]any{"answers": map[string]any{"mood": 4}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var advanced sessionView
	decode(t, w, &advanced)
	assert.Equal(t, "thanks", advanced.CurrentPageID)
	assert.Equal(t, types.SessionEnded, advanced.Status)
	assert.EqualValues(t, 4, advanced.UserState["mood"])

	// Event sequences are gap-free from 1.
	events, err := ts.store.ListEventsAfter(context.Background(), started.SessionID, 0)
	require.NoError(t, err)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestAdvanceReplaySameBody(t *testing.T) {
	ts := newTestServer(t)

	var started sessionView
	decode(t, ts.do(t, "POST", "/sessions/start", "", map[string]any{"configId": "hw"}), &started)

	body := map[string]any{
		"idempotencyKey": "dup",
		"event": map[string]any{
			"type":     "button_click",
			"buttonId": "done",
			"payload":  map[string]any{"answers": map[string]any{"mood": 2}},
		},
	}
	first := ts.do(t, "POST", "/sessions/"+started.SessionID+"/advance", "", body)
	require.Equal(t, http.StatusOK, first.Code)
	second := ts.do(t, "POST", "/sessions/"+started.SessionID+"/advance", "", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestAdvanceRequiresIdempotencyKey(t *testing.T) {
	ts := newTestServer(t)
	var started sessionView
	decode(t, ts.do(t, "POST", "/sessions/start", "", map[string]any{"configId": "hw"}), &started)

	w := ts.do(t, "POST", "/sessions/"+started.SessionID+"/advance", "", map[string]any{
		"event": map[string]any{"type": "button_click", "buttonId": "done"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartRequiresAuthWhenConfigDemandsIt(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/sessions/start", "", map[string]any{"configId": "gated"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", errorCode(t, w))

	w = ts.do(t, "POST", "/sessions/start", "tok-owner", map[string]any{"configId": "gated"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetEndedSessionIsGoneWithoutRetake(t *testing.T) {
	ts := newTestServer(t)

	var started sessionView
	decode(t, ts.do(t, "POST", "/sessions/start", "", map[string]any{"configId": "hw"}), &started)
	ts.do(t, "POST", "/sessions/"+started.SessionID+"/advance", "", map[string]any{
		"idempotencyKey": "k1",
		"event": map[string]any{
			"type":     "button_click",
			"buttonId": "done",
			"payload":  map[string]any{"answers": map[string]any{"mood": 3}},
		},
	})

	w := ts.do(t, "GET", "/sessions/"+started.SessionID+"/", "", nil)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestUnknownSessionIs404(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/sessions/sess_missing/", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGenericEventEndpointRecordsAndReplays(t *testing.T) {
	ts := newTestServer(t)
	var started sessionView
	decode(t, ts.do(t, "POST", "/sessions/start", "", map[string]any{"configId": "hw"}), &started)

	body := map[string]any{
		"idempotencyKey": "evt-1",
		"event":          map[string]any{"type": "media_played", "payload": map[string]any{"seconds": 12}},
	}
	first := ts.do(t, "POST", "/sessions/"+started.SessionID+"/events", "", body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := ts.do(t, "POST", "/sessions/"+started.SessionID+"/events", "", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestStreamReplaysFromCursor(t *testing.T) {
	ts := newTestServer(t)
	var started sessionView
	decode(t, ts.do(t, "POST", "/sessions/start", "", map[string]any{"configId": "hw"}), &started)

	// Log three generic events (sequences 1..3).
	for i := 1; i <= 3; i++ {
		w := ts.do(t, "POST", "/sessions/"+started.SessionID+"/events", "", map[string]any{
			"idempotencyKey": fmt.Sprintf("evt-%d", i),
			"event":          map[string]any{"type": "media_played", "payload": map[string]any{"i": i}},
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/sessions/"+started.SessionID+"/stream", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.srv.Router().ServeHTTP(w, req)
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	assert.NotContains(t, body, "id: 1\n", "cursor 1 must not be replayed")
	assert.Contains(t, body, "id: 2\n")
	assert.Contains(t, body, "id: 3\n")
	assert.True(t, strings.Index(body, "id: 2\n") < strings.Index(body, "id: 3\n"), "replay preserves sequence order")
}

func TestManagerSurfaceRequiresIdentity(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/configs/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestConfigUploadListDelete(t *testing.T) {
	ts := newTestServer(t)

	doc := json.RawMessage(`{
	  "configId": "uploaded",
	  "initialPageId": "a",
	  "userStateSchema": {},
	  "pages": [{"id": "a", "end": true}]
	}`)
	w := ts.do(t, "POST", "/configs/upload", "tok-owner", map[string]any{"config": doc})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var uploaded struct {
		ConfigID   string `json:"configId"`
		ConfigHash string `json:"configHash"`
		OwnerID    string `json:"ownerId"`
	}
	decode(t, w, &uploaded)
	assert.Equal(t, "uploaded", uploaded.ConfigID)
	assert.Equal(t, "owner-1", uploaded.OwnerID)
	assert.NotEmpty(t, uploaded.ConfigHash)

	var listed struct {
		Configs []map[string]any `json:"configs"`
	}
	decode(t, ts.do(t, "GET", "/configs/", "tok-owner", nil), &listed)
	require.Len(t, listed.Configs, 1)

	// Another owner cannot delete it.
	w = ts.do(t, "DELETE", "/configs/uploaded", "tok-other", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, "DELETE", "/configs/uploaded", "tok-owner", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConfigUploadRejectsBadDocument(t *testing.T) {
	ts := newTestServer(t)
	doc := json.RawMessage(`{
	  "configId": "broken",
	  "initialPageId": "missing",
	  "userStateSchema": {},
	  "pages": [{"id": "a", "end": true}]
	}`)
	w := ts.do(t, "POST", "/configs/upload", "tok-owner", map[string]any{"config": doc})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMediaUploadListFetch(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/media/upload", "tok-owner", map[string]any{
		"object":      "stimuli/a.txt",
		"data":        "aGVsbG8=", // "hello"
		"contentType": "text/plain",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var listed struct {
		Objects []objectstore.ObjectInfo `json:"objects"`
	}
	decode(t, ts.do(t, "GET", "/media/?prefix=stimuli/", "tok-owner", nil), &listed)
	require.Len(t, listed.Objects, 1)
	assert.Equal(t, "stimuli/a.txt", listed.Objects[0].Name)

	fetched := ts.do(t, "GET", "/media/object/stimuli/a.txt", "", nil)
	require.Equal(t, http.StatusOK, fetched.Code)
	assert.Equal(t, "hello", fetched.Body.String())
}

func TestChatMessageToUnknownGroup404s(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "POST", "/chat/grp_none/message", "", map[string]any{
		"sessionId": "sess_x", "body": "hi",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
