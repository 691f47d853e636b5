package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmh/Quill-sub002/internal/db"
	"github.com/zmh/Quill-sub002/internal/models"
	syncpkg "github.com/zmh/Quill-sub002/internal/sync"
	"github.com/zmh/Quill-sub002/internal/sync/remote"
	"github.com/zmh/Quill-sub002/internal/sync/retry"
	"github.com/zmh/Quill-sub002/internal/sync/scheduler"
	"github.com/zmh/Quill-sub002/internal/sync/transport"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeSaver struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (f *fakeSaver) Save(ctx context.Context, scheme, username, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, scheme+":"+username+":"+secret)
	return nil
}

type testAPI struct {
	url    string
	remote *remote.Server
	engine *syncpkg.Engine
	sched  *scheduler.Scheduler
	hub    *WSHub
	saver  *fakeSaver
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	srv := remote.New()
	remoteHTTP := httptest.NewServer(srv.Handler())
	t.Cleanup(remoteHTTP.Close)

	gw, err := transport.NewHTTPGateway(transport.HTTPConfig{BaseURL: remoteHTTP.URL, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	policy := retry.Policy{BaseDelay: time.Millisecond, CapDelay: time.Millisecond, MaxAttempts: 1, Jitter: func() float64 { return 0 }}
	engine := syncpkg.NewEngine(db.NewStore(database), gw, policy)
	sched := scheduler.NewScheduler(engine, &scheduler.SchedulerConfig{SyncInterval: time.Hour, MaxConcurrentLanes: 2})
	sched.SetBroker(engine.Broker())

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWSHub()
	go hub.Run(ctx)
	go hub.Forward(ctx, engine.Broker())
	t.Cleanup(cancel)

	saver := &fakeSaver{}
	api := httptest.NewServer(NewServer(engine, sched, saver, hub).Handler())
	t.Cleanup(api.Close)

	return &testAPI{url: api.URL, remote: srv, engine: engine, sched: sched, hub: hub, saver: saver}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.url+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (a *testAPI) post(t *testing.T, method, path string, body interface{}, wantStatus int) models.Post {
	t.Helper()
	resp, data := a.do(t, method, path, body)
	require.Equal(t, wantStatus, resp.StatusCode, string(data))
	var p models.Post
	require.NoError(t, json.Unmarshal(data, &p))
	return p
}

func (a *testAPI) syncNow(t *testing.T) syncpkg.SyncResult {
	t.Helper()
	resp, data := a.do(t, http.MethodPost, "/api/sync/now", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var res syncpkg.SyncResult
	require.NoError(t, json.Unmarshal(data, &res))
	return res
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	return body.Code
}

// =====================================================
// Endpoint Tests
// =====================================================

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	resp, data := a.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"status":"ok"`)
}

func TestPostLifecycle(t *testing.T) {
	a := newTestAPI(t)

	created := a.post(t, http.MethodPost, "/api/posts", map[string]string{"title": "Hello", "content": "World"}, http.StatusCreated)
	assert.Equal(t, models.StatusDraft, created.Status)
	assert.Equal(t, models.SyncPendingCreate, created.SyncState)

	res := a.syncNow(t)
	assert.Equal(t, 1, res.Succeeded)

	got := a.post(t, http.MethodGet, "/api/posts/"+string(created.LocalID), nil, http.StatusOK)
	assert.Equal(t, models.SyncSynced, got.SyncState)
	assert.NotEmpty(t, got.RemoteID)

	patched := a.post(t, http.MethodPatch, "/api/posts/"+string(created.LocalID), map[string]string{"title": "Renamed"}, http.StatusOK)
	assert.Equal(t, "Renamed", patched.Title)
	assert.Equal(t, "World", patched.Content, "omitted fields are kept")
	assert.Equal(t, models.SyncPendingUpdate, patched.SyncState)

	a.syncNow(t)
	rp, ok := a.remote.Get(got.RemoteID)
	require.True(t, ok)
	assert.Equal(t, "Renamed", rp.Title)

	resp, data := a.do(t, http.MethodGet, "/api/posts?status=draft", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Items []models.Post `json:"items"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Equal(t, 1, list.Total)

	resp, _ = a.do(t, http.MethodDelete, "/api/posts/"+string(created.LocalID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	a.syncNow(t)

	resp, data = a.do(t, http.MethodGet, "/api/posts/"+string(created.LocalID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "POST_NOT_FOUND", errorCode(t, data))
	_, ok = a.remote.Get(got.RemoteID)
	assert.False(t, ok)
}

func TestInvalidRequests(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		wantCode int
	}{
		{"unknown status", http.MethodPost, "/api/posts", map[string]string{"status": "archived"}, http.StatusBadRequest},
		{"bad list filter", http.MethodGet, "/api/posts?status=archived", nil, http.StatusBadRequest},
		{"missing post", http.MethodGet, "/api/posts/missing", nil, http.StatusNotFound},
		{"update missing post", http.MethodPut, "/api/posts/missing", map[string]string{"title": "x"}, http.StatusNotFound},
		{"delete missing post", http.MethodDelete, "/api/posts/missing", nil, http.StatusNotFound},
		{"no open conflict", http.MethodPost, "/api/conflicts/missing/resolve", map[string]string{"choice": "keepLocal"}, http.StatusNotFound},
		{"unknown choice", http.MethodPost, "/api/conflicts/missing/resolve", map[string]string{"choice": "coinFlip"}, http.StatusBadRequest},
		{"connectivity without flag", http.MethodPost, "/api/sync/connectivity", map[string]string{}, http.StatusBadRequest},
		{"credential without secret", http.MethodPut, "/api/credentials", map[string]string{"scheme": "bearer"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := a.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, resp.StatusCode, string(data))
		})
	}
}

func TestResolveConflict(t *testing.T) {
	a := newTestAPI(t)

	p := a.post(t, http.MethodPost, "/api/posts", map[string]string{"title": "t", "content": "original"}, http.StatusCreated)
	a.syncNow(t)
	synced := a.post(t, http.MethodGet, "/api/posts/"+string(p.LocalID), nil, http.StatusOK)

	_, err := a.remote.Edit(synced.RemoteID, func(f *models.PostFields) { f.Content = "theirs" })
	require.NoError(t, err)
	a.post(t, http.MethodPut, "/api/posts/"+string(p.LocalID), map[string]string{"content": "mine"}, http.StatusOK)

	a.syncNow(t)
	conflicted := a.post(t, http.MethodGet, "/api/posts/"+string(p.LocalID), nil, http.StatusOK)
	assert.Equal(t, models.SyncConflicted, conflicted.SyncState)
	assert.Zero(t, a.remote.Stats().Updates, "the stale update is caught before it is sent")

	resp, data := a.do(t, http.MethodGet, "/api/conflicts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Items []models.ConflictRecord `json:"items"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "mine", list.Items[0].Local.Content)
	assert.Equal(t, "theirs", list.Items[0].Remote.Content)

	resolved := a.post(t, http.MethodPost, "/api/conflicts/"+string(p.LocalID)+"/resolve", map[string]string{"choice": "keepRemote"}, http.StatusOK)
	assert.Equal(t, "theirs", resolved.Content)
	assert.Equal(t, models.SyncSynced, resolved.SyncState)

	resp, _ = a.do(t, http.MethodPost, "/api/conflicts/"+string(p.LocalID)+"/resolve", map[string]string{"choice": "keepRemote"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConnectivityAndStatus(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, http.MethodPost, "/api/sync/connectivity", map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := a.do(t, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status scheduler.SchedulerStatus
	require.NoError(t, json.Unmarshal(data, &status))
	assert.False(t, status.IsOnline)

	resp, _ = a.do(t, http.MethodPost, "/api/sync/connectivity", map[string]bool{"online": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, a.sched.IsOnline())

	resp, _ = a.do(t, http.MethodPost, "/api/sync/foreground", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestRetryFailed(t *testing.T) {
	a := newTestAPI(t)

	// A single attempt is allowed, so one 503 fails the create.
	a.remote.FailNext(remote.Fault{Method: http.MethodPost, Status: http.StatusServiceUnavailable})
	p := a.post(t, http.MethodPost, "/api/posts", map[string]string{"title": "x"}, http.StatusCreated)
	res := a.syncNow(t)
	assert.Equal(t, 1, res.Failed)

	failed := a.post(t, http.MethodGet, "/api/posts/"+string(p.LocalID), nil, http.StatusOK)
	assert.Equal(t, models.SyncFailed, failed.SyncState)

	resp, data := a.do(t, http.MethodPost, "/api/posts/"+string(p.LocalID)+"/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"requeued":1}`, string(data))

	a.syncNow(t)
	synced := a.post(t, http.MethodGet, "/api/posts/"+string(p.LocalID), nil, http.StatusOK)
	assert.Equal(t, models.SyncSynced, synced.SyncState)
}

func TestSetCredentials(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, http.MethodPut, "/api/credentials", map[string]string{"secret": "token"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	a.saver.mu.Lock()
	assert.Equal(t, []string{"bearer::token"}, a.saver.saved)
	a.saver.mu.Unlock()

	a.saver.mu.Lock()
	a.saver.err = errors.New("disk full")
	a.saver.mu.Unlock()
	resp, _ = a.do(t, http.MethodPut, "/api/credentials", map[string]string{"secret": "token"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

// =====================================================
// WebSocket Tests
// =====================================================

func dialEvents(t *testing.T, a *testAPI, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(a.url, "http") + "/api/events"
	return websocket.DefaultDialer.Dial(url, header)
}

func TestEventFeed(t *testing.T) {
	a := newTestAPI(t)

	conn, _, err := dialEvents(t, a, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return a.hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "subscribe", "events": []string{"sync_state"}}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	p := a.post(t, http.MethodPost, "/api/posts", map[string]string{"title": "live"}, http.StatusCreated)

	for {
		var env struct {
			Type string `json:"type"`
			Data struct {
				PostID    string `json:"post_id"`
				SyncState string `json:"sync_state"`
			} `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&env))
		require.Equal(t, "sync_state", env.Type, "only subscribed events are delivered")
		if env.Data.PostID == string(p.LocalID) {
			assert.Equal(t, string(models.SyncPendingCreate), env.Data.SyncState)
			return
		}
	}
}

func TestEventFeed_rejectsForeignOrigin(t *testing.T) {
	a := newTestAPI(t)

	_, resp, err := dialEvents(t, a, http.Header{"Origin": []string{"https://example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
