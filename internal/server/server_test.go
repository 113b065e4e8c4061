package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/agentdeck/internal/database"
	"github.com/sebastianm/agentdeck/internal/process"
	"github.com/sebastianm/agentdeck/internal/protocol"
	"github.com/sebastianm/agentdeck/internal/session"
	"github.com/sebastianm/agentdeck/internal/session/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakePool satisfies session.ProcessPool without real processes.
type fakePool struct {
	mu     sync.Mutex
	nextID int
	writes []string
}

func (f *fakePool) Spawn(process.SpawnOpts) (process.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return process.Handle{ID: fmt.Sprintf("proc-%d", f.nextID), Pid: f.nextID}, nil
}

func (f *fakePool) Write(_ string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(data))
}

func (f *fakePool) Resize(string, uint16, uint16) {}
func (f *fakePool) Kill(string)                   {}
func (f *fakePool) KillAll()                      {}

type serverFixture struct {
	srv  *Server
	mgr  *session.Manager
	pool *fakePool
	ts   *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	db, err := database.Open(t.Context(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &serverFixture{pool: &fakePool{}}
	f.srv = New(Deps{Log: testLogger()})
	f.mgr = session.NewManager(session.ManagerDeps{
		Log:      testLogger(),
		Pool:     f.pool,
		Store:    store.NewSQLiteStore(db),
		Command:  "assistant",
		OnOutput: f.srv.BroadcastOutput,
		OnStatus: f.srv.BroadcastStatus,
	})
	f.srv.Attach(f.mgr, nil)

	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		f.ts.Close()
		f.mgr.DestroyAll(context.Background())
	})
	return f
}

func (f *serverFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestREST_SessionLifecycle(t *testing.T) {
	f := newServerFixture(t)
	dir := t.TempDir()

	resp := f.post(t, "/sessions", map[string]string{"name": "work", "workingDir": dir})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[session.Session](t, resp)
	assert.Equal(t, "work", created.Name)
	assert.Equal(t, dir, created.WorkingDir)

	resp, err := http.Get(f.ts.URL + "/sessions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]session.Session](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	resp, err = http.Get(f.ts.URL + "/sessions/" + created.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(f.ts.URL + "/sessions/recent")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recent := decodeBody[session.Session](t, resp)
	assert.Equal(t, created.ID, recent.ID)

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/sessions/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(f.ts.URL + "/sessions/" + created.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestREST_CreateRejectsBadWorkingDir(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/sessions", map[string]string{"workingDir": "../etc"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestREST_MessageAndHistory(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/sessions", map[string]string{"workingDir": t.TempDir()})
	created := decodeBody[session.Session](t, resp)

	resp = f.post(t, "/sessions/"+created.ID+"/message", map[string]string{"content": "hello"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	f.pool.mu.Lock()
	writes := append([]string(nil), f.pool.writes...)
	f.pool.mu.Unlock()
	assert.Contains(t, writes, "hello\n")

	resp, err := http.Get(f.ts.URL + "/sessions/" + created.ID + "/history")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hist := decodeBody[session.History](t, resp)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "hello", hist.Messages[0].Content)

	t.Run("empty content rejected", func(t *testing.T) {
		resp := f.post(t, "/sessions/"+created.ID+"/message", map[string]string{})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown session 404s", func(t *testing.T) {
		resp := f.post(t, "/sessions/ghost/message", map[string]string{"content": "x"})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestWS_SnapshotOnConnect(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/sessions", map[string]string{"workingDir": t.TempDir()})
	created := decodeBody[session.Session](t, resp)

	conn := dialWS(t, f.ts)

	msg := readMessage(t, conn)
	require.Equal(t, protocol.TypeSessionUpdate, msg.Type)
	var p protocol.SessionUpdatePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, created.ID, p.ID)
}

func TestWS_CreateAndDestroy(t *testing.T) {
	f := newServerFixture(t)
	conn := dialWS(t, f.ts)

	create, err := protocol.NewMessage(protocol.TypeSessionCreate,
		protocol.SessionCreatePayload{Name: "ws", WorkingDir: t.TempDir()})
	require.NoError(t, err)
	data, err := create.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	msg := readMessage(t, conn)
	require.Equal(t, protocol.TypeSessionUpdate, msg.Type)
	var p protocol.SessionUpdatePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "ws", p.Name)

	destroy, err := protocol.NewMessage(protocol.TypeSessionDestroy,
		protocol.SessionDestroyPayload{SessionID: p.ID})
	require.NoError(t, err)
	data, err = destroy.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	msg = readMessage(t, conn)
	require.Equal(t, protocol.TypeSessionGone, msg.Type)
	assert.Empty(t, f.mgr.Sessions())
}

func TestWS_InvalidMessageGetsErrorEnvelope(t *testing.T) {
	f := newServerFixture(t)
	conn := dialWS(t, f.ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","payload":{}}`)))

	msg := readMessage(t, conn)
	require.Equal(t, protocol.TypeError, msg.Type)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, protocol.ErrInvalidMessage, p.Code)
}

func TestWS_OutputBroadcast(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/sessions", map[string]string{"workingDir": t.TempDir()})
	created := decodeBody[session.Session](t, resp)

	conn := dialWS(t, f.ts)
	readMessage(t, conn) // snapshot

	f.srv.BroadcastOutput(session.OutputEvent{
		SessionID: created.ID,
		Type:      "parsed",
		Content:   "hi there",
		Event:     "text",
		Timestamp: time.Now().UnixMilli(),
	})

	msg := readMessage(t, conn)
	require.Equal(t, protocol.TypeSessionOutput, msg.Type)
	var p protocol.SessionOutputPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, created.ID, p.SessionID)
	assert.Equal(t, "hi there", p.Content)
	assert.Equal(t, "text", p.Event)
}
