// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playbookd/playbookd/internal/broadcast"
	"github.com/playbookd/playbookd/internal/handler"
	"github.com/playbookd/playbookd/internal/manager"
	"github.com/playbookd/playbookd/internal/storage"
	"github.com/playbookd/playbookd/pkg/playbook"
)

const quickPlaybook = `
name: quick
steps:
  - id: one
    type: utility.log
    parameters:
      message: hello
`

const waitingPlaybook = `
name: waiting
steps:
  - id: linger
    type: utility.wait
    parameters:
      seconds: 300
`

type testServer struct {
	srv     *httptest.Server
	manager *manager.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	libDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(libDir, "quick.yaml"), []byte(quickPlaybook), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(libDir, "waiting.yaml"), []byte(waitingPlaybook), 0o644))
	loader, err := playbook.NewLoader(libDir)
	require.NoError(t, err)

	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	sink := storage.NewSink(store, nil)

	reg := handler.NewRegistry()
	handler.RegisterBuiltins(reg, nil)
	bc := broadcast.New(nil)

	m := manager.New(manager.Config{
		Loader:      loader,
		Registry:    reg,
		Broadcaster: bc,
		Store:       store,
		Sink:        sink,
		DataDir:     t.TempDir(),
	})

	s := NewServer(Config{Manager: m, Broadcaster: bc, Loader: loader})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Close(ctx)
		sink.Close()
		bc.Close()
		store.Close()
	})
	return &testServer{srv: srv, manager: m}
}

func (ts *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) startExecution(t *testing.T, path string) string {
	t.Helper()
	resp := ts.post(t, "/api/v1/executions", StartExecutionRequest{PlaybookPath: path})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	require.NotEmpty(t, body["execution_id"])
	return body["execution_id"]
}

func (ts *testServer) waitStatus(t *testing.T, id, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.srv.URL + "/api/v1/executions/" + id)
		require.NoError(t, err)
		body := decode[map[string]any](t, resp)
		if body["status"] == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached status %s", id, want)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestListPlaybooks(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.srv.URL + "/api/v1/playbooks")
	require.NoError(t, err)
	body := decode[map[string][]string](t, resp)
	assert.ElementsMatch(t, []string{"quick.yaml", "waiting.yaml"}, body["playbooks"])
}

func TestStartAndGetExecution(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startExecution(t, "quick.yaml")
	ts.waitStatus(t, id, "completed")

	resp, err := http.Get(ts.srv.URL + "/api/v1/executions/" + id)
	require.NoError(t, err)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "quick", body["playbook_name"])
	assert.Equal(t, float64(1), body["total_steps"])
}

func TestStartUnknownPlaybookReturns400(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.post(t, "/api/v1/executions", StartExecutionRequest{PlaybookPath: "missing.yaml"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartMissingPathReturns400(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.post(t, "/api/v1/executions", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownExecutionReturns404(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.srv.URL + "/api/v1/executions/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignalCancel(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startExecution(t, "waiting.yaml")
	ts.waitStatus(t, id, "running")

	resp := ts.post(t, "/api/v1/executions/"+id+"/signal", SignalRequest{Signal: "cancel"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	ts.waitStatus(t, id, "cancelled")
}

func TestSignalUnknownKindReturns400(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startExecution(t, "waiting.yaml")
	ts.waitStatus(t, id, "running")
	defer func() {
		ts.post(t, "/api/v1/executions/"+id+"/signal", SignalRequest{Signal: "cancel"}).Body.Close()
		ts.waitStatus(t, id, "cancelled")
	}()

	resp := ts.post(t, "/api/v1/executions/"+id+"/signal", SignalRequest{Signal: "explode"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListExecutions(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startExecution(t, "quick.yaml")
	ts.waitStatus(t, id, "completed")

	resp, err := http.Get(ts.srv.URL + "/api/v1/executions")
	require.NoError(t, err)
	body := decode[map[string]any](t, resp)
	assert.GreaterOrEqual(t, body["count"].(float64), float64(1))
}

func TestDeleteLiveExecutionReturns400(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startExecution(t, "waiting.yaml")
	ts.waitStatus(t, id, "running")
	defer func() {
		ts.post(t, "/api/v1/executions/"+id+"/signal", SignalRequest{Signal: "cancel"}).Body.Close()
		ts.waitStatus(t, id, "cancelled")
	}()

	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/v1/executions/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWebSocketStreamsUpdates(t *testing.T) {
	ts := newTestServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.srv.URL)+"/ws", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	id := ts.startExecution(t, "quick.yaml")
	ts.waitStatus(t, id, "completed")

	// at minimum the running and terminal events arrive
	sawCompleted := false
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !sawCompleted {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["execution_id"] == id && msg["status"] == "completed" {
			sawCompleted = true
		}
	}
}

func TestWebSocketFilterByExecution(t *testing.T) {
	ts := newTestServer(t)

	other := ts.startExecution(t, "waiting.yaml")
	ts.waitStatus(t, other, "running")
	defer func() {
		ts.post(t, "/api/v1/executions/"+other+"/signal", SignalRequest{Signal: "cancel"}).Body.Close()
		ts.waitStatus(t, other, "cancelled")
	}()

	id := ts.startExecution(t, "quick.yaml")
	conn, resp, err := websocket.DefaultDialer.Dial(
		wsURL(ts.srv.URL)+"/ws?execution_id="+id, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	ts.waitStatus(t, id, "completed")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if eid, ok := msg["execution_id"]; ok && eid != "" {
			assert.Equal(t, id, eid, "filtered stream must not leak other executions")
		}
		if msg["status"] == "completed" {
			return
		}
	}
}

func TestWebSocketLateJoinSnapshot(t *testing.T) {
	ts := newTestServer(t)

	id := ts.startExecution(t, "waiting.yaml")
	ts.waitStatus(t, id, "running")
	defer func() {
		ts.post(t, "/api/v1/executions/"+id+"/signal", SignalRequest{Signal: "cancel"}).Body.Close()
		ts.waitStatus(t, id, "cancelled")
	}()

	// connect after the run started; the first frame is its snapshot
	conn, resp, err := websocket.DefaultDialer.Dial(
		wsURL(ts.srv.URL)+"/ws?execution_id="+id, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, id, msg["execution_id"])
	assert.Equal(t, "running", msg["status"])
}
