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

	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"goa.design/relay/assistant"
	asmem "goa.design/relay/assistant/inmem"
	"goa.design/relay/auth"
	"goa.design/relay/broker"
	"goa.design/relay/engine"
	"goa.design/relay/engine/inproc"
	"goa.design/relay/orchestrator"
	runmem "goa.design/relay/run/inmem"
	"goa.design/relay/thread"
	thmem "goa.design/relay/thread/inmem"
)

type testServer struct {
	*httptest.Server
	engine *inproc.Engine
	broker *broker.Broker
}

// memArchive mirrors every published event and serves it back, standing in
// for the Mongo-backed archive.
type memArchive struct {
	mu  sync.Mutex
	evs map[string][]broker.Event
}

func newMemArchive() *memArchive { return &memArchive{evs: make(map[string][]broker.Event)} }

func (m *memArchive) Mirror(_ context.Context, ev broker.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evs[ev.RunID] = append(m.evs[ev.RunID], ev)
	return nil
}

func (m *memArchive) List(_ context.Context, runID string, fromSeq uint64, limit int) ([]broker.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []broker.Event
	for _, ev := range m.evs[runID] {
		if ev.Seq <= fromSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func newServer(t *testing.T, opts ...func(*Options)) *testServer {
	return newServerWith(t, broker.Options{MaxEvents: 128, RetainFor: time.Hour}, opts...)
}

func newServerWith(t *testing.T, bopts broker.Options, opts ...func(*Options)) *testServer {
	t.Helper()
	eng := inproc.New()
	b := broker.New(bopts)
	runs := runmem.New()
	threads := thmem.New()
	assistants := asmem.New()

	require.NoError(t, threads.Create(context.Background(), &thread.Thread{ID: "t1", Owner: "acme"}))
	require.NoError(t, assistants.Create(context.Background(), &assistant.Assistant{
		ID: "a1", Owner: "acme", GraphRef: "graph",
	}))

	arch := newMemArchive()
	orc, err := orchestrator.New(orchestrator.Options{
		Runs:        runs,
		Threads:     threads,
		Assistants:  assistants,
		Broker:      b,
		Engine:      eng,
		Sink:        arch,
		CancelGrace: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	o := Options{
		Orchestrator: orc,
		Assistants:   assistants,
		Threads:      threads,
		Runs:         runs,
		Archive:      arch,
		Authenticator: auth.NewStaticAuthenticator(map[string]auth.Identity{
			"acme-token":   {Subject: "user-1", Owner: "acme", Scopes: []string{auth.ScopeRunsRead, auth.ScopeRunsWrite}},
			"evil-token":   {Subject: "user-2", Owner: "evil", Scopes: []string{auth.ScopeRunsRead, auth.ScopeRunsWrite}},
			"reader-token": {Subject: "user-3", Owner: "acme", Scopes: []string{auth.ScopeRunsRead}},
		}),
	}
	for _, f := range opts {
		f(&o)
	}
	api := New(o)
	mux := goahttp.NewMuxer()
	api.Mount(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, engine: eng, broker: b}
}

func (s *testServer) do(t *testing.T, token, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
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

func requireErrorKind(t *testing.T, resp *http.Response, status int, kind string) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	body := decode[errorBody](t, resp)
	require.Equal(t, kind, body.Error.Kind)
}

func registerEcho(s *testServer) {
	s.engine.Register("graph", func(ctx context.Context, gc *inproc.Context, inv inproc.Invocation) (json.RawMessage, error) {
		if err := gc.Emit(ctx, engine.EventValueUpdate, inv.Input); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"done":true}`), nil
	})
}

func createRun(t *testing.T, s *testServer, body map[string]any) runView {
	t.Helper()
	resp := s.do(t, "acme-token", "POST", "/runs", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[runView](t, resp)
}

func waitCompleted(t *testing.T, s *testServer, runID string) runView {
	t.Helper()
	resp := s.do(t, "acme-token", "GET", "/runs/"+runID+"/wait", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[runView](t, resp)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	registerEcho(s)

	created := createRun(t, s, map[string]any{
		"thread_id": "t1", "assistant_id": "a1",
		"input": map[string]any{"q": "hi"},
	})
	require.NotEmpty(t, created.ID)
	require.Equal(t, "pending", created.Status)

	final := waitCompleted(t, s, created.ID)
	require.Equal(t, "completed", final.Status)
	require.JSONEq(t, `{"done":true}`, string(final.Output))

	resp := s.do(t, "acme-token", "GET", "/runs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[runView](t, resp)
	require.Equal(t, created.ID, got.ID)

	resp = s.do(t, "acme-token", "GET", "/runs?thread_id=t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[runListView](t, resp)
	require.Len(t, list.Runs, 1)
}

func TestCreateRunValidation(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	resp := s.do(t, "acme-token", "POST", "/runs", map[string]any{"assistant_id": "a1"})
	requireErrorKind(t, resp, http.StatusUnprocessableEntity, "validation_error")
}

func TestUnknownRunIs404(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	resp := s.do(t, "acme-token", "GET", "/runs/nope", nil)
	requireErrorKind(t, resp, http.StatusNotFound, "not_found")
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	resp := s.do(t, "", "GET", "/runs", nil)
	requireErrorKind(t, resp, http.StatusUnauthorized, "authentication_error")

	resp = s.do(t, "bogus", "GET", "/runs", nil)
	requireErrorKind(t, resp, http.StatusUnauthorized, "authentication_error")
}

func TestWriteScopeEnforced(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	resp := s.do(t, "reader-token", "POST", "/threads", map[string]any{})
	requireErrorKind(t, resp, http.StatusForbidden, "authorization_error")
}

func TestTenantIsolationOverHTTP(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	registerEcho(s)

	created := createRun(t, s, map[string]any{"thread_id": "t1", "assistant_id": "a1"})

	// Another tenant cannot observe the run, the thread or the assistant.
	resp := s.do(t, "evil-token", "GET", "/runs/"+created.ID, nil)
	requireErrorKind(t, resp, http.StatusNotFound, "not_found")

	resp = s.do(t, "evil-token", "GET", "/threads/t1", nil)
	requireErrorKind(t, resp, http.StatusNotFound, "not_found")

	resp = s.do(t, "evil-token", "GET", "/assistants/a1", nil)
	requireErrorKind(t, resp, http.StatusNotFound, "not_found")
}

func TestCancelOverHTTP(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	started := make(chan struct{})
	s.engine.Register("graph", func(ctx context.Context, gc *inproc.Context, inv inproc.Invocation) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	created := createRun(t, s, map[string]any{"thread_id": "t1", "assistant_id": "a1"})
	<-started

	resp := s.do(t, "acme-token", "POST", "/runs/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[runView](t, resp)
	require.Equal(t, "cancelled", got.Status)
}

func TestInterruptResumeOverHTTP(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	s.engine.Register("graph", func(ctx context.Context, gc *inproc.Context, inv inproc.Invocation) (json.RawMessage, error) {
		if inv.CheckpointRef == "" {
			return nil, gc.Interrupt("ckpt-1", json.RawMessage(`{"ask":"approve?"}`))
		}
		return inv.ResolutionInput, nil
	})

	created := createRun(t, s, map[string]any{"thread_id": "t1", "assistant_id": "a1"})

	interrupted := waitCompleted(t, s, created.ID)
	require.Equal(t, "interrupted", interrupted.Status)

	resp := s.do(t, "acme-token", "GET", "/runs/"+created.ID+"/interrupt", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	it := decode[struct {
		Payload json.RawMessage `json:"payload"`
	}](t, resp)
	require.JSONEq(t, `{"ask":"approve?"}`, string(it.Payload))

	resp = s.do(t, "acme-token", "POST", "/runs/"+created.ID+"/resume", map[string]any{
		"resolution_input": map[string]any{"approved": true},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	final := waitCompleted(t, s, created.ID)
	require.Equal(t, "completed", final.Status)
	require.JSONEq(t, `{"approved":true}`, string(final.Output))
}

func TestInterruptRunningRunOverHTTP(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	started := make(chan struct{})
	s.engine.Register("graph", func(ctx context.Context, gc *inproc.Context, inv inproc.Invocation) (json.RawMessage, error) {
		if inv.CheckpointRef != "" {
			return inv.ResolutionInput, nil
		}
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	created := createRun(t, s, map[string]any{"thread_id": "t1", "assistant_id": "a1"})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("graph never started")
	}

	// The execution task registers just after the graph starts: retry until
	// the pause lands.
	var got runView
	require.Eventually(t, func() bool {
		resp := s.do(t, "acme-token", "POST", "/runs/"+created.ID+"/interrupt", map[string]any{
			"payload": map[string]any{"reason": "operator"},
		})
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		got = decode[runView](t, resp)
		return true
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "interrupted", got.Status)

	resp := s.do(t, "acme-token", "GET", "/runs/"+created.ID+"/interrupt", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	it := decode[struct {
		Payload json.RawMessage `json:"payload"`
	}](t, resp)
	require.JSONEq(t, `{"reason":"operator"}`, string(it.Payload))

	resp = s.do(t, "acme-token", "POST", "/runs/"+created.ID+"/resume", map[string]any{
		"resolution_input": map[string]any{"resumed": true},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	final := waitCompleted(t, s, created.ID)
	require.Equal(t, "completed", final.Status)
	require.JSONEq(t, `{"resumed":true}`, string(final.Output))

	// A finished run cannot be paused.
	resp = s.do(t, "acme-token", "POST", "/runs/"+created.ID+"/interrupt", nil)
	requireErrorKind(t, resp, http.StatusConflict, "invalid_state")
}

func TestResumeWithoutInterruptIs409(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	registerEcho(s)

	created := createRun(t, s, map[string]any{"thread_id": "t1", "assistant_id": "a1"})
	waitCompleted(t, s, created.ID)

	resp := s.do(t, "acme-token", "POST", "/runs/"+created.ID+"/resume", map[string]any{})
	requireErrorKind(t, resp, http.StatusConflict, "invalid_state")
}

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var (
		evs []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Event != "" || cur.Data != "" {
				evs = append(evs, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data += strings.TrimPrefix(line, "data: ")
		}
	}
	return evs
}

func TestStreamDeliversEventsInOrder(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	s.engine.Register("graph", func(ctx context.Context, gc *inproc.Context, inv inproc.Invocation) (json.RawMessage, error) {
		for i := 0; i < 3; i++ {
			if err := gc.Emit(ctx, engine.EventValueUpdate, json.RawMessage(fmt.Sprintf(`{"step":%d}`, i))); err != nil {
				return nil, err
			}
		}
		return json.RawMessage(`{}`), nil
	})

	created := createRun(t, s, map[string]any{"thread_id": "t1", "assistant_id": "a1"})
	waitCompleted(t, s, created.ID)

	resp := s.do(t, "acme-token", "GET", "/runs/"+created.ID+"/stream", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	evs := readSSE(t, resp.Body)
	require.Len(t, evs, 4)
	for i, ev := range evs[:3] {
		require.Equal(t, fmt.Sprint(i+1), ev.ID)
		require.Equal(t, "value_update", ev.Event)
		require.JSONEq(t, fmt.Sprintf(`{"step":%d}`, i), ev.Data)
	}
	require.Equal(t, "end", evs[3].Event)
	require.JSONEq(t, `{"status":"completed"}`, evs[3].Data)
}

func TestCreateRunWithStreamMode(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	registerEcho(s)

	resp := s.do(t, "acme-token", "POST", "/runs", map[string]any{
		"thread_id":    "t1",
		"assistant_id": "a1",
		"input":        map[string]any{"hello": "world"},
		"stream_mode":  []string{"values"},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	evs := readSSE(t, resp.Body)
	require.NotEmpty(t, evs)
	require.Equal(t, "end", evs[len(evs)-1].Event)
	require.JSONEq(t, `{"status":"completed"}`, evs[len(evs)-1].Data)
}

func TestStreamResumeFromOffset(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	s.engine.Register("graph", func(ctx context.Context, gc *inproc.Context, inv inproc.Invocation) (json.RawMessage, error) {
		for i := 0; i < 3; i++ {
			if err := gc.Emit(ctx, engine.EventValueUpdate, json.RawMessage(`{}`)); err != nil {
				return nil, err
			}
		}
		return json.RawMessage(`{}`), nil
	})

	created := createRun(t, s, map[string]any{"thread_id": "t1", "assistant_id": "a1"})
	waitCompleted(t, s, created.ID)

	resp := s.do(t, "acme-token", "GET", "/runs/"+created.ID+"/stream?from_seq=2", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs := readSSE(t, resp.Body)
	require.Len(t, evs, 2)
	require.Equal(t, "3", evs[0].ID)

	// Last-Event-ID works the same way for reconnecting clients.
	req, err := http.NewRequest("GET", s.URL+"/runs/"+created.ID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer acme-token")
	req.Header.Set("Last-Event-ID", "3")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	evs = readSSE(t, resp2.Body)
	require.Len(t, evs, 1)
	require.Equal(t, "end", evs[0].Event)
}

func TestStreamFailedRunEndsWithErrorEvent(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	s.engine.Register("graph", func(ctx context.Context, gc *inproc.Context, inv inproc.Invocation) (json.RawMessage, error) {
		return nil, fmt.Errorf("model exploded")
	})

	created := createRun(t, s, map[string]any{"thread_id": "t1", "assistant_id": "a1"})
	waitCompleted(t, s, created.ID)

	resp := s.do(t, "acme-token", "GET", "/runs/"+created.ID+"/stream", nil)
	defer resp.Body.Close()
	evs := readSSE(t, resp.Body)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.Equal(t, "error", last.Event)
	require.Contains(t, last.Data, "model exploded")
}

func TestStreamGapIs410(t *testing.T) {
	t.Parallel()
	// A one-event window evicts everything before the terminal event, so
	// replaying from the beginning lands in the gap.
	s := newServerWith(t, broker.Options{MaxEvents: 1, RetainFor: time.Hour})
	registerEcho(s)

	created := createRun(t, s, map[string]any{"thread_id": "t1", "assistant_id": "a1"})
	waitCompleted(t, s, created.ID)

	resp := s.do(t, "acme-token", "GET", "/runs/"+created.ID+"/stream", nil)
	requireErrorKind(t, resp, http.StatusGone, "stream_gap")
}

func TestStreamSweptRunReplaysFromArchive(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	s.engine.Register("graph", func(ctx context.Context, gc *inproc.Context, inv inproc.Invocation) (json.RawMessage, error) {
		for i := 0; i < 3; i++ {
			if err := gc.Emit(ctx, engine.EventValueUpdate, json.RawMessage(fmt.Sprintf(`{"step":%d}`, i))); err != nil {
				return nil, err
			}
		}
		return json.RawMessage(`{}`), nil
	})

	created := createRun(t, s, map[string]any{"thread_id": "t1", "assistant_id": "a1"})
	waitCompleted(t, s, created.ID)

	// Discard the broker log the way the sweeper would once the retention
	// window passes. The archive still holds the full log.
	s.broker.Sweep(time.Now().Add(2 * time.Hour))

	resp := s.do(t, "acme-token", "GET", "/runs/"+created.ID+"/stream", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	evs := readSSE(t, resp.Body)
	require.Len(t, evs, 4)
	for i, ev := range evs[:3] {
		require.Equal(t, fmt.Sprint(i+1), ev.ID)
		require.Equal(t, "value_update", ev.Event)
		require.JSONEq(t, fmt.Sprintf(`{"step":%d}`, i), ev.Data)
	}
	require.Equal(t, "end", evs[3].Event)
	require.JSONEq(t, `{"status":"completed"}`, evs[3].Data)

	// Resuming mid-log replays only the tail.
	resp = s.do(t, "acme-token", "GET", "/runs/"+created.ID+"/stream?from_seq=3", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs = readSSE(t, resp.Body)
	require.Len(t, evs, 1)
	require.Equal(t, "4", evs[0].ID)
	require.Equal(t, "end", evs[0].Event)

	// Past the archived log the stream still closes with a terminal event.
	resp = s.do(t, "acme-token", "GET", "/runs/"+created.ID+"/stream?from_seq=4", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs = readSSE(t, resp.Body)
	require.Len(t, evs, 1)
	require.Equal(t, "end", evs[0].Event)
	require.JSONEq(t, `{"status":"completed"}`, evs[0].Data)
}

func TestStreamInvalidOffset(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	registerEcho(s)

	created := createRun(t, s, map[string]any{"thread_id": "t1", "assistant_id": "a1"})
	waitCompleted(t, s, created.ID)

	resp := s.do(t, "acme-token", "GET", "/runs/"+created.ID+"/stream?from_seq=abc", nil)
	requireErrorKind(t, resp, http.StatusUnprocessableEntity, "validation_error")
}

func TestAssistantCRUD(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	resp := s.do(t, "acme-token", "POST", "/assistants", map[string]any{
		"name": "research", "graph_ref": "graph",
		"config": map[string]any{"model": "base"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[assistant.Assistant](t, resp)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "acme", created.Owner)

	resp = s.do(t, "acme-token", "PATCH", "/assistants/"+created.ID, map[string]any{"name": "research-v2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[assistant.Assistant](t, resp)
	require.Equal(t, "research-v2", updated.Name)
	require.Equal(t, "base", updated.Config["model"])

	resp = s.do(t, "acme-token", "POST", "/assistants/search", map[string]any{"graph_ref": "graph"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[assistantListView](t, resp)
	require.Len(t, list.Assistants, 2)

	resp = s.do(t, "acme-token", "DELETE", "/assistants/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = s.do(t, "acme-token", "GET", "/assistants/"+created.ID, nil)
	requireErrorKind(t, resp, http.StatusNotFound, "not_found")
}

func TestThreadDeleteBlockedByActiveRun(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	release := make(chan struct{})
	started := make(chan struct{})
	s.engine.Register("graph", func(ctx context.Context, gc *inproc.Context, inv inproc.Invocation) (json.RawMessage, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`{}`), nil
	})

	created := createRun(t, s, map[string]any{"thread_id": "t1", "assistant_id": "a1"})
	<-started

	resp := s.do(t, "acme-token", "DELETE", "/threads/t1", nil)
	requireErrorKind(t, resp, http.StatusConflict, "conflict")

	close(release)
	waitCompleted(t, s, created.ID)

	resp = s.do(t, "acme-token", "DELETE", "/threads/t1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestThreadMetadataUpdate(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	resp := s.do(t, "acme-token", "POST", "/threads", map[string]any{
		"metadata": map[string]any{"topic": "weather"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[thread.Thread](t, resp)

	resp = s.do(t, "acme-token", "PATCH", "/threads/"+created.ID, map[string]any{
		"metadata": map[string]any{"topic": "climate"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[thread.Thread](t, resp)
	require.Equal(t, "climate", updated.Metadata["topic"])

	resp = s.do(t, "acme-token", "GET", "/threads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[threadListView](t, resp)
	require.Len(t, list.Threads, 2)
}

func TestListThreadRuns(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	registerEcho(s)

	created := createRun(t, s, map[string]any{
		"thread_id":    "t1",
		"assistant_id": "a1",
		"input":        map[string]any{"n": 1},
	})
	waitCompleted(t, s, created.ID)

	resp := s.do(t, "acme-token", "GET", "/threads/t1/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[runListView](t, resp)
	require.Len(t, list.Runs, 1)
	require.Equal(t, created.ID, list.Runs[0].ID)

	resp = s.do(t, "acme-token", "GET", "/threads/nope/runs", nil)
	requireErrorKind(t, resp, http.StatusNotFound, "not_found")

	resp = s.do(t, "evil-token", "GET", "/threads/t1/runs", nil)
	requireErrorKind(t, resp, http.StatusNotFound, "not_found")
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	s := newServer(t, func(o *Options) {
		o.RateLimit = rate.Limit(1)
		o.RateBurst = 1
	})

	resp := s.do(t, "acme-token", "GET", "/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = s.do(t, "acme-token", "GET", "/runs", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestIdempotentCreateOverHTTP(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	registerEcho(s)

	body := map[string]any{"thread_id": "t1", "assistant_id": "a1", "idempotency_key": "k1"}
	first := createRun(t, s, body)
	second := createRun(t, s, body)
	require.Equal(t, first.ID, second.ID)
}
