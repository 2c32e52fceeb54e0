package httpserver_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/ai-code-evaluator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/internal/jobs"
)

func newStreamRouter(stream *httpserver.Streamer) chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/evaluate/{id}/progress", stream.Handler())
	return r
}

// readRecords collects SSE payloads from the body until want event types have
// been seen or the deadline passes.
func readRecords(t *testing.T, body *bufio.Scanner, wantLast string, deadline time.Duration) []domain.Event {
	t.Helper()
	var events []domain.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for body.Scan() {
			line := body.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev domain.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			events = append(events, ev)
			if ev.Type == wantLast {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		t.Fatalf("did not observe %s in time", wantLast)
	}
	return events
}

func TestStreamer_UnknownJob(t *testing.T) {
	t.Parallel()
	mgr := jobs.NewManager(instantEngine{}, nil, nil, jobs.ManagerOptions{})
	t.Cleanup(mgr.Shutdown)
	stream := httpserver.NewStreamer(mgr, httpserver.StreamerOptions{})
	t.Cleanup(stream.Shutdown)

	req := httptest.NewRequest(http.MethodGet, "/v1/evaluate/ghost/progress", nil)
	w := httptest.NewRecorder()
	newStreamRouter(stream).ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamer_TerminalReplayOnAttach(t *testing.T) {
	t.Parallel()
	mgr := jobs.NewManager(instantEngine{result: map[string]any{"overallScore": 8.0}}, nil, nil, jobs.ManagerOptions{})
	t.Cleanup(mgr.Shutdown)
	id, err := mgr.SubmitJob(context.Background(), domain.EvaluateRequest{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := mgr.GetJob(id)
		return j.Status == domain.JobCompleted
	}, 2*time.Second, 5*time.Millisecond)

	stream := httpserver.NewStreamer(mgr, httpserver.StreamerOptions{})
	t.Cleanup(stream.Shutdown)

	// A pre-cancelled request returns right after the pre-loop writes, so the
	// recorder holds retry, connected, and the replayed terminal record.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/evaluate/"+id+"/progress", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	newStreamRouter(stream).ServeHTTP(w, req)

	body := w.Body.String()
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.True(t, strings.HasPrefix(body, "retry: 10000\n\n"), "retry directive leads the stream")

	sc := bufio.NewScanner(strings.NewReader(body))
	events := readRecords(t, sc, domain.EventJobCompleted, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventConnected, events[0].Type)
	assert.Equal(t, "completed", events[0].String("status"))
	assert.Equal(t, domain.EventJobCompleted, events[1].Type)
	assert.Equal(t, 8.0, events[1].Data["result"].(map[string]any)["overallScore"])
}

func TestStreamer_FailedReplayUsesStoredError(t *testing.T) {
	t.Parallel()
	mgr := jobs.NewManager(failEngine{}, nil, nil, jobs.ManagerOptions{})
	t.Cleanup(mgr.Shutdown)
	id, err := mgr.SubmitJob(context.Background(), domain.EvaluateRequest{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := mgr.GetJob(id)
		return j.Status == domain.JobFailed
	}, 2*time.Second, 5*time.Millisecond)

	stream := httpserver.NewStreamer(mgr, httpserver.StreamerOptions{})
	t.Cleanup(stream.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/evaluate/"+id+"/progress", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	newStreamRouter(stream).ServeHTTP(w, req)

	sc := bufio.NewScanner(strings.NewReader(w.Body.String()))
	events := readRecords(t, sc, domain.EventJobFailed, time.Second)
	last := events[len(events)-1]
	errData := last.Data["error"].(map[string]any)
	assert.Equal(t, domain.CodeEvaluationError, errData["code"])
}

// raceySource completes its only job between the handler's existence check
// and the post-attach snapshot, the window in which the terminal event fires
// with no subscriber registered.
type raceySource struct {
	mu    sync.Mutex
	reads int
}

func (s *raceySource) GetJob(id string) (domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.reads == 1 {
		return domain.Job{ID: id, Status: domain.JobRunning}, true
	}
	return domain.Job{ID: id, Status: domain.JobCompleted, Result: map[string]any{"overallScore": 6.0}}, true
}

func (s *raceySource) OnProgress(string, func(domain.Event)) *jobs.Subscription {
	return &jobs.Subscription{}
}

func (s *raceySource) OffProgress(*jobs.Subscription) {}

func TestStreamer_TerminalDuringAttachStillReplayed(t *testing.T) {
	t.Parallel()
	stream := httpserver.NewStreamer(&raceySource{}, httpserver.StreamerOptions{})
	t.Cleanup(stream.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/evaluate/job-1/progress", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	newStreamRouter(stream).ServeHTTP(w, req)

	sc := bufio.NewScanner(strings.NewReader(w.Body.String()))
	events := readRecords(t, sc, domain.EventJobCompleted, time.Second)
	require.NotEmpty(t, events, "client attaching across the terminal transition must still get the terminal record")
	assert.Equal(t, domain.EventConnected, events[0].Type)
	assert.Equal(t, "completed", events[0].String("status"))
	last := events[len(events)-1]
	assert.Equal(t, domain.EventJobCompleted, last.Type)
	assert.Equal(t, 6.0, last.Data["result"].(map[string]any)["overallScore"])
}

func TestStreamer_LiveEventsAndMultiplexing(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	mgr := jobs.NewManager(blockedEngine{release: release}, nil, nil, jobs.ManagerOptions{})
	t.Cleanup(mgr.Shutdown)
	id, err := mgr.SubmitJob(context.Background(), domain.EvaluateRequest{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := mgr.GetJob(id)
		return j.Status == domain.JobRunning
	}, 2*time.Second, 5*time.Millisecond)

	stream := httpserver.NewStreamer(mgr, httpserver.StreamerOptions{})
	t.Cleanup(stream.Shutdown)
	ts := httptest.NewServer(newStreamRouter(stream))
	t.Cleanup(ts.Close)

	open := func() (*http.Response, *bufio.Scanner) {
		resp, err := http.Get(ts.URL + "/v1/evaluate/" + id + "/progress")
		require.NoError(t, err)
		return resp, bufio.NewScanner(resp.Body)
	}
	resp1, sc1 := open()
	defer func() { _ = resp1.Body.Close() }()
	resp2, sc2 := open()
	defer func() { _ = resp2.Body.Close() }()

	require.Eventually(t, func() bool {
		return stream.ConnectionCount(id) == 2
	}, 2*time.Second, 5*time.Millisecond)

	close(release)

	ev1 := readRecords(t, sc1, domain.EventJobCompleted, 3*time.Second)
	ev2 := readRecords(t, sc2, domain.EventJobCompleted, 3*time.Second)

	// The first client triggers the upstream subscription and receives the
	// buffered history; both share the live terminal record through the single
	// upstream callback.
	var types1 []string
	for _, e := range ev1 {
		types1 = append(types1, e.Type)
	}
	assert.Equal(t, domain.EventConnected, ev1[0].Type)
	assert.Contains(t, types1, domain.EventJobQueued)
	assert.Equal(t, domain.EventJobCompleted, types1[len(types1)-1])

	assert.Equal(t, domain.EventConnected, ev2[0].Type)
	assert.Equal(t, domain.EventJobCompleted, ev2[len(ev2)-1].Type)
}

func TestStreamer_Heartbeat(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	mgr := jobs.NewManager(blockedEngine{release: release}, nil, nil, jobs.ManagerOptions{})
	t.Cleanup(mgr.Shutdown)
	id, err := mgr.SubmitJob(context.Background(), domain.EvaluateRequest{})
	require.NoError(t, err)

	stream := httpserver.NewStreamer(mgr, httpserver.StreamerOptions{Heartbeat: 20 * time.Millisecond})
	t.Cleanup(stream.Shutdown)
	ts := httptest.NewServer(newStreamRouter(stream))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/v1/evaluate/" + id + "/progress")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	sc := bufio.NewScanner(resp.Body)
	found := make(chan struct{})
	go func() {
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), ": heartbeat") {
				close(found)
				return
			}
		}
	}()
	select {
	case <-found:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat observed")
	}
}

func TestStreamer_ShutdownClosesConnections(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	mgr := jobs.NewManager(blockedEngine{release: release}, nil, nil, jobs.ManagerOptions{})
	t.Cleanup(mgr.Shutdown)
	id, err := mgr.SubmitJob(context.Background(), domain.EvaluateRequest{})
	require.NoError(t, err)

	stream := httpserver.NewStreamer(mgr, httpserver.StreamerOptions{})
	ts := httptest.NewServer(newStreamRouter(stream))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/v1/evaluate/" + id + "/progress")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Eventually(t, func() bool {
		return stream.ConnectionCount(id) == 1
	}, 2*time.Second, 5*time.Millisecond)

	stream.Shutdown()
	require.Eventually(t, func() bool {
		return stream.ConnectionCount(id) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
