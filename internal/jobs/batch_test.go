package jobs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/internal/jobs"
	"github.com/fairyhunter13/ai-code-evaluator/internal/service/ratelimiter"
)

// urlRecordingEngine remembers the repoUrl of every request it ran.
type urlRecordingEngine struct {
	mu   sync.Mutex
	urls []string
}

func (e *urlRecordingEngine) Evaluate(_ domain.Context, req domain.EvaluateRequest, _ func(domain.Event)) (map[string]any, error) {
	e.mu.Lock()
	e.urls = append(e.urls, req.RepoURL())
	e.mu.Unlock()
	return map[string]any{"ok": true}, nil
}

func (e *urlRecordingEngine) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.urls...)
}

func waitBatchFinished(t *testing.T, bm *jobs.BatchManager, id string) jobs.BatchStatus {
	t.Helper()
	var st jobs.BatchStatus
	require.Eventually(t, func() bool {
		s, ok := bm.GetBatch(id)
		if !ok {
			return false
		}
		st = s
		return s.IsFinished
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func TestBatchManager_SequentialCompletion(t *testing.T) {
	t.Parallel()
	engine := &urlRecordingEngine{}
	m := jobs.NewManager(engine, nil, nil, jobs.ManagerOptions{})
	defer m.Shutdown()
	bm := jobs.NewBatchManager(m, nil)

	urls := []string{"https://a.git", "https://b.git", "https://c.git"}
	id, err := bm.SubmitBatch(context.Background(), urls, map[string]any{"depth": "full"})
	require.NoError(t, err)

	st := waitBatchFinished(t, bm, id)
	assert.Equal(t, 3, st.TotalURLs)
	assert.Equal(t, 3, st.Completed)
	assert.Zero(t, st.Failed)
	assert.Equal(t, urls, engine.seen(), "children ran in submission order")
}

func TestBatchManager_OptionsMergedIntoChildren(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var payloads []map[string]any
	engine := evalFunc(func(req domain.EvaluateRequest) (map[string]any, error) {
		mu.Lock()
		payloads = append(payloads, req.Payload)
		mu.Unlock()
		return map[string]any{}, nil
	})
	m := jobs.NewManager(engine, nil, nil, jobs.ManagerOptions{})
	defer m.Shutdown()
	bm := jobs.NewBatchManager(m, nil)

	id, err := bm.SubmitBatch(context.Background(), []string{"https://a.git"}, map[string]any{"depth": "full"})
	require.NoError(t, err)
	waitBatchFinished(t, bm, id)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, "full", payloads[0]["depth"])
	assert.Equal(t, "https://a.git", payloads[0]["repoUrl"])
}

func TestBatchManager_RateLimitedChildrenFail(t *testing.T) {
	t.Parallel()
	engine := &urlRecordingEngine{}
	m := jobs.NewManager(engine, nil, nil, jobs.ManagerOptions{})
	defer m.Shutdown()
	limiter := ratelimiter.NewDailyLimiter(2)
	bm := jobs.NewBatchManager(m, limiter)

	id, err := bm.SubmitBatch(context.Background(), []string{"https://a.git", "https://b.git", "https://c.git", "https://d.git"}, nil)
	require.NoError(t, err)

	st := waitBatchFinished(t, bm, id)
	assert.Equal(t, 2, st.Completed)
	assert.Equal(t, 2, st.Failed, "children beyond the daily budget fail without a job")
	assert.Len(t, engine.seen(), 2)

	var denied []string
	for _, js := range st.Jobs {
		if js.Code != "" {
			denied = append(denied, js.Code)
		}
	}
	assert.Equal(t, []string{domain.CodeRateLimited, domain.CodeRateLimited}, denied)
}

func TestBatchManager_QueueFullChildCode(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	engine := evalFunc(func(domain.EvaluateRequest) (map[string]any, error) {
		<-release
		return map[string]any{}, nil
	})
	m := jobs.NewManager(engine, nil, nil, jobs.ManagerOptions{MaxConcurrentJobs: 1, MaxQueueSize: 1})
	defer m.Shutdown()

	// A directly submitted job holds the queue's only slot.
	_, err := m.SubmitJob(context.Background(), domain.EvaluateRequest{})
	require.NoError(t, err)

	bm := jobs.NewBatchManager(m, nil)
	id, err := bm.SubmitBatch(context.Background(), []string{"https://a.git"}, nil)
	require.NoError(t, err)

	st := waitBatchFinished(t, bm, id)
	assert.Equal(t, 1, st.Failed)
	require.Len(t, st.Jobs, 1)
	assert.Equal(t, domain.CodeQueueFull, st.Jobs[0].Code)
	close(release)
}

func TestBatchManager_EmptyURLs(t *testing.T) {
	t.Parallel()
	m := jobs.NewManager(&urlRecordingEngine{}, nil, nil, jobs.ManagerOptions{})
	defer m.Shutdown()
	bm := jobs.NewBatchManager(m, nil)

	_, err := bm.SubmitBatch(context.Background(), nil, nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestBatchManager_UnknownBatch(t *testing.T) {
	t.Parallel()
	m := jobs.NewManager(&urlRecordingEngine{}, nil, nil, jobs.ManagerOptions{})
	defer m.Shutdown()
	bm := jobs.NewBatchManager(m, nil)

	_, ok := bm.GetBatch("missing")
	assert.False(t, ok)
}

func TestBatchManager_OneChildInFlight(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var mu sync.Mutex
	inflight, peak := 0, 0
	engine := evalFunc(func(domain.EvaluateRequest) (map[string]any, error) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inflight--
		mu.Unlock()
		return map[string]any{}, nil
	})
	// Capacity would allow 4 concurrent jobs; the batch must still serialize.
	m := jobs.NewManager(engine, nil, nil, jobs.ManagerOptions{MaxConcurrentJobs: 4})
	defer m.Shutdown()
	bm := jobs.NewBatchManager(m, nil)

	id, err := bm.SubmitBatch(context.Background(), []string{"https://a.git", "https://b.git", "https://c.git"}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return inflight == 1
		}, 2*time.Second, 5*time.Millisecond)
		release <- struct{}{}
	}
	st := waitBatchFinished(t, bm, id)
	assert.Equal(t, 3, st.Completed)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak)
}

// evalFunc adapts a function to the engine port for tests.
type evalFunc func(domain.EvaluateRequest) (map[string]any, error)

func (f evalFunc) Evaluate(_ domain.Context, req domain.EvaluateRequest, _ func(domain.Event)) (map[string]any, error) {
	return f(req)
}
