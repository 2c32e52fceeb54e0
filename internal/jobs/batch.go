package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/internal/service/ratelimiter"
)

// BatchJobStatus is one child entry of a batch status response.
type BatchJobStatus struct {
	JobID  string           `json:"jobId,omitempty"`
	URL    string           `json:"url"`
	Status domain.JobStatus `json:"status"`
	// Code is set for children denied admission, distinguishing a daily-limit
	// rejection from a full queue.
	Code string `json:"code,omitempty"`
}

// BatchStatus is the aggregate view of a batch.
type BatchStatus struct {
	ID         string           `json:"id"`
	TotalURLs  int              `json:"totalUrls"`
	Pending    int              `json:"pending"`
	Queued     int              `json:"queued"`
	Running    int              `json:"running"`
	Completed  int              `json:"completed"`
	Failed     int              `json:"failed"`
	IsFinished bool             `json:"isFinished"`
	Jobs       []BatchJobStatus `json:"jobs"`
}

type batchChild struct {
	url      string
	jobID    string
	terminal domain.JobStatus // recorded on finish so GC of the job cannot lose it
	failed   bool             // child denied before a job existed
	code     string           // admission failure code (RATE_LIMITED, QUEUE_FULL)
}

type batch struct {
	id       string
	children []*batchChild
	options  map[string]any
	next     int
}

// BatchManager submits an ordered set of child evaluation jobs strictly one
// at a time: the next URL is not submitted until the previous child reached a
// terminal state. Sequencing rides on the job manager's finished listener.
// Children denied by the daily limiter are marked failed and the batch
// advances past them.
type BatchManager struct {
	mu         sync.Mutex
	mgr        *Manager
	limiter    *ratelimiter.DailyLimiter
	batches    map[string]*batch
	jobToBatch map[string]string
}

// NewBatchManager wires a BatchManager to the job manager's terminal hook.
func NewBatchManager(mgr *Manager, limiter *ratelimiter.DailyLimiter) *BatchManager {
	bm := &BatchManager{
		mgr:        mgr,
		limiter:    limiter,
		batches:    make(map[string]*batch),
		jobToBatch: make(map[string]string),
	}
	mgr.OnJobFinished(bm.onChildFinished)
	return bm
}

// SubmitBatch creates a batch for the given URLs and submits the first child.
// options are merged into every child payload.
func (bm *BatchManager) SubmitBatch(ctx domain.Context, urls []string, options map[string]any) (string, error) {
	if len(urls) == 0 {
		return "", fmt.Errorf("op=batch.submit: urls required: %w", domain.ErrInvalidArgument)
	}
	b := &batch{id: uuid.NewString(), options: options}
	for _, u := range urls {
		b.children = append(b.children, &batchChild{url: u})
	}
	bm.mu.Lock()
	bm.batches[b.id] = b
	bm.submitNext(b)
	bm.mu.Unlock()
	observability.JobsEnqueuedTotal.WithLabelValues("batch").Inc()
	return b.id, nil
}

// GetBatch returns the aggregate status of a batch.
func (bm *BatchManager) GetBatch(id string) (BatchStatus, bool) {
	bm.mu.Lock()
	b, ok := bm.batches[id]
	if !ok {
		bm.mu.Unlock()
		return BatchStatus{}, false
	}
	children := make([]*batchChild, len(b.children))
	copy(children, b.children)
	bm.mu.Unlock()

	st := BatchStatus{ID: id, TotalURLs: len(children)}
	finished := true
	for _, c := range children {
		js := BatchJobStatus{URL: c.url, JobID: c.jobID, Code: c.code}
		switch {
		case c.failed:
			js.Status = domain.JobFailed
		case c.terminal != "":
			js.Status = c.terminal
		case c.jobID == "":
			js.Status = domain.JobQueued // pending submission
		default:
			if j, ok := bm.mgr.GetJob(c.jobID); ok {
				js.Status = j.Status
			} else {
				// Swept before we recorded the terminal status; count it done.
				js.Status = domain.JobCompleted
			}
		}
		switch {
		case c.jobID == "" && !c.failed:
			st.Pending++
			finished = false
		case js.Status == domain.JobQueued:
			st.Queued++
			finished = false
		case js.Status == domain.JobRunning:
			st.Running++
			finished = false
		case js.Status == domain.JobCompleted:
			st.Completed++
		case js.Status == domain.JobFailed:
			st.Failed++
		}
		st.Jobs = append(st.Jobs, js)
	}
	st.IsFinished = finished
	return st, true
}

// onChildFinished advances the owning batch when a child terminates.
func (bm *BatchManager) onChildFinished(jobID string, status domain.JobStatus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	batchID, ok := bm.jobToBatch[jobID]
	if !ok {
		return
	}
	delete(bm.jobToBatch, jobID)
	b, ok := bm.batches[batchID]
	if !ok {
		return
	}
	for _, c := range b.children {
		if c.jobID == jobID {
			c.terminal = status
			break
		}
	}
	bm.submitNext(b)
}

// submitNext submits children until one is accepted or the batch is
// exhausted. Must be called with bm.mu held.
func (bm *BatchManager) submitNext(b *batch) {
	for b.next < len(b.children) {
		child := b.children[b.next]
		b.next++
		if bm.limiter != nil {
			if d := bm.limiter.Consume(); !d.Allowed {
				child.failed = true
				child.code = domain.CodeRateLimited
				observability.RateLimitDeniedTotal.Inc()
				continue
			}
		}
		payload := make(map[string]any, len(b.options)+1)
		for k, v := range b.options {
			payload[k] = v
		}
		payload["repoUrl"] = child.url
		id, err := bm.mgr.SubmitJob(context.Background(), domain.EvaluateRequest{Payload: payload})
		if err != nil {
			child.failed = true
			if errors.Is(err, domain.ErrQueueFull) {
				child.code = domain.CodeQueueFull
			} else {
				child.code = domain.CodeInternal
			}
			continue
		}
		child.jobID = id
		bm.jobToBatch[id] = b.id
		return
	}
}
