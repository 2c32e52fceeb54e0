package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-code-evaluator/internal/observability"
)

const kindRemediation = "remediation"

// RemediationManagerOptions configure the remediation job manager.
type RemediationManagerOptions struct {
	MaxQueueSize        int
	SaveRetryMaxElapsed time.Duration
	Store               StoreOptions
}

// RemediationManager is the strict-serial variant of the job manager for
// filesystem-mutating work. At most one remediation runs at any time; the
// dispatcher refuses to start a second while one is running. Progress fan-out
// and replay follow the same contract as the evaluation manager.
type RemediationManager struct {
	store *Store
	hub   *hub

	engine domain.RemediationEngine
	repo   domain.RemediationRepository

	maxQueue     int
	saveRetryMax time.Duration

	mu        sync.Mutex
	runningID string
	requests  map[string]domain.RemediationRequest
	finished  []FinishedListener
	closed    bool
}

// NewRemediationManager constructs a RemediationManager and starts its store
// sweeper. repo may be nil when persistence is not wired.
func NewRemediationManager(engine domain.RemediationEngine, repo domain.RemediationRepository, opts RemediationManagerOptions) *RemediationManager {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 20
	}
	if opts.SaveRetryMaxElapsed <= 0 {
		opts.SaveRetryMaxElapsed = 10 * time.Second
	}
	m := &RemediationManager{
		store:        NewStore(opts.Store),
		hub:          newHub(),
		engine:       engine,
		repo:         repo,
		maxQueue:     opts.MaxQueueSize,
		saveRetryMax: opts.SaveRetryMaxElapsed,
		requests:     make(map[string]domain.RemediationRequest),
	}
	m.store.StartSweeper()
	return m
}

// SubmitJob admits a remediation job, subject to the same queue cap as the
// evaluation manager.
func (m *RemediationManager) SubmitJob(ctx domain.Context, req domain.RemediationRequest) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("op=remediation.submit: %w", domain.ErrInternal)
	}
	if m.store.ActiveCount() >= m.maxQueue {
		m.mu.Unlock()
		return "", fmt.Errorf("op=remediation.submit: %w", domain.ErrQueueFull)
	}
	now := time.Now()
	job := domain.Job{
		ID:           uuid.NewString(),
		Status:       domain.JobQueued,
		Request:      domain.EvaluateRequest{Payload: req.Payload},
		CreatedAt:    now,
		UpdatedAt:    now,
		Logs:         []domain.LogEntry{},
		EvaluationID: req.EvaluationID,
	}
	m.store.Create(job)
	m.requests[job.ID] = req
	m.mu.Unlock()

	observability.JobsEnqueuedTotal.WithLabelValues(kindRemediation).Inc()
	obsctx.Logger(ctx).Info("remediation job admitted",
		slog.String("job_id", job.ID),
		slog.String("evaluation_id", req.EvaluationID),
		slog.String("request_id", obsctx.RequestID(ctx)))
	go m.dispatch()
	return job.ID, nil
}

// GetJob returns a snapshot of the remediation job.
func (m *RemediationManager) GetJob(id string) (domain.Job, bool) { return m.store.Get(id) }

// GetAllJobs returns all remediation jobs, oldest first.
func (m *RemediationManager) GetAllJobs() []domain.Job { return m.store.All() }

// Stats summarizes the remediation catalog.
func (m *RemediationManager) Stats() StoreStats { return m.store.Stats() }

// HasActiveJobForEvaluation reports whether a queued or running remediation
// already targets the given evaluation. Callers use it to enforce one
// concurrent remediation per evaluation.
func (m *RemediationManager) HasActiveJobForEvaluation(evaluationID string) bool {
	for _, j := range m.store.ActiveJobs() {
		if j.EvaluationID == evaluationID {
			return true
		}
	}
	return false
}

// GetJobByEvaluationID returns the most recent remediation for an evaluation.
func (m *RemediationManager) GetJobByEvaluationID(evaluationID string) (domain.Job, bool) {
	return m.store.FindByEvaluationID(evaluationID)
}

// OnProgress registers a progress subscriber, replaying any buffered events.
func (m *RemediationManager) OnProgress(jobID string, fn func(domain.Event)) *Subscription {
	return m.hub.Subscribe(jobID, fn)
}

// OffProgress deregisters a subscriber.
func (m *RemediationManager) OffProgress(sub *Subscription) { m.hub.Unsubscribe(sub) }

// OnJobFinished registers a terminal-status listener.
func (m *RemediationManager) OnJobFinished(fn FinishedListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, fn)
}

// CancelJob cancels a queued remediation. Running remediations cannot be
// cancelled.
func (m *RemediationManager) CancelJob(id string) bool {
	jobErr := domain.JobError{Message: "Job cancelled by user", Code: domain.CodeJobCancelled}
	if !m.store.FailIfQueued(id, jobErr) {
		return false
	}
	observability.JobsFailedTotal.WithLabelValues(kindRemediation).Inc()
	m.handleEvent(id, domain.Event{Type: domain.EventRemediationFailed, Data: map[string]any{
		"jobId": id,
		"error": map[string]any{"message": jobErr.Message, "code": jobErr.Code},
	}})
	m.hub.Clear(id)
	m.notifyFinished(id, domain.JobFailed)
	return true
}

// Shutdown stops the sweeper and drops subscribers and buffers.
func (m *RemediationManager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.runningID = ""
	m.mu.Unlock()
	m.store.Stop()
	m.hub.Reset()
}

// dispatch starts the oldest queued remediation when none is running.
func (m *RemediationManager) dispatch() {
	m.mu.Lock()
	if m.closed || m.runningID != "" {
		m.mu.Unlock()
		return
	}
	job, ok := m.store.OldestQueued()
	if !ok {
		m.mu.Unlock()
		return
	}
	if !m.store.MarkRunning(job.ID) {
		m.mu.Unlock()
		return
	}
	m.runningID = job.ID
	m.mu.Unlock()
	observability.JobsProcessing.WithLabelValues(kindRemediation).Inc()
	go m.execute(job.ID)
}

func (m *RemediationManager) execute(id string) {
	m.mu.Lock()
	req := m.requests[id]
	m.mu.Unlock()
	job, ok := m.store.Get(id)
	if !ok || job.StartedAt == nil {
		m.finish(id, domain.JobFailed, nil)
		return
	}
	start := *job.StartedAt

	m.handleEvent(id, domain.Event{Type: domain.EventRemediationStarted, Data: map[string]any{
		"jobId":        id,
		"evaluationId": req.EvaluationID,
	}})

	result, err := m.invokeEngine(id, req)
	if err != nil {
		jobErr := domain.JobError{
			Message: err.Error(),
			Code:    domain.ErrorCode(err, domain.CodeRemediationError),
			Details: fmt.Sprintf("%+v", err),
		}
		m.store.StoreError(id, jobErr)
		m.persistFailure(id, req, jobErr.Message, job.CreatedAt)
		observability.JobsFailedTotal.WithLabelValues(kindRemediation).Inc()
		m.handleEvent(id, domain.Event{Type: domain.EventRemediationFailed, Data: map[string]any{
			"jobId": id,
			"error": map[string]any{"message": jobErr.Message, "code": jobErr.Code},
		}})
		m.finish(id, domain.JobFailed, req.Cleanup)
		return
	}

	m.store.StoreResult(id, result)
	m.persistSuccess(id, req, result, job.CreatedAt)
	observability.JobsCompletedTotal.WithLabelValues(kindRemediation).Inc()
	m.handleEvent(id, domain.Event{Type: domain.EventRemediationCompleted, Data: map[string]any{
		"jobId":    id,
		"result":   result,
		"duration": time.Since(start).Milliseconds(),
	}})
	m.finish(id, domain.JobCompleted, req.Cleanup)
}

func (m *RemediationManager) invokeEngine(id string, req domain.RemediationRequest) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("op=remediation.engine: panic: %v", rec)
		}
	}()
	emit := func(ev domain.Event) { m.handleEvent(id, ev) }
	return m.engine.Remediate(context.Background(), req, emit)
}

func (m *RemediationManager) finish(id string, status domain.JobStatus, cleanup func()) {
	if cleanup != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("remediation cleanup hook panicked", slog.String("job_id", id), slog.Any("recover", rec))
				}
			}()
			cleanup()
		}()
	}
	m.hub.Clear(id)
	m.mu.Lock()
	if m.runningID == id {
		m.runningID = ""
	}
	delete(m.requests, id)
	m.mu.Unlock()
	observability.JobsProcessing.WithLabelValues(kindRemediation).Dec()
	m.notifyFinished(id, status)
	m.dispatch()
}

func (m *RemediationManager) notifyFinished(id string, status domain.JobStatus) {
	m.mu.Lock()
	listeners := make([]FinishedListener, len(m.finished))
	copy(listeners, m.finished)
	m.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("remediation finished listener panicked", slog.String("job_id", id), slog.Any("recover", rec))
				}
			}()
			fn(id, status)
		}()
	}
}

// handleEvent updates currentStep from step-carrying events, formats the log
// tail, and fans the event out.
func (m *RemediationManager) handleEvent(id string, ev domain.Event) {
	if step := ev.String("step"); step != "" {
		m.store.UpdateCurrentStep(id, step)
	}
	if le := FormatEvent(ev); le != nil {
		m.store.AppendLog(id, *le)
	}
	observability.ProgressEventsTotal.WithLabelValues(kindRemediation, ev.Type).Inc()
	m.hub.Emit(id, ev)
}

func (m *RemediationManager) persistSuccess(id string, req domain.RemediationRequest, result map[string]any, createdAt time.Time) {
	if m.repo == nil {
		return
	}
	ctx := context.Background()
	op := func() error { return m.repo.SaveRemediation(ctx, id, req, result, createdAt) }
	if err := backoff.Retry(op, m.saveBackoff()); err != nil {
		slog.Error("save remediation failed", slog.String("job_id", id), slog.Any("error", err))
	}
}

func (m *RemediationManager) persistFailure(id string, req domain.RemediationRequest, errMsg string, createdAt time.Time) {
	if m.repo == nil {
		return
	}
	ctx := context.Background()
	op := func() error { return m.repo.SaveFailedRemediation(ctx, id, req, errMsg, createdAt) }
	if err := backoff.Retry(op, m.saveBackoff()); err != nil {
		slog.Error("save failed remediation failed", slog.String("job_id", id), slog.Any("error", err))
	}
}

func (m *RemediationManager) saveBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = m.saveRetryMax
	return bo
}
