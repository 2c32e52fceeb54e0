package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-code-evaluator/internal/observability"
)

const kindEvaluation = "evaluation"

// ManagerOptions configure the evaluation job manager.
type ManagerOptions struct {
	MaxConcurrentJobs   int
	MaxQueueSize        int
	SaveRetryMaxElapsed time.Duration
	Store               StoreOptions
}

// FinishedListener is notified exactly once per job that reaches a terminal
// state, with the job id and its terminal status.
type FinishedListener func(jobID string, status domain.JobStatus)

// Manager is the bounded FIFO evaluation job queue. Submissions are admitted
// while queued plus running jobs stay under MaxQueueSize; the dispatcher runs
// up to MaxConcurrentJobs engine invocations in parallel, oldest queued job
// first. Progress events fan out through a buffered hub so that no event is
// lost between submission and the first subscriber attach.
type Manager struct {
	store *Store
	hub   *hub

	engine domain.Engine
	evals  domain.EvaluationRepository
	rems   domain.RemediationRepository

	maxConcurrent int
	maxQueue      int
	saveRetryMax  time.Duration

	mu       sync.Mutex
	running  map[string]struct{}
	finished []FinishedListener
	closed   bool
}

// NewManager constructs a Manager and starts the store sweeper. evals and
// rems may be nil when persistence is not wired (dev mode, tests).
func NewManager(engine domain.Engine, evals domain.EvaluationRepository, rems domain.RemediationRepository, opts ManagerOptions) *Manager {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 2
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 20
	}
	if opts.SaveRetryMaxElapsed <= 0 {
		opts.SaveRetryMaxElapsed = 10 * time.Second
	}
	m := &Manager{
		store:         NewStore(opts.Store),
		hub:           newHub(),
		engine:        engine,
		evals:         evals,
		rems:          rems,
		maxConcurrent: opts.MaxConcurrentJobs,
		maxQueue:      opts.MaxQueueSize,
		saveRetryMax:  opts.SaveRetryMaxElapsed,
		running:       make(map[string]struct{}),
	}
	m.store.StartSweeper()
	return m
}

// SubmitJob admits a new evaluation job. It fails with ErrQueueFull when
// queued plus running jobs have reached MaxQueueSize; no job is created in
// that case.
func (m *Manager) SubmitJob(ctx domain.Context, req domain.EvaluateRequest) (string, error) {
	_, span := otel.Tracer("jobs.manager").Start(ctx, "jobs.Submit")
	defer span.End()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("op=jobs.submit: %w", domain.ErrInternal)
	}
	if m.store.ActiveCount() >= m.maxQueue {
		m.mu.Unlock()
		return "", fmt.Errorf("op=jobs.submit: %w", domain.ErrQueueFull)
	}
	now := time.Now()
	job := domain.Job{
		ID:        uuid.NewString(),
		Status:    domain.JobQueued,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
		Logs:      []domain.LogEntry{},
	}
	m.store.Create(job)
	m.mu.Unlock()

	observability.JobsEnqueuedTotal.WithLabelValues(kindEvaluation).Inc()
	obsctx.Logger(ctx).Info("evaluation job admitted",
		slog.String("job_id", job.ID),
		slog.String("request_id", obsctx.RequestID(ctx)))
	m.handleEvent(job.ID, domain.Event{Type: domain.EventJobQueued, Data: map[string]any{
		"jobId":   job.ID,
		"request": req.Payload,
	}})
	go m.dispatch()
	return job.ID, nil
}

// GetJob returns a snapshot of the job.
func (m *Manager) GetJob(id string) (domain.Job, bool) { return m.store.Get(id) }

// GetAllJobs returns all jobs, oldest first.
func (m *Manager) GetAllJobs() []domain.Job { return m.store.All() }

// GetActiveJobs returns queued and running jobs, oldest first.
func (m *Manager) GetActiveJobs() []domain.Job { return m.store.ActiveJobs() }

// Stats summarizes the job catalog.
func (m *Manager) Stats() StoreStats { return m.store.Stats() }

// OnProgress registers a progress subscriber for a job. Events buffered
// before the first subscriber attached are replayed to the new callback in
// original order before any live event.
func (m *Manager) OnProgress(jobID string, fn func(domain.Event)) *Subscription {
	return m.hub.Subscribe(jobID, fn)
}

// OffProgress deregisters a subscriber.
func (m *Manager) OffProgress(sub *Subscription) { m.hub.Unsubscribe(sub) }

// OnJobFinished registers a process-wide terminal-status listener.
func (m *Manager) OnJobFinished(fn FinishedListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, fn)
}

// CancelJob cancels a queued job. Running jobs cannot be cancelled; repeated
// calls on the same job return false and do not re-emit.
func (m *Manager) CancelJob(id string) bool {
	jobErr := domain.JobError{Message: "Job cancelled by user", Code: domain.CodeJobCancelled}
	if !m.store.FailIfQueued(id, jobErr) {
		return false
	}
	observability.JobsFailedTotal.WithLabelValues(kindEvaluation).Inc()
	m.handleEvent(id, domain.Event{Type: domain.EventJobFailed, Data: map[string]any{
		"jobId": id,
		"error": map[string]any{"message": jobErr.Message, "code": jobErr.Code},
	}})
	m.hub.Clear(id)
	m.notifyFinished(id, domain.JobFailed)
	return true
}

// Shutdown stops the sweeper and drops all subscribers and buffers. Jobs in
// flight are not preempted; the engine is expected to terminate on its own.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.running = make(map[string]struct{})
	m.mu.Unlock()
	m.store.Stop()
	m.hub.Reset()
}

// dispatch starts queued jobs while capacity remains, oldest first.
func (m *Manager) dispatch() {
	for {
		m.mu.Lock()
		if m.closed || len(m.running) >= m.maxConcurrent {
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
			continue
		}
		m.running[job.ID] = struct{}{}
		m.mu.Unlock()
		observability.JobsProcessing.WithLabelValues(kindEvaluation).Inc()
		go m.execute(job.ID)
	}
}

// execute runs one job through the engine and records its terminal outcome.
func (m *Manager) execute(id string) {
	job, ok := m.store.Get(id)
	if !ok || job.StartedAt == nil {
		m.finish(id, domain.JobFailed, nil)
		return
	}
	start := *job.StartedAt

	result, err := m.invokeEngine(job)
	if err != nil {
		jobErr := domain.JobError{
			Message: err.Error(),
			Code:    domain.ErrorCode(err, domain.CodeEvaluationError),
			Details: fmt.Sprintf("%+v", err),
		}
		m.store.StoreError(id, jobErr)
		m.persistFailure(job, jobErr)
		observability.JobsFailedTotal.WithLabelValues(kindEvaluation).Inc()
		m.handleEvent(id, domain.Event{Type: domain.EventJobFailed, Data: map[string]any{
			"jobId": id,
			"error": map[string]any{"message": jobErr.Message, "code": jobErr.Code},
		}})
		m.finish(id, domain.JobFailed, job.Request.Cleanup)
		return
	}

	m.store.StoreResult(id, result)
	m.persistSuccess(job, result)
	if remID := job.Request.SourceRemediationID(); remID != "" && m.rems != nil {
		if err := m.rems.LinkResultEvaluation(context.Background(), remID, id); err != nil {
			slog.Error("link result evaluation failed",
				slog.String("job_id", id), slog.String("remediation_id", remID), slog.Any("error", err))
		}
	}
	observability.JobsCompletedTotal.WithLabelValues(kindEvaluation).Inc()
	m.handleEvent(id, domain.Event{Type: domain.EventJobCompleted, Data: map[string]any{
		"jobId":    id,
		"result":   result,
		"duration": time.Since(start).Milliseconds(),
	}})
	m.finish(id, domain.JobCompleted, job.Request.Cleanup)
}

// invokeEngine calls the engine, converting panics into job failures so a
// misbehaving engine never takes down the dispatcher.
func (m *Manager) invokeEngine(job domain.Job) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("op=jobs.engine: panic: %v", rec)
		}
	}()
	emit := func(ev domain.Event) { m.handleEvent(job.ID, ev) }
	return m.engine.Evaluate(context.Background(), job.Request, emit)
}

// finish is the always-run tail of job execution: cleanup hook, hub teardown,
// terminal listeners, and a fresh dispatch pass.
func (m *Manager) finish(id string, status domain.JobStatus, cleanup func()) {
	if cleanup != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("job cleanup hook panicked", slog.String("job_id", id), slog.Any("recover", rec))
				}
			}()
			cleanup()
		}()
	}
	m.hub.Clear(id)
	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
	observability.JobsProcessing.WithLabelValues(kindEvaluation).Dec()
	m.notifyFinished(id, status)
	m.dispatch()
}

// notifyFinished invokes every terminal listener, isolating panics so one
// listener cannot starve its siblings.
func (m *Manager) notifyFinished(id string, status domain.JobStatus) {
	m.mu.Lock()
	listeners := make([]FinishedListener, len(m.finished))
	copy(listeners, m.finished)
	m.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("job finished listener panicked", slog.String("job_id", id), slog.Any("recover", rec))
				}
			}()
			fn(id, status)
		}()
	}
}

// handleEvent is the single entry point for every event touching a job:
// progress snapshot updates, log tail formatting, and hub fan-out.
func (m *Manager) handleEvent(id string, ev domain.Event) {
	switch ev.Type {
	case domain.EventEvaluatorProgress:
		if job, ok := m.store.Get(id); ok {
			p := job.Progress
			p.CurrentEvaluator = ev.String("evaluatorName")
			p.CompletedEvaluators = ev.IntOr("evaluatorIndex", p.CompletedEvaluators)
			p.TotalEvaluators = ev.IntOr("totalEvaluators", p.TotalEvaluators)
			if f := ev.String("currentFile"); f != "" {
				p.CurrentFile = f
			}
			m.store.UpdateProgress(id, p)
		}
	case domain.EventFileCompleted:
		if job, ok := m.store.Get(id); ok {
			p := job.Progress
			if f := ev.String("filePath"); f != "" {
				p.CurrentFile = f
			}
			p.CompletedFiles++
			p.TotalFiles = ev.IntOr("totalFiles", p.TotalFiles)
			m.store.UpdateProgress(id, p)
		}
	}
	if le := FormatEvent(ev); le != nil {
		m.store.AppendLog(id, *le)
	}
	observability.ProgressEventsTotal.WithLabelValues(kindEvaluation, ev.Type).Inc()
	m.hub.Emit(id, ev)
}

// persistSuccess writes the terminal result through the persistence port with
// capped retry. Exhausted retries are logged and swallowed; persistence never
// flips job state.
func (m *Manager) persistSuccess(job domain.Job, result map[string]any) {
	if m.evals == nil {
		return
	}
	ctx := context.Background()
	op := func() error {
		return m.evals.SaveEvaluation(ctx, job.ID, job.Request, result, job.CreatedAt)
	}
	if err := backoff.Retry(op, m.saveBackoff()); err != nil {
		slog.Error("save evaluation failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (m *Manager) persistFailure(job domain.Job, jobErr domain.JobError) {
	if m.evals == nil {
		return
	}
	ctx := context.Background()
	op := func() error {
		return m.evals.SaveFailedEvaluation(ctx, job.ID, job.Request, jobErr, job.CreatedAt)
	}
	if err := backoff.Retry(op, m.saveBackoff()); err != nil {
		slog.Error("save failed evaluation failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (m *Manager) saveBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = m.saveRetryMax
	return bo
}
