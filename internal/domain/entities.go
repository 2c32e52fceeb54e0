package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrQueueFull       = errors.New("queue full")
	ErrRateLimited     = errors.New("rate limited")
	ErrInternal        = errors.New("internal error")
)

// Error codes written to a job's error field or returned at submit time.
const (
	CodeQueueFull        = "QUEUE_FULL"
	CodeRateLimited      = "RATE_LIMITED"
	CodeJobCancelled     = "JOB_CANCELLED"
	CodeEvaluationError  = "EVALUATION_ERROR"
	CodeRemediationError = "REMEDIATION_ERROR"
	CodeInternal         = "INTERNAL"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// Active reports whether s is queued or running.
func (s JobStatus) Active() bool { return s == JobQueued || s == JobRunning }

// LogType classifies a job log-tail entry.
type LogType string

const (
	LogInfo    LogType = "info"
	LogWarning LogType = "warning"
	LogError   LogType = "error"
	LogSuccess LogType = "success"
)

// LogEntry is one line of a job's in-memory log tail.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      LogType   `json:"type"`
	Message   string    `json:"message"`
}

// Progress is the snapshot kept per job, updated from engine events.
// CurrentEvaluator is last-write-wins: when the engine runs evaluators in
// parallel it may jitter between names. Completed counts are monotone.
type Progress struct {
	CurrentEvaluator    string `json:"currentEvaluator,omitempty"`
	CompletedEvaluators int    `json:"completedEvaluators"`
	TotalEvaluators     int    `json:"totalEvaluators"`
	CurrentFile         string `json:"currentFile,omitempty"`
	TotalFiles          int    `json:"totalFiles"`
	CompletedFiles      int    `json:"completedFiles"`
}

// JobError is the normalized failure record stored on a failed job.
type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// EvaluateRequest is the caller-supplied payload. Payload is forwarded to the
// engine verbatim; the manager inspects only the underscore hook fields.
type EvaluateRequest struct {
	Payload map[string]any `json:"payload"`
	// Cleanup, when set, runs in the finally phase of job execution.
	// Panics are swallowed and logged.
	Cleanup func() `json:"-"`
}

// SourceRemediationID returns the _sourceRemediationId hook field, if present.
func (r EvaluateRequest) SourceRemediationID() string {
	return stringHook(r.Payload, "_sourceRemediationId")
}

// ParentEvaluationID returns the _parentEvaluationId hook field, if present.
// The core does not interpret it beyond exposing it here.
func (r EvaluateRequest) ParentEvaluationID() string {
	return stringHook(r.Payload, "_parentEvaluationId")
}

// RepoURL returns the repoUrl field of the payload, if present. Submissions
// carrying a repoUrl are subject to the daily git evaluation limit.
func (r EvaluateRequest) RepoURL() string { return stringHook(r.Payload, "repoUrl") }

func stringHook(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// RemediationRequest is the payload of a filesystem-mutating remediation job.
type RemediationRequest struct {
	EvaluationID string         `json:"evaluationId"`
	Payload      map[string]any `json:"payload"`
	Cleanup      func()         `json:"-"`
}

// Job is the unit of work tracked by the in-memory store.
// Invariants: StartedAt set implies status left queued; CompletedAt set iff
// completed; FailedAt set iff failed; Result non-nil iff completed; Error
// non-nil iff failed; len(Logs) bounded by the store's log tail cap.
type Job struct {
	ID          string          `json:"id"`
	Status      JobStatus       `json:"status"`
	Request     EvaluateRequest `json:"request"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	FailedAt    *time.Time      `json:"failedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Progress    Progress        `json:"progress"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	Logs        []LogEntry      `json:"logs"`
	// CurrentStep is set from step-carrying engine events on remediation jobs
	// only; evaluation jobs leave it empty.
	CurrentStep string `json:"currentStep,omitempty"`
	// EvaluationID links a remediation job to the evaluation it remediates.
	EvaluationID string `json:"evaluationId,omitempty"`
}

// Duration returns the elapsed run time in milliseconds for a terminal job,
// or 0 when the job never started.
func (j Job) Duration() int64 {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	} else if j.FailedAt != nil {
		end = *j.FailedAt
	}
	return end.Sub(*j.StartedAt).Milliseconds()
}

// Engine runs the evaluation of one request, emitting typed progress events
// through emit before returning a result or an error.
type Engine interface {
	Evaluate(ctx Context, req EvaluateRequest, emit func(Event)) (map[string]any, error)
}

// RemediationEngine applies a remediation, emitting step events as it goes.
type RemediationEngine interface {
	Remediate(ctx Context, req RemediationRequest, emit func(Event)) (map[string]any, error)
}

// EvaluationRepository persists terminal evaluation outcomes. Failures are
// logged by callers and never flip job state.
type EvaluationRepository interface {
	SaveEvaluation(ctx Context, jobID string, req EvaluateRequest, result map[string]any, createdAt time.Time) error
	SaveFailedEvaluation(ctx Context, jobID string, req EvaluateRequest, jobErr JobError, createdAt time.Time) error
	GetEvaluation(ctx Context, jobID string) (map[string]any, error)
}

// RemediationRepository persists terminal remediation outcomes and links a
// remediation to the evaluation produced from its result.
type RemediationRepository interface {
	SaveRemediation(ctx Context, jobID string, req RemediationRequest, result map[string]any, createdAt time.Time) error
	SaveFailedRemediation(ctx Context, jobID string, req RemediationRequest, errMsg string, createdAt time.Time) error
	LinkResultEvaluation(ctx Context, remediationID, evaluationID string) error
	GetRemediation(ctx Context, jobID string) (map[string]any, error)
}

// CodedError carries an engine-provided failure code through the error chain.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

// ErrorCode extracts an engine-provided code from err, or returns fallback.
func ErrorCode(err error, fallback string) string {
	var ce *CodedError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	return fallback
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases should pass context.Context through.
type Context = context.Context
