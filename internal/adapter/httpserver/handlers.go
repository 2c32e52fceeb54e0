package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/internal/jobs"
	"github.com/fairyhunter13/ai-code-evaluator/internal/service/ratelimiter"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg          config.Config
	Jobs         *jobs.Manager
	Remediations *jobs.RemediationManager // nil when remediation is disabled
	Batches      *jobs.BatchManager
	Limiter      *ratelimiter.DailyLimiter
	// Persistence fallbacks for jobs already swept from memory. Nil when the
	// service runs without a database.
	Evals   domain.EvaluationRepository
	Rems    domain.RemediationRepository
	DBCheck func(ctx context.Context) error
	Version string

	startedAt time.Time
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, mgr *jobs.Manager, rem *jobs.RemediationManager, batches *jobs.BatchManager, limiter *ratelimiter.DailyLimiter, dbCheck func(context.Context) error, version string) *Server {
	return &Server{
		Cfg:          cfg,
		Jobs:         mgr,
		Remediations: rem,
		Batches:      batches,
		Limiter:      limiter,
		DBCheck:      dbCheck,
		Version:      version,
		startedAt:    time.Now(),
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// acceptsJSON rejects requests whose Accept header excludes JSON.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
		Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a},
	}})
	return false
}

// EvaluateHandler admits one evaluation job. The request body is forwarded to
// the engine verbatim; only the repoUrl and underscore hook fields are read
// here. Submissions carrying a repoUrl consume one unit of the daily limit.
func (s *Server) EvaluateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		req := domain.EvaluateRequest{Payload: payload}
		if req.RepoURL() != "" && s.Limiter != nil {
			if d := s.Limiter.Consume(); !d.Allowed {
				observability.RateLimitDeniedTotal.Inc()
				writeError(w, r, fmt.Errorf("daily git evaluation limit reached: %w", domain.ErrRateLimited),
					map[string]any{"limit": d.Limit, "remaining": d.Remaining})
				return
			}
		}
		jobID, err := s.Jobs.SubmitJob(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID, "status": string(domain.JobQueued)})
	}
}

// JobHandler returns the full job record. Jobs already swept from memory are
// served from persistence when a completed result survives there.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		job, ok := s.Jobs.GetJob(id)
		if !ok {
			if s.Evals != nil {
				if result, err := s.Evals.GetEvaluation(r.Context(), id); err == nil {
					writeJSON(w, http.StatusOK, domain.Job{ID: id, Status: domain.JobCompleted, Result: result})
					return
				}
			}
			writeError(w, r, fmt.Errorf("job %s: %w", id, domain.ErrNotFound), nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelHandler cancels a queued job. Running and terminal jobs cannot be
// cancelled and yield a conflict.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := s.Jobs.GetJob(id); !ok {
			writeError(w, r, fmt.Errorf("job %s: %w", id, domain.ErrNotFound), nil)
			return
		}
		if !s.Jobs.CancelJob(id) {
			writeError(w, r, fmt.Errorf("job %s is not queued: %w", id, domain.ErrConflict), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "status": string(domain.JobFailed)})
	}
}

// BatchSubmitHandler admits a sequential batch of git evaluations.
func (s *Server) BatchSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			URLs    []string       `json:"urls" validate:"required,min=1,dive,required"`
			Options map[string]any `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		batchID, err := s.Batches.SubmitBatch(r.Context(), req.URLs, req.Options)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"batchId": batchID, "totalUrls": len(req.URLs)})
	}
}

// BatchStatusHandler returns the aggregate status of a batch.
func (s *Server) BatchStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		st, ok := s.Batches.GetBatch(id)
		if !ok {
			writeError(w, r, fmt.Errorf("batch %s: %w", id, domain.ErrNotFound), nil)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// RemediateHandler admits a remediation job targeting one evaluation. At most
// one active remediation per evaluation is allowed.
func (s *Server) RemediateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			EvaluationID string         `json:"evaluationId" validate:"required"`
			Payload      map[string]any `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: evaluationId required", domain.ErrInvalidArgument), nil)
			return
		}
		if s.Remediations.HasActiveJobForEvaluation(req.EvaluationID) {
			writeError(w, r, fmt.Errorf("remediation already active for evaluation %s: %w", req.EvaluationID, domain.ErrConflict), nil)
			return
		}
		jobID, err := s.Remediations.SubmitJob(r.Context(), domain.RemediationRequest{
			EvaluationID: req.EvaluationID,
			Payload:      req.Payload,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID, "status": string(domain.JobQueued)})
	}
}

// RemediationJobHandler returns the full remediation job record.
func (s *Server) RemediationJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		job, ok := s.Remediations.GetJob(id)
		if !ok {
			if s.Rems != nil {
				if result, err := s.Rems.GetRemediation(r.Context(), id); err == nil {
					writeJSON(w, http.StatusOK, domain.Job{ID: id, Status: domain.JobCompleted, Result: result})
					return
				}
			}
			writeError(w, r, fmt.Errorf("remediation %s: %w", id, domain.ErrNotFound), nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// ConfigHandler exposes daily-limit standing and service capabilities so the
// UI can render submit affordances without a round of failed submits.
func (s *Server) ConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var st ratelimiter.Stats
		if s.Limiter != nil {
			st = s.Limiter.Stats()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"dailyGitEvalLimit":     st.Limit,
			"dailyGitEvalCount":     st.Count,
			"dailyGitEvalRemaining": st.Remaining,
			"remediationEnabled":    s.Remediations != nil,
			"evaluators":            domain.EvaluatorRegistry,
		})
	}
}

// HealthzHandler reports service health derived from job outcomes: degraded
// when more than half of at least 10 jobs failed, unhealthy (503) when every
// one of at least 5 jobs failed.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.Jobs.Stats()
		status := "healthy"
		if st.Total >= 10 && float64(st.Failed) > 0.5*float64(st.Total) {
			status = "degraded"
		}
		if st.Total >= 5 && st.Failed == st.Total {
			status = "unhealthy"
		}
		code := http.StatusOK
		if status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    int64(time.Since(s.startedAt).Seconds()),
			"version":   s.Version,
			"jobs": map[string]any{
				"total":     st.Total,
				"active":    st.Active,
				"queued":    st.Queued,
				"running":   st.Running,
				"completed": st.Completed,
				"failed":    st.Failed,
			},
		})
	}
}

// ReadyzHandler probes the database when one is wired.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 1)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
