package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// EvaluationRepo persists terminal evaluation outcomes in PostgreSQL. The
// request payload and result are stored as JSONB so the engine's report shape
// can evolve without migrations.
type EvaluationRepo struct{ Pool PgxPool }

// NewEvaluationRepo constructs an EvaluationRepo with the given pool.
func NewEvaluationRepo(p PgxPool) *EvaluationRepo { return &EvaluationRepo{Pool: p} }

// SaveEvaluation upserts a completed evaluation keyed by job id.
func (r *EvaluationRepo) SaveEvaluation(ctx domain.Context, jobID string, req domain.EvaluateRequest, result map[string]any, createdAt time.Time) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Save")
	defer span.End()
	reqJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("op=evaluation.save: marshal request: %w", err)
	}
	resJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=evaluation.save: marshal result: %w", err)
	}
	q := `INSERT INTO evaluations (id, status, request, result, error, created_at, finished_at)
	VALUES ($1,'completed',$2,$3,'',$4,$5)
	ON CONFLICT (id)
	DO UPDATE SET status='completed', result=EXCLUDED.result, error='', finished_at=EXCLUDED.finished_at`
	if _, err := r.Pool.Exec(ctx, q, jobID, reqJSON, resJSON, createdAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("op=evaluation.save: %w", err)
	}
	return nil
}

// SaveFailedEvaluation upserts a failed evaluation with its error record.
func (r *EvaluationRepo) SaveFailedEvaluation(ctx domain.Context, jobID string, req domain.EvaluateRequest, jobErr domain.JobError, createdAt time.Time) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.SaveFailed")
	defer span.End()
	reqJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("op=evaluation.save_failed: marshal request: %w", err)
	}
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("op=evaluation.save_failed: marshal error: %w", err)
	}
	q := `INSERT INTO evaluations (id, status, request, result, error, created_at, finished_at)
	VALUES ($1,'failed',$2,'null',$3,$4,$5)
	ON CONFLICT (id)
	DO UPDATE SET status='failed', error=EXCLUDED.error, finished_at=EXCLUDED.finished_at`
	if _, err := r.Pool.Exec(ctx, q, jobID, reqJSON, errJSON, createdAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("op=evaluation.save_failed: %w", err)
	}
	return nil
}

// GetEvaluation loads a completed evaluation's result by job id.
func (r *EvaluationRepo) GetEvaluation(ctx domain.Context, jobID string) (map[string]any, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Get")
	defer span.End()
	q := `SELECT result FROM evaluations WHERE id=$1 AND status='completed'`
	row := r.Pool.QueryRow(ctx, q, jobID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("op=evaluation.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=evaluation.get: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("op=evaluation.get: unmarshal result: %w", err)
	}
	return result, nil
}
