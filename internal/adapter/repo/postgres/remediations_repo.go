package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// RemediationRepo persists terminal remediation outcomes in PostgreSQL.
type RemediationRepo struct{ Pool PgxPool }

// NewRemediationRepo constructs a RemediationRepo with the given pool.
func NewRemediationRepo(p PgxPool) *RemediationRepo { return &RemediationRepo{Pool: p} }

// SaveRemediation upserts a completed remediation keyed by job id.
func (r *RemediationRepo) SaveRemediation(ctx domain.Context, jobID string, req domain.RemediationRequest, result map[string]any, createdAt time.Time) error {
	tracer := otel.Tracer("repo.remediations")
	ctx, span := tracer.Start(ctx, "remediations.Save")
	defer span.End()
	reqJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("op=remediation.save: marshal request: %w", err)
	}
	resJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=remediation.save: marshal result: %w", err)
	}
	q := `INSERT INTO remediations (id, evaluation_id, status, request, result, error, created_at, finished_at)
	VALUES ($1,$2,'completed',$3,$4,'',$5,$6)
	ON CONFLICT (id)
	DO UPDATE SET status='completed', result=EXCLUDED.result, error='', finished_at=EXCLUDED.finished_at`
	if _, err := r.Pool.Exec(ctx, q, jobID, req.EvaluationID, reqJSON, resJSON, createdAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("op=remediation.save: %w", err)
	}
	return nil
}

// SaveFailedRemediation upserts a failed remediation with its error message.
func (r *RemediationRepo) SaveFailedRemediation(ctx domain.Context, jobID string, req domain.RemediationRequest, errMsg string, createdAt time.Time) error {
	tracer := otel.Tracer("repo.remediations")
	ctx, span := tracer.Start(ctx, "remediations.SaveFailed")
	defer span.End()
	reqJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("op=remediation.save_failed: marshal request: %w", err)
	}
	q := `INSERT INTO remediations (id, evaluation_id, status, request, result, error, created_at, finished_at)
	VALUES ($1,$2,'failed',$3,'null',$4,$5,$6)
	ON CONFLICT (id)
	DO UPDATE SET status='failed', error=EXCLUDED.error, finished_at=EXCLUDED.finished_at`
	if _, err := r.Pool.Exec(ctx, q, jobID, req.EvaluationID, reqJSON, errMsg, createdAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("op=remediation.save_failed: %w", err)
	}
	return nil
}

// GetRemediation loads a completed remediation's result by job id.
func (r *RemediationRepo) GetRemediation(ctx domain.Context, jobID string) (map[string]any, error) {
	tracer := otel.Tracer("repo.remediations")
	ctx, span := tracer.Start(ctx, "remediations.Get")
	defer span.End()
	q := `SELECT result FROM remediations WHERE id=$1 AND status='completed'`
	row := r.Pool.QueryRow(ctx, q, jobID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("op=remediation.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=remediation.get: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("op=remediation.get: unmarshal result: %w", err)
	}
	return result, nil
}

// LinkResultEvaluation records the follow-up evaluation produced from a
// remediation's output so the two reports can be compared later.
func (r *RemediationRepo) LinkResultEvaluation(ctx domain.Context, remediationID, evaluationID string) error {
	tracer := otel.Tracer("repo.remediations")
	ctx, span := tracer.Start(ctx, "remediations.LinkResultEvaluation")
	defer span.End()
	q := `UPDATE remediations SET result_evaluation_id=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, remediationID, evaluationID); err != nil {
		return fmt.Errorf("op=remediation.link_result: %w", err)
	}
	return nil
}
