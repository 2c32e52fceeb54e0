package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

func TestEvaluationRepo_SaveEvaluation(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewEvaluationRepo(pool)
	req := domain.EvaluateRequest{Payload: map[string]any{"repoUrl": "https://example.com/repo.git"}}
	result := map[string]any{"overallScore": 87.5}

	err := repo.SaveEvaluation(context.Background(), "job-1", req, result, testCreatedAt())
	require.NoError(t, err)
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO evaluations")
	assert.Equal(t, "job-1", pool.execArgs[0][0])
}

func TestEvaluationRepo_SaveEvaluation_ExecError(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: errors.New("boom")}
	repo := postgres.NewEvaluationRepo(pool)

	err := repo.SaveEvaluation(context.Background(), "job-1", domain.EvaluateRequest{}, nil, testCreatedAt())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=evaluation.save")
}

func TestEvaluationRepo_SaveFailedEvaluation(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewEvaluationRepo(pool)
	jobErr := domain.JobError{Message: "engine exploded", Code: domain.CodeEvaluationError}

	err := repo.SaveFailedEvaluation(context.Background(), "job-2", domain.EvaluateRequest{}, jobErr, testCreatedAt())
	require.NoError(t, err)
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "'failed'")

	var decoded domain.JobError
	raw, ok := pool.execArgs[0][2].([]byte)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, jobErr, decoded)
}

func TestEvaluationRepo_GetEvaluation(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*[]byte)) = []byte(`{"overallScore":42}`)
		return nil
	}}}
	repo := postgres.NewEvaluationRepo(pool)

	result, err := repo.GetEvaluation(context.Background(), "job-3")
	require.NoError(t, err)
	assert.Equal(t, float64(42), result["overallScore"])
}

func TestEvaluationRepo_GetEvaluation_NotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewEvaluationRepo(pool)

	_, err := repo.GetEvaluation(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
