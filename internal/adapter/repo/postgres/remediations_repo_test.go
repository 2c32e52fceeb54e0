package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

func testCreatedAt() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestRemediationRepo_SaveRemediation(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewRemediationRepo(pool)
	req := domain.RemediationRequest{EvaluationID: "eval-1", Payload: map[string]any{"issues": []any{}}}

	err := repo.SaveRemediation(context.Background(), "rem-1", req, map[string]any{"patched": true}, testCreatedAt())
	require.NoError(t, err)
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO remediations")
	assert.Equal(t, "rem-1", pool.execArgs[0][0])
	assert.Equal(t, "eval-1", pool.execArgs[0][1])
}

func TestRemediationRepo_SaveFailedRemediation(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewRemediationRepo(pool)
	req := domain.RemediationRequest{EvaluationID: "eval-2"}

	err := repo.SaveFailedRemediation(context.Background(), "rem-2", req, "apply failed", testCreatedAt())
	require.NoError(t, err)
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "'failed'")
	assert.Equal(t, "apply failed", pool.execArgs[0][3])
}

func TestRemediationRepo_SaveFailedRemediation_ExecError(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: errors.New("down")}
	repo := postgres.NewRemediationRepo(pool)

	err := repo.SaveFailedRemediation(context.Background(), "rem-2", domain.RemediationRequest{}, "x", testCreatedAt())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=remediation.save_failed")
}

func TestRemediationRepo_GetRemediation(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*dest[0].(*[]byte) = []byte(`{"patched":true}`)
		return nil
	}}}
	repo := postgres.NewRemediationRepo(pool)

	result, err := repo.GetRemediation(context.Background(), "rem-4")
	require.NoError(t, err)
	assert.Equal(t, true, result["patched"])
}

func TestRemediationRepo_GetRemediation_NotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewRemediationRepo(pool)

	_, err := repo.GetRemediation(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRemediationRepo_LinkResultEvaluation(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewRemediationRepo(pool)

	err := repo.LinkResultEvaluation(context.Background(), "rem-3", "eval-9")
	require.NoError(t, err)
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "UPDATE remediations SET result_evaluation_id")
	assert.Equal(t, []any{"rem-3", "eval-9"}, pool.execArgs[0])
}
