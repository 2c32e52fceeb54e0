package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/repo/postgres"
)

func TestNewCleanupService_DefaultRetention(t *testing.T) {
	t.Parallel()
	s := postgres.NewCleanupService(&poolStub{}, 0)
	assert.Equal(t, 90, s.RetentionDays)
}

func TestCleanupService_CleanupOldData(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	s := postgres.NewCleanupService(pool, 30)

	require.NoError(t, s.CleanupOldData(context.Background()))
	require.Len(t, pool.execSQL, 2)
	assert.Contains(t, pool.execSQL[0], "DELETE FROM remediations")
	assert.Contains(t, pool.execSQL[1], "DELETE FROM evaluations")
}

func TestCleanupService_CleanupOldData_Error(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: errors.New("down")}
	s := postgres.NewCleanupService(pool, 30)

	err := s.CleanupOldData(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=cleanup")
}
