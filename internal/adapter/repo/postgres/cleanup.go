package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService enforces data retention on the evaluation archive.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes evaluations and remediations older than the
// retention period. Remediations go first so their evaluation references
// never dangle mid-sweep.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tagRem, err := s.Pool.Exec(ctx, `DELETE FROM remediations WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.remediations: %w", err)
	}
	tagEval, err := s.Pool.Exec(ctx, `DELETE FROM evaluations WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.evaluations: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_evaluations", tagEval.RowsAffected()),
		slog.Int64("deleted_remediations", tagRem.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
