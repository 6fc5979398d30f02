package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"flexd/internal/store"
)

// CleanupOldEvents deletes events older than the retention window.
// Works on both dialects: SQLite text timestamps compare
// lexicographically and Postgres casts the text cutoff.
func CleanupOldEvents(ctx context.Context, s *store.Store, retention time.Duration) {
	cutoff := time.Now().UTC().Add(-retention).Format("2006-01-02 15:04:05")
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM _events WHERE created_at < %s", pb.Add(cutoff))
	n, err := store.Exec(ctx, s.DB, sqlStr, pb.Params()...)
	if err != nil {
		zap.L().Error("event cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("event cleanup", zap.Int64("deleted", n))
	}
}

// StartCleanup runs CleanupOldEvents on a fixed interval until the
// returned stop function is called.
func StartCleanup(s *store.Store, retention, interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				CleanupOldEvents(context.Background(), s, retention)
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
