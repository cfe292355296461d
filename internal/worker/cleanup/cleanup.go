// Package cleanup は保持期間を過ぎたイベントタグの削除ジョブを提供する。
// 対象はイベント終了日時(ends_at)がRetentionDays日より前のタグ。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は集計期間の上限(366日)より長い既定の保持日数。
const DefaultRetentionDays = 730

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を超過したイベントタグの削除ジョブ。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使う。
func NewCleanupJob(db Executor, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run は保持期間を超過したイベントタグを削除する。
// 削除対象がない場合もエラーにはならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM event_tags WHERE ends_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("event tag cleanup failed",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("failed to delete expired event tags: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("failed to read deleted row count",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to read deleted row count: %w", err)
	}

	j.logger.Info("event tag cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Schedule は起動直後に1回実行し、以降intervalごとにRunを繰り返す。
// ctxがキャンセルされると戻る。個々の実行失敗はログに残して継続する。
func (j *CleanupJob) Schedule(ctx context.Context, interval time.Duration) {
	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

// runLogged はRunを実行する。失敗はRun内でログ済みのため、次回の実行に任せる。
func (j *CleanupJob) runLogged(ctx context.Context) {
	_ = j.Run(ctx)
}
