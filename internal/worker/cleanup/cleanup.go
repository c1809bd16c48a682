// Package cleanup は配信済みニュースの自動削除ジョブを提供する。
// 保持期間（デフォルト7日）を超過したDELIVEREDのニュースを1日1回、指定時刻に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/newsrelay/internal/model"
)

// Purger は指定状態の古いニュースを削除する永続化操作。
type Purger interface {
	PurgeOlderThan(ctx context.Context, days int, status model.NewsStatus) (int64, error)
}

// Job は保持期間を超過したニュースの削除ジョブ。
// 冪等な削除処理で、削除対象がない場合もエラーにならない。
type Job struct {
	purger        Purger
	logger        *slog.Logger
	RetentionDays int // 保持日数（デフォルト: 7）
	Hour          int // 実行する時刻（0〜23、デフォルト: 3）

	mu      sync.Mutex
	lastRun time.Time
}

// NewJob は新しいJobを生成する。
func NewJob(purger Purger, logger *slog.Logger) *Job {
	return &Job{
		purger:        purger,
		logger:        logger,
		RetentionDays: 7,
		Hour:          3,
	}
}

// Due は現在時刻が実行時刻で、その日にまだ実行していない場合にtrueを返す。
func (j *Job) Due(now time.Time) bool {
	if now.Hour() != j.Hour {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastRun.IsZero() {
		return true
	}
	y1, m1, d1 := j.lastRun.Date()
	y2, m2, d2 := now.Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

// Run は保持期間を超過したDELIVEREDのニュースを削除し、削除件数を返す。
func (j *Job) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	deletedCount, err := j.purger.PurgeOlderThan(ctx, j.RetentionDays, model.StatusDelivered)
	if err != nil {
		j.logger.Error("ニュースのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("ニュースのクリーンアップに失敗: %w", err)
	}

	j.mu.Lock()
	j.lastRun = start
	j.mu.Unlock()

	duration := time.Since(start)
	j.logger.Info("ニュースのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return deletedCount, nil
}
