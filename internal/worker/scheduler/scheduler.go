// Package scheduler はパイプラインのサイクルを一定間隔で実行する。
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/newsrelay/internal/pipeline"
)

// CycleRunner はサイクルを1回実行する。
type CycleRunner interface {
	RunCycle(ctx context.Context) (pipeline.Result, error)
}

// Scheduler はティッカーでサイクルを起動する。
// サイクルは同じgoroutineで逐次実行するため、前のサイクルが終わるまで次は始まらない。
// 実行中に発火したティックは捨てられる。
type Scheduler struct {
	runner CycleRunner
	logger *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(runner CycleRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{runner: runner, logger: logger}
}

// Start は起動直後に1回、その後interval間隔でサイクルを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("サイクルスケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("サイクルスケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce はサイクルを1回実行し、結果をログに記録する。
// 手動実行などで別のサイクルが実行中の場合はスキップする。
func (s *Scheduler) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	res, err := s.runner.RunCycle(ctx)
	if errors.Is(err, pipeline.ErrCycleInProgress) {
		s.logger.Warn("前のサイクルが実行中のためスキップします")
		return
	}
	if err != nil {
		s.logger.Error("サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}

	if !res.Success {
		s.logger.Error("サイクルが失敗しました",
			slog.String("cycle_id", res.CycleID),
			slog.Any("errors", res.Errors),
		)
		return
	}
	s.logger.Info("サイクルが成功しました",
		slog.String("cycle_id", res.CycleID),
		slog.Int("ingested", res.Counts[pipeline.CountIngested]),
		slog.Int("transformed", res.Counts[pipeline.CountTransformed]),
		slog.Int("delivered", res.Counts[pipeline.CountDelivered]),
		slog.Float64("duration_ms", float64(res.Duration.Milliseconds())),
	)
}
