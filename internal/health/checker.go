// Package health は外部の協調サービスの可用性をまとめて確認する。
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout は1件の確認に許す時間。
const DefaultTimeout = 10 * time.Second

// Check は1つのコンポーネントの可用性確認。
type Check func(ctx context.Context) bool

// Report は可用性確認の結果。
type Report struct {
	Healthy    bool            `json:"healthy"`
	Components map[string]bool `json:"components"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// Unhealthy は利用できないコンポーネント名を名前順で返す。
func (r Report) Unhealthy() []string {
	var names []string
	for name, ok := range r.Components {
		if !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Checker は登録されたコンポーネントを並行に確認する。
type Checker struct {
	checks  map[string]Check
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewChecker は新しいCheckerを生成する。timeoutが0以下の場合はDefaultTimeoutを使う。
func NewChecker(timeout time.Duration, logger *slog.Logger) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		checks:  make(map[string]Check),
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Register はコンポーネントを登録する。起動時にのみ呼び出す。
func (c *Checker) Register(name string, check Check) {
	c.checks[name] = check
}

// Check は全コンポーネントを並行に確認する。全てが利用可能な場合のみHealthyになる。
// 確認中のpanicとタイムアウトは利用不可として扱う。
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{
		Components: make(map[string]bool, len(c.checks)),
		CheckedAt:  c.now(),
	}

	var mu sync.Mutex
	var g errgroup.Group
	for name, check := range c.checks {
		g.Go(func() error {
			ok := c.run(ctx, name, check)
			mu.Lock()
			report.Components[name] = ok
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	report.Healthy = true
	for _, ok := range report.Components {
		report.Healthy = report.Healthy && ok
	}

	if !report.Healthy {
		c.logger.Warn("利用できないコンポーネントがあります",
			slog.Any("components", report.Unhealthy()),
		)
	}
	return report
}

func (c *Checker) run(ctx context.Context, name string, check Check) (ok bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				c.logger.Error("可用性確認でpanicが発生しました",
					slog.String("component", name),
					slog.Any("panic", rec),
				)
				done <- false
			}
		}()
		done <- check(ctx)
	}()

	select {
	case ok = <-done:
	case <-ctx.Done():
		c.logger.Warn("可用性確認がタイムアウトしました",
			slog.String("component", name),
		)
		ok = false
	}
	return ok
}
