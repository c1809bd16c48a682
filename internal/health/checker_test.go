package health

import (
	"bytes"
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func healthy(context.Context) bool   { return true }
func unhealthy(context.Context) bool { return false }

func TestChecker_AllHealthy(t *testing.T) {
	var buf bytes.Buffer
	c := NewChecker(time.Second, newTestLogger(&buf))
	c.Register("storage", healthy)
	c.Register("transformer", healthy)
	c.Register("broadcaster", healthy)

	r := c.Check(context.Background())
	if !r.Healthy {
		t.Error("Healthy = false, want true")
	}
	if len(r.Components) != 3 {
		t.Errorf("コンポーネント数 = %d, want 3", len(r.Components))
	}
	if r.CheckedAt.IsZero() {
		t.Error("CheckedAt が設定されていない")
	}
}

func TestChecker_OneUnhealthy(t *testing.T) {
	var buf bytes.Buffer
	c := NewChecker(time.Second, newTestLogger(&buf))
	c.Register("storage", healthy)
	c.Register("transformer", unhealthy)
	c.Register("broadcaster", healthy)

	r := c.Check(context.Background())
	if r.Healthy {
		t.Error("Healthy = true, want false")
	}
	if got := r.Unhealthy(); len(got) != 1 || got[0] != "transformer" {
		t.Errorf("Unhealthy = %v, want [transformer]", got)
	}
}

func TestChecker_RunsConcurrently(t *testing.T) {
	var buf bytes.Buffer
	c := NewChecker(time.Second, newTestLogger(&buf))

	var running, peak int32
	slow := func(ctx context.Context) bool {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return true
	}
	c.Register("a", slow)
	c.Register("b", slow)
	c.Register("c", slow)

	start := time.Now()
	c.Check(context.Background())
	if elapsed := time.Since(start); elapsed > 140*time.Millisecond {
		t.Errorf("確認が逐次に実行されている: %v", elapsed)
	}
	if atomic.LoadInt32(&peak) < 2 {
		t.Errorf("同時実行数の最大 = %d, want >= 2", peak)
	}
}

func TestChecker_TimeoutAndPanicAreUnhealthy(t *testing.T) {
	var buf bytes.Buffer
	c := NewChecker(20*time.Millisecond, newTestLogger(&buf))
	c.Register("hang", func(ctx context.Context) bool {
		time.Sleep(time.Second)
		return true
	})
	c.Register("panic", func(ctx context.Context) bool {
		panic("boom")
	})

	r := c.Check(context.Background())
	if r.Healthy || r.Components["hang"] || r.Components["panic"] {
		t.Errorf("タイムアウト・panicは利用不可になるべき: %+v", r)
	}
}

func TestChecker_NoComponentsIsHealthy(t *testing.T) {
	var buf bytes.Buffer
	c := NewChecker(0, newTestLogger(&buf))
	if !c.Check(context.Background()).Healthy {
		t.Error("登録なしは Healthy になるべき")
	}
}
