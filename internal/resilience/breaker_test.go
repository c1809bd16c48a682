package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock はテスト用の手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func failing(ctx context.Context) error { return errBoom }
func succeeding(ctx context.Context) error { return nil }

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker("src", BreakerConfig{})
	if b.config.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", b.config.FailureThreshold)
	}
	if b.config.RecoveryTimeout != 60*time.Second {
		t.Errorf("RecoveryTimeout = %v, want 60s", b.config.RecoveryTimeout)
	}
	if b.State() != StateClosed {
		t.Errorf("初期状態 = %v, want CLOSED", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("src", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		if err := b.Call(context.Background(), failing); !errors.Is(err, errBoom) {
			t.Fatalf("試行%d: err = %v, want errBoom", i, err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("State = %v, want OPEN", b.State())
	}

	var called bool
	err := b.Call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !IsOpen(err) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("OPEN状態で処理が呼び出された")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("src", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	_ = b.Call(context.Background(), failing)
	_ = b.Call(context.Background(), failing)
	_ = b.Call(context.Background(), succeeding)

	if b.Failures() != 0 {
		t.Errorf("Failures = %d, want 0", b.Failures())
	}
	_ = b.Call(context.Background(), failing)
	if b.State() != StateClosed {
		t.Errorf("State = %v, want CLOSED", b.State())
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("src", BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute}, WithClock(clock.Now))

	_ = b.Call(context.Background(), failing)
	_ = b.Call(context.Background(), failing)
	clock.Advance(59 * time.Second)
	if err := b.Call(context.Background(), succeeding); !IsOpen(err) {
		t.Fatalf("回復時間前: err = %v, want ErrOpen", err)
	}

	clock.Advance(time.Second)
	if err := b.Call(context.Background(), succeeding); err != nil {
		t.Fatalf("試行呼び出し: err = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("State = %v, want CLOSED", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("Failures = %d, want 0", b.Failures())
	}
}

func TestBreaker_HalfOpenFailureReopensAndRestartsTimer(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("src", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute}, WithClock(clock.Now))

	_ = b.Call(context.Background(), failing)
	clock.Advance(time.Minute)

	if err := b.Call(context.Background(), failing); !errors.Is(err, errBoom) {
		t.Fatalf("試行呼び出しのエラーがそのまま返るべき, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("State = %v, want OPEN", b.State())
	}

	clock.Advance(30 * time.Second)
	if err := b.Call(context.Background(), succeeding); !IsOpen(err) {
		t.Errorf("回復タイマーが再開されていない: err = %v", err)
	}
}

func TestBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("src", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second}, WithClock(clock.Now))

	_ = b.Call(context.Background(), failing)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var trials int32

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Call(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&trials, 1)
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	for i := 0; i < 5; i++ {
		if err := b.Call(context.Background(), succeeding); !IsOpen(err) {
			t.Errorf("試行中の追加呼び出しはErrOpenになるべき, got %v", err)
		}
	}
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&trials) != 1 {
		t.Errorf("試行回数 = %d, want 1", trials)
	}
	if b.State() != StateClosed {
		t.Errorf("State = %v, want CLOSED", b.State())
	}
}

// OPEN前に開始した呼び出しが、HALF_OPENの試行中に完了しても状態を決めない。
func TestBreaker_StaleCallDoesNotDecideTrial(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker("src", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second}, WithClock(clock.Now))

	staleStarted := make(chan struct{})
	staleRelease := make(chan struct{})
	staleDone := make(chan error, 1)
	go func() {
		staleDone <- b.Call(context.Background(), func(ctx context.Context) error {
			close(staleStarted)
			<-staleRelease
			return nil
		})
	}()
	<-staleStarted

	_ = b.Call(context.Background(), failing)
	if b.State() != StateOpen {
		t.Fatalf("State = %v, want OPEN", b.State())
	}
	clock.Advance(time.Second)

	trialStarted := make(chan struct{})
	trialRelease := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Call(context.Background(), func(ctx context.Context) error {
			close(trialStarted)
			<-trialRelease
			return errBoom
		})
	}()
	<-trialStarted

	close(staleRelease)
	if err := <-staleDone; err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Errorf("古い呼び出しの成功後の State = %v, want HALF_OPEN", b.State())
	}

	called := false
	err := b.Call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if called || !IsOpen(err) {
		t.Errorf("試行中の追加呼び出しが通過した: called=%v err=%v", called, err)
	}

	close(trialRelease)
	<-trialDone
	if b.State() != StateOpen {
		t.Errorf("試行失敗後の State = %v, want OPEN", b.State())
	}
}

func TestBreaker_ConcurrentCallsAreSafe(t *testing.T) {
	b := NewBreaker("src", BreakerConfig{FailureThreshold: 1000, RecoveryTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Call(context.Background(), failing)
		}()
	}
	wg.Wait()

	if b.Failures() != 50 {
		t.Errorf("Failures = %d, want 50", b.Failures())
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := NewBreaker("src", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second},
		WithClock(clock.Now),
		WithStateChange(func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	_ = b.Call(context.Background(), failing)
	clock.Advance(time.Second)
	_ = b.Call(context.Background(), succeeding)

	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestBreakerSet_ReturnsSameInstancePerName(t *testing.T) {
	s := NewBreakerSet(BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	a1 := s.Get("a")
	a2 := s.Get("a")
	b := s.Get("b")

	if a1 != a2 {
		t.Error("同じ名前で異なるインスタンスが返された")
	}
	if a1 == b {
		t.Error("異なる名前で同じインスタンスが返された")
	}
	if len(s.States()) != 2 {
		t.Errorf("States の件数 = %d, want 2", len(s.States()))
	}
}
