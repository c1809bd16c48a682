package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy は指数バックオフ付きのリトライ設定。
// 試行kの後の待機時間は min(BaseDelay * ExponentialBase^k, MaxDelay)。
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	// Jitter が true の場合、待機時間に [0.5, 1.0] の乱数を掛ける。
	Jitter bool
	// Retryable はリトライ対象のエラーを判定する。nilの場合は全エラーが対象。
	Retryable func(error) bool

	// Sleep は待機処理。nilの場合はタイマーで待機する。テスト用に差し替え可能。
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand は [0, 1) の乱数を返す。nilの場合はmath/rand/v2を使用する。
	Rand func() float64
}

// DefaultRetryPolicy はデフォルトのリトライ設定を返す。
// 3回試行、初回1秒、最大60秒、2倍ずつ増加、ジッターあり。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Delay は試行k（0始まり）が失敗した後の待機時間を返す。ジッターは含まない。
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.ExponentialBase
	if base <= 0 {
		base = 2.0
	}
	d := float64(p.BaseDelay) * math.Pow(base, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do はopを実行し、リトライ対象のエラーであれば最大MaxAttempts回まで再試行する。
// 最終試行の失敗はラップせずにそのまま返す。
// リトライ対象外のエラーは試行回数を消費せずに即座に返す。
// 待機中にコンテキストがキャンセルされた場合はコンテキストのエラーを返す。
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		if serr := p.sleep(ctx, p.jittered(p.Delay(attempt))); serr != nil {
			return serr
		}
	}
	return err
}

func (p RetryPolicy) jittered(d time.Duration) time.Duration {
	if !p.Jitter {
		return d
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(float64(d) * (0.5 + r()*0.5))
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
