package resilience

import (
	"context"
	"time"
)

// Operation は保護対象の処理。
type Operation func(ctx context.Context) error

// Middleware はOperationを包むデコレータ。
type Middleware func(Operation) Operation

// WithBreaker はブレーカーを通して実行するMiddlewareを返す。
func WithBreaker(b *Breaker) Middleware {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			return b.Call(ctx, next)
		}
	}
}

// WithRetry はリトライポリシーを適用するMiddlewareを返す。
func WithRetry(p RetryPolicy) Middleware {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			return p.Do(ctx, next)
		}
	}
}

// WithTimeout は1回の実行ごとにタイムアウトを設定するMiddlewareを返す。
// 0以下の場合は何もしない。
func WithTimeout(d time.Duration) Middleware {
	return func(next Operation) Operation {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx)
		}
	}
}

// WithTiming は実行時間と結果をobserveに通知するMiddlewareを返す。
func WithTiming(observe func(d time.Duration, err error)) Middleware {
	return func(next Operation) Operation {
		return func(ctx context.Context) error {
			start := time.Now()
			err := next(ctx)
			if observe != nil {
				observe(time.Since(start), err)
			}
			return err
		}
	}
}

// Chain はMiddlewareを外側から順に適用する。
// Chain(op, WithTiming(f), WithRetry(p), WithBreaker(b)) は
// timing(retry(breaker(op))) を返す。
func Chain(op Operation, mws ...Middleware) Operation {
	for i := len(mws) - 1; i >= 0; i-- {
		op = mws[i](op)
	}
	return op
}

// guardKey はGuardごとに一意なコンテキストキー。
type guardKey struct{ _ byte }

type guardSlot[In, Out any] struct {
	in  In
	out Out
}

// Guard は引数と戻り値を持つ呼び出しにMiddlewareを適用した関数を返す。
// Middlewareの組み立ては生成時に1回だけ行い、引数と戻り値はコンテキスト経由で受け渡す。
func Guard[In, Out any](call func(ctx context.Context, in In) (Out, error), mws ...Middleware) func(ctx context.Context, in In) (Out, error) {
	key := new(guardKey)

	inner := Operation(func(ctx context.Context) error {
		s := ctx.Value(key).(*guardSlot[In, Out])
		out, err := call(ctx, s.in)
		s.out = out
		return err
	})
	guarded := Chain(inner, mws...)

	return func(ctx context.Context, in In) (Out, error) {
		s := &guardSlot[In, Out]{in: in}
		err := guarded(context.WithValue(ctx, key, s))
		return s.out, err
	}
}
