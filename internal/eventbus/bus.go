// Package eventbus はプロセス内のpublish/subscribeを提供する。
// パイプラインの各ステージの通知を、メトリクスやログなどの購読者から切り離す。
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler はイベントの購読処理。
type Handler func(ctx context.Context, e Event) error

// Publisher はイベントの発行インターフェース。
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Bus はイベント種別ごとに購読者を管理する。
// 購読者の登録は起動時に行い、サイクル中は読み取りのみとなる。
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	logger   *slog.Logger
}

// New は新しいBusを生成する。
func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		logger:   logger,
	}
}

// Subscribe はイベント種別に購読者を登録する。
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish は登録済みの購読者を並行に呼び出し、全員の完了を待つ。
// 購読者のエラーやpanicはログに記録するだけで、発行者や他の購読者には伝播しない。
// 購読者がいない場合は何もしない。
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(idx int, h Handler) {
			defer wg.Done()
			if err := b.invoke(ctx, h, e); err != nil {
				b.logger.Error("イベントハンドラでエラーが発生しました",
					slog.String("event_type", string(e.Type)),
					slog.Int("handler_index", idx),
					slog.String("error", err.Error()),
				)
			}
		}(i, h)
	}
	wg.Wait()
}

// invoke はpanicをエラーに変換して購読者を呼び出す。
func (b *Bus) invoke(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, e)
}

// SubscriberCount は種別ごとの購読者数を返す。
func (b *Bus) SubscriberCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = Nop{}
)

// Nop は何もしないPublisher。購読者なしでパイプラインを動かす場合に使用する。
type Nop struct{}

// Publish はPublisherインターフェースを実装する。
func (Nop) Publish(context.Context, Event) {}
