// Package fetch は複数の取得元からのニュース取得を並列に実行する。
// 取得元ごとのサーキットブレーカーと全体の同時実行数の上限で、
// 1つの遅い取得元や壊れた取得元が他の取得元を妨げないようにする。
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/newsrelay/internal/collector"
	"github.com/hitoshi/newsrelay/internal/dedup"
	"github.com/hitoshi/newsrelay/internal/eventbus"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/resilience"
)

// CollectorFactory は取得元に対応するCollectorを返す。
type CollectorFactory interface {
	For(src model.Source) (collector.Collector, error)
}

// Prober は取得元の到達性を確認する。
type Prober interface {
	Probe(ctx context.Context, src model.Source) error
}

// Validator はニュース候補を検証し、却下理由を返す。
type Validator interface {
	Validate(item *model.NewsItem) []string
}

// Config はOrchestratorの設定。
type Config struct {
	// MaxConcurrency は同時に取得する取得元の最大数。
	MaxConcurrency int
	// FetchTimeout は取得元にTimeoutが設定されていない場合の1回の取得のタイムアウト。
	FetchTimeout time.Duration
	// Retry は取得処理に適用するリトライポリシー。
	Retry resilience.RetryPolicy
}

// Result は全取得元の取得結果。
type Result struct {
	// Items は検証を通過し、バッチ内で内容が重複しないニュース。
	Items []*model.NewsItem
	// Sources は取得元ごとの結果。入力の順序を保つ。
	Sources []eventbus.SourceOutcome
	// Collected は検証前の件数。
	Collected int
	// Rejected は検証で却下された件数。
	Rejected int
}

// Count は指定した結果の取得元数を返す。
func (r Result) Count(outcome string) int {
	n := 0
	for _, s := range r.Sources {
		if s.Outcome == outcome {
			n++
		}
	}
	return n
}

// Orchestrator は有効な取得元を並列に取得し、結果を統合・検証する。
type Orchestrator struct {
	factory   CollectorFactory
	prober    Prober
	validator Validator
	breakers  *resilience.BreakerSet
	publisher eventbus.Publisher
	logger    *slog.Logger
	cfg       Config

	mu     sync.Mutex
	guards map[string]func(context.Context, model.Source) ([]*model.NewsItem, error)
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
// MaxConcurrencyが0以下の場合はデフォルト値5を使用する。
func NewOrchestrator(
	factory CollectorFactory,
	prober Prober,
	validator Validator,
	breakers *resilience.BreakerSet,
	publisher eventbus.Publisher,
	logger *slog.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = model.IsRetryable
	}
	if publisher == nil {
		publisher = eventbus.Nop{}
	}
	return &Orchestrator{
		factory:   factory,
		prober:    prober,
		validator: validator,
		breakers:  breakers,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		guards:    make(map[string]func(context.Context, model.Source) ([]*model.NewsItem, error)),
	}
}

// FetchAll は有効な取得元をすべて取得し、検証済みのニュースを返す。
// 取得元単位の失敗は結果に記録するだけで、エラーとしては返さない。
func (o *Orchestrator) FetchAll(ctx context.Context, sources []model.Source) Result {
	start := time.Now()

	enabled := make([]model.Source, 0, len(sources))
	for _, src := range sources {
		if src.Enabled {
			enabled = append(enabled, src)
		}
	}
	if len(enabled) == 0 {
		o.logger.Warn("有効な取得元がありません")
		return Result{}
	}

	o.logger.Info("取得元の取得を開始します",
		slog.Int("source_count", len(enabled)),
		slog.Int("max_concurrency", o.cfg.MaxConcurrency),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, o.cfg.MaxConcurrency)
	var wg sync.WaitGroup

	collected := make([][]*model.NewsItem, len(enabled))
	outcomes := make([]eventbus.SourceOutcome, len(enabled))

	for i, src := range enabled {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(i int, src model.Source) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			collected[i], outcomes[i] = o.fetchSource(ctx, src)
			o.publisher.Publish(ctx, eventbus.Event{
				Type:   eventbus.SourceFetched,
				Source: &outcomes[i],
			})
		}(i, src)
	}

	wg.Wait()

	result := Result{Sources: outcomes}
	var merged []*model.NewsItem
	for _, items := range collected {
		merged = append(merged, items...)
	}
	result.Collected = len(merged)

	valid := make([]*model.NewsItem, 0, len(merged))
	for _, item := range merged {
		if reasons := o.validator.Validate(item); len(reasons) > 0 {
			result.Rejected++
			o.logger.Debug("ニュースが検証で除外されました",
				slog.String("source", item.SourceName),
				slog.String("title", model.Excerpt(item.Title, 60)),
				slog.String("reasons", strings.Join(reasons, "; ")),
			)
			continue
		}
		valid = append(valid, item)
	}
	result.Items = dedup.UniqueInBatch(valid)

	o.logger.Info("取得元の取得が完了しました",
		slog.Int("source_count", len(enabled)),
		slog.Int("ok", result.Count(eventbus.OutcomeOK)),
		slog.Int("unreachable", result.Count(eventbus.OutcomeUnreachable)),
		slog.Int("failed", result.Count(eventbus.OutcomeFailed)),
		slog.Int("breaker_open", result.Count(eventbus.OutcomeBreakerOpen)),
		slog.Int("collected", result.Collected),
		slog.Int("rejected", result.Rejected),
		slog.Int("items", len(result.Items)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return result
}

// fetchSource は1つの取得元を取得する。失敗はoutcomeに記録し、呼び出し元へは伝播しない。
func (o *Orchestrator) fetchSource(ctx context.Context, src model.Source) (items []*model.NewsItem, outcome eventbus.SourceOutcome) {
	start := time.Now()
	outcome = eventbus.SourceOutcome{Name: src.Name, Outcome: eventbus.OutcomeOK}

	defer func() {
		if rec := recover(); rec != nil {
			items = nil
			outcome.Outcome = eventbus.OutcomeFailed
			outcome.Err = fmt.Sprintf("panic: %v", rec)
			o.logger.Error("取得処理でpanicが発生しました",
				slog.String("source", src.Name),
				slog.Any("panic", rec),
			)
		}
		outcome.Items = len(items)
		outcome.Duration = time.Since(start)
	}()

	if err := o.prober.Probe(ctx, src); err != nil {
		outcome.Outcome = eventbus.OutcomeUnreachable
		outcome.Err = err.Error()
		o.logger.Warn("取得元に到達できません",
			slog.String("source", src.Name),
			slog.String("url", src.ProbeURL()),
			slog.String("error", err.Error()),
		)
		return nil, outcome
	}

	guarded, err := o.guardFor(src)
	if err != nil {
		outcome.Outcome = eventbus.OutcomeFailed
		outcome.Err = err.Error()
		o.logger.Error("取得元の設定が不正です",
			slog.String("source", src.Name),
			slog.String("error", err.Error()),
		)
		return nil, outcome
	}

	items, err = guarded(ctx, src)
	switch {
	case err == nil:
		o.logger.Info("取得元の取得に成功しました",
			slog.String("source", src.Name),
			slog.Int("items", len(items)),
		)
		return items, outcome
	case resilience.IsOpen(err):
		outcome.Outcome = eventbus.OutcomeBreakerOpen
		o.logger.Info("サーキットブレーカーが開いているため取得をスキップしました",
			slog.String("source", src.Name),
		)
		return nil, outcome
	default:
		outcome.Outcome = eventbus.OutcomeFailed
		outcome.Err = err.Error()
		o.logger.Error("取得元の取得に失敗しました",
			slog.String("source", src.Name),
			slog.String("kind", string(model.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return nil, outcome
	}
}

// guardFor は取得元ごとの保護付き取得関数を返す。
// breaker(retry(collect)) の順で組み立て、取得元ごとに1回だけ生成する。
// リトライを使い切った失敗がブレーカーの失敗1回として数えられる。
func (o *Orchestrator) guardFor(src model.Source) (func(context.Context, model.Source) ([]*model.NewsItem, error), error) {
	c, err := o.factory.For(src)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if g, ok := o.guards[src.Name]; ok {
		return g, nil
	}

	timeout := src.Timeout
	if timeout <= 0 {
		timeout = o.cfg.FetchTimeout
	}

	g := resilience.Guard(c.Collect,
		resilience.WithBreaker(o.breakers.Get(src.Name)),
		resilience.WithRetry(o.cfg.Retry),
		resilience.WithTimeout(timeout),
	)
	o.guards[src.Name] = g
	return g, nil
}
