// Package pipeline は1サイクル分のパイプライン（取得・変換・配信・削除）を実行する。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/newsrelay/internal/broadcaster"
	"github.com/hitoshi/newsrelay/internal/eventbus"
	"github.com/hitoshi/newsrelay/internal/health"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/worker/fetch"
)

// ErrCycleInProgress は別のサイクルが実行中の場合に返る。
var ErrCycleInProgress = errors.New("cycle already in progress")

// カウンタのキー。
const (
	CountFetched         = "fetched"
	CountRejected        = "rejected"
	CountDuplicates      = "duplicates"
	CountIngested        = "ingested"
	CountTransformed     = "transformed"
	CountTransformFailed = "transform_failed"
	CountDelivered       = "delivered"
	CountDeliveryFailed  = "delivery_failed"
	CountPurged          = "purged"
	CountSourcesOK       = "sources_ok"
	CountSourcesFailed   = "sources_failed"
)

// Fetcher は有効な取得元からニュースを取得する。
type Fetcher interface {
	FetchAll(ctx context.Context, sources []model.Source) fetch.Result
}

// DuplicateChecker は保存済みかどうかを判定する。
type DuplicateChecker interface {
	IsDuplicate(ctx context.Context, item *model.NewsItem) (bool, error)
}

// Store はパイプラインが使う永続化操作。
type Store interface {
	Save(ctx context.Context, item *model.NewsItem) (string, error)
	ItemsByStatus(ctx context.Context, status model.NewsStatus, limit int) ([]*model.NewsItem, error)
	UpdateStatus(ctx context.Context, id string, status model.NewsStatus, fields model.TransitionFields) (bool, error)
}

// Transformer はニュースを変換する。空文字は変換結果なしを表す。
type Transformer interface {
	Transform(ctx context.Context, item *model.NewsItem) (string, error)
}

// Broadcaster はニュースをまとめて配信する。
type Broadcaster interface {
	DeliverBatch(ctx context.Context, deliveries []broadcaster.Delivery) []broadcaster.DeliveryResult
}

// HealthChecker は外部サービスの可用性を確認する。
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// Cleaner は古いニュースの定期削除。
type Cleaner interface {
	Due(now time.Time) bool
	Run(ctx context.Context) (int64, error)
}

// Config はサイクルの設定。
type Config struct {
	// MaxPerRun は1サイクルで変換する最大件数。
	MaxPerRun int
	// DeliveryBatchSize は1サイクルで配信する最大件数。
	DeliveryBatchSize int
	// TransformDelay は変換呼び出しの間隔。
	TransformDelay time.Duration
	// TransformFallback が true の場合、変換に失敗したニュースを元の内容のままTRANSFORMEDにする。
	TransformFallback bool
}

// Deps はOrchestratorの依存。
type Deps struct {
	Sources     []model.Source
	Health      HealthChecker
	Fetcher     Fetcher
	Dedup       DuplicateChecker
	Store       Store
	Transformer Transformer
	Broadcaster Broadcaster
	Cleaner     Cleaner
	Publisher   eventbus.Publisher
	Logger      *slog.Logger
}

// Result は1サイクルの結果。
type Result struct {
	CycleID   string         `json:"cycle_id"`
	Success   bool           `json:"success"`
	Counts    map[string]int `json:"counts"`
	Errors    []string       `json:"errors"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"-"`

	// DurationSeconds はDurationを秒で表したもの。JSON出力用。
	DurationSeconds float64 `json:"duration_seconds"`
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Orchestrator はサイクルを実行する。同時に実行できるサイクルは1つだけ。
type Orchestrator struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	running sync.Mutex
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxPerRun <= 0 {
		cfg.MaxPerRun = 10
	}
	if cfg.DeliveryBatchSize <= 0 {
		cfg.DeliveryBatchSize = 5
	}
	if deps.Publisher == nil {
		deps.Publisher = eventbus.Nop{}
	}
	return &Orchestrator{deps: deps, cfg: cfg, now: time.Now}
}

// RunCycle はサイクルを1回実行する。別のサイクルが実行中の場合は ErrCycleInProgress を返す。
// サイクル内の失敗はResultに記録され、エラーとしては返らない。
func (o *Orchestrator) RunCycle(ctx context.Context) (Result, error) {
	if !o.running.TryLock() {
		return Result{}, ErrCycleInProgress
	}
	defer o.running.Unlock()
	return o.run(ctx), nil
}

func (o *Orchestrator) run(ctx context.Context) (res Result) {
	res = Result{
		CycleID:   uuid.NewString(),
		Counts:    make(map[string]int),
		Errors:    []string{},
		StartedAt: o.now(),
	}
	logger := o.deps.Logger.With(slog.String("cycle_id", res.CycleID))
	logger.Info("サイクルを開始します")

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("サイクル中に予期しないエラーが発生しました",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			res.addError("unexpected cycle failure: %v", rec)
			o.publishError(ctx, fmt.Sprintf("unexpected cycle failure: %v", rec))
		}

		res.Success = len(res.Errors) == 0
		res.Duration = o.now().Sub(res.StartedAt)
		res.DurationSeconds = res.Duration.Seconds()
		o.deps.Publisher.Publish(ctx, eventbus.Event{
			Type: eventbus.CycleCompleted,
			Cycle: &eventbus.CycleSummary{
				CycleID:  res.CycleID,
				Success:  res.Success,
				Counts:   res.Counts,
				Errors:   res.Errors,
				Duration: res.Duration,
			},
		})
		logger.Info("サイクルが終了しました",
			slog.Bool("success", res.Success),
			slog.Any("counts", res.Counts),
			slog.Float64("duration_ms", float64(res.Duration.Milliseconds())),
		)
	}()

	report := o.deps.Health.Check(ctx)
	if !report.Healthy {
		msg := "health check failed: unavailable components: " + strings.Join(report.Unhealthy(), ", ")
		logger.Warn("外部サービスが利用できないためサイクルを中止します",
			slog.Any("components", report.Unhealthy()),
		)
		res.addError("%s", msg)
		o.publishError(ctx, msg)
		return res
	}

	o.ingest(ctx, logger, &res)
	o.transform(ctx, logger, &res)
	o.deliver(ctx, logger, &res)
	o.cleanup(ctx, logger, &res)
	return res
}

// ingest は取得・検証済みのニュースのうち、未保存のものをINGESTEDとして保存する。
func (o *Orchestrator) ingest(ctx context.Context, logger *slog.Logger, res *Result) {
	fr := o.deps.Fetcher.FetchAll(ctx, o.deps.Sources)
	res.Counts[CountFetched] = fr.Collected
	res.Counts[CountRejected] = fr.Rejected
	res.Counts[CountSourcesOK] = fr.Count(eventbus.OutcomeOK)
	res.Counts[CountSourcesFailed] = len(fr.Sources) - fr.Count(eventbus.OutcomeOK)

	for _, item := range fr.Items {
		dup, err := o.deps.Dedup.IsDuplicate(ctx, item)
		if err != nil {
			logger.Warn("重複判定に失敗したためスキップします",
				slog.String("source", item.SourceName),
				slog.String("error", err.Error()),
			)
			continue
		}
		if dup {
			res.Counts[CountDuplicates]++
			continue
		}

		id, err := o.deps.Store.Save(ctx, item)
		if err != nil {
			if model.IsDuplicate(err) {
				res.Counts[CountDuplicates]++
				continue
			}
			logger.Error("ニュースの保存に失敗しました",
				slog.String("source", item.SourceName),
				slog.String("error", err.Error()),
			)
			continue
		}

		res.Counts[CountIngested]++
		o.deps.Publisher.Publish(ctx, eventbus.Event{
			Type: eventbus.NewsIngested,
			Item: &eventbus.ItemRef{ID: id, Source: item.SourceName, Title: item.Title},
		})
	}

	logger.Info("ニュースを取り込みました",
		slog.Int("fetched", fr.Collected),
		slog.Int("ingested", res.Counts[CountIngested]),
		slog.Int("duplicates", res.Counts[CountDuplicates]),
	)
}

// transform はINGESTEDのニュースを順番に変換する。呼び出しの間は TransformDelay だけ空ける。
func (o *Orchestrator) transform(ctx context.Context, logger *slog.Logger, res *Result) {
	items, err := o.deps.Store.ItemsByStatus(ctx, model.StatusIngested, o.cfg.MaxPerRun)
	if err != nil {
		logger.Error("変換対象の取得に失敗しました", slog.String("error", err.Error()))
		res.addError("transform stage: %v", err)
		return
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if o.cfg.TransformDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(o.cfg.TransformDelay), 1)
	}

	for _, item := range items {
		if err := limiter.Wait(ctx); err != nil {
			logger.Warn("変換を中断しました", slog.String("error", err.Error()))
			return
		}

		text, err := o.deps.Transformer.Transform(ctx, item)
		if err == nil && text == "" {
			err = model.NewEmptyResponseError("transformer")
		}
		if err != nil && o.cfg.TransformFallback {
			logger.Warn("変換に失敗したため元の内容を使用します",
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()),
			)
			text, err = FallbackText(item), nil
		}

		if err != nil {
			logger.Error("ニュースの変換に失敗しました",
				slog.String("item_id", item.ID),
				slog.String("title", model.Excerpt(item.Title, 50)),
				slog.String("error", err.Error()),
			)
			if o.advance(ctx, logger, item, model.StatusFailed, model.TransitionFields{}) {
				res.Counts[CountTransformFailed]++
			}
			o.publishItemError(ctx, item, model.NewStageFailedError("transform", err))
			continue
		}

		if o.advance(ctx, logger, item, model.StatusTransformed, model.TransitionFields{TransformedBody: text}) {
			res.Counts[CountTransformed]++
			o.deps.Publisher.Publish(ctx, eventbus.Event{
				Type: eventbus.NewsTransformed,
				Item: &eventbus.ItemRef{ID: item.ID, Source: item.SourceName, Title: item.Title},
			})
		}
	}
}

// deliver はTRANSFORMEDのニュースをまとめて配信し、結果ごとに状態を更新する。
func (o *Orchestrator) deliver(ctx context.Context, logger *slog.Logger, res *Result) {
	items, err := o.deps.Store.ItemsByStatus(ctx, model.StatusTransformed, o.cfg.DeliveryBatchSize)
	if err != nil {
		logger.Error("配信対象の取得に失敗しました", slog.String("error", err.Error()))
		res.addError("deliver stage: %v", err)
		return
	}
	if len(items) == 0 {
		return
	}

	deliveries := make([]broadcaster.Delivery, 0, len(items))
	for _, item := range items {
		deliveries = append(deliveries, broadcaster.Delivery{
			ItemID:    item.ID,
			Text:      item.TransformedBody,
			SourceURL: item.SourceURL,
		})
	}

	results := make(map[string]broadcaster.DeliveryResult, len(items))
	for _, r := range o.deps.Broadcaster.DeliverBatch(ctx, deliveries) {
		results[r.ItemID] = r
	}

	for _, item := range items {
		r, ok := results[item.ID]
		if !ok || !r.Success {
			cause := r.Err
			if cause == nil {
				cause = errors.New("no delivery result")
			}
			if o.advance(ctx, logger, item, model.StatusFailed, model.TransitionFields{}) {
				res.Counts[CountDeliveryFailed]++
			}
			o.publishItemError(ctx, item, model.NewStageFailedError("deliver", cause))
			continue
		}

		if o.advance(ctx, logger, item, model.StatusDelivered, model.TransitionFields{DeliveryReceiptID: r.ReceiptID}) {
			res.Counts[CountDelivered]++
			o.deps.Publisher.Publish(ctx, eventbus.Event{
				Type: eventbus.NewsDelivered,
				Item: &eventbus.ItemRef{ID: item.ID, Source: item.SourceName, Title: item.Title, ReceiptID: r.ReceiptID},
			})
		}
	}
}

// cleanup は削除時刻であれば古い配信済みニュースを削除する。
func (o *Orchestrator) cleanup(ctx context.Context, logger *slog.Logger, res *Result) {
	if o.deps.Cleaner == nil || !o.deps.Cleaner.Due(o.now()) {
		return
	}
	n, err := o.deps.Cleaner.Run(ctx)
	if err != nil {
		logger.Error("古いニュースの削除に失敗しました", slog.String("error", err.Error()))
		return
	}
	res.Counts[CountPurged] = int(n)
}

// advance は状態遷移を検証してから永続化する。更新できた場合はtrueを返す。
func (o *Orchestrator) advance(ctx context.Context, logger *slog.Logger, item *model.NewsItem, to model.NewsStatus, fields model.TransitionFields) bool {
	next, err := model.WithStatus(*item, to, fields)
	if err != nil {
		logger.Error("状態遷移が不正です",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	updated, err := o.deps.Store.UpdateStatus(ctx, next.ID, next.Status, fields)
	if err != nil {
		logger.Error("状態の更新に失敗しました",
			slog.String("item_id", item.ID),
			slog.String("status", string(to)),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !updated {
		logger.Warn("状態を更新できませんでした（既に更新済み）",
			slog.String("item_id", item.ID),
			slog.String("status", string(to)),
		)
		return false
	}
	*item = next
	return true
}

func (o *Orchestrator) publishError(ctx context.Context, msg string) {
	o.deps.Publisher.Publish(ctx, eventbus.Event{Type: eventbus.ErrorOccurred, Err: msg})
}

func (o *Orchestrator) publishItemError(ctx context.Context, item *model.NewsItem, err error) {
	o.deps.Publisher.Publish(ctx, eventbus.Event{
		Type: eventbus.ErrorOccurred,
		Item: &eventbus.ItemRef{ID: item.ID, Source: item.SourceName, Title: item.Title},
		Err:  err.Error(),
	})
}

// FallbackText は変換できなかったニュースの配信用テキストを返す。
func FallbackText(item *model.NewsItem) string {
	return "Заголовок: " + strings.TrimSpace(item.Title) + "\nТекст: " + strings.TrimSpace(item.Body)
}
