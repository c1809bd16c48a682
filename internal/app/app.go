package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/newsrelay/internal/broadcaster"
	"github.com/hitoshi/newsrelay/internal/collector"
	"github.com/hitoshi/newsrelay/internal/config"
	"github.com/hitoshi/newsrelay/internal/database"
	"github.com/hitoshi/newsrelay/internal/dedup"
	"github.com/hitoshi/newsrelay/internal/eventbus"
	"github.com/hitoshi/newsrelay/internal/handler"
	"github.com/hitoshi/newsrelay/internal/health"
	"github.com/hitoshi/newsrelay/internal/logger"
	"github.com/hitoshi/newsrelay/internal/metrics"
	"github.com/hitoshi/newsrelay/internal/middleware"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/pipeline"
	"github.com/hitoshi/newsrelay/internal/repository"
	"github.com/hitoshi/newsrelay/internal/resilience"
	"github.com/hitoshi/newsrelay/internal/security"
	"github.com/hitoshi/newsrelay/internal/transformer"
	"github.com/hitoshi/newsrelay/internal/validation"
	"github.com/hitoshi/newsrelay/internal/worker/cleanup"
	"github.com/hitoshi/newsrelay/internal/worker/fetch"
	"github.com/hitoshi/newsrelay/internal/worker/scheduler"
)

const (
	userAgent       = "NewsRelay/1.0"
	shutdownTimeout = 30 * time.Second
	connectTimeout  = 15 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	log := logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, log, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。health と stats の結果はwにJSONで出力する。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("HTTP_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.HTTPPort),
		slog.Duration("parse_interval", cfg.ParseInterval),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, log)
	case CommandStats:
		return runStats(ctx, cfg, w)
	}

	app, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	switch cmd {
	case CommandOnce:
		return runOnce(ctx, app, w)
	case CommandHealth:
		return runHealth(ctx, app, w)
	default:
		return runServe(ctx, cfg, app)
	}
}

// App はワイヤリング済みのコンポーネント。
type App struct {
	DB           *sql.DB
	Repo         *repository.PostgresNewsRepo
	Bus          *eventbus.Bus
	Registry     *prometheus.Registry
	Metrics      *metrics.Collector
	Breakers     *BreakerRegistry
	Health       *health.Checker
	Transformer  *transformer.Client
	Broadcaster  *broadcaster.Client
	Orchestrator *pipeline.Orchestrator
	Sources      []model.Source
	Logger       *slog.Logger
}

// Close はDB接続を閉じる。
func (a *App) Close() error {
	return a.DB.Close()
}

// build は設定からすべての依存関係を構築する。
// 取得元ごとのブレーカーと外部サービスのブレーカーは別のセットで管理する。
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	// 1. DB接続
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	db, err := database.Connect(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Info("database connection established")

	repo := repository.NewPostgresNewsRepo(db)

	// 2. イベントバスとメトリクス
	bus := eventbus.New(log)
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.NewCollector(registry)
	mc.Subscribe(bus)

	// 3. レジリエンス
	onStateChange := resilience.WithStateChange(func(name string, from, to resilience.State) {
		mc.RecordBreakerState(name, from, to)
		log.Warn("circuit breaker state changed",
			slog.String("breaker", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	breakers := &BreakerRegistry{
		Sources: resilience.NewBreakerSet(resilience.BreakerConfig{
			FailureThreshold: cfg.SourceBreakerThreshold,
			RecoveryTimeout:  cfg.SourceBreakerRecovery,
		}, onStateChange),
		Services: resilience.NewBreakerSet(resilience.BreakerConfig{
			FailureThreshold: cfg.ServiceBreakerThreshold,
			RecoveryTimeout:  cfg.ServiceBreakerRecovery,
		}, onStateChange),
	}
	retry := retryPolicy(cfg)

	// 4. 取得元と取得処理
	ssrfGuard := security.NewSSRFGuard()
	sources, err := config.LoadSources(cfg.SourcesFile, cfg.EnabledSources, cfg.DisabledSources, ssrfGuard, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}

	fetchClient := ssrfGuard.NewSafeClient(cfg.SourceFetchTimeout)
	collectorOpts := collector.DefaultOptions()
	collectorOpts.MaxItems = cfg.SourceMaxItems
	collectorOpts.MaxBodySize = cfg.SourceMaxBodySize
	collectorOpts.UserAgent = userAgent
	factory := collector.NewFactory(fetchClient, security.NewTextSanitizer(), log, collectorOpts)
	prober := fetch.NewHTTPProber(ssrfGuard.NewSafeClient(cfg.SourceProbeTimeout), cfg.SourceProbeTimeout, userAgent)

	validatorOpts := validation.DefaultOptions()
	if len(cfg.RegionKeywords) > 0 {
		validatorOpts.Region.Keywords = cfg.RegionKeywords
	}
	if len(cfg.ExcludeKeywords) > 0 {
		validatorOpts.Region.ExcludeKeywords = cfg.ExcludeKeywords
	}

	fetcher := fetch.NewOrchestrator(
		factory, prober, validation.NewDefaultChain(validatorOpts),
		breakers.Sources, bus, log,
		fetch.Config{
			MaxConcurrency: cfg.MaxConcurrentSources,
			FetchTimeout:   cfg.SourceFetchTimeout,
			Retry:          retry,
		},
	)

	// 5. 外部サービス（変換・配信）
	gigachat := transformer.NewClient(transformer.Config{
		AuthURL:     cfg.GigaChatAuthURL,
		BaseURL:     cfg.GigaChatBaseURL,
		Credentials: cfg.GigaChatCredentials,
		Scope:       cfg.GigaChatScope,
		Model:       cfg.GigaChatModel,
	}, transformer.NewHTTPClient(cfg.GigaChatTimeout, cfg.GigaChatVerifyTLS), log,
		serviceGuard("transformer", mc, retry, breakers.Services)...,
	)

	telegram := broadcaster.NewClient(broadcaster.Config{
		BotToken:     cfg.TelegramBotToken,
		ChannelID:    cfg.TelegramChannelID,
		APIURL:       cfg.TelegramAPIURL,
		SendDelay:    cfg.TelegramSendDelay,
		MessageLimit: cfg.TelegramMessageLimit,
	}, &http.Client{Timeout: cfg.TelegramTimeout}, log,
		serviceGuard("broadcaster", mc, retry, breakers.Services)...,
	)

	// 6. ヘルスチェック
	checker := health.NewChecker(cfg.HealthTimeout, log)
	checker.Register("storage", func(ctx context.Context) bool { return repo.Ping(ctx) == nil })
	checker.Register("transformer", gigachat.IsAvailable)
	checker.Register("broadcaster", telegram.IsAvailable)

	// 7. 定期削除
	cleanupJob := cleanup.NewJob(repo, log)
	cleanupJob.RetentionDays = cfg.RetentionDays
	cleanupJob.Hour = cfg.CleanupHour

	// 8. パイプライン
	orchestrator := pipeline.NewOrchestrator(pipeline.Deps{
		Sources:     sources,
		Health:      checker,
		Fetcher:     fetcher,
		Dedup:       dedup.NewGate(repo, log),
		Store:       repo,
		Transformer: gigachat,
		Broadcaster: telegram,
		Cleaner:     cleanupJob,
		Publisher:   bus,
		Logger:      log,
	}, pipeline.Config{
		MaxPerRun:         cfg.MaxNewsPerRun,
		DeliveryBatchSize: cfg.DeliveryBatchSize,
		TransformDelay:    cfg.TransformDelay,
		TransformFallback: cfg.TransformFallback,
	})

	log.Info("pipeline initialized",
		slog.Int("sources", len(sources)),
		slog.Int("max_news_per_run", cfg.MaxNewsPerRun),
		slog.Bool("transform_fallback", cfg.TransformFallback),
	)

	return &App{
		DB:           db,
		Repo:         repo,
		Bus:          bus,
		Registry:     registry,
		Metrics:      mc,
		Breakers:     breakers,
		Health:       checker,
		Transformer:  gigachat,
		Broadcaster:  telegram,
		Orchestrator: orchestrator,
		Sources:      sources,
		Logger:       log,
	}, nil
}

// retryPolicy は設定からリトライポリシーを組み立てる。
func retryPolicy(cfg *config.Config) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		BaseDelay:       cfg.RetryBaseDelay,
		MaxDelay:        cfg.RetryMaxDelay,
		ExponentialBase: cfg.RetryExponentialBase,
		Jitter:          cfg.RetryJitter,
		Retryable:       model.IsRetryable,
	}
}

// serviceGuard は外部サービス呼び出しのガードを外側から順に返す。
// 計測 → リトライ → ブレーカー の順で、ブレーカーは1回の試行ごとに失敗を数える。
func serviceGuard(name string, mc *metrics.Collector, retry resilience.RetryPolicy, breakers *resilience.BreakerSet) []resilience.Middleware {
	return []resilience.Middleware{
		resilience.WithTiming(mc.ObserveCall(name)),
		resilience.WithRetry(retry),
		resilience.WithBreaker(breakers.Get(name)),
	}
}

// BreakerRegistry は取得元と外部サービスのブレーカーをまとめて公開する。
type BreakerRegistry struct {
	Sources  *resilience.BreakerSet
	Services *resilience.BreakerSet
}

// States は取得元のブレーカーを "source:" 接頭辞付きで、外部サービスのブレーカーをそのままの名前で返す。
func (r *BreakerRegistry) States() map[string]resilience.State {
	states := make(map[string]resilience.State)
	for name, st := range r.Sources.States() {
		states["source:"+name] = st
	}
	for name, st := range r.Services.States() {
		states[name] = st
	}
	return states
}

// runServe は常駐モードで起動する。
// スケジューラとHTTPサーバーを並行に動かし、
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, app *App) error {
	log := app.Logger

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), log)
	defer limiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Health:      app.Health,
		Stats:       app.Repo,
		Cycles:      app.Orchestrator,
		Breakers:    app.Breakers,
		Metrics:     metrics.Handler(app.Registry),
		RateLimiter: limiter,
		Logger:      log,
	})

	// POST /cycles/run はサイクル完了まで応答しないため、WriteTimeoutは長めにとる
	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	if err := app.Broadcaster.SendStatus(ctx, fmt.Sprintf("запущен, источников: %d, интервал: %s", len(app.Sources), cfg.ParseInterval)); err != nil {
		log.Warn("起動通知の送信に失敗しました", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		scheduler.NewScheduler(app.Orchestrator, log).Start(gctx, cfg.ParseInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("stopped gracefully")
	return nil
}

// runOnce はサイクルを1回実行し、結果をJSONで出力する。
// サイクルが失敗した場合はエラーを返す（終了コードに反映される）。
func runOnce(ctx context.Context, app *App, w io.Writer) error {
	res, err := app.Orchestrator.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("cycle failed to start: %w", err)
	}
	if err := writeJSON(w, res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("cycle %s failed: %s", res.CycleID, strings.Join(res.Errors, "; "))
	}
	return nil
}

// runHealth は依存コンポーネントの死活をJSONで出力する。
// いずれかが異常の場合はエラーを返す。
func runHealth(ctx context.Context, app *App, w io.Writer) error {
	report := app.Health.Check(ctx)
	if err := writeJSON(w, report); err != nil {
		return err
	}
	if !report.Healthy {
		return fmt.Errorf("unhealthy components: %s", strings.Join(report.Unhealthy(), ", "))
	}
	return nil
}

// runStats は保存済みニュースの集計をJSONで出力する。DB接続のみを使用する。
func runStats(ctx context.Context, cfg *config.Config, w io.Writer) error {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	db, err := database.Connect(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := repository.NewPostgresNewsRepo(db).Statistics(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect statistics: %w", err)
	}
	return writeJSON(w, stats)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	st, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(st.Version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
