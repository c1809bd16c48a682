package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/newsrelay/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Health   HealthChecker
	Stats    StatsProvider
	Cycles   CycleRunner
	Breakers BreakerStates

	// Metrics は /metrics で公開するハンドラー。nilの場合はルートを登録しない。
	Metrics http.Handler

	// RateLimiter はサイクル手動実行のレート制限。nilの場合は制限しない。
	RateLimiter *middleware.RateLimiter

	Logger *slog.Logger
}

// NewRouter は管理用エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders
//
// POST /cycles/run にのみレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	h := NewAdminHandler(deps.Health, deps.Stats, deps.Cycles, deps.Breakers, deps.Logger)

	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/breakers", h.Breakers)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/cycles", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Post("/run", h.RunCycle)
	})

	return r
}
