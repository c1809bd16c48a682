package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/newsrelay/internal/health"
	"github.com/hitoshi/newsrelay/internal/middleware"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/pipeline"
	"github.com/hitoshi/newsrelay/internal/resilience"
)

// HealthChecker は依存コンポーネントの死活確認。
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// StatsProvider は保存済みニュースの集計を提供する。
type StatsProvider interface {
	Statistics(ctx context.Context) (*model.Statistics, error)
}

// CycleRunner はパイプラインのサイクルを1回実行する。
type CycleRunner interface {
	RunCycle(ctx context.Context) (pipeline.Result, error)
}

// BreakerStates はサーキットブレーカーの状態一覧を提供する。
type BreakerStates interface {
	States() map[string]resilience.State
}

// AdminHandler は運用向けの管理エンドポイントのHTTPハンドラー。
type AdminHandler struct {
	health   HealthChecker
	stats    StatsProvider
	cycles   CycleRunner
	breakers BreakerStates
	logger   *slog.Logger
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(h HealthChecker, stats StatsProvider, cycles CycleRunner, breakers BreakerStates, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		health:   h,
		stats:    stats,
		cycles:   cycles,
		breakers: breakers,
		logger:   logger,
	}
}

// Health は依存コンポーネントの死活を返す。
// GET /health
// 全コンポーネントが正常なら200、いずれかが異常なら503。
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, status, report)
}

// Stats は保存済みニュースの集計を返す。
// GET /stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Statistics(r.Context())
	if err != nil {
		h.logger.Error("統計情報の取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, stats)
}

// breakersResponse はブレーカー状態一覧のAPIレスポンス。
type breakersResponse struct {
	Breakers map[string]string `json:"breakers"`
}

// Breakers はサーキットブレーカーの状態一覧を返す。
// GET /breakers
func (h *AdminHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	resp := breakersResponse{Breakers: map[string]string{}}
	if h.breakers != nil {
		for name, st := range h.breakers.States() {
			resp.Breakers[name] = st.String()
		}
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// RunCycle はパイプラインのサイクルを同期的に1回実行し、その結果を返す。
// POST /cycles/run
// 他のサイクルが実行中の場合は409を返す。
// サイクル自体の失敗（ヘルスゲート等）も結果として200で返し、successで判別する。
func (h *AdminHandler) RunCycle(w http.ResponseWriter, r *http.Request) {
	res, err := h.cycles.RunCycle(r.Context())
	if err != nil {
		if errors.Is(err, pipeline.ErrCycleInProgress) {
			middleware.WriteErrorResponse(w, http.StatusConflict, middleware.ErrorResponseBody{
				Code:     "CYCLE_IN_PROGRESS",
				Message:  "別のサイクルを実行中です。",
				Category: middleware.CategoryPipeline,
				Action:   "実行中のサイクルが完了してから再度お試しください。",
			})
			return
		}
		h.logger.Error("サイクルの実行に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.logger.Info("手動サイクルを実行しました",
		slog.String("cycle_id", res.CycleID),
		slog.Bool("success", res.Success),
	)
	middleware.WriteJSON(w, http.StatusOK, res)
}
