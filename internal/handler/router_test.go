package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/newsrelay/internal/health"
	"github.com/hitoshi/newsrelay/internal/middleware"
	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/pipeline"
	"github.com/hitoshi/newsrelay/internal/resilience"
)

// --- モック定義 ---

type mockHealth struct {
	report health.Report
}

func (m *mockHealth) Check(ctx context.Context) health.Report {
	return m.report
}

type mockStats struct {
	statisticsFn func(ctx context.Context) (*model.Statistics, error)
}

func (m *mockStats) Statistics(ctx context.Context) (*model.Statistics, error) {
	return m.statisticsFn(ctx)
}

type mockCycles struct {
	runCycleFn func(ctx context.Context) (pipeline.Result, error)
	calls      int
}

func (m *mockCycles) RunCycle(ctx context.Context) (pipeline.Result, error) {
	m.calls++
	return m.runCycleFn(ctx)
}

type mockBreakers map[string]resilience.State

func (m mockBreakers) States() map[string]resilience.State {
	return m
}

type testRouter struct {
	health   *mockHealth
	stats    *mockStats
	cycles   *mockCycles
	logs     *bytes.Buffer
	handler  http.Handler
	limiter  *middleware.RateLimiter
	breakers mockBreakers
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tr := &testRouter{
		health: &mockHealth{report: health.Report{
			Healthy:    true,
			Components: map[string]bool{"storage": true, "transformer": true, "broadcaster": true},
			CheckedAt:  time.Now(),
		}},
		stats: &mockStats{statisticsFn: func(ctx context.Context) (*model.Statistics, error) {
			s := model.NewStatistics(time.Now())
			s.Total = 3
			s.ByStatus[string(model.StatusDelivered)] = 3
			return s, nil
		}},
		cycles: &mockCycles{runCycleFn: func(ctx context.Context) (pipeline.Result, error) {
			return pipeline.Result{CycleID: "cycle-1", Success: true, Counts: map[string]int{pipeline.CountFetched: 2}}, nil
		}},
		logs:     &buf,
		limiter:  middleware.NewRateLimiter(middleware.RateLimiterConfig{Rate: 0.01, Burst: 2, CleanupInterval: time.Minute}, logger),
		breakers: mockBreakers{"source:tass": resilience.StateOpen, "transformer": resilience.StateClosed},
	}
	t.Cleanup(tr.limiter.Stop)

	tr.handler = NewRouter(&RouterDeps{
		Health:      tr.health,
		Stats:       tr.stats,
		Cycles:      tr.cycles,
		Breakers:    tr.breakers,
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics")) }),
		RateLimiter: tr.limiter,
		Logger:      logger,
	})
	return tr
}

func (tr *testRouter) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	tr.handler.ServeHTTP(w, req)
	return w
}

// --- テスト ---

func TestRouter_HealthHealthy(t *testing.T) {
	tr := newTestRouter(t)

	w := tr.do(http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", w.Code)
	}

	var report health.Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if !report.Healthy || len(report.Components) != 3 {
		t.Errorf("report = %+v", report)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("セキュリティヘッダーが付与されていない: %q", got)
	}
}

func TestRouter_HealthUnhealthyReturns503(t *testing.T) {
	tr := newTestRouter(t)
	tr.health.report.Healthy = false
	tr.health.report.Components["broadcaster"] = false

	w := tr.do(http.MethodGet, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /health status = %d, want 503", w.Code)
	}

	var report health.Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if report.Components["broadcaster"] {
		t.Error("broadcaster は異常として返されるべき")
	}
}

func TestRouter_Stats(t *testing.T) {
	tr := newTestRouter(t)

	w := tr.do(http.MethodGet, "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /stats status = %d, want 200", w.Code)
	}

	var stats model.Statistics
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[string(model.StatusDelivered)] != 3 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}
}

func TestRouter_StatsErrorReturns500(t *testing.T) {
	tr := newTestRouter(t)
	tr.stats.statisticsFn = func(ctx context.Context) (*model.Statistics, error) {
		return nil, errors.New("connection refused")
	}

	w := tr.do(http.MethodGet, "/stats")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("GET /stats status = %d, want 500", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("connection refused")) {
		t.Error("内部エラーの詳細がレスポンスに漏れている")
	}
	if !bytes.Contains(tr.logs.Bytes(), []byte("connection refused")) {
		t.Error("内部エラーがログに記録されていない")
	}
}

func TestRouter_Breakers(t *testing.T) {
	tr := newTestRouter(t)

	w := tr.do(http.MethodGet, "/breakers")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /breakers status = %d, want 200", w.Code)
	}

	var resp breakersResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if resp.Breakers["source:tass"] != "OPEN" || resp.Breakers["transformer"] != "CLOSED" {
		t.Errorf("breakers = %v", resp.Breakers)
	}
}

func TestRouter_Metrics(t *testing.T) {
	tr := newTestRouter(t)

	w := tr.do(http.MethodGet, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", w.Code)
	}
	if w.Body.String() != "# metrics" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestRouter_RunCycleReturnsResult(t *testing.T) {
	tr := newTestRouter(t)

	w := tr.do(http.MethodPost, "/cycles/run")
	if w.Code != http.StatusOK {
		t.Fatalf("POST /cycles/run status = %d, want 200", w.Code)
	}

	var res pipeline.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if res.CycleID != "cycle-1" || !res.Success {
		t.Errorf("result = %+v", res)
	}
	if res.Counts[pipeline.CountFetched] != 2 {
		t.Errorf("counts = %v", res.Counts)
	}
}

func TestRouter_RunCycleInProgressReturns409(t *testing.T) {
	tr := newTestRouter(t)
	tr.cycles.runCycleFn = func(ctx context.Context) (pipeline.Result, error) {
		return pipeline.Result{}, pipeline.ErrCycleInProgress
	}

	w := tr.do(http.MethodPost, "/cycles/run")
	if w.Code != http.StatusConflict {
		t.Fatalf("POST /cycles/run status = %d, want 409", w.Code)
	}

	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if body.Code != "CYCLE_IN_PROGRESS" {
		t.Errorf("code = %q, want CYCLE_IN_PROGRESS", body.Code)
	}
}

func TestRouter_RunCycleUnexpectedErrorReturns500(t *testing.T) {
	tr := newTestRouter(t)
	tr.cycles.runCycleFn = func(ctx context.Context) (pipeline.Result, error) {
		return pipeline.Result{}, errors.New("unexpected")
	}

	w := tr.do(http.MethodPost, "/cycles/run")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("POST /cycles/run status = %d, want 500", w.Code)
	}
}

func TestRouter_RunCycleIsRateLimited(t *testing.T) {
	tr := newTestRouter(t)

	for i := 0; i < 2; i++ {
		if w := tr.do(http.MethodPost, "/cycles/run"); w.Code != http.StatusOK {
			t.Fatalf("リクエスト%d: status = %d, want 200", i, w.Code)
		}
	}
	w := tr.do(http.MethodPost, "/cycles/run")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("バースト超過: status = %d, want 429", w.Code)
	}
	if tr.cycles.calls != 2 {
		t.Errorf("RunCycle 呼び出し数 = %d, want 2", tr.cycles.calls)
	}

	// 他のエンドポイントは制限されない
	if w := tr.do(http.MethodGet, "/stats"); w.Code != http.StatusOK {
		t.Errorf("GET /stats status = %d, want 200", w.Code)
	}
}

func TestRouter_RunCycleRequiresPost(t *testing.T) {
	tr := newTestRouter(t)

	w := tr.do(http.MethodGet, "/cycles/run")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /cycles/run status = %d, want 405", w.Code)
	}
}

func TestRouter_PanicIsRecovered(t *testing.T) {
	tr := newTestRouter(t)
	tr.stats.statisticsFn = func(ctx context.Context) (*model.Statistics, error) {
		panic("nil map")
	}

	w := tr.do(http.MethodGet, "/stats")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if !bytes.Contains(tr.logs.Bytes(), []byte("panic recovered")) {
		t.Error("panicがログに記録されていない")
	}
}

func TestRouter_WithoutOptionalDeps(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := NewRouter(&RouterDeps{
		Health: &mockHealth{report: health.Report{Healthy: true}},
		Stats:  &mockStats{},
		Cycles: &mockCycles{},
		Logger: logger,
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Metrics未設定時の GET /metrics status = %d, want 404", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/breakers", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Breakers未設定時の GET /breakers status = %d, want 200", w.Code)
	}
}
