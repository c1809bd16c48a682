package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/cycles/run", nil)
	req.RemoteAddr = addr
	return req
}

func TestRateLimitMiddleware_AllowsRequestsWithinBurst(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 3, CleanupInterval: time.Minute}, newTestLogger(&buf))
	defer rl.Stop()

	handler := rl.Middleware()(okHandler())
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.1:5000"))
		if w.Code != http.StatusOK {
			t.Errorf("リクエスト%d: status = %d, want 200", i, w.Code)
		}
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(RateLimiterConfig{Rate: 0.5, Burst: 1, CleanupInterval: time.Minute}, newTestLogger(&buf))
	defer rl.Stop()

	handler := rl.Middleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:5000"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1:5001"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want %q", got, "2")
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != CategoryRequest {
		t.Errorf("body = %+v", body)
	}
	if !bytes.Contains(buf.Bytes(), []byte("rate limit exceeded")) {
		t.Error("レート制限の警告ログが出力されていない")
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(RateLimiterConfig{Rate: 0.1, Burst: 1, CleanupInterval: time.Minute}, newTestLogger(&buf))
	defer rl.Stop()

	handler := rl.Middleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:5000"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.2:5000"))
	if w.Code != http.StatusOK {
		t.Errorf("別クライアントが制限された: status = %d", w.Code)
	}
	if rl.LimiterCount() != 2 {
		t.Errorf("LimiterCount = %d, want 2", rl.LimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(RateLimiterConfig{Rate: 2, Burst: 5, CleanupInterval: 50 * time.Millisecond}, newTestLogger(&buf))
	defer rl.Stop()

	rl.Middleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.9:1"))
	if rl.LimiterCount() != 1 {
		t.Fatalf("LimiterCount = %d, want 1", rl.LimiterCount())
	}

	// TTLはクリーンアップ間隔の2倍（100ms）
	deadline := time.Now().Add(2 * time.Second)
	for rl.LimiterCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if count := rl.LimiterCount(); count != 0 {
		t.Errorf("クリーンアップ後のエントリ数 = %d, want 0", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(DefaultRateLimiterConfig(), newTestLogger(&buf))
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	if cfg.Burst != 2 {
		t.Errorf("Burst = %d, want 2", cfg.Burst)
	}
	if cfg.Rate <= 0 {
		t.Errorf("Rate = %v, want > 0", cfg.Rate)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:80", "2001:db8::1"},
		{"no-port", "no-port"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.addr
		if got := clientKey(req); got != tt.want {
			t.Errorf("clientKey(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
