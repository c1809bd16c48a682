package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hitoshi/newsrelay/internal/model"
)

// HTTPProber はHEADリクエストで取得元の到達性を確認する。
type HTTPProber struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

var _ Prober = (*HTTPProber)(nil)

// NewHTTPProber はHTTPProberの新しいインスタンスを生成する。
// timeoutが0以下の場合はデフォルト値10秒を使用する。
func NewHTTPProber(client *http.Client, timeout time.Duration, userAgent string) *HTTPProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{client: client, timeout: timeout, userAgent: userAgent}
}

// Probe は取得元にHEADリクエストを送り、400未満のステータスであれば到達可能とする。
// HEADを受け付けないサーバー（405）は到達可能として扱う。
func (p *HTTPProber) Probe(ctx context.Context, src model.Source) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	target := src.ProbeURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return model.NewTransientError("HEAD "+target, err)
	}
	resp.Body.Close()

	if resp.StatusCode < http.StatusBadRequest || resp.StatusCode == http.StatusMethodNotAllowed {
		return nil
	}
	return model.NewHTTPStatusError("HEAD "+target, resp.StatusCode)
}
