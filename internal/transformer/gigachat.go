// Package transformer はGigaChat APIによるニュースの言い換えを提供する。
// 政治・事故などAPI側で拒否されやすい話題は、APIを呼ばずにローカルの言い換えで処理する。
package transformer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/resilience"
)

const (
	// DefaultAuthURL はGigaChatのOAuthエンドポイント。
	DefaultAuthURL = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"
	// DefaultBaseURL はGigaChat APIのベースURL。
	DefaultBaseURL = "https://gigachat.devices.sberbank.ru/api/v1"
	// DefaultScope は個人向けAPIのスコープ。
	DefaultScope = "GIGACHAT_API_PERS"
	// DefaultModel は使用するモデル名。
	DefaultModel = "GigaChat"

	// tokenExpiryBuffer の分だけ早めにトークンを更新する。
	tokenExpiryBuffer = 60 * time.Second
	// expires_at がこの値を超える場合はミリ秒とみなす。
	maxUnixSeconds = 9999999999
)

// Config はGigaChatクライアントの設定。
type Config struct {
	AuthURL     string
	BaseURL     string
	Credentials string // Basic認証用のBase64文字列
	Scope       string
	Model       string
	Temperature float64
	MaxTokens   int
}

// withDefaults は未設定の項目にデフォルト値を補う。
func (c Config) withDefaults() Config {
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2000
	}
	return c
}

// NewHTTPClient はGigaChat用のHTTPクライアントを生成する。
// GigaChatの証明書は国内CAで発行されているため、CAを導入していない環境ではverifyTLSをfalseにする。
func NewHTTPClient(timeout time.Duration, verifyTLS bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

type accessToken struct {
	value     string
	expiresAt time.Time
}

// Client はGigaChat APIクライアント。
// アクセストークンはプロセス内でキャッシュし、期限の60秒前に更新する。
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	chat       func(ctx context.Context, item *model.NewsItem) (string, error)

	mu    sync.Mutex
	token *accessToken
}

// NewClient はClientの新しいインスタンスを生成する。
// guardはチャットAPI呼び出しに外側から順に適用される（リトライ・ブレーカーなど）。
// ローカルの言い換えで済む場合はguardを通らない。
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger, guard ...resilience.Middleware) *Client {
	c := &Client{
		cfg:        cfg.withDefaults(),
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
	c.chat = resilience.Guard(c.complete, guard...)
	return c
}

// Transform はニュースを言い換えたテキストを「Заголовок: …\nТекст: …」形式で返す。
// センシティブな話題とAPIが拒否定型文を返した場合はローカルの言い換えを返す。
// APIが空の応答を返した場合は空文字とnilを返す（変換結果なし）。
func (c *Client) Transform(ctx context.Context, item *model.NewsItem) (string, error) {
	if keyword, ok := SensitiveKeyword(item.Title + " " + item.Body); ok {
		c.logger.Info("センシティブな話題のためローカルで言い換えます",
			slog.String("title", model.Excerpt(item.Title, 50)),
			slog.String("keyword", keyword),
		)
		return Rephrase(item.Title, item.Body, item.Region), nil
	}

	text, err := c.chat(ctx, item)
	if err != nil {
		return "", err
	}
	if text == "" {
		c.logger.Warn("GigaChatの応答が空です",
			slog.String("title", model.Excerpt(item.Title, 50)),
		)
		return "", nil
	}

	if IsBlockedResponse(text) {
		c.logger.Warn("GigaChatが回答を拒否したためローカルで言い換えます",
			slog.String("title", model.Excerpt(item.Title, 50)),
		)
		return Rephrase(item.Title, item.Body, item.Region), nil
	}

	c.logger.Info("GigaChatで言い換えました",
		slog.String("title", model.Excerpt(item.Title, 50)),
	)
	return text, nil
}

// IsAvailable はトークンを取得し、モデル一覧APIが200を返すかで可用性を判定する。
func (c *Client) IsAvailable(ctx context.Context) bool {
	token, err := c.accessToken(ctx)
	if err != nil {
		c.logger.Error("GigaChatの可用性確認に失敗しました",
			slog.String("error", err.Error()),
		)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("GigaChatの可用性確認に失敗しました",
			slog.String("error", err.Error()),
		)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}
	return resp.StatusCode == http.StatusOK
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// complete はチャット補完APIを1回呼び出す。リトライは呼び出し側で行う。
func (c *Client) complete(ctx context.Context, item *model.NewsItem) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(item)},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("リクエストのエンコードに失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", model.NewTransientError("gigachat chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// 次回の呼び出しで再認証させる
		c.invalidateToken()
		return "", model.NewAuthError("gigachat chat", fmt.Errorf("status %d", resp.StatusCode))
	}
	if err := model.NewHTTPStatusError("gigachat chat", resp.StatusCode); err != nil {
		return "", err
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", model.NewTransientError("gigachat chat decode", err)
	}
	if len(result.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
}

// accessToken は有効なキャッシュ済みトークンを返し、なければOAuthエンドポイントから取得する。
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil && c.now().Before(c.token.expiresAt.Add(-tokenExpiryBuffer)) {
		return c.token.value, nil
	}

	form := url.Values{}
	form.Set("scope", c.cfg.Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("RqUID", uuid.NewString())
	req.Header.Set("Authorization", "Basic "+c.cfg.Credentials)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", model.NewTransientError("gigachat token", err)
	}
	defer resp.Body.Close()

	if err := model.NewHTTPStatusError("gigachat token", resp.StatusCode); err != nil {
		return "", err
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", model.NewTransientError("gigachat token decode", err)
	}
	if tr.AccessToken == "" {
		return "", model.NewAuthError("gigachat token", fmt.Errorf("empty access token"))
	}

	c.token = &accessToken{value: tr.AccessToken, expiresAt: expiryTime(tr.ExpiresAt)}
	c.logger.Info("GigaChatのアクセストークンを取得しました",
		slog.Duration("expires_in", c.token.expiresAt.Sub(c.now()).Round(time.Second)),
	)
	return c.token.value, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
}

// expiryTime はexpires_atを時刻に変換する。ミリ秒と秒の両方を受け付ける。
func expiryTime(expiresAt int64) time.Time {
	if expiresAt > maxUnixSeconds {
		return time.UnixMilli(expiresAt)
	}
	return time.Unix(expiresAt, 0)
}
