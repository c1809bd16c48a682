// Package broadcaster はTelegramチャンネルへのニュース配信を提供する。
package broadcaster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/newsrelay/internal/model"
	"github.com/hitoshi/newsrelay/internal/resilience"
	"github.com/hitoshi/newsrelay/internal/security"
)

const (
	// DefaultAPIURL はTelegram Bot APIのベースURL。
	DefaultAPIURL = "https://api.telegram.org"
	// DefaultMessageLimit はTelegramの1メッセージあたりの上限（4096）より少し小さい値。
	DefaultMessageLimit = 4000
	// DefaultSendDelay は連続送信の間隔。
	DefaultSendDelay = time.Second
)

// Config はTelegramクライアントの設定。
type Config struct {
	BotToken     string
	ChannelID    string
	APIURL       string
	SendDelay    time.Duration
	MessageLimit int
}

// Delivery は配信1件分の入力。
type Delivery struct {
	ItemID    string
	Text      string // 変換済みテキスト（「Заголовок: …\nТекст: …」形式）
	SourceURL string
}

// DeliveryResult は配信1件分の結果。ItemIDで入力と対応付ける。
type DeliveryResult struct {
	ItemID    string
	ReceiptID string
	Success   bool
	Err       error
}

// Client はTelegram Bot APIクライアント。
// 送信は逐次で、rate.Limiterにより送信間隔を空ける。
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	sanitizer  *security.MessageSanitizer
	logger     *slog.Logger
	send       func(ctx context.Context, text string) (string, error)
}

// NewClient はClientの新しいインスタンスを生成する。
// guardは1メッセージの送信ごとに外側から順に適用される。
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger, guard ...resilience.Middleware) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = DefaultMessageLimit
	}
	if cfg.SendDelay < 0 {
		cfg.SendDelay = 0
	}

	limit := rate.Inf
	if cfg.SendDelay > 0 {
		limit = rate.Every(cfg.SendDelay)
	}

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		sanitizer:  security.NewMessageSanitizer(),
		logger:     logger,
	}
	c.send = resilience.Guard(c.sendMessage, guard...)
	return c
}

// DeliverBatch はニュースを順番に送信し、入力1件につき1件の結果を返す。
// 1件の失敗は他の送信に影響しない。コンテキストがキャンセルされた場合、残りは失敗として返す。
func (c *Client) DeliverBatch(ctx context.Context, deliveries []Delivery) []DeliveryResult {
	results := make([]DeliveryResult, 0, len(deliveries))
	for _, d := range deliveries {
		res := DeliveryResult{ItemID: d.ItemID}

		if err := c.limiter.Wait(ctx); err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}

		receipt, err := c.send(ctx, c.FormatMessage(d.Text, d.SourceURL))
		if err != nil {
			c.logger.Error("ニュースの送信に失敗しました",
				slog.String("item_id", d.ItemID),
				slog.String("error", err.Error()),
			)
			res.Err = err
		} else {
			c.logger.Info("ニュースを送信しました",
				slog.String("item_id", d.ItemID),
				slog.String("message_id", receipt),
			)
			res.ReceiptID = receipt
			res.Success = true
		}
		results = append(results, res)
	}
	return results
}

// SendStatus は運用者向けのステータスメッセージを送信する。
func (c *Client) SendStatus(ctx context.Context, text string) error {
	msg := "🤖 <b>Статус бота:</b>\n" + c.sanitizer.Sanitize(text)
	_, err := c.sendMessage(ctx, msg)
	return err
}

// IsAvailable はgetMeとgetChatの両方が成功するかで可用性を判定する。
func (c *Client) IsAvailable(ctx context.Context) bool {
	if _, err := c.call(ctx, http.MethodGet, "getMe", nil); err != nil {
		c.logger.Error("Telegramの可用性確認に失敗しました",
			slog.String("method", "getMe"),
			slog.String("error", err.Error()),
		)
		return false
	}
	if _, err := c.call(ctx, http.MethodGet, "getChat", url.Values{"chat_id": {c.cfg.ChannelID}}); err != nil {
		c.logger.Error("Telegramの可用性確認に失敗しました",
			slog.String("method", "getChat"),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// sendMessage はHTMLモードでメッセージを1件送信し、message_idを返す。
func (c *Client) sendMessage(ctx context.Context, text string) (string, error) {
	form := url.Values{
		"chat_id":                  {c.cfg.ChannelID},
		"text":                     {text},
		"parse_mode":               {"HTML"},
		"disable_web_page_preview": {"false"},
	}
	raw, err := c.call(ctx, http.MethodPost, "sendMessage", form)
	if err != nil {
		return "", err
	}

	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", fmt.Errorf("sendMessage の結果の解析に失敗: %w", err)
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// call はBot APIのメソッドを呼び出し、resultフィールドを返す。
func (c *Client) call(ctx context.Context, method, apiMethod string, params url.Values) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.cfg.APIURL, c.cfg.BotToken, apiMethod)

	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(params.Encode())
	} else if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// トークンを含むURLをログに残さない
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, model.NewTransientError("telegram "+apiMethod, err)
	}
	defer resp.Body.Close()

	var ar apiResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ar)

	if err := model.NewHTTPStatusError("telegram "+apiMethod, resp.StatusCode); err != nil {
		if ar.Description != "" {
			return nil, fmt.Errorf("%w: %s", err, ar.Description)
		}
		return nil, err
	}
	if decodeErr != nil {
		return nil, model.NewTransientError("telegram "+apiMethod+" decode", decodeErr)
	}
	if !ar.OK {
		return nil, fmt.Errorf("telegram %s: %s", apiMethod, ar.Description)
	}
	return ar.Result, nil
}
