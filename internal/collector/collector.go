// Package collector は取得元の種類ごとのニュース収集戦略を提供する。
// 取得元設定の形（フィードURLまたはセレクタ）で戦略が静的に決まる。
package collector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/newsrelay/internal/model"
)

// Collector は1つの取得元からニュース候補を収集する。
type Collector interface {
	Collect(ctx context.Context, src model.Source) ([]*model.NewsItem, error)
}

// TextCleaner はHTML断片をプレーンテキストに整形する。
type TextCleaner interface {
	Clean(raw string) string
}

// Options はコレクター共通の設定。
type Options struct {
	// MaxItems は1取得元あたりの最大件数。
	MaxItems int
	// MaxBodySize はレスポンスボディの最大読み取りサイズ。
	MaxBodySize int64
	// ArticleTimeout は記事本文の追加取得に使うタイムアウト。
	ArticleTimeout time.Duration
	// UserAgent はリクエストに付与するUser-Agent。
	UserAgent string
}

// DefaultOptions はデフォルトのコレクター設定を返す。
func DefaultOptions() Options {
	return Options{
		MaxItems:       20,
		MaxBodySize:    5 * 1024 * 1024,
		ArticleTimeout: 20 * time.Second,
		UserAgent:      "NewsRelay/1.0",
	}
}

var (
	_ Collector = (*FeedCollector)(nil)
	_ Collector = (*SelectorCollector)(nil)
)

// Factory は取得元設定に応じたCollectorを返す。
type Factory struct {
	feed     *FeedCollector
	selector *SelectorCollector
}

// NewFactory は新しいFactoryを生成する。
// clientには本番ではSSRF防止付きのクライアントを渡す。
func NewFactory(client *http.Client, cleaner TextCleaner, logger *slog.Logger, opts Options) *Factory {
	f := &fetcher{client: client, userAgent: opts.UserAgent, maxBodySize: opts.MaxBodySize}

	feed := &FeedCollector{fetcher: f, cleaner: cleaner, logger: logger, maxItems: opts.MaxItems}
	selector := &SelectorCollector{
		fetcher:        f,
		cleaner:        cleaner,
		extractor:      NewArticleExtractor(cleaner, maxArticleRunes),
		logger:         logger,
		maxItems:       opts.MaxItems,
		articleTimeout: opts.ArticleTimeout,
	}
	return &Factory{feed: feed, selector: selector}
}

// For は取得元に対応するCollectorを返す。
// フィードURLとセレクタの両方がある場合はフィードを優先する。
func (f *Factory) For(src model.Source) (Collector, error) {
	switch {
	case src.HasFeed():
		return f.feed, nil
	case src.HasSelector():
		return f.selector, nil
	default:
		return nil, model.NewInvalidSourceError(src.Name, "フィードURLもセレクタも設定されていません")
	}
}

// fetcher はコレクター共通のHTTP GETを行う。
type fetcher struct {
	client      *http.Client
	userAgent   string
	maxBodySize int64
}

// get はURLの内容とContent-Typeを取得する。2xx以外はHTTPステータスに応じたPipelineErrorを返す。
func (f *fetcher) get(ctx context.Context, rawURL, accept string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", model.NewTransientError("GET "+rawURL, err)
	}
	defer resp.Body.Close()

	if err := model.NewHTTPStatusError("GET "+rawURL, resp.StatusCode); err != nil {
		return nil, "", err
	}

	limit := f.maxBodySize
	if limit <= 0 {
		limit = DefaultOptions().MaxBodySize
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, "", model.NewTransientError("read "+rawURL, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
