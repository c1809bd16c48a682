package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/newsrelay/internal/model"
)

const (
	htmlAccept = "text/html, application/xhtml+xml, */*"

	// minTitleRunes 未満の見出しはナビゲーション等とみなして捨てる。
	minTitleRunes = 10
	// minBlockBodyRunes 未満の本文は記事ページから補完を試みる。
	minBlockBodyRunes = 100
	maxArticleRunes   = 2000
	minBodyRunes      = 20
)

// SelectorCollector はHTMLページをCSSセレクタで分割してニュースを収集する。
type SelectorCollector struct {
	fetcher        *fetcher
	cleaner        TextCleaner
	extractor      *ArticleExtractor
	logger         *slog.Logger
	maxItems       int
	articleTimeout time.Duration
	now            func() time.Time
}

// Collect はCollectorインターフェースを実装する。
func (c *SelectorCollector) Collect(ctx context.Context, src model.Source) ([]*model.NewsItem, error) {
	body, contentType, err := c.fetcher.get(ctx, src.BaseURL, htmlAccept)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(utf8Reader(body, contentType))
	if err != nil {
		return nil, fmt.Errorf("HTMLのパースに失敗 (%s): %w", src.Name, err)
	}

	base, _ := url.Parse(src.BaseURL)

	blocks := doc.Find(src.Selector)
	items := make([]*model.NewsItem, 0, blocks.Length())
	blocks.EachWithBreak(func(i int, block *goquery.Selection) bool {
		if c.maxItems > 0 && i >= c.maxItems {
			return false
		}
		if ctx.Err() != nil {
			return false
		}
		if item := c.parseBlock(ctx, block, base, src); item != nil {
			items = append(items, item)
		}
		return true
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.logger.Debug("HTMLページを解析しました",
		slog.String("source", src.Name),
		slog.Int("blocks", blocks.Length()),
		slog.Int("items", len(items)),
	)
	return items, nil
}

// parseBlock はニュースブロック1つをNewsItemに変換する。条件を満たさなければ nil を返す。
func (c *SelectorCollector) parseBlock(ctx context.Context, block *goquery.Selection, base *url.URL, src model.Source) *model.NewsItem {
	title := c.cleaner.Clean(block.Find("h1, h2, h3, h4, a").First().Text())
	if utf8.RuneCountInString(title) < minTitleRunes {
		return nil
	}

	link := ""
	if href, ok := block.Find("a").First().Attr("href"); ok {
		link = resolveLink(base, href)
	}

	body := c.cleaner.Clean(block.Find("p, div, span").First().Text())
	if utf8.RuneCountInString(body) < minBlockBodyRunes && link != "" {
		if full := c.fetchArticle(ctx, link, src.Name); full != "" {
			body = full
		}
	}
	if utf8.RuneCountInString(body) < minBodyRunes {
		return nil
	}

	published := c.clock()
	if dateElem := block.Find("time, .date, .time, .published").First(); dateElem.Length() > 0 {
		raw, ok := dateElem.Attr("datetime")
		if !ok || strings.TrimSpace(raw) == "" {
			raw = dateElem.Text()
		}
		if t, ok := ParseDate(raw); ok {
			published = t
		}
	}

	return &model.NewsItem{
		Title:       title,
		Body:        body,
		SourceURL:   link,
		SourceName:  src.Name,
		Region:      src.Region,
		PublishedAt: &published,
	}
}

// fetchArticle は記事ページを取得して本文を抽出する。
// 失敗時や抽出結果が短すぎる場合は空文字を返す。
func (c *SelectorCollector) fetchArticle(ctx context.Context, link, source string) string {
	if c.articleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.articleTimeout)
		defer cancel()
	}

	page, contentType, err := c.fetcher.get(ctx, link, htmlAccept)
	if err != nil {
		c.logger.Debug("記事本文の取得に失敗しました",
			slog.String("source", source),
			slog.String("url", link),
			slog.String("error", err.Error()),
		)
		return ""
	}

	text, err := c.extractor.Extract(utf8Reader(page, contentType), link)
	if err != nil {
		c.logger.Debug("記事本文の抽出に失敗しました",
			slog.String("source", source),
			slog.String("url", link),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return text
}

func (c *SelectorCollector) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// resolveLink はhrefを取得元のURLを基準に絶対URLへ解決する。
func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		if ref.IsAbs() {
			return ref.String()
		}
		return ""
	}
	return base.ResolveReference(ref).String()
}
