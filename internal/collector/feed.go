package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/newsrelay/internal/model"
)

const feedAccept = "application/rss+xml, application/atom+xml, application/xml, text/xml, */*"

// FeedCollector はRSS/Atomフィードからニュースを収集する。
type FeedCollector struct {
	fetcher  *fetcher
	cleaner  TextCleaner
	logger   *slog.Logger
	maxItems int
	now      func() time.Time
}

// Collect はCollectorインターフェースを実装する。
func (c *FeedCollector) Collect(ctx context.Context, src model.Source) ([]*model.NewsItem, error) {
	body, _, err := c.fetcher.get(ctx, src.FeedURL, feedAccept)
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗 (%s): %w", src.Name, err)
	}

	entries := parsed.Items
	if c.maxItems > 0 && len(entries) > c.maxItems {
		entries = entries[:c.maxItems]
	}

	items := make([]*model.NewsItem, 0, len(entries))
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		if item := c.convert(entry, src); item != nil {
			items = append(items, item)
		}
	}

	c.logger.Debug("フィードを解析しました",
		slog.String("source", src.Name),
		slog.Int("entries", len(parsed.Items)),
		slog.Int("items", len(items)),
	)
	return items, nil
}

// convert はフィードのエントリをNewsItemに変換する。タイトルか本文が空なら nil を返す。
func (c *FeedCollector) convert(entry *gofeed.Item, src model.Source) *model.NewsItem {
	title := c.cleaner.Clean(entry.Title)
	body := c.cleaner.Clean(entry.Description)
	if body == "" {
		body = c.cleaner.Clean(entry.Content)
	}
	if title == "" || body == "" {
		return nil
	}

	var published time.Time
	switch {
	case entry.PublishedParsed != nil:
		published = *entry.PublishedParsed
	case entry.UpdatedParsed != nil:
		published = *entry.UpdatedParsed
	default:
		published = c.clock()
	}

	return &model.NewsItem{
		Title:       title,
		Body:        body,
		SourceURL:   entry.Link,
		SourceName:  src.Name,
		Region:      src.Region,
		PublishedAt: &published,
	}
}

func (c *FeedCollector) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
