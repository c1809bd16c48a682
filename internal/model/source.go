package model

import (
	"strings"
	"time"
)

// Source はニュース取得元1件の設定を表す。
// FeedURLとSelectorのどちらか一方でコレクター戦略が決まる。
type Source struct {
	Name     string
	BaseURL  string
	Region   string
	FeedURL  string
	Selector string
	Enabled  bool
	Priority int
	Timeout  time.Duration
}

// HasFeed はフィードエンドポイントが設定されているかを返す。
func (s Source) HasFeed() bool {
	return strings.TrimSpace(s.FeedURL) != ""
}

// HasSelector はセレクタが設定されているかを返す。
func (s Source) HasSelector() bool {
	return strings.TrimSpace(s.Selector) != ""
}

// ProbeURL は到達性確認に使うURLを返す。
func (s Source) ProbeURL() string {
	if s.HasFeed() {
		return s.FeedURL
	}
	return s.BaseURL
}
