// Package dedup はニュースの重複判定を提供する。
// 内容のフィンガープリントを最優先し、次にURLで既存判定を行う。
package dedup

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/newsrelay/internal/model"
)

// Store は重複判定に必要な永続化層の問い合わせ。
type Store interface {
	// ExistsByFingerprint は同じフィンガープリントのニュースが存在するかを返す。
	ExistsByFingerprint(ctx context.Context, fingerprint string) (bool, error)

	// ExistsByURL は同じURLのニュースが存在するかを返す。
	ExistsByURL(ctx context.Context, url string) (bool, error)
}

// Fingerprint はタイトルと本文の前後の空白を除いて連結した文字列のSHA-256（16進）を返す。
// それ以外の正規化は行わない。
func Fingerprint(title, body string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(strings.TrimSpace(title)+strings.TrimSpace(body))))
}

// Gate は永続化層を参照して重複を判定する。
type Gate struct {
	store  Store
	logger *slog.Logger
}

// NewGate は新しいGateを生成する。
func NewGate(store Store, logger *slog.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// IsDuplicate はitemが既に保存済みかを返す。
// 2段階の判定:
//  1. フィンガープリント（転載やURL違いの同一記事を検出する）
//  2. URL（空でない場合のみ）
//
// どちらか一方に一致すれば重複とする。
// itemのFingerprintが未設定の場合はここで計算して設定する。
func (g *Gate) IsDuplicate(ctx context.Context, item *model.NewsItem) (bool, error) {
	if item.Fingerprint == "" {
		item.Fingerprint = Fingerprint(item.Title, item.Body)
	}

	exists, err := g.store.ExistsByFingerprint(ctx, item.Fingerprint)
	if err != nil {
		return false, fmt.Errorf("フィンガープリントによる重複判定に失敗: %w", err)
	}
	if exists {
		g.logger.Debug("同一内容のニュースが保存済みです",
			slog.String("source", item.SourceName),
			slog.String("fingerprint", item.Fingerprint),
		)
		return true, nil
	}

	if item.SourceURL == "" {
		return false, nil
	}

	exists, err = g.store.ExistsByURL(ctx, item.SourceURL)
	if err != nil {
		return false, fmt.Errorf("URLによる重複判定に失敗: %w", err)
	}
	if exists {
		g.logger.Debug("同一URLのニュースが保存済みです",
			slog.String("source", item.SourceName),
			slog.String("url", item.SourceURL),
		)
	}
	return exists, nil
}

// UniqueInBatch は同じバッチ内で内容が重複するニュースを除き、最初の出現のみを残す。
// 各itemのFingerprintを設定する。
func UniqueInBatch(items []*model.NewsItem) []*model.NewsItem {
	seen := make(map[string]bool, len(items))
	out := make([]*model.NewsItem, 0, len(items))
	for _, item := range items {
		if item.Fingerprint == "" {
			item.Fingerprint = Fingerprint(item.Title, item.Body)
		}
		if seen[item.Fingerprint] {
			continue
		}
		seen[item.Fingerprint] = true
		out = append(out, item)
	}
	return out
}
