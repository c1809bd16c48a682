package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は取得したHTML断片をプレーンテキストに整形する。
// タイトル・本文を検証チェーンに渡す前に使用する。
type TextSanitizer interface {
	// Clean はタグを除去し、HTMLエンティティを復元し、連続する空白を1つにまとめる。
	Clean(raw string) string
}

// plainTextSanitizer はbluemondayのStrictPolicyでタグをすべて除去する。
type plainTextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *plainTextSanitizer {
	return &plainTextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はTextSanitizerインターフェースを実装する。
func (s *plainTextSanitizer) Clean(raw string) string {
	if raw == "" {
		return ""
	}
	// ブロック要素の境界で単語が連結しないように改行を挟む
	raw = strings.NewReplacer("</p>", "</p>\n", "<br>", "\n", "<br/>", "\n", "<br />", "\n").Replace(raw)
	text := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(text), " ")
}

// MessageSanitizer はTelegramのHTMLモードで送信する本文を整形する。
// Telegramが解釈できるタグ（b, strong, i, em, u, s, a, code, pre）のみを残す。
type MessageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はMessageSanitizerの新しいインスタンスを生成する。
func NewMessageSanitizer() *MessageSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "strong", "i", "em", "u", "s", "code", "pre")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.AllowRelativeURLs(false)
	return &MessageSanitizer{policy: p}
}

// Sanitize は許可タグ以外を除去したHTMLを返す。
func (s *MessageSanitizer) Sanitize(raw string) string {
	return s.policy.Sanitize(raw)
}
