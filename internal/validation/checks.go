package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/newsrelay/internal/model"
)

// TitleValidator はタイトルが空でなく、長さが範囲内であることを検証する。
type TitleValidator struct {
	MinLength int
	MaxLength int
}

// Validate はValidatorインターフェースを実装する。
func (v *TitleValidator) Validate(item *model.NewsItem) string {
	return checkLength("タイトル", item.Title, v.MinLength, v.MaxLength)
}

// BodyValidator は本文が空でなく、長さが範囲内であることを検証する。
type BodyValidator struct {
	MinLength int
	MaxLength int
}

// Validate はValidatorインターフェースを実装する。
func (v *BodyValidator) Validate(item *model.NewsItem) string {
	return checkLength("本文", item.Body, v.MinLength, v.MaxLength)
}

// checkLength は前後の空白を除いた文字数（rune数）で長さを検証する。
func checkLength(field, value string, minLen, maxLen int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Sprintf("%sが空です", field)
	}

	n := utf8.RuneCountInString(trimmed)
	if minLen > 0 && n < minLen {
		return fmt.Sprintf("%sが短すぎます: %d < %d", field, n, minLen)
	}
	if maxLen > 0 && n > maxLen {
		return fmt.Sprintf("%sが長すぎます: %d > %d", field, n, maxLen)
	}
	return ""
}

// urlPattern はhttp(s)の絶対URL（ドメイン、localhost、IPv4、任意のポート）に一致する。
var urlPattern = regexp.MustCompile(`(?i)^https?://` +
	`(?:(?:[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?\.)+[A-Z]{2,6}\.?|` +
	`localhost|` +
	`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})` +
	`(?::\d+)?` +
	`(?:/?|[/?]\S+)$`)

// URLValidator はURLが設定されている場合に形式を検証する。URLなしは常に受理する。
type URLValidator struct {
	pattern *regexp.Regexp
}

// NewURLValidator は新しいURLValidatorを生成する。
func NewURLValidator() *URLValidator {
	return &URLValidator{pattern: urlPattern}
}

// Validate はValidatorインターフェースを実装する。
func (v *URLValidator) Validate(item *model.NewsItem) string {
	if item.SourceURL == "" {
		return ""
	}
	if !v.pattern.MatchString(item.SourceURL) {
		return fmt.Sprintf("URLの形式が不正です: %s", item.SourceURL)
	}
	return ""
}
