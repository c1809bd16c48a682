package collector

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html/charset"
)

// minArticleRunes 以下の抽出結果は本文として採用しない。
const minArticleRunes = 50

var errArticleTooShort = errors.New("抽出した本文が短すぎます")

// ArticleExtractor は記事ページのHTMLから本文を抽出する。
// ナビゲーションやフッターの除去はreadabilityに任せる。
type ArticleExtractor struct {
	cleaner  TextCleaner
	maxRunes int
}

// NewArticleExtractor は新しいArticleExtractorを生成する。
// maxRunesを超える本文は切り詰めて "..." を付ける。
func NewArticleExtractor(cleaner TextCleaner, maxRunes int) *ArticleExtractor {
	return &ArticleExtractor{cleaner: cleaner, maxRunes: maxRunes}
}

// Extract はページの本文テキストを返す。
func (e *ArticleExtractor) Extract(page io.Reader, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("記事URLが不正です: %w", err)
	}

	article, err := readability.FromReader(page, parsed)
	if err != nil {
		return "", fmt.Errorf("readabilityによる抽出に失敗: %w", err)
	}

	text := e.cleaner.Clean(article.TextContent)
	if utf8.RuneCountInString(text) <= minArticleRunes {
		return "", errArticleTooShort
	}
	if e.maxRunes > 0 {
		text = truncateRunes(text, e.maxRunes)
	}
	return text, nil
}

// utf8Reader はContent-Typeやmetaタグの文字コード宣言に従ってUTF-8に変換するReaderを返す。
// 地方ニュースサイトにはwindows-1251のページが残っているため必要。
// 判定に失敗した場合は元のバイト列をそのまま読む。
func utf8Reader(body []byte, contentType string) io.Reader {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return bytes.NewReader(body)
	}
	return r
}

// truncateRunes はn文字を超える部分を切り捨てて "..." を付ける。
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
