package broadcaster

import (
	"html"
	"net/url"
	"strings"
)

const (
	titlePrefix   = "Заголовок:"
	contentPrefix = "Текст:"
	defaultTitle  = "Новость"
)

// ParseRephrased は変換済みテキストからタイトルと本文を取り出す。
// 「Заголовок:」「Текст:」の形式でない場合は1行目をタイトル、残りを本文とする。
// 1行しかない場合のタイトルは「Новость」になる。
func ParseRephrased(text string) (title, content string) {
	lines := strings.Split(strings.TrimSpace(text), "\n")

	var contentLines []string
	inContent := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, titlePrefix):
			title = strings.TrimSpace(strings.TrimPrefix(trimmed, titlePrefix))
			inContent = false
		case strings.HasPrefix(trimmed, contentPrefix):
			contentLines = append(contentLines, strings.TrimSpace(strings.TrimPrefix(trimmed, contentPrefix)))
			inContent = true
		case inContent:
			contentLines = append(contentLines, line)
		}
	}
	content = strings.TrimSpace(strings.Join(contentLines, "\n"))

	if title != "" || content != "" {
		return title, content
	}

	// 構造化されていないテキスト
	if len(lines) > 1 {
		return strings.TrimSpace(lines[0]), strings.TrimSpace(strings.Join(lines[1:], "\n"))
	}
	return defaultTitle, strings.TrimSpace(text)
}

// FormatMessage は変換済みテキストをTelegram用のHTMLメッセージに整形する。
// 本文の後に元記事へのリンクを付け、上限を超える場合は本文を切り詰める。
func (c *Client) FormatMessage(text, sourceURL string) string {
	_, content := ParseRephrased(text)
	content = c.sanitizer.Sanitize(content)

	link := ""
	if href, ok := safeLink(sourceURL); ok {
		link = "\n\n🔗 <a href=\"" + href + "\">Читать оригинал</a>"
	}

	msg := content + link
	if runeLen(msg) <= c.cfg.MessageLimit {
		return msg
	}

	cut := c.cfg.MessageLimit - 100
	if cut < 0 {
		cut = 0
	}
	msg = truncate(content, cut) + "..."
	if link != "" {
		href, _ := safeLink(sourceURL)
		msg += "\n\n🔗 <a href=\"" + href + "\">Читать полностью</a>"
	}
	return msg
}

// safeLink はhttp(s)のURLのみをエスケープして返す。
func safeLink(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	return html.EscapeString(u.String()), true
}

func runeLen(s string) int {
	return len([]rune(s))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
