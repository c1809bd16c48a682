package broadcaster

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseRephrased(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		wantTitle   string
		wantContent string
	}{
		{
			name:        "構造化テキスト",
			text:        "Заголовок: Новый парк\nТекст: Парк открыли.\nВход свободный.",
			wantTitle:   "Новый парк",
			wantContent: "Парк открыли.\nВход свободный.",
		},
		{
			name:        "前後に余計な行",
			text:        "Вот результат:\nЗаголовок: Парк\nТекст: Открыли",
			wantTitle:   "Парк",
			wantContent: "Открыли",
		},
		{
			name:        "非構造化の複数行",
			text:        "Новый парк\nПарк открыли в центре",
			wantTitle:   "Новый парк",
			wantContent: "Парк открыли в центре",
		},
		{
			name:        "1行のみ",
			text:        "Парк открыли в центре",
			wantTitle:   "Новость",
			wantContent: "Парк открыли в центре",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, content := ParseRephrased(tt.text)
			if title != tt.wantTitle {
				t.Errorf("title = %q, want %q", title, tt.wantTitle)
			}
			if content != tt.wantContent {
				t.Errorf("content = %q, want %q", content, tt.wantContent)
			}
		})
	}
}

func newFormatClient(limit int) *Client {
	var buf bytes.Buffer
	return NewClient(Config{MessageLimit: limit}, nil, newTestLogger(&buf))
}

func TestFormatMessage_AppendsLink(t *testing.T) {
	c := newFormatClient(0)

	got := c.FormatMessage("Заголовок: Парк\nТекст: Открыли парк", "https://example.ru/news?id=1&x=2")
	want := "Открыли парк\n\n🔗 <a href=\"https://example.ru/news?id=1&amp;x=2\">Читать оригинал</a>"
	if got != want {
		t.Errorf("FormatMessage = %q, want %q", got, want)
	}
}

func TestFormatMessage_RejectsUnsafeLink(t *testing.T) {
	c := newFormatClient(0)

	got := c.FormatMessage("Заголовок: Парк\nТекст: Открыли парк", "javascript:alert(1)")
	if strings.Contains(got, "<a ") {
		t.Errorf("安全でないリンクが出力された: %q", got)
	}
}

func TestFormatMessage_TruncatesLongContent(t *testing.T) {
	c := newFormatClient(300)

	body := strings.Repeat("ж", 500)
	got := c.FormatMessage("Заголовок: Длинная\nТекст: "+body, "https://example.ru/1")

	if !strings.HasPrefix(got, strings.Repeat("ж", 200)+"...") {
		t.Errorf("本文が上限-100文字で切り詰められていない: %q", got[:50])
	}
	if !strings.HasSuffix(got, "Читать полностью</a>") {
		t.Errorf("「Читать полностью」リンクがない: %q", got)
	}
	if n := len([]rune(got)); n > 300 {
		t.Errorf("メッセージ長 = %d, 上限 300 を超えている", n)
	}
}
