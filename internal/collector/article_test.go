package collector

import (
	"io"
	"strings"
	"testing"

	"github.com/hitoshi/newsrelay/internal/security"
)

func TestUTF8Reader_DecodesWindows1251(t *testing.T) {
	// "Саратов" in windows-1251
	raw := []byte{0xD1, 0xE0, 0xF0, 0xE0, 0xF2, 0xEE, 0xE2}

	got, err := io.ReadAll(utf8Reader(raw, "text/html; charset=windows-1251"))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if string(got) != "Саратов" {
		t.Errorf("デコード結果 = %q, want %q", string(got), "Саратов")
	}
}

func TestUTF8Reader_KeepsUTF8(t *testing.T) {
	got, err := io.ReadAll(utf8Reader([]byte("Энгельс"), "text/html; charset=utf-8"))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if string(got) != "Энгельс" {
		t.Errorf("デコード結果 = %q", string(got))
	}
}

func TestArticleExtractor_TooShort(t *testing.T) {
	e := NewArticleExtractor(security.NewTextSanitizer(), 2000)

	_, err := e.Extract(strings.NewReader(`<html><body><article><p>Мало текста.</p></article></body></html>`), "https://example.ru/a")
	if err == nil {
		t.Error("短い本文はエラーになるべき")
	}
}

func TestArticleExtractor_Truncates(t *testing.T) {
	e := NewArticleExtractor(security.NewTextSanitizer(), 100)

	page := `<html><body><article><p>` + strings.Repeat(articleParagraph, 5) + `</p></article></body></html>`
	got, err := e.Extract(strings.NewReader(page), "https://example.ru/a")
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("切り詰められていない: %q", got)
	}
	if n := len([]rune(got)); n != 103 {
		t.Errorf("文字数 = %d, want 103", n)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("абвгд", 3); got != "абв..." {
		t.Errorf("truncateRunes = %q", got)
	}
	if got := truncateRunes("абв", 3); got != "абв" {
		t.Errorf("truncateRunes = %q", got)
	}
}
