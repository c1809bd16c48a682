package validation

import (
	"strings"
	"testing"

	"github.com/hitoshi/newsrelay/internal/model"
)

func validItem() *model.NewsItem {
	return &model.NewsItem{
		Title:      "Город Энгельс отремонтировал дороги",
		Body:       strings.Repeat("Администрация сообщила о завершении ремонта улиц. ", 3),
		SourceURL:  "https://example.ru/news/1",
		SourceName: "feedA",
	}
}

func TestChain_AcceptsValidItem(t *testing.T) {
	c := NewDefaultChain(DefaultOptions())

	reasons := c.Validate(validItem())
	if len(reasons) != 0 {
		t.Errorf("拒否理由 = %v, want なし", reasons)
	}
	if !c.IsValid(validItem()) {
		t.Error("IsValid = false, want true")
	}
}

func TestChain_AggregatesAllReasons(t *testing.T) {
	c := NewDefaultChain(DefaultOptions())

	item := &model.NewsItem{
		Title:     "short",
		Body:      "",
		SourceURL: "ftp://example.com/file",
	}
	reasons := c.Validate(item)

	// タイトル・本文・URL・地域の4件すべてが報告される
	if len(reasons) != 4 {
		t.Fatalf("拒否理由の件数 = %d, want 4: %v", len(reasons), reasons)
	}
}

func TestChain_EmptyChainAccepts(t *testing.T) {
	c := NewChain()
	if got := c.Validate(&model.NewsItem{}); len(got) != 0 {
		t.Errorf("空チェーンの結果 = %v", got)
	}
}

func TestChain_ValidatorFunc(t *testing.T) {
	c := NewChain(ValidatorFunc(func(item *model.NewsItem) string {
		if item.SourceName == "" {
			return "source missing"
		}
		return ""
	}))
	if got := c.Validate(&model.NewsItem{}); len(got) != 1 || got[0] != "source missing" {
		t.Errorf("Validate = %v", got)
	}
}

func TestTitleValidator(t *testing.T) {
	v := &TitleValidator{MinLength: 10, MaxLength: 20}

	tests := []struct {
		name   string
		title  string
		reject bool
	}{
		{"空", "   ", true},
		{"短い", "короткий", true},
		{"範囲内", "Саратов сегодня", false},
		{"長い", strings.Repeat("я", 21), true},
		{"前後の空白は無視", "   Саратов сегодня   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(&model.NewsItem{Title: tt.title})
			if (got != "") != tt.reject {
				t.Errorf("Validate(%q) = %q, reject want %v", tt.title, got, tt.reject)
			}
		})
	}
}

func TestTitleValidator_CountsRunesNotBytes(t *testing.T) {
	v := &TitleValidator{MinLength: 10, MaxLength: 12}
	// 11文字のキリル文字（22バイト）
	if got := v.Validate(&model.NewsItem{Title: "абвгдежзийк"}); got != "" {
		t.Errorf("rune数で判定されていない: %q", got)
	}
}

func TestBodyValidator(t *testing.T) {
	v := &BodyValidator{MinLength: 20, MaxLength: 5000}

	if got := v.Validate(&model.NewsItem{Body: ""}); got == "" {
		t.Error("空の本文は拒否されるべき")
	}
	if got := v.Validate(&model.NewsItem{Body: "мало текста"}); got == "" {
		t.Error("短い本文は拒否されるべき")
	}
	if got := v.Validate(&model.NewsItem{Body: strings.Repeat("т", 5001)}); got == "" {
		t.Error("長い本文は拒否されるべき")
	}
	if got := v.Validate(&model.NewsItem{Body: strings.Repeat("т", 140)}); got != "" {
		t.Errorf("範囲内の本文が拒否された: %q", got)
	}
}

func TestURLValidator(t *testing.T) {
	v := NewURLValidator()

	accept := []string{
		"",
		"https://sarinform.ru/news/2024/1",
		"http://localhost:8080/feed",
		"http://192.168.0.1/path?x=1",
		"https://example.com",
	}
	for _, u := range accept {
		if got := v.Validate(&model.NewsItem{SourceURL: u}); got != "" {
			t.Errorf("Validate(%q) = %q, want 受理", u, got)
		}
	}

	reject := []string{
		"ftp://example.com/file",
		"example.com/news",
		"https://",
		"https://exa mple.com",
	}
	for _, u := range reject {
		if got := v.Validate(&model.NewsItem{SourceURL: u}); got == "" {
			t.Errorf("Validate(%q) は拒否されるべき", u)
		}
	}
}
