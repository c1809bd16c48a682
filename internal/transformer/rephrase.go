package transformer

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// sensitiveKeywords を含むニュースはAPIに送らない。
var sensitiveKeywords = []string{
	"погиб", "смерть", "убит", "авария", "дтп", "пожар", "взрыв",
	"теракт", "катастрофа", "трагедия", "жертв", "пострадавш",
	"военн", "армия", "войск", "спецоперац", "мобилизац",
	"выбор", "депутат", "губернатор", "мэр", "министр",
	"суд", "арест", "задержан", "уголовн", "преступлен",
	"политик", "оппозиц", "протест", "митинг",
}

// blockedPhrases はAPIが回答を拒否した場合の定型文。
var blockedPhrases = []string{
	"не могу обсуждать",
	"не обладаю собственным мнением",
	"разговоры на чувствительные темы",
	"могут быть ограничены",
	"временно ограничены",
	"не могу предоставить",
	"не могу помочь",
	"чувствительные темы",
}

// SensitiveKeyword はテキストに含まれる最初のセンシティブなキーワードを返す。
func SensitiveKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

// IsBlockedResponse はAPIの応答が拒否の定型文かを返す。
func IsBlockedResponse(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range blockedPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// 単語単位の置換表。大文字始まりの単語は置換後も大文字始まりにする。
var (
	titleReplacements = map[string]string{
		"сообщает":    "информирует",
		"заявил":      "отметил",
		"рассказал":   "поделился информацией",
		"объявил":     "сообщил",
		"планирует":   "намерен",
		"будет":       "планируется",
		"прошел":      "состоялся",
		"началось":    "стартовало",
		"завершилось": "подошло к концу",
	}
	bodyReplacements = map[string]string{
		"сказал":      "отметил",
		"говорит":     "утверждает",
		"считает":     "полагает",
		"думает":      "считает",
		"планирует":   "намеревается",
		"хочет":       "планирует",
		"произошло":   "случилось",
		"случилось":   "имело место",
		"началось":    "стартовало",
		"закончилось": "завершилось",
	}
	// 複数語の置換は単語置換より先に行う
	bodyPhrases = []struct{ from, to string }{
		{"будет делать", "планирует"},
		{"В результате", "Вследствие этого"},
		{"в результате", "вследствие"},
	}

	wordPattern     = regexp.MustCompile(`[\p{L}\p{N}]+`)
	sentenceDivider = regexp.MustCompile(`[.!?]+`)
)

// Rephrase はAPIを使わずに簡易的な言い換えを行い、「Заголовок: …\nТекст: …」形式で返す。
// regionが空でなければタイトルの末尾に「(region)」を付ける。
func Rephrase(title, body, region string) string {
	newTitle := replaceWords(strings.TrimSpace(title), titleReplacements)
	if region != "" {
		newTitle += " (" + region + ")"
	}
	return "Заголовок: " + newTitle + "\nТекст: " + rephraseBody(body)
}

// rephraseBody は本文を文に分割し、文ごとに置換して句点で終わらせる。
func rephraseBody(body string) string {
	var sentences []string
	for _, s := range sentenceDivider.Split(body, -1) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		for _, p := range bodyPhrases {
			s = strings.ReplaceAll(s, p.from, p.to)
		}
		s = replaceWords(s, bodyReplacements)
		sentences = append(sentences, s+".")
	}
	return strings.Join(sentences, " ")
}

// replaceWords は置換表に一致する単語を置き換える。照合は大文字小文字を区別しない。
func replaceWords(text string, table map[string]string) string {
	return wordPattern.ReplaceAllStringFunc(text, func(word string) string {
		repl, ok := table[strings.ToLower(word)]
		if !ok {
			return word
		}
		if r, _ := utf8.DecodeRuneInString(word); unicode.IsUpper(r) {
			return capitalize(repl)
		}
		return repl
	})
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
