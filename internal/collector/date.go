package collector

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var russianMonths = map[string]time.Month{
	"января":   time.January,
	"февраля":  time.February,
	"марта":    time.March,
	"апреля":   time.April,
	"мая":      time.May,
	"июня":     time.June,
	"июля":     time.July,
	"августа":  time.August,
	"сентября": time.September,
	"октября":  time.October,
	"ноября":   time.November,
	"декабря":  time.December,
}

var (
	russianDatePattern = regexp.MustCompile(`(\d{1,2})\s+(января|февраля|марта|апреля|мая|июня|июля|августа|сентября|октября|ноября|декабря)\s+(\d{4})`)
	dottedDatePattern  = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.(\d{4})`)
)

// ParseDate はニュースサイトの日付表記を解析する。
// 「5 марта 2024」形式と日.月.年形式はロシア語圏の表記として先に処理し、
// それ以外（ISO 8601やRFC 1123など）はdateparseに任せる。
func ParseDate(raw string) (time.Time, bool) {
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		return time.Time{}, false
	}

	if m := russianDatePattern.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[3])
		return dateOf(year, russianMonths[m[2]], day)
	}

	if m := dottedDatePattern.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		return dateOf(year, time.Month(month), day)
	}

	t, err := dateparse.ParseLocal(strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// dateOf は存在しない日付（2月30日など）を弾いて日付を組み立てる。
func dateOf(year int, month time.Month, day int) (time.Time, bool) {
	if month < time.January || month > time.December || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.Local)
	if t.Day() != day || t.Month() != month {
		return time.Time{}, false
	}
	return t, true
}
