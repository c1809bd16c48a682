package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/newsrelay/internal/model"
)

// DefaultRegion は取得元に地域が指定されていない場合の地域。
const DefaultRegion = "Саратов"

// URLChecker は取得元URLの安全性を検証する。
type URLChecker interface {
	ValidateURL(rawURL string) error
}

type sourcesFile struct {
	Sources []sourceEntry `yaml:"sources"`
}

// sourceEntry はYAML上の取得元。省略時のデフォルト値を判定するためポインタを使う。
type sourceEntry struct {
	Name     string       `yaml:"name"`
	URL      string       `yaml:"url"`
	Region   string       `yaml:"region"`
	RSS      string       `yaml:"rss"`
	Selector string       `yaml:"selector"`
	Enabled  *bool        `yaml:"enabled"`
	Priority *int         `yaml:"priority"`
	Timeout  timeoutValue `yaml:"timeout"`
}

// timeoutValue は秒数（整数）と "30s" 形式の両方を受け付ける。
type timeoutValue time.Duration

func (t *timeoutValue) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*t = timeoutValue(time.Duration(secs) * time.Second)
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", raw, err)
	}
	*t = timeoutValue(d)
	return nil
}

// LoadSources はYAMLファイルから取得元の一覧を読み込む。
// ファイルが存在しない、または有効な取得元が1件もない場合は DefaultSources を使う。
// 形式が不正な取得元は警告を出してスキップする。
// enabledが空でなければ名前が含まれる取得元のみを有効にし、disabledに含まれる取得元は無効にする。
// 結果はPriorityの昇順（1が最優先）に並ぶ。
func LoadSources(path string, enabled, disabled []string, checker URLChecker, logger *slog.Logger) ([]model.Source, error) {
	var sources []model.Source

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("取得元ファイルがないため組み込みの取得元を使用します",
			slog.String("path", path),
		)
	case err != nil:
		return nil, fmt.Errorf("取得元ファイルの読み込みに失敗: %w", err)
	default:
		sources, err = parseSources(data, checker, logger)
		if err != nil {
			return nil, err
		}
	}

	if len(sources) == 0 {
		sources = DefaultSources()
	}

	for i := range sources {
		if len(enabled) > 0 {
			sources[i].Enabled = slices.Contains(enabled, sources[i].Name)
		}
		if slices.Contains(disabled, sources[i].Name) {
			sources[i].Enabled = false
		}
	}

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Priority < sources[j].Priority
	})
	return sources, nil
}

func parseSources(data []byte, checker URLChecker, logger *slog.Logger) ([]model.Source, error) {
	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("取得元ファイルの解析に失敗: %w", err)
	}

	seen := make(map[string]bool, len(file.Sources))
	sources := make([]model.Source, 0, len(file.Sources))
	for _, e := range file.Sources {
		src := e.toSource()
		if err := ValidateSource(src, checker); err != nil {
			logger.Warn("取得元の設定が不正なためスキップします",
				slog.String("source", src.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if seen[src.Name] {
			logger.Warn("取得元の名前が重複しているためスキップします",
				slog.String("source", src.Name),
			)
			continue
		}
		seen[src.Name] = true

		if src.HasFeed() && src.HasSelector() {
			logger.Warn("rssとselectorの両方が指定されています。rssを使用します",
				slog.String("source", src.Name),
			)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (e sourceEntry) toSource() model.Source {
	src := model.Source{
		Name:     strings.TrimSpace(e.Name),
		BaseURL:  strings.TrimSpace(e.URL),
		Region:   strings.TrimSpace(e.Region),
		FeedURL:  strings.TrimSpace(e.RSS),
		Selector: strings.TrimSpace(e.Selector),
		Enabled:  true,
		Priority: 1,
		Timeout:  time.Duration(e.Timeout),
	}
	if src.Region == "" {
		src.Region = DefaultRegion
	}
	if e.Enabled != nil {
		src.Enabled = *e.Enabled
	}
	if e.Priority != nil {
		src.Priority = *e.Priority
	}
	return src
}

// ValidateSource は取得元の形式を検証する。
// 名前とURLが必須で、rssかselectorの少なくとも一方が必要。
func ValidateSource(src model.Source, checker URLChecker) error {
	if src.Name == "" {
		return model.NewInvalidSourceError(src.Name, "name is required")
	}
	if src.BaseURL == "" {
		return model.NewInvalidSourceError(src.Name, "url is required")
	}
	if !src.HasFeed() && !src.HasSelector() {
		return model.NewInvalidSourceError(src.Name, "either rss or selector is required")
	}
	if src.Timeout < 0 {
		return model.NewInvalidSourceError(src.Name, "timeout must not be negative")
	}
	if checker == nil {
		return nil
	}
	if err := checker.ValidateURL(src.BaseURL); err != nil {
		return model.NewInvalidSourceError(src.Name, "url: "+err.Error())
	}
	if src.HasFeed() {
		if err := checker.ValidateURL(src.FeedURL); err != nil {
			return model.NewInvalidSourceError(src.Name, "rss: "+err.Error())
		}
	}
	return nil
}

// DefaultSources は組み込みの取得元を返す。
func DefaultSources() []model.Source {
	return []model.Source{
		{Name: "lenta_ru", BaseURL: "https://lenta.ru", Region: DefaultRegion, FeedURL: "https://lenta.ru/rss/news", Enabled: true, Priority: 1},
		{Name: "ria_novosti", BaseURL: "https://ria.ru", Region: DefaultRegion, FeedURL: "https://ria.ru/export/rss2/archive/index.xml", Enabled: true, Priority: 1},
		{Name: "interfax", BaseURL: "https://www.interfax.ru", Region: DefaultRegion, FeedURL: "https://www.interfax.ru/rss.asp", Enabled: true, Priority: 1},
		{Name: "tass", BaseURL: "https://tass.ru", Region: DefaultRegion, FeedURL: "https://tass.ru/rss/v2.xml", Enabled: true, Priority: 1},
	}
}
