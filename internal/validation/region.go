package validation

import (
	"fmt"
	"strings"

	"github.com/hitoshi/newsrelay/internal/model"
)

// AmbiguousKeyword は地名と人名などの両方を指しうるキーワードの判定材料。
type AmbiguousKeyword struct {
	// GeographicContext は地名として使われていることを示す語。
	GeographicContext []string
	// PersonContext は人名として使われていることを示す語。
	PersonContext []string
}

// RegionRules は地域関連性チェックの設定。
type RegionRules struct {
	Keywords        []string
	ExcludeKeywords []string
	Ambiguous       map[string]AmbiguousKeyword
	// Anchors は文脈が判定できない場合に地域性を裏付ける明確な語句。
	Anchors []string
}

var geographicContext = []string{"город", "районе", "области", "муниципальный", "администрация", "мэр", "жители"}

// DefaultRegionRules はサラトフ州向けのデフォルト設定を返す。
func DefaultRegionRules() RegionRules {
	return RegionRules{
		Keywords: []string{
			"саратов", "саратовская область", "саратовский", "саратовская",
			"энгельс", "балаково", "балашов", "вольск", "пугачев", "маркс",
			"ртищево", "аткарск", "красноармейск", "петровск", "хвалынск",
		},
		ExcludeKeywords: []string{
			"реклама", "объявление", "продам", "куплю", "сдам", "сниму",
			"знакомства", "интим", "эскорт", "казино", "ставки",
		},
		Ambiguous: map[string]AmbiguousKeyword{
			"пугачев": {
				GeographicContext: geographicContext,
				PersonContext:     []string{"пугачева", "алла", "певица", "артистка", "интервью", "концерт", "песня", "госдума", "депутат"},
			},
			"маркс": {
				GeographicContext: geographicContext,
				PersonContext:     []string{"карл", "философ", "капитал", "коммунизм", "марксизм", "теория"},
			},
			"энгельс": {
				GeographicContext: geographicContext,
				PersonContext:     []string{"фридрих", "философ", "коммунизм", "маркс", "теория"},
			},
		},
		Anchors: []string{"саратов", "саратовская область", "саратовский"},
	}
}

// RegionValidator は本文に地域キーワードが含まれ、除外キーワードが含まれないことを検証する。
// 曖昧なキーワードは前後の文脈語で地名か否かを判定する。
type RegionValidator struct {
	keywords  []string
	excludes  []string
	ambiguous map[string]AmbiguousKeyword
	anchors   []string
}

// NewRegionValidator は新しいRegionValidatorを生成する。
// キーワードはすべて小文字で比較する。
func NewRegionValidator(rules RegionRules) *RegionValidator {
	ambiguous := make(map[string]AmbiguousKeyword, len(rules.Ambiguous))
	for k, v := range rules.Ambiguous {
		ambiguous[strings.ToLower(k)] = AmbiguousKeyword{
			GeographicContext: normalize(v.GeographicContext),
			PersonContext:     normalize(v.PersonContext),
		}
	}
	return &RegionValidator{
		keywords:  normalize(rules.Keywords),
		excludes:  normalize(rules.ExcludeKeywords),
		ambiguous: ambiguous,
		anchors:   normalize(rules.Anchors),
	}
}

// Validate はValidatorインターフェースを実装する。
// 除外キーワードの判定を先に行う。
func (v *RegionValidator) Validate(item *model.NewsItem) string {
	text := strings.ToLower(item.Title + " " + item.Body)

	for _, ex := range v.excludes {
		if strings.Contains(text, ex) {
			return fmt.Sprintf("除外キーワードが含まれています: %s", ex)
		}
	}

	for _, kw := range v.keywords {
		if strings.Contains(text, kw) && v.IsRegionalMatch(kw, text) {
			return ""
		}
	}
	return "地域に関連するキーワードが見つかりません"
}

// IsRegionalMatch はtext（小文字化済み）に含まれるkeywordが地域を指しているかを判定する。
//
//	地名の文脈あり・人名の文脈なし → 受理
//	人名の文脈あり                → 拒否
//	どちらもなし                  → アンカー語句があれば受理、なければ拒否
func (v *RegionValidator) IsRegionalMatch(keyword, text string) bool {
	rule, ok := v.ambiguous[keyword]
	if !ok {
		return true
	}

	geographic := containsAny(text, rule.GeographicContext)
	person := containsAny(text, rule.PersonContext)

	if person {
		return false
	}
	if geographic {
		return true
	}
	return containsAny(text, v.anchors)
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
