// Package validation はニュース候補の検証チェーンを提供する。
// 各チェックは独立しており、チェーンは全チェックを実行して理由をすべて集約する。
package validation

import (
	"strings"

	"github.com/hitoshi/newsrelay/internal/model"
)

// Validator は1つの検証ルール。
// 問題がなければ空文字列、問題があれば理由を1つ返す。
type Validator interface {
	Validate(item *model.NewsItem) string
}

// ValidatorFunc は関数をValidatorとして扱うためのアダプタ。
type ValidatorFunc func(item *model.NewsItem) string

// Validate はValidatorインターフェースを実装する。
func (f ValidatorFunc) Validate(item *model.NewsItem) string {
	return f(item)
}

// Chain は複数のValidatorを順に実行する検証チェーン。
// 途中で失敗しても打ち切らず、すべての理由を返す。
type Chain struct {
	validators []Validator
}

// NewChain は新しいChainを生成する。
func NewChain(validators ...Validator) *Chain {
	return &Chain{validators: validators}
}

// Validate は全Validatorを実行し、拒否理由の一覧を返す。
// 空スライスは受理を意味する。
func (c *Chain) Validate(item *model.NewsItem) []string {
	reasons := make([]string, 0)
	for _, v := range c.validators {
		if reason := v.Validate(item); reason != "" {
			reasons = append(reasons, reason)
		}
	}
	return reasons
}

// IsValid は拒否理由がない場合にtrueを返す。
func (c *Chain) IsValid(item *model.NewsItem) bool {
	return len(c.Validate(item)) == 0
}

// Options は標準チェーンの構成パラメータ。
type Options struct {
	MinTitle, MaxTitle int
	MinBody, MaxBody   int
	Region             RegionRules
}

// DefaultOptions はタイトル10〜200文字、本文20〜5000文字のデフォルト設定を返す。
func DefaultOptions() Options {
	return Options{
		MinTitle: 10,
		MaxTitle: 200,
		MinBody:  20,
		MaxBody:  5000,
		Region:   DefaultRegionRules(),
	}
}

// NewDefaultChain はタイトル・本文・URL・地域の各チェックからなるチェーンを生成する。
func NewDefaultChain(opts Options) *Chain {
	return NewChain(
		&TitleValidator{MinLength: opts.MinTitle, MaxLength: opts.MaxTitle},
		&BodyValidator{MinLength: opts.MinBody, MaxLength: opts.MaxBody},
		NewURLValidator(),
		NewRegionValidator(opts.Region),
	)
}

// normalize は比較用に小文字化する。
func normalize(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
