// Package model はドメインモデルを定義する。
package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind はエラーの分類を表す。
// リトライ可否とサーキットブレーカーへの計上はこの分類で決まる。
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient"
	KindRateLimited ErrorKind = "rate_limited"
	KindAuth        ErrorKind = "auth"
	KindValidation  ErrorKind = "validation"
	KindDuplicate   ErrorKind = "duplicate"
	KindStage       ErrorKind = "stage"
	KindConfig      ErrorKind = "config"
	KindPermanent   ErrorKind = "permanent"
)

// PipelineError はパイプライン共通のエラーフォーマットを表す。
type PipelineError struct {
	Code    string    // エラーコード
	Message string    // エラーメッセージ
	Kind    ErrorKind // 分類
	Err     error     // 原因
}

// Error はerrorインターフェースを実装する。
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeNetwork        = "NETWORK_ERROR"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeAuthFailed     = "AUTH_FAILED"
	ErrCodeHTTPStatus     = "HTTP_STATUS"
	ErrCodeInvalidSource  = "INVALID_SOURCE"
	ErrCodeStageFailed    = "STAGE_FAILED"
	ErrCodeDuplicate      = "DUPLICATE"
	ErrCodeEmptyResponse  = "EMPTY_RESPONSE"
	ErrCodeSourceNotFound = "SOURCE_NOT_FOUND"
)

// ErrDuplicate は保存対象が既に存在する場合に返る。
var ErrDuplicate = &PipelineError{
	Code:    ErrCodeDuplicate,
	Message: "既に保存済みのニュースです",
	Kind:    KindDuplicate,
}

// NewTransientError は一時的なネットワーク障害のエラーを生成する。
func NewTransientError(op string, err error) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeNetwork,
		Message: fmt.Sprintf("%s で一時的な通信エラーが発生しました", op),
		Kind:    KindTransient,
		Err:     err,
	}
}

// NewRateLimitedError は外部サービスのレート制限エラーを生成する。
func NewRateLimitedError(op string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeRateLimited,
		Message: fmt.Sprintf("%s がレート制限を返しました", op),
		Kind:    KindRateLimited,
	}
}

// NewAuthError は外部サービスの認証エラーを生成する。
func NewAuthError(op string, err error) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeAuthFailed,
		Message: fmt.Sprintf("%s の認証に失敗しました", op),
		Kind:    KindAuth,
		Err:     err,
	}
}

// NewInvalidSourceError は取得元設定が不正な場合のエラーを生成する。
func NewInvalidSourceError(name, reason string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeInvalidSource,
		Message: fmt.Sprintf("取得元 %q の設定が不正です: %s", name, reason),
		Kind:    KindConfig,
	}
}

// NewStageFailedError は変換・配信ステージの失敗を生成する。
func NewStageFailedError(stage string, err error) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeStageFailed,
		Message: fmt.Sprintf("%s ステージが失敗しました", stage),
		Kind:    KindStage,
		Err:     err,
	}
}

// NewEmptyResponseError は外部サービスが空の結果を返した場合のエラーを生成する。
func NewEmptyResponseError(op string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeEmptyResponse,
		Message: fmt.Sprintf("%s が空の応答を返しました", op),
		Kind:    KindPermanent,
	}
}

// NewHTTPStatusError はHTTPステータスコードを分類してエラーを生成する。
// 2xxの場合はnilを返す。
func NewHTTPStatusError(op string, status int) error {
	if status >= 200 && status < 300 {
		return nil
	}

	e := &PipelineError{
		Code:    ErrCodeHTTPStatus,
		Message: fmt.Sprintf("%s がステータス %d を返しました", op, status),
		Kind:    KindPermanent,
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Code = ErrCodeRateLimited
		e.Kind = KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Code = ErrCodeAuthFailed
		e.Kind = KindAuth
	case status == http.StatusRequestTimeout || status >= 500:
		e.Kind = KindTransient
	}
	return e
}

// KindOf はエラーの分類を返す。
// PipelineError以外でもタイムアウトや接続エラーはtransientとして扱う。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}

	return KindPermanent
}

// IsRetryable はリトライ対象のエラーかどうかを返す。
// transientとrate_limitedのみが対象で、認証エラーは再試行しない。
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// IsDuplicate は重複エラーかどうかを返す。
func IsDuplicate(err error) bool {
	return KindOf(err) == KindDuplicate
}
