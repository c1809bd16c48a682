package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNewHTTPStatusError_2xxReturnsNil(t *testing.T) {
	if err := NewHTTPStatusError("feed", 200); err != nil {
		t.Errorf("200 は nil を返すべき, got %v", err)
	}
	if err := NewHTTPStatusError("feed", 204); err != nil {
		t.Errorf("204 は nil を返すべき, got %v", err)
	}
}

func TestNewHTTPStatusError_Classification(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{429, KindRateLimited},
		{401, KindAuth},
		{403, KindAuth},
		{408, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
		{404, KindPermanent},
		{410, KindPermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := NewHTTPStatusError("feed", tt.status)
			if got := KindOf(err); got != tt.want {
				t.Errorf("KindOf(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestKindOf_WrappedPipelineError(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewRateLimitedError("gigachat"))
	if got := KindOf(err); got != KindRateLimited {
		t.Errorf("KindOf = %q, want %q", got, KindRateLimited)
	}
}

func TestKindOf_DeadlineIsTransient(t *testing.T) {
	err := fmt.Errorf("fetch: %w", context.DeadlineExceeded)
	if got := KindOf(err); got != KindTransient {
		t.Errorf("KindOf = %q, want %q", got, KindTransient)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewTransientError("probe", errors.New("reset"))) {
		t.Error("transient はリトライ対象であるべき")
	}
	if !IsRetryable(NewRateLimitedError("telegram")) {
		t.Error("rate_limited はリトライ対象であるべき")
	}
	if IsRetryable(NewAuthError("gigachat", nil)) {
		t.Error("auth はリトライ対象外であるべき")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("分類不明のエラーはリトライ対象外であるべき")
	}
}

func TestPipelineError_UnwrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransientError("probe", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is で原因エラーを辿れるべき")
	}
}

func TestIsDuplicate(t *testing.T) {
	if !IsDuplicate(fmt.Errorf("save: %w", ErrDuplicate)) {
		t.Error("ErrDuplicate は重複として判定されるべき")
	}
}
