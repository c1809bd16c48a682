package model

import (
	"fmt"
	"time"
)

// NewsStatus はニュースの処理状態を表す。
// INGESTED → TRANSFORMED → DELIVERED の順に進み、FAILEDは終端状態。
type NewsStatus string

const (
	StatusIngested    NewsStatus = "INGESTED"
	StatusTransformed NewsStatus = "TRANSFORMED"
	StatusDelivered   NewsStatus = "DELIVERED"
	StatusFailed      NewsStatus = "FAILED"
)

// AllStatuses は統計出力で使用する状態の一覧。
var AllStatuses = []NewsStatus{StatusIngested, StatusTransformed, StatusDelivered, StatusFailed}

// NewsItem はパイプラインを流れるニュース1件を表す。
// 永続化後はリポジトリが正となり、状態遷移はWithStatusを通してのみ行う。
type NewsItem struct {
	ID                string
	Title             string
	Body              string
	SourceURL         string
	SourceName        string
	Region            string
	PublishedAt       *time.Time
	CreatedAt         time.Time
	Status            NewsStatus
	TransformedBody   string
	DeliveryReceiptID string
	Fingerprint       string
}

// TransitionFields は状態遷移と同時に設定できるフィールド。
// TRANSFORMEDではTransformedBody、DELIVEREDではDeliveryReceiptIDのみが有効。
type TransitionFields struct {
	TransformedBody   string
	DeliveryReceiptID string
}

// CanTransition は from から to への遷移が許可されているかを返す。
func CanTransition(from, to NewsStatus) bool {
	switch from {
	case StatusIngested:
		return to == StatusTransformed || to == StatusFailed
	case StatusTransformed:
		return to == StatusDelivered || to == StatusFailed
	default:
		return false
	}
}

// WithStatus は状態を遷移させた新しいNewsItemを返す。元の値は変更しない。
// 遷移先に対応しないフィールドは無視する。
func WithStatus(item NewsItem, to NewsStatus, fields TransitionFields) (NewsItem, error) {
	if !CanTransition(item.Status, to) {
		return item, fmt.Errorf("不正な状態遷移です: %s -> %s", item.Status, to)
	}

	next := item
	next.Status = to
	switch to {
	case StatusTransformed:
		next.TransformedBody = fields.TransformedBody
	case StatusDelivered:
		next.DeliveryReceiptID = fields.DeliveryReceiptID
	}
	return next, nil
}

// Excerpt はログ出力用にタイトルを先頭n文字で切り詰める。
func Excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
