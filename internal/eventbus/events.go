package eventbus

import "time"

// EventType はイベントの種類を表す。
type EventType string

const (
	// NewsIngested は新しいニュースが保存されたことを示す。
	NewsIngested EventType = "news.ingested"
	// NewsTransformed はニュースの変換が完了したことを示す。
	NewsTransformed EventType = "news.transformed"
	// NewsDelivered はニュースの配信が完了したことを示す。
	NewsDelivered EventType = "news.delivered"
	// SourceFetched は1つの取得元の取得処理が終わったことを示す。
	SourceFetched EventType = "source.fetched"
	// ErrorOccurred はサイクル単位のエラーを示す。
	ErrorOccurred EventType = "error.occurred"
	// CycleCompleted は1サイクルが終了したことを示す。成功・失敗を問わず発行する。
	CycleCompleted EventType = "cycle.completed"
)

// 取得元ごとの取得結果。
const (
	OutcomeOK          = "ok"
	OutcomeUnreachable = "unreachable"
	OutcomeFailed      = "failed"
	OutcomeBreakerOpen = "breaker_open"
)

// ItemRef はイベントで参照するニュースの要約。
type ItemRef struct {
	ID        string
	Source    string
	Title     string
	ReceiptID string
}

// SourceOutcome は1つの取得元の取得結果。
type SourceOutcome struct {
	Name     string
	Outcome  string
	Items    int
	Duration time.Duration
	Err      string
}

// CycleSummary はサイクル結果の要約。
type CycleSummary struct {
	CycleID  string
	Success  bool
	Counts   map[string]int
	Errors   []string
	Duration time.Duration
}

// Event はバスで配送されるイベント。Typeに応じて対応するフィールドのみが設定される。
type Event struct {
	Type   EventType
	At     time.Time
	Item   *ItemRef
	Source *SourceOutcome
	Cycle  *CycleSummary
	Err    string
}
