package model

import "time"

// Statistics は保存済みニュースの集計結果。
type Statistics struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	BySource    map[string]int `json:"by_source"`
	ByRegion    map[string]int `json:"by_region"`
	Last24Hours int            `json:"last_24_hours"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// NewStatistics は全状態を0件で初期化したStatisticsを返す。
func NewStatistics(now time.Time) *Statistics {
	s := &Statistics{
		ByStatus:    make(map[string]int, len(AllStatuses)),
		BySource:    make(map[string]int),
		ByRegion:    make(map[string]int),
		GeneratedAt: now,
	}
	for _, st := range AllStatuses {
		s.ByStatus[string(st)] = 0
	}
	return s
}
