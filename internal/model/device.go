package model

import "time"

// DeviceStatus 는 마지막 수신 이후 경과 시간으로 나눈 운영자용 상태 구간이다.
type DeviceStatus string

const (
	StatusActive  DeviceStatus = "active"  // 5분 이내 수신
	StatusStale   DeviceStatus = "stale"   // 1시간 이내 수신
	StatusOffline DeviceStatus = "offline" // 그 이상
)

const (
	activeStatusWindow = 5 * time.Minute
	staleStatusWindow  = time.Hour
)

// DeviceStats
// ------------------------------------------------------------
// 디바이스 1대의 누적 통계 스냅샷.
// stats.Table 이 내부 레코드를 복사해서 넘겨주는 값 타입이므로
// 호출자가 수정해도 테이블에는 영향이 없다.
//
// AvgIntervalSeconds 는 이벤트가 2개 이상 관측되기 전까지 nil 이다.
type DeviceStats struct {
	DeviceID                string    `json:"device_id"`
	MessageCount            int64     `json:"message_count"`
	FirstSeenAt             time.Time `json:"first_seen_at"`
	LastSeenAt              time.Time `json:"last_seen_at"`
	AvgIntervalSeconds      *float64  `json:"avg_interval_seconds,omitempty"`
	ExpectedIntervalSeconds float64   `json:"expected_interval_seconds"`

	// 최근 N개의 raw interval (오래된 것 → 최신 순). smoothing 과 별개인 보조 지표.
	RecentIntervals []float64 `json:"recent_intervals,omitempty"`
}

// HasInterval reports whether a smoothed interval exists.
func (s DeviceStats) HasInterval() bool {
	return s.AvgIntervalSeconds != nil
}

// SecondsSince returns the seconds elapsed between LastSeenAt and now.
func (s DeviceStats) SecondsSince(now time.Time) float64 {
	return now.Sub(s.LastSeenAt).Seconds()
}

// Status buckets the device by time since its last event.
func (s DeviceStats) Status(now time.Time) DeviceStatus {
	age := now.Sub(s.LastSeenAt)
	switch {
	case age < activeStatusWindow:
		return StatusActive
	case age < staleStatusWindow:
		return StatusStale
	default:
		return StatusOffline
	}
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}
