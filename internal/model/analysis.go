package model

import (
	"time"

	"github.com/google/uuid"
)

// ------------------------------------------------------------
// Balance check
// ------------------------------------------------------------

// BalanceOutcome 는 한 번의 balance 분석 결과 구분이다.
// no_active_devices / insufficient_data 는 "balanced" 와 다른 결과이며
// 이 두 경우에는 레코드를 남기지 않는다.
type BalanceOutcome string

const (
	OutcomeNoActiveDevices  BalanceOutcome = "no_active_devices"
	OutcomeInsufficientData BalanceOutcome = "insufficient_data"
	OutcomeBalanced         BalanceOutcome = "balanced"
	OutcomeImbalanced       BalanceOutcome = "imbalanced"
)

// DeviceDetail 은 balance check 시점의 디바이스별 스냅샷이다.
type DeviceDetail struct {
	DeviceID           string       `json:"device_id"`
	MessageCount       int64        `json:"message_count"`
	LastSeenAt         time.Time    `json:"last_seen_at"`
	AvgIntervalSeconds *float64     `json:"avg_interval_seconds,omitempty"`
	Status             DeviceStatus `json:"status"`
}

// BalanceCheckRecord
// ------------------------------------------------------------
// balance analyzer 1회 실행 결과. append-only 이며 기록 후 변경하지 않는다.
type BalanceCheckRecord struct {
	RunID        uuid.UUID      `json:"run_id"`
	CheckTime    time.Time      `json:"check_time"`
	TotalDevices int            `json:"total_devices"`
	Balanced     bool           `json:"balanced"`
	MinMessages  int64          `json:"min_messages"`
	MaxMessages  int64          `json:"max_messages"`
	AvgMessages  float64        `json:"avg_messages"`
	Threshold    float64        `json:"threshold"`
	MinDevices   []string       `json:"min_devices"` // 최소 count 를 가진 디바이스들
	MaxDevices   []string       `json:"max_devices"` // 최대 count 를 가진 디바이스들
	Details      []DeviceDetail `json:"details"`
}

// Spread returns max - min.
func (r BalanceCheckRecord) Spread() int64 {
	return r.MaxMessages - r.MinMessages
}

// ------------------------------------------------------------
// Anomalies
// ------------------------------------------------------------

type IssueKind string

const (
	IssueLowMessageCount  IssueKind = "low_message_count"
	IssueHighMessageCount IssueKind = "high_message_count"
	IssueSlowInterval     IssueKind = "slow_interval"
	IssueFastInterval     IssueKind = "fast_interval"
	IssueStaleDevice      IssueKind = "stale_device"
)

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// DeviceAnomaly 는 classifier 1회 실행에서 나온 디바이스별 판정 결과다.
// 영속화하지 않고 action generator 입력으로만 쓴다.
type DeviceAnomaly struct {
	DeviceID                string      `json:"device_id"`
	Issues                  []IssueKind `json:"issues"`
	Severity                Severity    `json:"severity"`
	MessageCount            int64       `json:"message_count"`
	AvgIntervalSeconds      *float64    `json:"avg_interval_seconds,omitempty"`
	ExpectedIntervalSeconds float64     `json:"expected_interval_seconds"`
	SecondsSinceLastSeen    float64     `json:"seconds_since_last_seen"`
}

// Has reports whether the anomaly contains the given issue.
func (a DeviceAnomaly) Has(kind IssueKind) bool {
	for _, k := range a.Issues {
		if k == kind {
			return true
		}
	}
	return false
}

// ------------------------------------------------------------
// Correction actions
// ------------------------------------------------------------

type ActionType string

const (
	ActionMonitorClosely     ActionType = "monitor_closely"
	ActionCheckConfiguration ActionType = "check_configuration"
	ActionSyncTiming         ActionType = "sync_timing"
	ActionThrottleDevice     ActionType = "throttle_device"
	ActionReconnectDevice    ActionType = "reconnect_device"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// GroupStatus 는 correction action group 의 처리 상태.
// 이 서비스는 pending 만 기록하고, 이후 전이는 운영자가 한다.
type GroupStatus string

const (
	GroupPending      GroupStatus = "pending"
	GroupAcknowledged GroupStatus = "acknowledged"
	GroupResolved     GroupStatus = "resolved"
	GroupDismissed    GroupStatus = "dismissed"
)

// CorrectionAction 은 운영자에게 제안하는 조치 1건.
// 자동 조치가 아니라 권고다.
type CorrectionAction struct {
	Type             ActionType `json:"type"`
	Description      string     `json:"description"`
	Priority         Priority   `json:"priority"`
	CurrentInterval  *float64   `json:"current_interval,omitempty"`
	ExpectedInterval *float64   `json:"expected_interval,omitempty"`
	LastSeenSeconds  *float64   `json:"last_seen,omitempty"`
}

// CorrectionActionGroup 은 한 디바이스에 대한 조치 묶음 (append-only).
type CorrectionActionGroup struct {
	RunID     uuid.UUID          `json:"run_id"`
	DeviceID  string             `json:"device_id"`
	Severity  Severity           `json:"severity"`
	Actions   []CorrectionAction `json:"actions"`
	Status    GroupStatus        `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

// ------------------------------------------------------------
// Sync events
// ------------------------------------------------------------

type SyncEventType string

const (
	SyncDeviceRegistered  SyncEventType = "device_registered"
	SyncImbalanceDetected SyncEventType = "imbalance_detected"
	SyncDeviceStale       SyncEventType = "device_stale"
)

type SyncSeverity string

const (
	SyncInfo    SyncSeverity = "INFO"
	SyncWarning SyncSeverity = "WARNING"
	SyncError   SyncSeverity = "ERROR"
)

// SyncEvent 는 운영 타임라인에 남기는 동기화 관련 사건 1건이다.
type SyncEvent struct {
	Time     time.Time     `json:"event_time"`
	Type     SyncEventType `json:"event_type"`
	DeviceID string        `json:"device_id,omitempty"`
	Message  string        `json:"message"`
	Severity SyncSeverity  `json:"severity"`
}
