// internal/stats/table.go
package stats

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"syncmon/internal/model"
)

// SmoothingWeight 는 최신 interval 샘플에 주는 가중치 (EWMA).
//
//	avg = (1 - w) * avg + w * interval
const SmoothingWeight = 0.2

// IntervalPolicy
//
// 도착 순서가 뒤바뀐 이벤트(음수 interval)를 smoothing 에 어떻게 반영할지 결정한다.
//   - accept : 음수 그대로 반영 (기본값)
//   - clamp  : 0 으로 잘라서 반영
//   - discard: smoothing 에 반영하지 않음 (count / lastSeen 은 갱신)
type IntervalPolicy string

const (
	PolicyAccept  IntervalPolicy = "accept"
	PolicyClamp   IntervalPolicy = "clamp"
	PolicyDiscard IntervalPolicy = "discard"
)

// ParseIntervalPolicy converts a config string into an IntervalPolicy.
func ParseIntervalPolicy(s string) (IntervalPolicy, error) {
	switch p := IntervalPolicy(s); p {
	case PolicyAccept, PolicyClamp, PolicyDiscard:
		return p, nil
	case "":
		return PolicyAccept, nil
	default:
		return "", fmt.Errorf("unknown interval policy %q", s)
	}
}

// Options 는 Table 생성 옵션.
type Options struct {
	ExpectedIntervalSeconds float64            // 신규 디바이스 기본 목표 주기
	ExpectedOverrides       map[string]float64 // device ID 별 목표 주기
	HistorySize             int                // raw interval ring buffer 크기 (0 이면 미사용)
	Policy                  IntervalPolicy
}

// Observation 은 Observe 1회의 결과.
type Observation struct {
	Stats      model.DeviceStats // 갱신 직후 스냅샷
	Created    bool              // 이번 이벤트로 새로 생성된 레코드인지
	Interval   *float64          // 이번에 계산된 raw interval (첫 이벤트면 nil)
	OutOfOrder bool              // interval < 0 (도착 순서 역전)
}

// record 는 테이블 내부의 가변 레코드. 외부로는 항상 복사본만 나간다.
type record struct {
	stats   model.DeviceStats
	history ring
}

// Table
// ------------------------------------------------------------
// deviceID → 통계 레코드 맵. 이 프로세스의 유일한 live state 이다.
//
//   - writer: ingest.Handler (Observe)
//   - reader: balance analyzer / anomaly classifier (ActiveDevices)
//
// 한 디바이스의 count / lastSeen / avgInterval 갱신은 write lock 안에서
// 한 번에 적용되므로, reader 가 반쯤 갱신된 레코드를 보는 일은 없다.
// reader 는 read lock 아래에서 복사본을 만든 뒤 lock 을 풀고 계산한다.
type Table struct {
	opts Options

	mu      sync.RWMutex
	devices map[string]*record
}

// New creates an empty table.
func New(opts Options) *Table {
	if opts.Policy == "" {
		opts.Policy = PolicyAccept
	}
	return &Table{
		opts:    opts,
		devices: make(map[string]*record),
	}
}

// Observe
//
// deviceID 의 레코드를 get-or-create 한 뒤 도착 시각 at 을 반영한다.
//  1. 기존 lastSeen 이 있으면 interval = at - lastSeen (초)
//  2. avg 가 있으면 0.8*avg + 0.2*interval, 없으면 avg = interval
//  3. lastSeen = at, count++
func (t *Table) Observe(deviceID string, at time.Time) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.devices[deviceID]
	if !ok {
		rec = t.newRecordLocked(deviceID, at)
		t.devices[deviceID] = rec
	}

	var obs Observation
	obs.Created = !ok

	if rec.stats.MessageCount > 0 && !rec.stats.LastSeenAt.IsZero() {
		interval := at.Sub(rec.stats.LastSeenAt).Seconds()
		obs.Interval = model.Float64(interval)
		obs.OutOfOrder = interval < 0
		t.applyIntervalLocked(rec, interval)
	}

	rec.stats.LastSeenAt = at
	rec.stats.MessageCount++

	obs.Stats = rec.snapshot()
	return obs
}

func (t *Table) applyIntervalLocked(rec *record, interval float64) {
	if interval < 0 {
		switch t.opts.Policy {
		case PolicyDiscard:
			return
		case PolicyClamp:
			interval = 0
		}
	}

	if rec.stats.AvgIntervalSeconds == nil {
		rec.stats.AvgIntervalSeconds = model.Float64(interval)
	} else {
		avg := (1-SmoothingWeight)*(*rec.stats.AvgIntervalSeconds) + SmoothingWeight*interval
		rec.stats.AvgIntervalSeconds = model.Float64(avg)
	}
	rec.history.push(interval)
}

func (t *Table) newRecordLocked(deviceID string, at time.Time) *record {
	expected := t.opts.ExpectedIntervalSeconds
	if v, ok := t.opts.ExpectedOverrides[deviceID]; ok && v > 0 {
		expected = v
	}
	return &record{
		stats: model.DeviceStats{
			DeviceID:                deviceID,
			FirstSeenAt:             at,
			ExpectedIntervalSeconds: expected,
		},
		history: newRing(t.opts.HistorySize),
	}
}

// Get returns a copy of the device's stats.
func (t *Table) Get(deviceID string) (model.DeviceStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.devices[deviceID]
	if !ok {
		return model.DeviceStats{}, false
	}
	return rec.snapshot(), true
}

// Len returns the number of tracked devices.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.devices)
}

// Snapshot returns copies of every record, sorted by device ID.
func (t *Table) Snapshot() []model.DeviceStats {
	return t.collect(time.Time{})
}

// ActiveDevices
//
// lastSeen 이 since 보다 뒤인 디바이스들의 복사본을 deviceID 순으로 반환한다.
// analysis.Source 구현. 메모리 테이블이므로 에러는 항상 nil.
func (t *Table) ActiveDevices(_ context.Context, since time.Time) ([]model.DeviceStats, error) {
	return t.collect(since), nil
}

func (t *Table) collect(since time.Time) []model.DeviceStats {
	t.mu.RLock()
	out := make([]model.DeviceStats, 0, len(t.devices))
	for _, rec := range t.devices {
		if !since.IsZero() && !rec.stats.LastSeenAt.After(since) {
			continue
		}
		out = append(out, rec.snapshot())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Restore
//
// 재시작 시 persistence 에서 읽어온 baseline 을 적재한다.
// 이미 테이블에 있는 디바이스는 건드리지 않는다 (count 단조 증가 유지).
// 적재된 레코드 수를 반환한다.
func (t *Table) Restore(baseline []model.DeviceStats) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, s := range baseline {
		if s.DeviceID == "" || s.MessageCount < 0 {
			continue
		}
		if _, exists := t.devices[s.DeviceID]; exists {
			continue
		}

		rec := t.newRecordLocked(s.DeviceID, s.FirstSeenAt)
		rec.stats.MessageCount = s.MessageCount
		rec.stats.LastSeenAt = s.LastSeenAt
		if s.AvgIntervalSeconds != nil {
			rec.stats.AvgIntervalSeconds = model.Float64(*s.AvgIntervalSeconds)
		}
		// device override 가 없으면 저장돼 있던 목표 주기를 이어 쓴다
		if _, overridden := t.opts.ExpectedOverrides[s.DeviceID]; !overridden && s.ExpectedIntervalSeconds > 0 {
			rec.stats.ExpectedIntervalSeconds = s.ExpectedIntervalSeconds
		}
		if rec.stats.FirstSeenAt.IsZero() {
			rec.stats.FirstSeenAt = s.LastSeenAt
		}
		for _, v := range s.RecentIntervals {
			rec.history.push(v)
		}
		t.devices[s.DeviceID] = rec
		n++
	}
	return n
}

func (r *record) snapshot() model.DeviceStats {
	s := r.stats
	if r.stats.AvgIntervalSeconds != nil {
		s.AvgIntervalSeconds = model.Float64(*r.stats.AvgIntervalSeconds)
	}
	s.RecentIntervals = r.history.values()
	return s
}
