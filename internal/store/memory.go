package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"syncmon/internal/model"
)

// Memory 는 프로세스 메모리에만 기록하는 Store 구현.
// STORE_DRIVER=memory 로 DB 없이 띄울 때와 테스트에서 사용한다.
// Fail* 필드를 설정하면 해당 연산이 그 에러를 반환한다 (장애 주입).
type Memory struct {
	mu sync.Mutex

	RawEvents   []model.Event
	Devices     map[string]model.DeviceStats
	Statuses    map[string]model.DeviceStatus
	Balances    []model.BalanceCheckRecord
	Corrections []model.CorrectionActionGroup
	SyncEvents  []model.SyncEvent
	UpsertCalls int
	closed      bool

	FailRaw    error
	FailUpsert error
	FailAppend error
	FailQuery  error
}

func NewMemory() *Memory {
	return &Memory{
		Devices:  make(map[string]model.DeviceStats),
		Statuses: make(map[string]model.DeviceStatus),
	}
}

func (m *Memory) AppendRawEvent(ctx context.Context, ev model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, m.FailRaw); err != nil {
		return err
	}
	m.RawEvents = append(m.RawEvents, ev)
	return nil
}

func (m *Memory) UpsertDeviceStats(ctx context.Context, s model.DeviceStats, status model.DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls++
	if err := m.check(ctx, m.FailUpsert); err != nil {
		return err
	}
	m.Devices[s.DeviceID] = s
	m.Statuses[s.DeviceID] = status
	return nil
}

func (m *Memory) AppendBalanceCheck(ctx context.Context, rec model.BalanceCheckRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, m.FailAppend); err != nil {
		return err
	}
	m.Balances = append(m.Balances, rec)
	return nil
}

func (m *Memory) AppendCorrectionActionGroup(ctx context.Context, g model.CorrectionActionGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, m.FailAppend); err != nil {
		return err
	}
	m.Corrections = append(m.Corrections, g)
	return nil
}

func (m *Memory) AppendSyncEvent(ctx context.Context, ev model.SyncEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, m.FailAppend); err != nil {
		return err
	}
	m.SyncEvents = append(m.SyncEvents, ev)
	return nil
}

func (m *Memory) QueryActiveDevices(ctx context.Context, since time.Time) ([]model.DeviceStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, m.FailQuery); err != nil {
		return nil, err
	}

	out := make([]model.DeviceStats, 0, len(m.Devices))
	for _, s := range m.Devices {
		if s.LastSeenAt.After(since) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Snapshot helpers for tests and debugging.

func (m *Memory) RawEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.RawEvents)
}

func (m *Memory) BalanceChecks() []model.BalanceCheckRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.BalanceCheckRecord(nil), m.Balances...)
}

func (m *Memory) CorrectionGroups() []model.CorrectionActionGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.CorrectionActionGroup(nil), m.Corrections...)
}

func (m *Memory) Events() []model.SyncEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SyncEvent(nil), m.SyncEvents...)
}

func (m *Memory) Device(id string) (model.DeviceStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Devices[id]
	return s, ok
}

func (m *Memory) check(ctx context.Context, injected error) error {
	if m.closed {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return injected
}
