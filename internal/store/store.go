// internal/store/store.go
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"syncmon/internal/model"
)

// Store
// ------------------------------------------------------------
// monitoring engine 이 사용하는 persistence port.
// 스키마 / SQL dialect 는 구현체 내부 사항이며 engine 은 이 인터페이스만 안다.
//
// 모든 메서드는 ctx 의 deadline 을 따라야 한다. 호출자는 항상
// bounded timeout 이 걸린 ctx 를 넘긴다.
type Store interface {
	// AppendRawEvent 는 수신 원본을 append-only 로 기록한다.
	AppendRawEvent(ctx context.Context, ev model.Event) error

	// UpsertDeviceStats 는 deviceID 기준 last-write-wins upsert.
	UpsertDeviceStats(ctx context.Context, s model.DeviceStats, status model.DeviceStatus) error

	AppendBalanceCheck(ctx context.Context, rec model.BalanceCheckRecord) error
	AppendCorrectionActionGroup(ctx context.Context, g model.CorrectionActionGroup) error
	AppendSyncEvent(ctx context.Context, ev model.SyncEvent) error

	// QueryActiveDevices 는 lastSeen > since 인 디바이스 통계를 반환한다.
	QueryActiveDevices(ctx context.Context, since time.Time) ([]model.DeviceStats, error)

	Close()
}

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Open
//
// driver 에 맞는 Store 를 생성한다.
//   - postgres: dsn 으로 pgx pool 연결 + 스키마 생성 (시도마다 timeout)
//   - memory  : 프로세스 내부 저장 (개발 / 테스트용, 재시작 시 유실)
func Open(ctx context.Context, driver, dsn string, timeout time.Duration, log zerolog.Logger) (Store, error) {
	switch driver {
	case DriverPostgres:
		pg, err := NewPostgres(ctx, dsn, timeout, log)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
