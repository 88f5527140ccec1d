// internal/worker/timecache.go
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// TimeCache
// ------------------------------------------------------------
// archive 경로에서 쓰는 현재 시각 캐시 (1초 정밀도).
//   - Unix(): 파일명 prefix / DLQ TTL 판단
//   - DT(), HR(): S3 파티션 (dt=YYYY-MM-DD / hr=HH, UTC)
//
// Start 를 호출하면 clock ticker 로 매초 갱신한다. 테스트에서는 fake clock 을
// 넘기고 Refresh 로 직접 갱신한다.
type TimeCache struct {
	clock clockwork.Clock

	unixSec atomic.Int64
	dt      atomic.Value // "YYYY-MM-DD"
	hr      atomic.Value // "HH"
}

func NewTimeCache(clock clockwork.Clock) *TimeCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tc := &TimeCache{clock: clock}
	tc.Refresh()
	return tc
}

// Start 는 ctx 가 끝날 때까지 매초 갱신한다.
func (tc *TimeCache) Start(ctx context.Context) {
	go func() {
		ticker := tc.clock.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				tc.Refresh()
			}
		}
	}()
}

// Refresh reloads the cached values from the clock.
func (tc *TimeCache) Refresh() {
	now := tc.clock.Now().UTC()
	tc.unixSec.Store(now.Unix())
	tc.dt.Store(now.Format("2006-01-02"))
	tc.hr.Store(now.Format("15"))
}

// Unix returns cached UTC epoch seconds.
func (tc *TimeCache) Unix() int64 {
	return tc.unixSec.Load()
}

// DT returns the cached "YYYY-MM-DD" partition (UTC).
func (tc *TimeCache) DT() string {
	return tc.dt.Load().(string)
}

// HR returns the cached "HH" partition (UTC).
func (tc *TimeCache) HR() string {
	return tc.hr.Load().(string)
}
