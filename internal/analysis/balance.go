package analysis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"syncmon/internal/model"
)

// minBalanceDevices 는 balance 비율을 계산할 수 있는 최소 디바이스 수.
const minBalanceDevices = 2

// Source
// ------------------------------------------------------------
// 분석 입력. lastSeen > since 인 디바이스들의 복사본을 반환해야 한다.
// 운영에서는 stats.Table 이 이 역할을 한다.
type Source interface {
	ActiveDevices(ctx context.Context, since time.Time) ([]model.DeviceStats, error)
}

// BalanceRecorder 는 balance check 결과를 남기는 persistence 쪽 의존성이다.
type BalanceRecorder interface {
	AppendBalanceCheck(ctx context.Context, rec model.BalanceCheckRecord) error
}

// BalanceResult 는 Analyze 1회 결과.
// Record 는 outcome 이 balanced / imbalanced 일 때만 채워진다.
type BalanceResult struct {
	Outcome       model.BalanceOutcome
	ActiveDevices int
	Record        *model.BalanceCheckRecord
}

// BalanceAnalyzer
// ------------------------------------------------------------
// active window 안의 디바이스 message count 를 range/mean 으로 비교해서
// fleet 이 고르게 보내고 있는지 판정한다.
//
//	balanced = (max - min) <= threshold * avg
//
// avg 가 0 이면 트래픽이 없는 것이므로 balanced 로 본다.
type BalanceAnalyzer struct {
	src          Source
	rec          BalanceRecorder
	clock        clockwork.Clock
	threshold    float64
	storeTimeout time.Duration
}

func NewBalanceAnalyzer(src Source, rec BalanceRecorder, threshold float64, storeTimeout time.Duration, clock clockwork.Clock) *BalanceAnalyzer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BalanceAnalyzer{
		src:          src,
		rec:          rec,
		clock:        clock,
		threshold:    threshold,
		storeTimeout: storeTimeout,
	}
}

// Analyze
//
// 1. now - window 이후에 수신된 디바이스만 선택
// 2. 0대 → no_active_devices, 1대 → insufficient_data (레코드 없음)
// 3. min / max / avg 계산 후 판정
// 4. BalanceCheckRecord 기록
//
// 기록 실패 시에도 판정 결과는 그대로 반환하고 error 를 함께 돌려준다.
// 호출자는 로그만 남기고 다음 주기로 넘어가면 된다.
func (a *BalanceAnalyzer) Analyze(ctx context.Context, window time.Duration) (BalanceResult, error) {
	now := a.clock.Now()

	devices, err := a.src.ActiveDevices(ctx, now.Add(-window))
	if err != nil {
		return BalanceResult{}, fmt.Errorf("load active devices: %w", err)
	}

	switch {
	case len(devices) == 0:
		return BalanceResult{Outcome: model.OutcomeNoActiveDevices}, nil
	case len(devices) < minBalanceDevices:
		return BalanceResult{Outcome: model.OutcomeInsufficientData, ActiveDevices: len(devices)}, nil
	}

	rec := buildBalanceRecord(devices, a.threshold, now)

	res := BalanceResult{
		Outcome:       model.OutcomeImbalanced,
		ActiveDevices: len(devices),
		Record:        &rec,
	}
	if rec.Balanced {
		res.Outcome = model.OutcomeBalanced
	}

	if a.rec == nil {
		return res, nil
	}

	wctx, cancel := withTimeout(ctx, a.storeTimeout)
	defer cancel()
	if err := a.rec.AppendBalanceCheck(wctx, rec); err != nil {
		return res, fmt.Errorf("append balance check: %w", err)
	}
	return res, nil
}

// buildBalanceRecord 는 len(devices) >= 2 를 전제로 한다.
func buildBalanceRecord(devices []model.DeviceStats, threshold float64, now time.Time) model.BalanceCheckRecord {
	sorted := make([]model.DeviceStats, len(devices))
	copy(sorted, devices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DeviceID < sorted[j].DeviceID })

	minCount, maxCount := sorted[0].MessageCount, sorted[0].MessageCount
	var sum int64
	details := make([]model.DeviceDetail, 0, len(sorted))

	for _, d := range sorted {
		sum += d.MessageCount
		if d.MessageCount < minCount {
			minCount = d.MessageCount
		}
		if d.MessageCount > maxCount {
			maxCount = d.MessageCount
		}
		details = append(details, model.DeviceDetail{
			DeviceID:           d.DeviceID,
			MessageCount:       d.MessageCount,
			LastSeenAt:         d.LastSeenAt,
			AvgIntervalSeconds: copyFloat(d.AvgIntervalSeconds),
			Status:             d.Status(now),
		})
	}

	avg := float64(sum) / float64(len(sorted))

	var minIDs, maxIDs []string
	for _, d := range sorted {
		if d.MessageCount == minCount {
			minIDs = append(minIDs, d.DeviceID)
		}
		if d.MessageCount == maxCount {
			maxIDs = append(maxIDs, d.DeviceID)
		}
	}

	return model.BalanceCheckRecord{
		RunID:        uuid.New(),
		CheckTime:    now,
		TotalDevices: len(sorted),
		Balanced:     IsBalanced(minCount, maxCount, avg, threshold),
		MinMessages:  minCount,
		MaxMessages:  maxCount,
		AvgMessages:  avg,
		Threshold:    threshold,
		MinDevices:   minIDs,
		MaxDevices:   maxIDs,
		Details:      details,
	}
}

// IsBalanced reports whether the spread max-min stays within threshold*avg.
// A zero average is balanced.
func IsBalanced(minCount, maxCount int64, avg, threshold float64) bool {
	if avg == 0 {
		return true
	}
	return float64(maxCount-minCount) <= threshold*avg
}

// SpreadRatio returns (max-min)/avg for a record, or 0 when avg is 0.
func SpreadRatio(rec model.BalanceCheckRecord) float64 {
	if rec.AvgMessages == 0 {
		return 0
	}
	return float64(rec.Spread()) / rec.AvgMessages
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
