package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"syncmon/internal/model"
)

// criticalDeviation 은 fleet 평균 대비 편차가 이 비율을 "초과"하면 critical 로 올리는 기준.
const criticalDeviation = 0.25

// staleFactor: expected interval 의 몇 배 동안 소식이 없으면 stale 로 보는지.
const staleFactor = 2

// ClassifierOptions
type ClassifierOptions struct {
	BalanceThreshold float64

	// TimingToleranceSeconds 는 expected interval 양쪽으로 허용하는 오차.
	TimingToleranceSeconds float64

	// DefaultExpectedIntervalSeconds 는 stats 에 expected interval 이 없을 때
	// (예: 예전 버전이 남긴 baseline row) 대신 쓰는 값.
	DefaultExpectedIntervalSeconds float64
}

// Classifier
// ------------------------------------------------------------
// active 디바이스마다 4개 규칙을 독립적으로 평가한다.
//
//  1. low_message_count  : count < avg * (1 - threshold)
//  2. high_message_count : count > avg * (1 + threshold)
//  3. slow / fast        : avgInterval 이 expected ± tolerance 를 벗어남 (interval 있을 때만)
//  4. stale_device       : now - lastSeen > expected * 2
//
// severity 는 stale → 25% 초과 편차 → interval 이상 → 나머지 순으로 먼저 맞는 것.
type Classifier struct {
	src   Source
	clock clockwork.Clock
	opts  ClassifierOptions
}

func NewClassifier(src Source, opts ClassifierOptions, clock clockwork.Clock) *Classifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Classifier{src: src, clock: clock, opts: opts}
}

// Classify 는 이슈가 하나라도 있는 디바이스만 deviceID 순으로 반환한다.
func (c *Classifier) Classify(ctx context.Context, window time.Duration) ([]model.DeviceAnomaly, error) {
	now := c.clock.Now()

	devices, err := c.src.ActiveDevices(ctx, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("load active devices: %w", err)
	}
	return c.ClassifyDevices(devices, now), nil
}

// ClassifyDevices evaluates an already selected device set at the given time.
func (c *Classifier) ClassifyDevices(devices []model.DeviceStats, now time.Time) []model.DeviceAnomaly {
	if len(devices) == 0 {
		return nil
	}

	var sum int64
	for _, d := range devices {
		sum += d.MessageCount
	}
	avg := float64(sum) / float64(len(devices))

	var out []model.DeviceAnomaly
	for _, d := range devices {
		if a, ok := c.evaluate(d, avg, now); ok {
			out = append(out, a)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (c *Classifier) evaluate(d model.DeviceStats, avg float64, now time.Time) (model.DeviceAnomaly, bool) {
	expected := d.ExpectedIntervalSeconds
	if expected <= 0 {
		expected = c.opts.DefaultExpectedIntervalSeconds
	}
	tol := c.opts.TimingToleranceSeconds
	count := float64(d.MessageCount)
	since := d.SecondsSince(now)

	var issues []model.IssueKind

	// avg == 0 이면 count 기반 규칙은 평가하지 않는다 (0 으로 나누기 방지).
	if avg > 0 {
		if count < avg*(1-c.opts.BalanceThreshold) {
			issues = append(issues, model.IssueLowMessageCount)
		}
		if count > avg*(1+c.opts.BalanceThreshold) {
			issues = append(issues, model.IssueHighMessageCount)
		}
	}

	if d.AvgIntervalSeconds != nil {
		iv := *d.AvgIntervalSeconds
		switch {
		case iv > expected+tol:
			issues = append(issues, model.IssueSlowInterval)
		case iv < expected-tol:
			issues = append(issues, model.IssueFastInterval)
		}
	}

	if since > expected*staleFactor {
		issues = append(issues, model.IssueStaleDevice)
	}

	if len(issues) == 0 {
		return model.DeviceAnomaly{}, false
	}

	a := model.DeviceAnomaly{
		DeviceID:                d.DeviceID,
		Issues:                  issues,
		MessageCount:            d.MessageCount,
		AvgIntervalSeconds:      copyFloat(d.AvgIntervalSeconds),
		ExpectedIntervalSeconds: expected,
		SecondsSinceLastSeen:    since,
	}
	a.Severity = severityOf(a, avg)
	return a, true
}

func severityOf(a model.DeviceAnomaly, avg float64) model.Severity {
	switch {
	case a.Has(model.IssueStaleDevice):
		return model.SeverityCritical
	case avg > 0 && math.Abs(float64(a.MessageCount)-avg)/avg > criticalDeviation:
		return model.SeverityCritical
	case a.Has(model.IssueSlowInterval), a.Has(model.IssueFastInterval):
		return model.SeverityWarning
	default:
		return model.SeverityMinor
	}
}
