package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncmon/internal/model"
)

func newTestClassifier(src Source) *Classifier {
	return NewClassifier(src, ClassifierOptions{
		BalanceThreshold:               0.10,
		TimingToleranceSeconds:         10,
		DefaultExpectedIntervalSeconds: 60,
	}, clockwork.NewFakeClockAt(testNow))
}

func byID(anomalies []model.DeviceAnomaly) map[string]model.DeviceAnomaly {
	out := make(map[string]model.DeviceAnomaly, len(anomalies))
	for _, a := range anomalies {
		out[a.DeviceID] = a
	}
	return out
}

func TestClassifier_CountDeviationBoundary(t *testing.T) {
	// avg = 100; dev-01 sits exactly 25% above, dev-02 exactly 25% below.
	c := newTestClassifier(&staticSource{devices: fleet(100, 125, 75)})

	got, err := c.Classify(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 2)

	m := byID(got)
	assert.Equal(t, []model.IssueKind{model.IssueHighMessageCount}, m["dev-01"].Issues)
	assert.Equal(t, model.SeverityMinor, m["dev-01"].Severity)
	assert.Equal(t, []model.IssueKind{model.IssueLowMessageCount}, m["dev-02"].Issues)
	assert.Equal(t, model.SeverityMinor, m["dev-02"].Severity)
}

func TestClassifier_CountDeviationCritical(t *testing.T) {
	// avg = 100; dev-02 is 30% below.
	c := newTestClassifier(&staticSource{devices: fleet(100, 130, 70)})

	got, err := c.Classify(context.Background(), time.Hour)
	require.NoError(t, err)

	m := byID(got)
	assert.Equal(t, model.SeverityCritical, m["dev-01"].Severity)
	assert.Equal(t, model.SeverityCritical, m["dev-02"].Severity)
	assert.NotContains(t, m, "dev-00")
}

func TestClassifier_Staleness(t *testing.T) {
	devices := fleet(10, 10)
	devices[0].LastSeenAt = testNow.Add(-130 * time.Second)
	devices[1].LastSeenAt = testNow.Add(-119 * time.Second)

	got := newTestClassifier(nil).ClassifyDevices(devices, testNow)
	require.Len(t, got, 1)
	assert.Equal(t, "dev-00", got[0].DeviceID)
	assert.Equal(t, []model.IssueKind{model.IssueStaleDevice}, got[0].Issues)
	assert.Equal(t, model.SeverityCritical, got[0].Severity)
	assert.InDelta(t, 130.0, got[0].SecondsSinceLastSeen, 1e-9)
}

func TestClassifier_IntervalRules(t *testing.T) {
	tests := []struct {
		name     string
		interval *float64
		expected float64
		want     []model.IssueKind
	}{
		{name: "no interval yet", interval: nil, want: nil},
		{name: "on time", interval: model.Float64(60), want: nil},
		{name: "upper tolerance edge", interval: model.Float64(70), want: nil},
		{name: "lower tolerance edge", interval: model.Float64(50), want: nil},
		{name: "slow", interval: model.Float64(70.5), want: []model.IssueKind{model.IssueSlowInterval}},
		{name: "fast", interval: model.Float64(49), want: []model.IssueKind{model.IssueFastInterval}},
		{name: "per device expectation", interval: model.Float64(290), expected: 300, want: nil},
		{name: "fallback expectation", interval: model.Float64(45), expected: -1, want: []model.IssueKind{model.IssueFastInterval}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices := fleet(10, 10)
			devices[0].AvgIntervalSeconds = tt.interval
			switch {
			case tt.expected > 0:
				devices[0].ExpectedIntervalSeconds = tt.expected
			case tt.expected < 0:
				devices[0].ExpectedIntervalSeconds = 0
			}

			got := newTestClassifier(nil).ClassifyDevices(devices, testNow)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Issues)
			assert.Equal(t, model.SeverityWarning, got[0].Severity)
		})
	}
}

func TestClassifier_RuleOrderAndSeverityPriority(t *testing.T) {
	devices := fleet(100, 100, 40)
	devices[2].AvgIntervalSeconds = model.Float64(200)
	devices[2].LastSeenAt = testNow.Add(-10 * time.Minute)

	got := newTestClassifier(nil).ClassifyDevices(devices, testNow)
	require.Len(t, got, 3)

	m := byID(got)
	assert.Equal(t, []model.IssueKind{
		model.IssueLowMessageCount,
		model.IssueSlowInterval,
		model.IssueStaleDevice,
	}, m["dev-02"].Issues)
	assert.Equal(t, model.SeverityCritical, m["dev-02"].Severity)

	// avg = 80: 100 is exactly 25% above, high count only.
	assert.Equal(t, []model.IssueKind{model.IssueHighMessageCount}, m["dev-00"].Issues)
	assert.Equal(t, model.SeverityMinor, m["dev-00"].Severity)
}

func TestClassifier_ZeroAverage(t *testing.T) {
	got := newTestClassifier(nil).ClassifyDevices(fleet(0, 0, 0), testNow)
	assert.Empty(t, got)
}

func TestClassifier_EmptyAndSorted(t *testing.T) {
	c := newTestClassifier(&staticSource{})
	got, err := c.Classify(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, got)

	devices := []model.DeviceStats{
		{DeviceID: "zeta", MessageCount: 1, LastSeenAt: testNow, ExpectedIntervalSeconds: 60},
		{DeviceID: "alpha", MessageCount: 50, LastSeenAt: testNow, ExpectedIntervalSeconds: 60},
		{DeviceID: "mid", MessageCount: 1, LastSeenAt: testNow, ExpectedIntervalSeconds: 60},
	}
	got = newTestClassifier(nil).ClassifyDevices(devices, testNow)
	require.Len(t, got, 3)
	assert.Equal(t, "alpha", got[0].DeviceID)
	assert.Equal(t, "mid", got[1].DeviceID)
	assert.Equal(t, "zeta", got[2].DeviceID)
}
