package analysis

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncmon/internal/model"
)

func TestGenerateActions_Mapping(t *testing.T) {
	anomalies := []model.DeviceAnomaly{
		{
			DeviceID:                "0011223344556677",
			Issues:                  []model.IssueKind{model.IssueLowMessageCount, model.IssueSlowInterval, model.IssueStaleDevice},
			Severity:                model.SeverityCritical,
			AvgIntervalSeconds:      model.Float64(95),
			ExpectedIntervalSeconds: 60,
			SecondsSinceLastSeen:    300,
		},
		{
			DeviceID:                "abc",
			Issues:                  []model.IssueKind{model.IssueHighMessageCount, model.IssueFastInterval},
			Severity:                model.SeverityWarning,
			AvgIntervalSeconds:      model.Float64(20),
			ExpectedIntervalSeconds: 60,
		},
	}

	groups := GenerateActions(anomalies)
	require.Len(t, groups, 2)

	g := groups[0]
	assert.Equal(t, "0011223344556677", g.DeviceID)
	assert.Equal(t, model.SeverityCritical, g.Severity)
	assert.Equal(t, model.GroupPending, g.Status)
	require.Len(t, g.Actions, 3)

	assert.Equal(t, model.ActionMonitorClosely, g.Actions[0].Type)
	assert.Equal(t, model.PriorityMedium, g.Actions[0].Priority)
	assert.Equal(t, "Monitor 00112233... for missed messages", g.Actions[0].Description)

	assert.Equal(t, model.ActionSyncTiming, g.Actions[1].Type)
	assert.Equal(t, model.PriorityHigh, g.Actions[1].Priority)
	assert.Equal(t, 95.0, *g.Actions[1].CurrentInterval)
	assert.Equal(t, 60.0, *g.Actions[1].ExpectedInterval)

	assert.Equal(t, model.ActionReconnectDevice, g.Actions[2].Type)
	assert.Equal(t, model.PriorityCritical, g.Actions[2].Priority)
	assert.Equal(t, 300.0, *g.Actions[2].LastSeenSeconds)
	assert.Equal(t, "Device 00112233... appears offline", g.Actions[2].Description)

	g = groups[1]
	require.Len(t, g.Actions, 2)
	assert.Equal(t, model.ActionCheckConfiguration, g.Actions[0].Type)
	assert.Equal(t, "Check abc... transmission settings", g.Actions[0].Description)
	assert.Equal(t, model.ActionThrottleDevice, g.Actions[1].Type)
	assert.Equal(t, model.PriorityMedium, g.Actions[1].Priority)
	assert.Equal(t, 20.0, *g.Actions[1].CurrentInterval)
}

func TestGenerateActions_Deterministic(t *testing.T) {
	anomalies := []model.DeviceAnomaly{
		{DeviceID: "b", Issues: []model.IssueKind{model.IssueFastInterval}, Severity: model.SeverityWarning, AvgIntervalSeconds: model.Float64(30), ExpectedIntervalSeconds: 60},
		{DeviceID: "a", Issues: []model.IssueKind{model.IssueStaleDevice}, Severity: model.SeverityCritical, SecondsSinceLastSeen: 500},
	}

	first := GenerateActions(anomalies)
	second := GenerateActions(anomalies)
	assert.Equal(t, first, second)
	assert.Equal(t, "b", first[0].DeviceID)
	assert.Equal(t, "a", first[1].DeviceID)

	// output must not alias the input interval
	*first[0].Actions[0].CurrentInterval = 1
	assert.Equal(t, 30.0, *anomalies[0].AvgIntervalSeconds)
}

func TestGenerateActions_Empty(t *testing.T) {
	assert.Empty(t, GenerateActions(nil))
	assert.Empty(t, GenerateActions([]model.DeviceAnomaly{{DeviceID: "x"}}))
}

func TestSummarize(t *testing.T) {
	s := Summarize([]model.CorrectionActionGroup{
		{Severity: model.SeverityCritical},
		{Severity: model.SeverityCritical},
		{Severity: model.SeverityWarning},
		{Severity: model.SeverityMinor},
	})
	assert.Equal(t, Summary{Critical: 2, Warning: 1, Minor: 1}, s)
	assert.Equal(t, 4, s.Total())
}

func TestShortID(t *testing.T) {
	tests := []struct {
		id, want string
	}{
		{"", ""},
		{"dev-1", "dev-1"},
		{"abcdefgh", "abcdefgh"},
		{"a84041000181c1f2", "a8404100"},
		{"센서-온도-습도-복도-1", "센서-온도-습도"},
		{"日本語デバイスID", "日本語デバイスI"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got := shortID(tt.id)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
