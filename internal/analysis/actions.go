package analysis

import (
	"fmt"

	"syncmon/internal/model"
)

const shortIDLen = 8

// GenerateActions
// ------------------------------------------------------------
// anomaly 목록을 디바이스별 CorrectionActionGroup 으로 변환한다.
// 이슈 1개당 조치 1개, 이슈 순서를 그대로 따른다.
//
// 순수 함수다. RunID / CreatedAt 은 비워 두고 호출자가 채운다.
func GenerateActions(anomalies []model.DeviceAnomaly) []model.CorrectionActionGroup {
	var groups []model.CorrectionActionGroup

	for _, a := range anomalies {
		actions := make([]model.CorrectionAction, 0, len(a.Issues))
		for _, issue := range a.Issues {
			if act, ok := actionFor(a, issue); ok {
				actions = append(actions, act)
			}
		}
		if len(actions) == 0 {
			continue
		}

		groups = append(groups, model.CorrectionActionGroup{
			DeviceID: a.DeviceID,
			Severity: a.Severity,
			Actions:  actions,
			Status:   model.GroupPending,
		})
	}
	return groups
}

func actionFor(a model.DeviceAnomaly, issue model.IssueKind) (model.CorrectionAction, bool) {
	id := shortID(a.DeviceID)

	switch issue {
	case model.IssueLowMessageCount:
		return model.CorrectionAction{
			Type:        model.ActionMonitorClosely,
			Description: fmt.Sprintf("Monitor %s... for missed messages", id),
			Priority:    model.PriorityMedium,
		}, true

	case model.IssueHighMessageCount:
		return model.CorrectionAction{
			Type:        model.ActionCheckConfiguration,
			Description: fmt.Sprintf("Check %s... transmission settings", id),
			Priority:    model.PriorityMedium,
		}, true

	case model.IssueSlowInterval:
		return model.CorrectionAction{
			Type:             model.ActionSyncTiming,
			Description:      fmt.Sprintf("Device %s... sending too slowly", id),
			Priority:         model.PriorityHigh,
			CurrentInterval:  copyFloat(a.AvgIntervalSeconds),
			ExpectedInterval: model.Float64(a.ExpectedIntervalSeconds),
		}, true

	case model.IssueFastInterval:
		return model.CorrectionAction{
			Type:             model.ActionThrottleDevice,
			Description:      fmt.Sprintf("Device %s... sending too frequently", id),
			Priority:         model.PriorityMedium,
			CurrentInterval:  copyFloat(a.AvgIntervalSeconds),
			ExpectedInterval: model.Float64(a.ExpectedIntervalSeconds),
		}, true

	case model.IssueStaleDevice:
		return model.CorrectionAction{
			Type:            model.ActionReconnectDevice,
			Description:     fmt.Sprintf("Device %s... appears offline", id),
			Priority:        model.PriorityCritical,
			LastSeenSeconds: model.Float64(a.SecondsSinceLastSeen),
		}, true
	}
	return model.CorrectionAction{}, false
}

// shortID 는 앞 8 글자(rune)만 남긴다. 멀티바이트 문자를 자르지 않는다.
func shortID(id string) string {
	n := 0
	for i := range id {
		if n == shortIDLen {
			return id[:i]
		}
		n++
	}
	return id
}

// Summary 는 한 번의 anomaly pass 에서 나온 그룹들을 severity 별로 센 것이다.
type Summary struct {
	Critical int
	Warning  int
	Minor    int
}

// Total returns the number of groups counted.
func (s Summary) Total() int {
	return s.Critical + s.Warning + s.Minor
}

func Summarize(groups []model.CorrectionActionGroup) Summary {
	var s Summary
	for _, g := range groups {
		switch g.Severity {
		case model.SeverityCritical:
			s.Critical++
		case model.SeverityWarning:
			s.Warning++
		default:
			s.Minor++
		}
	}
	return s
}
