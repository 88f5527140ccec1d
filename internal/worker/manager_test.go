package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncmon/internal/alert"
	"syncmon/internal/config"
	"syncmon/internal/metrics"
	"syncmon/internal/model"
	"syncmon/internal/stats"
	"syncmon/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) sent() []alert.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert.Alert(nil), n.alerts...)
}

type managerFixture struct {
	mgr      *Manager
	table    *stats.Table
	mem      *store.Memory
	m        *metrics.Metrics
	notifier *recordingNotifier
	clock    *clockwork.FakeClock
}

func managerConfig() config.Config {
	return config.Config{
		BalanceThreshold:        0.10,
		ExpectedIntervalSeconds: 60,
		TimingToleranceSeconds:  10,
		ActiveWindow:            time.Hour,
		BalanceCheckInterval:    5 * time.Minute,
		AnomalyCheckInterval:    5 * time.Minute,
		ChannelSize:             16,
		StoreTimeout:            time.Second,
	}
}

func newManagerFixture(t *testing.T, cfg config.Config) *managerFixture {
	t.Helper()
	f := &managerFixture{
		table:    stats.New(stats.Options{ExpectedIntervalSeconds: cfg.ExpectedIntervalSeconds}),
		mem:      store.NewMemory(),
		m:        metrics.New(),
		notifier: &recordingNotifier{},
		clock:    clockwork.NewFakeClockAt(t0),
	}
	f.mgr = NewManager(cfg, Deps{
		Table:    f.table,
		Store:    f.mem,
		Notifier: f.notifier,
		Metrics:  f.m,
		Log:      zerolog.Nop(),
		Clock:    f.clock,
	})
	return f
}

// observe feeds count events for id, spaced 60s apart and ending at last.
func (f *managerFixture) observe(id string, count int, last time.Time) {
	for i := count - 1; i >= 0; i-- {
		f.table.Observe(id, last.Add(-time.Duration(i)*time.Minute))
	}
}

func uplink(id string, at time.Time) *model.Event {
	return &model.Event{
		ReceivedAt: at,
		Topic:      "application/1/device/" + id + "/event/up",
		Payload:    []byte("{}"),
		Source:     "mqtt",
	}
}

func TestManager_IngestAndFinalPassOnShutdown(t *testing.T) {
	f := newManagerFixture(t, managerConfig())
	f.mgr.Start()

	for i := 0; i < 3; i++ {
		at := t0.Add(time.Duration(i-3) * time.Minute)
		require.True(t, f.mgr.Enqueue(uplink("dev-a", at), "mqtt"))
		require.True(t, f.mgr.Enqueue(uplink("dev-b", at), "mqtt"))
	}

	f.mgr.Shutdown(context.Background())

	a, ok := f.table.Get("dev-a")
	require.True(t, ok)
	assert.EqualValues(t, 3, a.MessageCount)
	assert.Equal(t, 6, f.mem.RawEventCount())

	checks := f.mem.BalanceChecks()
	require.Len(t, checks, 1, "final balance pass on shutdown")
	assert.True(t, checks[0].Balanced)
	assert.Equal(t, 2, checks[0].TotalDevices)
	assert.Equal(t, 6.0, testutil.ToFloat64(f.m.EventsReceived.WithLabelValues("mqtt")))

	assert.False(t, f.mgr.Enqueue(uplink("dev-a", t0), "mqtt"), "closed after shutdown")
	assert.NotPanics(t, func() { f.mgr.Shutdown(context.Background()) })
}

func TestManager_EnqueueQueueFull(t *testing.T) {
	cfg := managerConfig()
	cfg.ChannelSize = 1
	f := newManagerFixture(t, cfg)

	assert.True(t, f.mgr.Enqueue(uplink("dev-a", t0), "http"))
	assert.False(t, f.mgr.Enqueue(uplink("dev-a", t0), "http"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.EventsDropped.WithLabelValues("http")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.m.EventsReceived.WithLabelValues("http")))
}

func TestManager_RunBalanceCheckImbalanced(t *testing.T) {
	f := newManagerFixture(t, managerConfig())
	f.observe("dev-a", 10, t0.Add(-time.Minute))
	f.observe("dev-b", 2, t0.Add(-time.Minute))

	res := f.mgr.RunBalanceCheck(context.Background())

	assert.Equal(t, model.OutcomeImbalanced, res.Outcome)
	require.NotNil(t, res.Record)
	assert.Equal(t, []string{"dev-a"}, res.Record.MaxDevices)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.BalanceChecks.WithLabelValues(string(model.OutcomeImbalanced))))
	assert.InDelta(t, 8.0/6.0, testutil.ToFloat64(f.m.ImbalanceRatio), 1e-9)

	events := f.mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.SyncImbalanceDetected, events[0].Type)
	assert.Equal(t, model.SyncWarning, events[0].Severity)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, alert.LevelWarning, sent[0].Level)
}

func TestManager_RunBalanceCheckOutcomes(t *testing.T) {
	f := newManagerFixture(t, managerConfig())

	res := f.mgr.RunBalanceCheck(context.Background())
	assert.Equal(t, model.OutcomeNoActiveDevices, res.Outcome)

	f.observe("dev-a", 1, t0.Add(-time.Minute))
	res = f.mgr.RunBalanceCheck(context.Background())
	assert.Equal(t, model.OutcomeInsufficientData, res.Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.ActiveDevices))

	assert.Empty(t, f.mem.BalanceChecks())
	assert.Empty(t, f.notifier.sent())
}

func TestManager_RunBalanceCheckStoreFailure(t *testing.T) {
	f := newManagerFixture(t, managerConfig())
	f.mem.FailAppend = errors.New("db down")
	f.observe("dev-a", 3, t0.Add(-time.Minute))
	f.observe("dev-b", 3, t0.Add(-time.Minute))

	res := f.mgr.RunBalanceCheck(context.Background())

	assert.Equal(t, model.OutcomeBalanced, res.Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.StoreErrors.WithLabelValues(opAppendBalance)))
}

func TestManager_RunAnomalyCheckStaleDevice(t *testing.T) {
	f := newManagerFixture(t, managerConfig())
	f.observe("dev-stale-0001", 1, t0.Add(-200*time.Second))

	groups := f.mgr.RunAnomalyCheck(context.Background())

	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, model.SeverityCritical, g.Severity)
	assert.Equal(t, t0, g.CreatedAt)
	assert.NotEqual(t, uuid.Nil, g.RunID)
	require.Len(t, g.Actions, 1)
	assert.Equal(t, model.ActionReconnectDevice, g.Actions[0].Type)

	stored := f.mem.CorrectionGroups()
	require.Len(t, stored, 1)
	assert.Equal(t, g.RunID, stored[0].RunID)

	events := f.mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.SyncDeviceStale, events[0].Type)
	assert.Equal(t, model.SyncError, events[0].Severity)
	assert.Equal(t, "dev-stale-0001", events[0].DeviceID)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, alert.LevelCritical, sent[0].Level)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.CorrectionGroups))
}

func TestManager_StaleDeviceReportedOnTransition(t *testing.T) {
	f := newManagerFixture(t, managerConfig())
	f.observe("dev-a", 1, t0.Add(-200*time.Second))

	f.mgr.RunAnomalyCheck(context.Background())
	f.mgr.RunAnomalyCheck(context.Background())

	// 조치 그룹은 pass 마다, sync event / 알림은 한 번만
	assert.Len(t, f.mem.CorrectionGroups(), 2)
	assert.Len(t, f.mem.Events(), 1)
	assert.Len(t, f.notifier.sent(), 1)

	// 회복: 새 메시지 → stale 해제 (slow interval warning 만 남음)
	f.table.Observe("dev-a", t0)
	groups := f.mgr.RunAnomalyCheck(context.Background())
	require.Len(t, groups, 1)
	assert.Equal(t, model.SeverityWarning, groups[0].Severity)
	assert.Len(t, f.notifier.sent(), 1)

	// 다시 stale 이 되면 다시 보고된다
	f.clock.Advance(200 * time.Second)
	f.mgr.RunAnomalyCheck(context.Background())

	events := f.mem.Events()
	require.Len(t, events, 2)
	assert.Equal(t, model.SyncDeviceStale, events[1].Type)
	sent := f.notifier.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, alert.LevelCritical, sent[1].Level)
}

func TestManager_RunAnomalyCheckNoIssues(t *testing.T) {
	f := newManagerFixture(t, managerConfig())
	f.observe("dev-a", 3, t0.Add(-10*time.Second))
	f.observe("dev-b", 3, t0.Add(-10*time.Second))

	assert.Empty(t, f.mgr.RunAnomalyCheck(context.Background()))
	assert.Empty(t, f.mem.CorrectionGroups())
	assert.Empty(t, f.notifier.sent())
}

func TestManager_AlertFailureCounted(t *testing.T) {
	f := newManagerFixture(t, managerConfig())
	f.notifier.err = errors.New("webhook 500")
	f.observe("dev-a", 1, t0.Add(-200*time.Second))

	f.mgr.RunAnomalyCheck(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.AlertErrors))
}

func TestManager_AnalysisLoopTicks(t *testing.T) {
	f := newManagerFixture(t, managerConfig())
	f.mgr.Start()
	defer f.mgr.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))

	f.clock.Advance(5 * time.Minute)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.m.BalanceChecks.WithLabelValues(string(model.OutcomeNoActiveDevices))) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
