package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncmon/internal/metrics"
	"syncmon/internal/model"
	"syncmon/internal/stats"
	"syncmon/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T) (*Handler, *stats.Table, *store.Memory, *metrics.Metrics) {
	t.Helper()
	table := stats.New(stats.Options{ExpectedIntervalSeconds: 60, HistorySize: 4})
	mem := store.NewMemory()
	m := metrics.New()
	return NewHandler(table, mem, m, zerolog.Nop(), time.Second), table, mem, m
}

func event(topic string, at time.Time) *model.Event {
	return &model.Event{ReceivedAt: at, Topic: topic, Payload: []byte(`{"fCnt":1}`), Source: "mqtt"}
}

const topicA = "application/1/device/0011223344556677/event/up"

func TestHandle_TracksDevice(t *testing.T) {
	h, table, mem, m := newTestHandler(t)
	ctx := context.Background()

	h.Handle(ctx, event(topicA, t0))
	h.Handle(ctx, event(topicA, t0.Add(50*time.Second)))
	h.Handle(ctx, event(topicA, t0.Add(110*time.Second)))

	s, ok := table.Get("0011223344556677")
	require.True(t, ok)
	assert.EqualValues(t, 3, s.MessageCount)
	// 50, then 0.8*50 + 0.2*60
	assert.InDelta(t, 52.0, *s.AvgIntervalSeconds, 1e-9)

	persisted, ok := mem.Device("0011223344556677")
	require.True(t, ok)
	assert.Equal(t, s.MessageCount, persisted.MessageCount)
	assert.Equal(t, t0.Add(110*time.Second), persisted.LastSeenAt)
	assert.Equal(t, 3, mem.UpsertCalls)

	assert.Equal(t, 3, mem.RawEventCount())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsIngested))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DevicesTracked))

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.SyncDeviceRegistered, events[0].Type)
	assert.Equal(t, model.SyncInfo, events[0].Severity)
	assert.Equal(t, "0011223344556677", events[0].DeviceID)
}

func TestHandle_FillsRouteFields(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	ev := event("application/7/device/abc/event/join", t0)
	h.Handle(context.Background(), ev)
	assert.Equal(t, "abc", ev.DeviceID)
	assert.Equal(t, "join", ev.MessageType)
}

func TestHandle_UnknownRoute(t *testing.T) {
	h, table, mem, m := newTestHandler(t)

	ev := event("gateway/aa/stats", t0)
	h.Handle(context.Background(), ev)

	assert.Equal(t, "unknown", ev.DeviceID)
	assert.Equal(t, "unknown", ev.MessageType)
	assert.Equal(t, 1, mem.RawEventCount())
	assert.Zero(t, table.Len())
	assert.Zero(t, mem.UpsertCalls)
	_, tracked := mem.Device("unknown")
	assert.False(t, tracked)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnknownRouteEvents))
	assert.Zero(t, testutil.ToFloat64(m.EventsIngested))
}

func TestHandle_StoreFailuresDoNotBlock(t *testing.T) {
	h, table, mem, m := newTestHandler(t)
	boom := errors.New("db down")
	mem.FailRaw = boom
	mem.FailUpsert = boom
	mem.FailAppend = boom

	h.Handle(context.Background(), event(topicA, t0))
	h.Handle(context.Background(), event(topicA, t0.Add(time.Minute)))

	s, ok := table.Get("0011223344556677")
	require.True(t, ok)
	assert.EqualValues(t, 2, s.MessageCount)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues(opAppendRaw)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues(opUpsertStats)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues(opSyncEvent)))
}

func TestHandle_OutOfOrder(t *testing.T) {
	h, table, _, m := newTestHandler(t)
	ctx := context.Background()

	h.Handle(ctx, event(topicA, t0))
	h.Handle(ctx, event(topicA, t0.Add(-5*time.Second)))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutOfOrderEvents))
	s, _ := table.Get("0011223344556677")
	assert.EqualValues(t, 2, s.MessageCount)
	assert.InDelta(t, -5.0, *s.AvgIntervalSeconds, 1e-9)
}

func TestHandle_DeviceIsolation(t *testing.T) {
	h, table, _, _ := newTestHandler(t)
	ctx := context.Background()

	h.Handle(ctx, event(topicA, t0))
	before, _ := table.Get("0011223344556677")

	h.Handle(ctx, event("application/1/device/other/event/up", t0.Add(time.Second)))
	h.Handle(ctx, event("application/1/device/other/event/up", t0.Add(2*time.Second)))

	after, _ := table.Get("0011223344556677")
	assert.Equal(t, before, after)
	assert.Equal(t, 2, table.Len())
}
