package store

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"syncmon/internal/model"
)

func TestOpen_Drivers(t *testing.T) {
	s, err := Open(context.Background(), DriverMemory, "", time.Second, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &Memory{}, s)

	_, err = Open(context.Background(), "sqlite", "", time.Second, zerolog.Nop())
	require.ErrorIs(t, err, ErrUnknownDriver)

	_, err = Open(context.Background(), DriverPostgres, "", time.Second, zerolog.Nop())
	require.ErrorIs(t, err, ErrMissingDSN)
}

func TestMemory_QueryActiveDevices(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()

	require.NoError(t, m.UpsertDeviceStats(ctx, model.DeviceStats{DeviceID: "b", LastSeenAt: now}, model.StatusActive))
	require.NoError(t, m.UpsertDeviceStats(ctx, model.DeviceStats{DeviceID: "a", LastSeenAt: now.Add(-time.Minute)}, model.StatusActive))
	require.NoError(t, m.UpsertDeviceStats(ctx, model.DeviceStats{DeviceID: "old", LastSeenAt: now.Add(-2 * time.Hour)}, model.StatusOffline))
	// last write wins
	require.NoError(t, m.UpsertDeviceStats(ctx, model.DeviceStats{DeviceID: "b", MessageCount: 7, LastSeenAt: now}, model.StatusActive))

	got, err := m.QueryActiveDevices(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].DeviceID)
	require.Equal(t, "b", got[1].DeviceID)
	require.EqualValues(t, 7, got[1].MessageCount)
}

func TestMemory_InjectedFailuresAndClose(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")

	m.FailRaw = boom
	require.ErrorIs(t, m.AppendRawEvent(ctx, model.Event{}), boom)
	require.Zero(t, m.RawEventCount())

	m.FailRaw = nil
	require.NoError(t, m.AppendRawEvent(ctx, model.Event{Topic: "x"}))
	require.Equal(t, 1, m.RawEventCount())

	m.Close()
	require.True(t, m.Closed())
	require.ErrorIs(t, m.AppendSyncEvent(ctx, model.SyncEvent{}), ErrStoreClosed)
}

func TestEncodeBalanceDetails(t *testing.T) {
	rec := model.BalanceCheckRecord{
		RunID:      uuid.New(),
		MinDevices: []string{"d4"},
		MaxDevices: []string{"d3"},
		Details: []model.DeviceDetail{
			{DeviceID: "d3", MessageCount: 105, Status: model.StatusActive},
			{DeviceID: "d4", MessageCount: 75, AvgIntervalSeconds: model.Float64(80), Status: model.StatusStale},
		},
	}

	raw, err := encodeBalanceDetails(rec)
	require.NoError(t, err)

	var decoded struct {
		Devices []struct {
			DeviceID     string   `json:"device_id"`
			MessageCount int64    `json:"message_count"`
			AvgInterval  *float64 `json:"avg_interval_seconds"`
			Status       string   `json:"status"`
		} `json:"devices"`
		MinDevices []string `json:"min_devices"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Devices, 2)
	require.Nil(t, decoded.Devices[0].AvgInterval)
	require.Equal(t, 80.0, *decoded.Devices[1].AvgInterval)
	require.Equal(t, "stale", decoded.Devices[1].Status)
	require.Equal(t, []string{"d4"}, decoded.MinDevices)
}
