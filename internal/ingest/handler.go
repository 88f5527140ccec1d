package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"syncmon/internal/metrics"
	"syncmon/internal/model"
	"syncmon/internal/router"
	"syncmon/internal/stats"
	"syncmon/internal/store"
)

// store op 라벨 (syncmon_store_errors_total)
const (
	opAppendRaw   = "append_raw"
	opUpsertStats = "upsert_stats"
	opSyncEvent   = "append_sync_event"
)

// Handler
// ------------------------------------------------------------
// 이벤트 1건을 받아서
//
//  1. topic → (deviceID, messageType) 라우팅
//  2. raw audit row 기록 (best-effort)
//  3. stats.Table 에 관측 반영 (항상 수행)
//  4. 갱신된 통계 upsert
//
// 를 순서대로 수행한다. 단일 goroutine (worker.Manager ingest loop) 에서만
// 호출된다는 전제로 디바이스별 도착 순서가 유지된다.
//
// persistence 실패는 로그 + 메트릭으로만 남기고 ingest 를 막지 않는다.
type Handler struct {
	table        *stats.Table
	store        store.Store
	metrics      *metrics.Metrics
	log          zerolog.Logger
	storeTimeout time.Duration
}

func NewHandler(table *stats.Table, st store.Store, m *metrics.Metrics, log zerolog.Logger, storeTimeout time.Duration) *Handler {
	return &Handler{
		table:        table,
		store:        st,
		metrics:      m,
		log:          log,
		storeTimeout: storeTimeout,
	}
}

// Handle 은 ev.DeviceID / ev.MessageType 을 채운 뒤 이벤트를 반영한다.
//
// topic 이 형식에 맞지 않으면 device "unknown" 으로 raw 기록만 남기고
// 통계 테이블에는 넣지 않는다 (balance / anomaly 대상 아님).
func (h *Handler) Handle(ctx context.Context, ev *model.Event) {
	ev.DeviceID, ev.MessageType = router.Route(ev.Topic)

	h.appendRaw(ctx, ev)

	if ev.DeviceID == router.Unknown {
		h.metrics.UnknownRouteEvents.Inc()
		h.log.Debug().Str("topic", ev.Topic).Msg("unroutable topic")
		return
	}

	obs := h.table.Observe(ev.DeviceID, ev.ReceivedAt)

	h.metrics.EventsIngested.Inc()
	if obs.OutOfOrder {
		h.metrics.OutOfOrderEvents.Inc()
		h.log.Warn().
			Str("device_id", ev.DeviceID).
			Time("received_at", ev.ReceivedAt).
			Msg("out-of-order event")
	}

	h.upsert(ctx, obs.Stats, ev.ReceivedAt)

	if obs.Created {
		h.metrics.DevicesTracked.Set(float64(h.table.Len()))
		h.log.Info().
			Str("device_id", ev.DeviceID).
			Str("message_type", ev.MessageType).
			Msg("new device registered")
		h.RecordSyncEvent(ctx, model.SyncEvent{
			Time:     ev.ReceivedAt,
			Type:     model.SyncDeviceRegistered,
			DeviceID: ev.DeviceID,
			Message:  fmt.Sprintf("New device registered: %s", ev.DeviceID),
			Severity: model.SyncInfo,
		})
	}
}

func (h *Handler) appendRaw(ctx context.Context, ev *model.Event) {
	sctx, cancel := h.storeCtx(ctx)
	defer cancel()

	if err := h.store.AppendRawEvent(sctx, *ev); err != nil {
		h.metrics.StoreErrors.WithLabelValues(opAppendRaw).Inc()
		h.log.Warn().Err(err).
			Str("topic", ev.Topic).
			Str("device_id", ev.DeviceID).
			Msg("raw event audit write failed")
	}
}

func (h *Handler) upsert(ctx context.Context, s model.DeviceStats, now time.Time) {
	sctx, cancel := h.storeCtx(ctx)
	defer cancel()

	if err := h.store.UpsertDeviceStats(sctx, s, s.Status(now)); err != nil {
		h.metrics.StoreErrors.WithLabelValues(opUpsertStats).Inc()
		// in-memory 진행분이 재시작 시 유실될 수 있음
		h.log.Error().Err(err).
			Str("device_id", s.DeviceID).
			Int64("message_count", s.MessageCount).
			Msg("device stats upsert failed; in-memory progress is not durable")
	}
}

// RecordSyncEvent persists an operator timeline event; failures are logged.
func (h *Handler) RecordSyncEvent(ctx context.Context, ev model.SyncEvent) {
	sctx, cancel := h.storeCtx(ctx)
	defer cancel()

	if err := h.store.AppendSyncEvent(sctx, ev); err != nil {
		h.metrics.StoreErrors.WithLabelValues(opSyncEvent).Inc()
		h.log.Warn().Err(err).
			Str("event_type", string(ev.Type)).
			Str("device_id", ev.DeviceID).
			Msg("sync event write failed")
	}
}

func (h *Handler) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.storeTimeout)
}
