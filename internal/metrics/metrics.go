package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncmon"

// Metrics 는 서비스 운영 지표 모음이다.
// 인스턴스마다 독립된 registry 를 가지므로 테스트에서 여러 개 만들어도 충돌하지 않는다.
type Metrics struct {
	registry *prometheus.Registry

	// ======================
	// 수신 (transport) 지표
	// ======================

	// EventsReceived
	// - transport 에서 들어온 이벤트 수 (source=mqtt|http).
	// - 큐 full 로 버려진 이벤트도 포함한 "시도" 기준.
	EventsReceived *prometheus.CounterVec

	// EventsDropped
	// - EventCh 가 가득 차서 버린 이벤트 수. source=archive 는 archive 큐만 놓친 것 (통계에는 반영됨).
	// - 계속 증가하면 ingest 루프(주로 DB 쓰기)가 수신 속도를 못 따라가고 있다는 뜻.
	EventsDropped *prometheus.CounterVec

	// HTTPRejected
	// - /collect 요청 중 400/405/413/503 으로 거절된 수 (reason 라벨).
	HTTPRejected *prometheus.CounterVec

	// ======================
	// ingest / stats 지표
	// ======================

	EventsIngested prometheus.Counter

	// UnknownRouteEvents
	// - topic 형식이 맞지 않아 device "unknown" 으로 분류된 이벤트 수.
	UnknownRouteEvents prometheus.Counter

	// OutOfOrderEvents
	// - 직전 수신 시각보다 이른 시각으로 도착한 이벤트 수 (음수 interval).
	// - INTERVAL_POLICY 와 무관하게 항상 센다.
	OutOfOrderEvents prometheus.Counter

	// StoreErrors
	// - persistence 호출 실패 수 (op 라벨). upsert_stats 실패는 재시작 시
	//   in-memory 진행분 유실 위험이므로 따로 알람을 거는 것을 권장.
	StoreErrors *prometheus.CounterVec

	DevicesTracked prometheus.Gauge

	// ======================
	// 분석 지표
	// ======================

	ActiveDevices  prometheus.Gauge
	BalanceChecks  *prometheus.CounterVec // outcome 라벨
	ImbalanceRatio prometheus.Gauge       // 마지막 check 의 (max-min)/avg

	AnomaliesDetected *prometheus.CounterVec // severity 라벨
	CorrectionGroups  prometheus.Counter
	AlertErrors       prometheus.Counter

	// ======================
	// raw archive (S3 / DLQ) 지표
	// ======================

	// ArchiveEventsStored
	// - S3 에 저장 완료된 이벤트 수 (배치 수가 아니라 이벤트 수).
	ArchiveEventsStored prometheus.Counter

	// ArchivePutErrors
	// - PutObject 실패 "시도" 수. retry 3회 모두 실패하면 +3.
	ArchivePutErrors prometheus.Counter

	DLQEventsEnqueued   prometheus.Counter
	DLQEventsReuploaded prometheus.Counter

	// DLQEventsDropped
	// - DLQ 용량 초과로 버린 이벤트 수. 0 이 아니면 archive 데이터 영구 유실.
	DLQEventsDropped prometheus.Counter
	DLQFilesExpired  prometheus.Counter
	DLQFilesCurrent  prometheus.Gauge
	DLQSizeBytes     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of events delivered by a transport",
		}, []string{"source"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_queue_full_total",
			Help:      "Total number of events dropped because the ingest or archive queue was full",
		}, []string{"source"}),
		HTTPRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_rejected_total",
			Help:      "Total number of rejected HTTP push requests",
		}, []string{"reason"}),

		EventsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Total number of events applied to the device stats table",
		}),
		UnknownRouteEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_route_events_total",
			Help:      "Total number of events whose topic did not match the device route shape",
		}),
		OutOfOrderEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "out_of_order_events_total",
			Help:      "Total number of events that arrived earlier than the device's last seen time",
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total number of failed persistence operations",
		}, []string{"op"}),
		DevicesTracked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_tracked",
			Help:      "Number of devices in the stats table",
		}),

		ActiveDevices: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_devices",
			Help:      "Number of devices inside the active window at the last analysis pass",
		}),
		BalanceChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_checks_total",
			Help:      "Total number of balance analysis passes by outcome",
		}, []string{"outcome"}),
		ImbalanceRatio: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "imbalance_ratio",
			Help:      "Message count spread over mean at the last recorded balance check",
		}),
		AnomaliesDetected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Total number of device anomalies by severity",
		}, []string{"severity"}),
		CorrectionGroups: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correction_groups_total",
			Help:      "Total number of persisted correction action groups",
		}),
		AlertErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_errors_total",
			Help:      "Total number of failed alert notifications",
		}),

		ArchiveEventsStored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_events_stored_total",
			Help:      "Total number of raw events archived to S3",
		}),
		ArchivePutErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_put_errors_total",
			Help:      "Total number of failed S3 PutObject attempts",
		}),
		DLQEventsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_events_enqueued_total",
			Help:      "Total number of archive events written to the local DLQ",
		}),
		DLQEventsReuploaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_events_reuploaded_total",
			Help:      "Total number of DLQ events re-uploaded to S3",
		}),
		DLQEventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_events_dropped_total",
			Help:      "Total number of archive events dropped because the DLQ was full",
		}),
		DLQFilesExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_files_expired_total",
			Help:      "Total number of DLQ files removed by TTL or capacity policy",
		}),
		DLQFilesCurrent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_files_current",
			Help:      "Number of files currently in the local DLQ",
		}),
		DLQSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_size_bytes",
			Help:      "Total size of the local DLQ in bytes",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 는 /metrics 용 Prometheus exposition handler 를 반환한다.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
