// internal/worker/manager.go
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"syncmon/internal/alert"
	"syncmon/internal/analysis"
	"syncmon/internal/config"
	"syncmon/internal/ingest"
	"syncmon/internal/metrics"
	"syncmon/internal/model"
	"syncmon/internal/pool"
	"syncmon/internal/stats"
	"syncmon/internal/store"
)

const (
	opAppendBalance    = "append_balance_check"
	opAppendCorrection = "append_correction_group"
	opQueryActive      = "query_active_devices"
)

// Deps 는 Manager 가 조립하는 구성 요소들.
// Archive 가 nil 이면 raw archive 경로 없이 동작한다.
type Deps struct {
	Table    *stats.Table
	Store    store.Store
	Notifier alert.Notifier
	Archive  *Archiver
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
	Clock    clockwork.Clock
}

// Manager 는 monitoring engine 의 핵심 파이프라인이다.
//
// 주요 구성:
//   - EventCh: transport(MQTT / HTTP) → Manager
//   - ingestLoop: 단일 goroutine 에서 ingest.Handler 로 이벤트 반영 후 archive 로 전달
//   - analysisLoop: balance / anomaly ticker 로 주기 분석 실행
//
// Shutdown 순서:
//  1. EventCh 닫기 (이후 Enqueue 는 false)
//  2. ingestLoop 가 남은 이벤트를 모두 반영할 때까지 대기
//  3. analysisLoop 취소 (진행 중인 pass 는 끝까지 수행)
//  4. 마지막 balance / anomaly pass
//  5. archive flush
type Manager struct {
	cfg      config.Config
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	log      zerolog.Logger
	table    *stats.Table
	store    store.Store
	notifier alert.Notifier
	archive  *Archiver

	handler    *ingest.Handler
	balance    *analysis.BalanceAnalyzer
	classifier *analysis.Classifier

	EventCh chan *model.Event

	// 직전 anomaly pass 에서 stale / critical 이었던 디바이스.
	// 상태가 새로 진입한 디바이스만 sync event 와 알림을 보낸다.
	flagMu   sync.Mutex
	stale    map[string]struct{}
	critical map[string]struct{}

	mu     sync.RWMutex
	closed bool

	analysisCancel context.CancelFunc
	ingestWG       sync.WaitGroup
	analysisWG     sync.WaitGroup
	stopOnce       sync.Once
}

// NewManager 는 ingest handler 와 analyzer 들을 구성한다.
func NewManager(cfg config.Config, d Deps) *Manager {
	clock := d.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = alert.NewLog(d.Log)
	}

	return &Manager{
		cfg:      cfg,
		clock:    clock,
		metrics:  d.Metrics,
		log:      d.Log,
		table:    d.Table,
		store:    d.Store,
		notifier: notifier,
		archive:  d.Archive,

		handler: ingest.NewHandler(d.Table, d.Store, d.Metrics, d.Log, cfg.StoreTimeout),
		balance: analysis.NewBalanceAnalyzer(d.Table, d.Store, cfg.BalanceThreshold, cfg.StoreTimeout, clock),
		classifier: analysis.NewClassifier(d.Table, analysis.ClassifierOptions{
			BalanceThreshold:               cfg.BalanceThreshold,
			TimingToleranceSeconds:         cfg.TimingToleranceSeconds,
			DefaultExpectedIntervalSeconds: cfg.ExpectedIntervalSeconds,
		}, clock),

		EventCh: make(chan *model.Event, cfg.ChannelSize),

		stale:    make(map[string]struct{}),
		critical: make(map[string]struct{}),
	}
}

// Start 는 archive, ingestLoop, analysisLoop 를 띄운다.
func (m *Manager) Start() {
	if m.archive != nil {
		m.archive.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.analysisCancel = cancel

	m.ingestWG.Add(1)
	go m.ingestLoop()

	m.analysisWG.Add(1)
	go m.analysisLoop(ctx)
}

// Enqueue 는 transport 가 이벤트를 넘기는 유일한 입구다. 블록하지 않는다.
//
// 큐가 가득 찼거나 종료 중이면 false 를 반환하고 이벤트는 풀로 돌아간다.
// source 는 메트릭 라벨 (mqtt / http).
func (m *Manager) Enqueue(ev *model.Event, source string) bool {
	m.metrics.EventsReceived.WithLabelValues(source).Inc()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		pool.PutEvent(ev)
		return false
	}

	select {
	case m.EventCh <- ev:
		return true
	default:
		m.metrics.EventsDropped.WithLabelValues(source).Inc()
		pool.PutEvent(ev)
		return false
	}
}

// Shutdown 은 위 순서대로 graceful shutdown 한다.
// ctx 는 archive flush 의 deadline 으로만 쓰인다.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.EventCh)
		m.mu.Unlock()

		m.ingestWG.Wait()
		m.log.Info().Msg("ingest queue drained")

		if m.analysisCancel != nil {
			m.analysisCancel()
		}
		m.analysisWG.Wait()

		final := context.WithoutCancel(ctx)
		m.RunBalanceCheck(final)
		m.RunAnomalyCheck(final)

		if m.archive != nil {
			m.archive.Shutdown(ctx)
		}
	})
}

// ingestLoop 는 EventCh 가 닫힐 때까지 이벤트를 하나씩 반영한다.
// 단일 goroutine 이므로 디바이스별 도착 순서가 유지된다.
func (m *Manager) ingestLoop() {
	defer m.ingestWG.Done()

	ctx := context.Background()
	for ev := range m.EventCh {
		m.handler.Handle(ctx, ev)

		if m.archive != nil {
			m.archive.Add(ev)
		} else {
			pool.PutEvent(ev)
		}
	}
}

// analysisLoop 는 두 ticker 로 주기 분석을 돌린다.
// 분석 pass 에는 취소되지 않는 ctx 를 넘겨서 Shutdown 중에도 끝까지 기록되게 한다.
func (m *Manager) analysisLoop(ctx context.Context) {
	defer m.analysisWG.Done()

	balanceTicker := m.clock.NewTicker(m.cfg.BalanceCheckInterval)
	defer balanceTicker.Stop()
	anomalyTicker := m.clock.NewTicker(m.cfg.AnomalyCheckInterval)
	defer anomalyTicker.Stop()

	pass := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-balanceTicker.Chan():
			m.RunBalanceCheck(pass)
		case <-anomalyTicker.Chan():
			m.RunAnomalyCheck(pass)
		}
	}
}

// RunBalanceCheck
//
// balance analyzer 1회 실행 + 메트릭 / 로그.
// imbalanced 이면 imbalance_detected sync event 와 warning 알림을 남긴다.
func (m *Manager) RunBalanceCheck(ctx context.Context) analysis.BalanceResult {
	res, err := m.balance.Analyze(ctx, m.cfg.ActiveWindow)
	if err != nil {
		if res.Outcome == "" {
			m.metrics.StoreErrors.WithLabelValues(opQueryActive).Inc()
			m.log.Error().Err(err).Msg("balance check failed")
			return res
		}
		m.metrics.StoreErrors.WithLabelValues(opAppendBalance).Inc()
		m.log.Warn().Err(err).Msg("balance check record write failed")
	}

	m.metrics.BalanceChecks.WithLabelValues(string(res.Outcome)).Inc()
	m.metrics.ActiveDevices.Set(float64(res.ActiveDevices))

	switch res.Outcome {
	case model.OutcomeNoActiveDevices:
		m.log.Info().Msg("balance check: no active devices")
		return res
	case model.OutcomeInsufficientData:
		m.log.Info().Int("active_devices", res.ActiveDevices).Msg("balance check: insufficient data")
		return res
	}

	rec := *res.Record
	ratio := analysis.SpreadRatio(rec)
	m.metrics.ImbalanceRatio.Set(ratio)

	if rec.Balanced {
		m.log.Info().
			Int("active_devices", rec.TotalDevices).
			Int64("min", rec.MinMessages).
			Int64("max", rec.MaxMessages).
			Float64("avg", rec.AvgMessages).
			Msg("fleet balanced")
		return res
	}

	m.log.Warn().
		Int("active_devices", rec.TotalDevices).
		Int64("min", rec.MinMessages).
		Int64("max", rec.MaxMessages).
		Float64("avg", rec.AvgMessages).
		Float64("ratio", ratio).
		Strs("min_devices", rec.MinDevices).
		Strs("max_devices", rec.MaxDevices).
		Msg("fleet imbalanced")

	m.handler.RecordSyncEvent(ctx, model.SyncEvent{
		Time:     rec.CheckTime,
		Type:     model.SyncImbalanceDetected,
		Message:  fmt.Sprintf("Imbalance detected: %d-%d messages across %d devices (ratio %.2f)", rec.MinMessages, rec.MaxMessages, rec.TotalDevices, ratio),
		Severity: model.SyncWarning,
	})

	m.notify(ctx, alert.Alert{
		Level: alert.LevelWarning,
		Title: "Fleet imbalance detected",
		Lines: []string{
			fmt.Sprintf("devices: %d, avg: %.1f, spread ratio: %.2f (threshold %.2f)", rec.TotalDevices, rec.AvgMessages, ratio, rec.Threshold),
			fmt.Sprintf("highest (%d): %s", rec.MaxMessages, strings.Join(rec.MaxDevices, ", ")),
			fmt.Sprintf("lowest (%d): %s", rec.MinMessages, strings.Join(rec.MinDevices, ", ")),
		},
	})
	return res
}

// RunAnomalyCheck
//
//  1. classifier → anomaly 목록
//  2. GenerateActions → 디바이스별 조치 그룹 (RunID / CreatedAt 은 여기서 채움)
//  3. 그룹 기록, 새로 stale 이 된 디바이스는 device_stale sync event
//  4. severity 요약 로그, 새로 critical 이 된 그룹이 있으면 알림
//
// 조치 그룹은 pass 마다 기록한다. sync event / 알림만 상태 전이 기준이다.
func (m *Manager) RunAnomalyCheck(ctx context.Context) []model.CorrectionActionGroup {
	anomalies, err := m.classifier.Classify(ctx, m.cfg.ActiveWindow)
	if err != nil {
		m.metrics.StoreErrors.WithLabelValues(opQueryActive).Inc()
		m.log.Error().Err(err).Msg("anomaly check failed")
		return nil
	}

	groups := analysis.GenerateActions(anomalies)
	newlyStale, newlyCritical := m.trackTransitions(anomalies, groups)
	if len(groups) == 0 {
		m.log.Debug().Msg("anomaly check: no issues")
		return nil
	}

	runID := uuid.New()
	now := m.clock.Now()
	byDevice := make(map[string]model.DeviceAnomaly, len(anomalies))
	for _, a := range anomalies {
		byDevice[a.DeviceID] = a
		m.metrics.AnomaliesDetected.WithLabelValues(string(a.Severity)).Inc()
	}

	for i := range groups {
		groups[i].RunID = runID
		groups[i].CreatedAt = now
		m.appendGroup(ctx, groups[i])

		if a := byDevice[groups[i].DeviceID]; newlyStale[a.DeviceID] {
			m.handler.RecordSyncEvent(ctx, model.SyncEvent{
				Time:     now,
				Type:     model.SyncDeviceStale,
				DeviceID: a.DeviceID,
				Message:  fmt.Sprintf("Device %s stale: no message for %.0fs", a.DeviceID, a.SecondsSinceLastSeen),
				Severity: model.SyncError,
			})
		}
	}
	m.metrics.CorrectionGroups.Add(float64(len(groups)))

	sum := analysis.Summarize(groups)
	m.log.Info().
		Str("run_id", runID.String()).
		Int("critical", sum.Critical).
		Int("warning", sum.Warning).
		Int("minor", sum.Minor).
		Msg("anomaly check summary")

	if len(newlyCritical) > 0 {
		m.notify(ctx, criticalAlert(groups, sum, newlyCritical))
	}
	return groups
}

// trackTransitions 는 이번 pass 의 stale / critical 집합으로 교체하고
// 직전 pass 에 없던 디바이스만 돌려준다. 회복했다가 다시 들어오면 다시 보고된다.
func (m *Manager) trackTransitions(anomalies []model.DeviceAnomaly, groups []model.CorrectionActionGroup) (newlyStale, newlyCritical map[string]bool) {
	m.flagMu.Lock()
	defer m.flagMu.Unlock()

	stale := make(map[string]struct{})
	newlyStale = make(map[string]bool)
	for _, a := range anomalies {
		if !a.Has(model.IssueStaleDevice) {
			continue
		}
		stale[a.DeviceID] = struct{}{}
		if _, seen := m.stale[a.DeviceID]; !seen {
			newlyStale[a.DeviceID] = true
		}
	}

	critical := make(map[string]struct{})
	newlyCritical = make(map[string]bool)
	for _, g := range groups {
		if g.Severity != model.SeverityCritical {
			continue
		}
		critical[g.DeviceID] = struct{}{}
		if _, seen := m.critical[g.DeviceID]; !seen {
			newlyCritical[g.DeviceID] = true
		}
	}

	m.stale, m.critical = stale, critical
	return newlyStale, newlyCritical
}

func (m *Manager) appendGroup(ctx context.Context, g model.CorrectionActionGroup) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	if err := m.store.AppendCorrectionActionGroup(sctx, g); err != nil {
		m.metrics.StoreErrors.WithLabelValues(opAppendCorrection).Inc()
		m.log.Warn().Err(err).
			Str("device_id", g.DeviceID).
			Str("severity", string(g.Severity)).
			Msg("correction group write failed")
	}
}

func (m *Manager) notify(ctx context.Context, a alert.Alert) {
	nctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()

	if err := m.notifier.Notify(nctx, a); err != nil {
		m.metrics.AlertErrors.Inc()
		m.log.Warn().Err(err).Str("title", a.Title).Msg("alert delivery failed")
	}
}

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

const alertTimeout = 10 * time.Second

// criticalAlert 는 새로 critical 이 된 디바이스만 나열한다. 요약 줄은 pass 전체 기준.
func criticalAlert(groups []model.CorrectionActionGroup, sum analysis.Summary, only map[string]bool) alert.Alert {
	lines := []string{fmt.Sprintf("critical: %d, warning: %d, minor: %d", sum.Critical, sum.Warning, sum.Minor)}
	for _, g := range groups {
		if !only[g.DeviceID] {
			continue
		}
		descs := make([]string, 0, len(g.Actions))
		for _, a := range g.Actions {
			descs = append(descs, a.Description)
		}
		lines = append(lines, fmt.Sprintf("%s: %s", g.DeviceID, strings.Join(descs, "; ")))
	}
	return alert.Alert{
		Level: alert.LevelCritical,
		Title: "Critical device anomalies",
		Lines: lines,
	}
}
