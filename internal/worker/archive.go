package worker

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"syncmon/internal/config"
	"syncmon/internal/metrics"
	"syncmon/internal/model"
	"syncmon/internal/pool"
)

const (
	// dlqDrainPerRound: 배치 1건 처리 후 / idle tick 마다 DLQ 에서 꺼내는 최대 파일 수.
	dlqDrainPerRound = 3
	dlqIdleInterval  = time.Second

	archiveDropSource = "archive"
)

// Archiver 는 ingest 가 끝난 이벤트를 S3 에 gzip JSONL 로 보관한다.
//
// 주요 구성:
//   - in: ingest loop → Archiver
//   - collectLoop: BatchSize 또는 FlushInterval 마다 배치를 uploadCh 로 넘김
//   - uploadLoop: 인코딩 + S3 업로드, 실패 시 로컬 DLQ 저장, 틈틈이 DLQ 재업로드
//
// Shutdown 은 남은 배치를 모두 업로드(또는 DLQ 저장)한 뒤 반환한다.
type Archiver struct {
	cfg      config.Config
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	log      zerolog.Logger
	uploader Uploader
	dlq      *DLQ
	encoder  *Encoder
	keys     *keyBuilder
	tc       *TimeCache

	in       chan *model.Event
	uploadCh chan model.ArchiveJob

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewArchiver 는 TimeCache · DLQ · Encoder 를 구성한다. Start 전에는 아무것도 돌지 않는다.
func NewArchiver(cfg config.Config, uploader Uploader, m *metrics.Metrics, log zerolog.Logger, clock clockwork.Clock) (*Archiver, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tc := NewTimeCache(clock)
	keys := newKeyBuilder(tc, cfg.InstanceID)

	dlq, err := NewDLQ(DLQOptions{
		Dir:       cfg.DLQDir,
		MaxAge:    cfg.DLQMaxAge,
		MaxSize:   cfg.DLQMaxSizeBytes,
		RawPrefix: cfg.ArchivePrefix,
		DLQPrefix: cfg.DLQPrefix,
	}, uploader, keys, tc, m, log)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Archiver{
		cfg:      cfg,
		clock:    clock,
		metrics:  m,
		log:      log,
		uploader: uploader,
		dlq:      dlq,
		encoder:  NewEncoder(),
		keys:     keys,
		tc:       tc,
		in:       make(chan *model.Event, 2*cfg.BatchSize),
		uploadCh: make(chan model.ArchiveJob, cfg.UploadQueue),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (a *Archiver) Start() {
	a.tc.Start(a.ctx)

	a.wg.Add(2)
	go a.collectLoop()
	go a.uploadLoop()
}

// Add 는 이벤트 소유권을 Archiver 로 넘긴다. 블록하지 않는다.
// 큐가 가득 찼거나 종료 중이면 archive 에서만 빠지고 이벤트는 풀로 돌아간다.
func (a *Archiver) Add(ev *model.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		pool.PutEvent(ev)
		return
	}
	select {
	case a.in <- ev:
	default:
		a.metrics.EventsDropped.WithLabelValues(archiveDropSource).Inc()
		pool.PutEvent(ev)
	}
}

// Shutdown 은 입력을 닫고 남은 배치 처리를 기다린다.
// ctx 가 먼저 끝나면 진행 중인 업로드를 취소한다.
func (a *Archiver) Shutdown(ctx context.Context) {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.in)
		a.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn().Msg("archive flush deadline exceeded, cancelling uploads")
		a.cancel()
		<-done
	}
	a.cancel()
}

// collectLoop 는 BatchSize 도달 또는 FlushInterval 만료 시 배치를 넘긴다.
// flush 마다 새 slice 를 만든다 (업로드 중인 배치와 공유 금지).
func (a *Archiver) collectLoop() {
	defer a.wg.Done()
	defer close(a.uploadCh)

	batch := make([]*model.Event, 0, a.cfg.BatchSize)
	timer := a.clock.NewTimer(a.cfg.FlushInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) > 0 {
			a.uploadCh <- model.ArchiveJob{Events: batch}
			batch = make([]*model.Event, 0, a.cfg.BatchSize)
		}
		timer.Reset(a.cfg.FlushInterval)
	}

	for {
		select {
		case ev, ok := <-a.in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= a.cfg.BatchSize {
				flush()
			}

		case <-timer.Chan():
			flush()
		}
	}
}

// uploadLoop 는 uploadCh 가 닫힐 때까지 배치를 처리한다.
// 배치 사이와 idle 시에 DLQ 를 조금씩 비운다 (starvation 방지).
func (a *Archiver) uploadLoop() {
	defer a.wg.Done()

	idle := a.clock.NewTicker(dlqIdleInterval)
	defer idle.Stop()

	for {
		select {
		case job, ok := <-a.uploadCh:
			if !ok {
				a.log.Info().Msg("archive uploader exiting")
				return
			}
			a.process(a.ctx, job)
			a.drainDLQ()

		case <-idle.Chan():
			a.drainDLQ()
		}
	}
}

func (a *Archiver) drainDLQ() {
	for i := 0; i < dlqDrainPerRound; i++ {
		if !a.dlq.ProcessOne(a.ctx) {
			return
		}
	}
}

// process
//  1. 인코딩 실패 → topic/payload 원문을 DLQPrefix 로 best-effort 업로드
//  2. 업로드 실패 → 로컬 DLQ
//  3. 이벤트는 항상 풀로 반환
func (a *Archiver) process(ctx context.Context, job model.ArchiveJob) {
	defer pool.PutEvents(job.Events)

	n := len(job.Events)
	if n == 0 {
		return
	}

	data, err := a.encoder.EncodeBatch(job.Events)
	if err != nil {
		a.log.Error().Err(err).Int("events", n).Msg("archive encode failed")
		key := a.keys.key(a.cfg.DLQPrefix, a.keys.filename())
		if err := a.uploader.UploadBytes(ctx, key, a.encoder.EncodeRawLines(job.Events)); err != nil {
			a.log.Error().Err(err).Str("key", key).Msg("raw dlq upload failed")
		}
		return
	}

	key := a.keys.key(a.cfg.ArchivePrefix, a.keys.filename())
	if err := a.uploader.UploadBytes(ctx, key, data); err != nil {
		a.log.Warn().Err(err).Str("key", key).Int("events", n).Msg("archive upload failed, saving to dlq")
		if err := a.dlq.Save(data, n); err != nil {
			a.log.Error().Err(err).Msg("dlq save failed")
		}
		return
	}

	a.metrics.ArchiveEventsStored.Add(float64(n))
	a.log.Debug().Str("key", key).Int("events", n).Msg("archive batch stored")
}
