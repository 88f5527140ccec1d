package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"syncmon/internal/alert"
	"syncmon/internal/config"
	"syncmon/internal/logger"
	"syncmon/internal/metrics"
	"syncmon/internal/server"
	"syncmon/internal/stats"
	"syncmon/internal/store"
	"syncmon/internal/transport"
	"syncmon/internal/worker"
)

// shutdownTimeout 는 SIGTERM 이후 HTTP 종료 + 마지막 분석 + archive flush 에 쓰는 시간.
// 컨테이너 grace period (보통 30초) 안에 끝나야 한다.
const shutdownTimeout = 25 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncmon: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg)

	if err := run(cfg); err != nil {
		log := logger.WithComponent("main")
		log.Fatal().Err(err).Msg("syncmon terminated")
	}
}

func run(cfg config.Config) error {
	log := logger.WithComponent("main")
	clock := clockwork.NewRealClock()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// ====================================================================
	// persistence + stats baseline
	// ====================================================================
	//
	// 재시작 시 마지막으로 upsert 된 device_stats 를 테이블에 올려서
	// message count 가 0 부터 다시 시작하지 않게 한다.
	// baseline 을 못 읽으면 빈 테이블로 시작한다 (ingest 는 계속 가능).
	// ====================================================================
	st, err := store.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.StoreTimeout, logger.WithComponent("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	table := stats.New(stats.Options{
		ExpectedIntervalSeconds: cfg.ExpectedIntervalSeconds,
		ExpectedOverrides:       cfg.ExpectedIntervalOverrides,
		HistorySize:             cfg.IntervalHistory,
		Policy:                  cfg.IntervalPolicy,
	})
	if n, err := restoreBaseline(ctx, st, table, cfg.StoreTimeout); err != nil {
		log.Warn().Err(err).Msg("stats baseline unavailable, starting empty")
	} else {
		log.Info().Int("devices", n).Msg("stats baseline restored")
	}
	m.DevicesTracked.Set(float64(table.Len()))

	// ====================================================================
	// raw archive (선택)
	// ====================================================================
	var archive *worker.Archiver
	if cfg.ArchiveEnabled() {
		uploader, err := worker.NewS3Uploader(ctx, cfg, m)
		if err != nil {
			return err
		}
		archive, err = worker.NewArchiver(cfg, uploader, m, logger.WithComponent("archive"), clock)
		if err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
		log.Info().Str("bucket", cfg.ArchiveBucket).Str("prefix", cfg.ArchivePrefix).Msg("raw archive enabled")
	}

	// ====================================================================
	// engine
	// ====================================================================
	mgr := worker.NewManager(cfg, worker.Deps{
		Table:    table,
		Store:    st,
		Notifier: alert.New(cfg.SlackWebhookURL, logger.WithComponent("alert")),
		Archive:  archive,
		Metrics:  m,
		Log:      logger.WithComponent("engine"),
		Clock:    clock,
	})
	mgr.Start()

	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		mgr.Shutdown(sctx)
	}

	// ====================================================================
	// transports
	// ====================================================================
	var sub *transport.MQTTSubscriber
	if cfg.MQTTEnabled() {
		sub = transport.NewMQTTSubscriber(cfg, mgr, clock, logger.WithComponent("mqtt"))
		if err := sub.Start(ctx); err != nil {
			shutdown()
			return err
		}
	} else {
		log.Warn().Msg("MQTT_HOST empty, accepting HTTP push only")
	}

	h := server.NewHandler(cfg, m, mgr, clock, logger.WithComponent("http"))
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      h.Routes(),
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 8 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("syncmon listening")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	// ====================================================================
	// graceful shutdown
	// ====================================================================
	//
	//  1. 수신 중단 (HTTP, MQTT)
	//  2. Manager: 큐 drain → 분석 루프 정지 → 마지막 분석 → archive flush
	//  3. store close (defer)
	// ====================================================================
	hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(hctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	cancel()

	if sub != nil {
		sub.Stop()
	}
	shutdown()

	log.Info().Msg("shutdown complete")
	return runErr
}

// restoreBaseline 은 저장된 device_stats 전체를 읽어 table 에 올린다.
// DB 가 멈춰 있어도 기동이 timeout 이상 지연되지 않는다.
func restoreBaseline(ctx context.Context, st store.Store, table *stats.Table, timeout time.Duration) (int, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	baseline, err := st.QueryActiveDevices(qctx, time.Time{})
	if err != nil {
		return 0, err
	}
	return table.Restore(baseline), nil
}
