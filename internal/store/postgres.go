package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"syncmon/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// connectAttempts 는 기동 시 DB ping 재시도 횟수 (exponential backoff).
const connectAttempts = 6

// Postgres 는 pgx pool 기반 Store 구현.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgres
//
// pool 을 만들고 DB 가 응답할 때까지 backoff 로 ping 한 뒤 스키마를 적용한다.
// compose 환경에서 DB 컨테이너가 늦게 올라오는 경우를 흡수하기 위한 재시도다.
//
// timeout 은 connect / ping 시도 1회와 스키마 적용에 각각 걸린다.
// 0 이면 ctx 의 deadline 만 따른다.
func NewPostgres(ctx context.Context, dsn string, timeout time.Duration, log zerolog.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, ErrMissingDSN
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse connection string: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = "syncmon"
	}
	if timeout > 0 && (cfg.ConnConfig.ConnectTimeout == 0 || cfg.ConnConfig.ConnectTimeout > timeout) {
		cfg.ConnConfig.ConnectTimeout = timeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to initialize pool: %w", err)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectAttempts),
		ctx,
	)
	ping := func() error {
		pctx, cancel := withTimeout(ctx, timeout)
		defer cancel()
		if err := pool.Ping(pctx); err != nil {
			log.Warn().Err(err).Msg("postgres not ready, retrying")
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, bo); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	sctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	if _, err := pool.Exec(sctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", ErrFailedToInit, err)
	}

	log.Info().
		Str("host", cfg.ConnConfig.Host).
		Uint16("port", cfg.ConnConfig.Port).
		Int32("max_conns", cfg.MaxConns).
		Msg("connected to postgres")

	return &Postgres{pool: pool, log: log}, nil
}

const insertRawEventSQL = `
INSERT INTO raw_events (received_at, topic, payload, device_id, message_type, source)
VALUES ($1, $2, $3, $4, $5, $6)`

func (p *Postgres) AppendRawEvent(ctx context.Context, ev model.Event) error {
	_, err := p.pool.Exec(ctx, insertRawEventSQL,
		ev.ReceivedAt, ev.Topic, ev.Payload, ev.DeviceID, ev.MessageType, ev.Source)
	if err != nil {
		return fmt.Errorf("%w raw event: %w", ErrFailedToInsert, err)
	}
	return nil
}

const upsertDeviceStatsSQL = `
INSERT INTO device_stats (
    device_id, message_count, first_seen, last_seen, expected_interval,
    actual_avg_interval, recent_intervals, status, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (device_id) DO UPDATE SET
    message_count       = EXCLUDED.message_count,
    last_seen           = EXCLUDED.last_seen,
    expected_interval   = EXCLUDED.expected_interval,
    actual_avg_interval = EXCLUDED.actual_avg_interval,
    recent_intervals    = EXCLUDED.recent_intervals,
    status              = EXCLUDED.status,
    updated_at          = now()`

func (p *Postgres) UpsertDeviceStats(ctx context.Context, s model.DeviceStats, status model.DeviceStatus) error {
	var history []byte
	if len(s.RecentIntervals) > 0 {
		var err error
		if history, err = json.Marshal(s.RecentIntervals); err != nil {
			return fmt.Errorf("encode recent intervals: %w", err)
		}
	}

	_, err := p.pool.Exec(ctx, upsertDeviceStatsSQL,
		s.DeviceID, s.MessageCount, nullTime(s.FirstSeenAt), s.LastSeenAt,
		s.ExpectedIntervalSeconds, s.AvgIntervalSeconds, history, string(status))
	if err != nil {
		return fmt.Errorf("%w device stats: %w", ErrFailedToInsert, err)
	}
	return nil
}

const insertBalanceSQL = `
INSERT INTO message_balance_log (
    run_id, check_time, total_devices, balanced, min_messages, max_messages,
    avg_messages, threshold, details
) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)`

// balanceDetails 는 details JSONB 컬럼 형태.
type balanceDetails struct {
	Devices    []model.DeviceDetail `json:"devices"`
	MinDevices []string             `json:"min_devices"`
	MaxDevices []string             `json:"max_devices"`
}

func encodeBalanceDetails(rec model.BalanceCheckRecord) ([]byte, error) {
	return json.Marshal(balanceDetails{
		Devices:    rec.Details,
		MinDevices: rec.MinDevices,
		MaxDevices: rec.MaxDevices,
	})
}

func (p *Postgres) AppendBalanceCheck(ctx context.Context, rec model.BalanceCheckRecord) error {
	details, err := encodeBalanceDetails(rec)
	if err != nil {
		return fmt.Errorf("encode balance details: %w", err)
	}

	_, err = p.pool.Exec(ctx, insertBalanceSQL,
		rec.RunID.String(), rec.CheckTime, rec.TotalDevices, rec.Balanced,
		rec.MinMessages, rec.MaxMessages, rec.AvgMessages, rec.Threshold, details)
	if err != nil {
		return fmt.Errorf("%w balance check: %w", ErrFailedToInsert, err)
	}
	return nil
}

const insertCorrectionSQL = `
INSERT INTO device_corrections (run_id, created_at, device_id, severity, actions, status)
VALUES ($1::uuid, $2, $3, $4, $5, $6)`

func (p *Postgres) AppendCorrectionActionGroup(ctx context.Context, g model.CorrectionActionGroup) error {
	actions, err := json.Marshal(g.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}

	status := g.Status
	if status == "" {
		status = model.GroupPending
	}

	_, err = p.pool.Exec(ctx, insertCorrectionSQL,
		g.RunID.String(), g.CreatedAt, g.DeviceID, string(g.Severity), actions, string(status))
	if err != nil {
		return fmt.Errorf("%w correction group: %w", ErrFailedToInsert, err)
	}
	return nil
}

const insertSyncEventSQL = `
INSERT INTO sync_events (event_time, event_type, device_id, message, severity)
VALUES ($1, $2, NULLIF($3, ''), $4, $5)`

func (p *Postgres) AppendSyncEvent(ctx context.Context, ev model.SyncEvent) error {
	_, err := p.pool.Exec(ctx, insertSyncEventSQL,
		ev.Time, string(ev.Type), ev.DeviceID, ev.Message, string(ev.Severity))
	if err != nil {
		return fmt.Errorf("%w sync event: %w", ErrFailedToInsert, err)
	}
	return nil
}

const queryActiveDevicesSQL = `
SELECT device_id, message_count, first_seen, last_seen, expected_interval,
       actual_avg_interval, recent_intervals
FROM device_stats
WHERE last_seen > $1
ORDER BY device_id`

func (p *Postgres) QueryActiveDevices(ctx context.Context, since time.Time) ([]model.DeviceStats, error) {
	rows, err := p.pool.Query(ctx, queryActiveDevicesSQL, since)
	if err != nil {
		return nil, fmt.Errorf("%w active devices: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []model.DeviceStats
	for rows.Next() {
		var (
			s         model.DeviceStats
			firstSeen *time.Time
			history   []byte
		)
		if err := rows.Scan(&s.DeviceID, &s.MessageCount, &firstSeen, &s.LastSeenAt,
			&s.ExpectedIntervalSeconds, &s.AvgIntervalSeconds, &history); err != nil {
			return nil, fmt.Errorf("%w device stats: %w", ErrFailedToScan, err)
		}
		if firstSeen != nil {
			s.FirstSeenAt = *firstSeen
		}
		if len(history) > 0 {
			if err := json.Unmarshal(history, &s.RecentIntervals); err != nil {
				return nil, fmt.Errorf("%w recent intervals of %s: %w", ErrFailedToScan, s.DeviceID, err)
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w active devices: %w", ErrFailedToQuery, err)
	}
	return out, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
