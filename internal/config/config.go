// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"syncmon/internal/stats"
	"syncmon/internal/store"
)

// ErrInvalid 는 Validate 실패 시 감싸서 반환되는 sentinel.
var ErrInvalid = errors.New("invalid config")

// Config
//
// 서비스 실행 시 필요한 모든 환경 변수 값을 보관하는 구조체.
// 프로세스 시작 시점에 Load() 로 한 번 만들어지고 이후에는 읽기 전용이다.
type Config struct {

	// ---------------------------
	// 동기화 분석 파라미터
	// ---------------------------

	BalanceThreshold        float64       // (max-min) <= threshold*avg 이면 balanced
	ExpectedIntervalSeconds float64       // 디바이스 기본 목표 송신 주기
	TimingToleranceSeconds  float64       // 목표 주기 허용 오차
	ActiveWindow            time.Duration // 분석 대상이 되는 최근 수신 구간
	BalanceCheckInterval    time.Duration // balance 분석 주기
	AnomalyCheckInterval    time.Duration // anomaly 분석 주기 (미설정 시 balance 주기)

	// ExpectedIntervalOverrides 는 "dev1=300,dev2=30" 형식의 디바이스별 목표 주기.
	ExpectedIntervalOverrides map[string]float64

	IntervalPolicy  stats.IntervalPolicy // 음수 interval 처리 정책
	IntervalHistory int                  // 디바이스별 raw interval 보관 개수

	// ---------------------------
	// MQTT 구독
	// ---------------------------
	// MQTTHost 를 빈 문자열로 명시하면 MQTT 구독을 끄고 HTTP push 만 받는다.

	MQTTHost     string
	MQTTPort     int
	MQTTTopic    string
	MQTTQoS      byte
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	// ---------------------------
	// 서버 식별자 / HTTP / 큐
	// ---------------------------

	InstanceID  string // 프로세스 고유 ID (호스트명 기반, 실패 시 랜덤 hex)
	HTTPAddr    string // HTTP 서버 bind 주소 (예: ":8082")
	MaxBodySize int64  // /collect body 최대 크기 (바이트)
	ChannelSize int    // EventCh 버퍼 크기

	// ---------------------------
	// persistence
	// ---------------------------

	StoreDriver  string        // postgres | memory
	DatabaseURL  string        // postgres DSN
	StoreTimeout time.Duration // persistence 호출 1회당 timeout

	// ---------------------------
	// raw archive (S3). ArchiveBucket 이 비어 있으면 비활성
	// ---------------------------
	// SDK retry 는 0 으로 고정하고 재시도 횟수는 S3AppRetries 만 쓴다.

	AWSRegion     string
	ArchiveBucket string
	ArchivePrefix string
	DLQPrefix     string

	UploadQueue   int           // uploadCh 버퍼 크기
	BatchSize     int           // N개 모이면 업로드
	FlushInterval time.Duration // 시간 기반 flush 주기

	S3Timeout    time.Duration // PutObject 시도 1회당 timeout
	S3AppRetries int

	DLQDir          string        // 로컬 DLQ 디렉토리
	DLQMaxAge       time.Duration // DLQ 파일 TTL
	DLQMaxSizeBytes int64         // DLQ 전체 허용 용량

	// ---------------------------
	// 알림 / 로그
	// ---------------------------

	SlackWebhookURL string // 비어 있으면 알림은 로그로만 남김

	ServiceName string
	LogLevel    string
	LogPretty   bool
	LogSampleN  uint32
}

// ArchiveEnabled reports whether raw events are archived to S3.
func (c Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// MQTTEnabled reports whether the MQTT subscriber should run.
func (c Config) MQTTEnabled() bool {
	return c.MQTTHost != ""
}

// MQTTBroker returns the broker URL for the paho client.
func (c Config) MQTTBroker() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTHost, c.MQTTPort)
}

// Load
//
// ENV_FILE (기본 .env) 가 있으면 먼저 읽고, 환경 변수 → 기본값 순으로 채운 뒤
// Validate 까지 수행한다. 이미 설정된 환경 변수는 .env 가 덮어쓰지 않는다.
//
// 형식 오류는 모아서 한 번에 반환한다 (fail-fast 는 호출자가 한다).
func Load() (Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	r := &reader{}
	instanceID := fallbackInstanceID()

	cfg := Config{
		BalanceThreshold:        r.float("BALANCE_THRESHOLD", 0.10),
		ExpectedIntervalSeconds: r.float("EXPECTED_INTERVAL_SECONDS", 60),
		TimingToleranceSeconds:  r.float("TIMING_TOLERANCE_SECONDS", 10),
		ActiveWindow:            r.seconds("ACTIVE_WINDOW_SECONDS", 3600),
		BalanceCheckInterval:    r.seconds("BALANCE_CHECK_INTERVAL_SECONDS", 300),
		IntervalHistory:         r.int("STATS_INTERVAL_HISTORY", 10),

		MQTTHost:     r.str("MQTT_HOST", "mosquitto"),
		MQTTPort:     r.int("MQTT_PORT", 1883),
		MQTTTopic:    r.str("MQTT_TOPIC", "application/#"),
		MQTTClientID: r.str("MQTT_CLIENT_ID", "syncmon-"+instanceID),
		MQTTUsername: r.str("MQTT_USERNAME", ""),
		MQTTPassword: r.str("MQTT_PASSWORD", ""),

		InstanceID:  instanceID,
		HTTPAddr:    r.str("HTTP_ADDR", ":8082"),
		MaxBodySize: r.int64("MAX_BODY_SIZE", 64<<10),
		ChannelSize: r.int("CHANNEL_SIZE", 4096),

		StoreDriver:  r.str("STORE_DRIVER", store.DriverPostgres),
		DatabaseURL:  r.str("DATABASE_URL", ""),
		StoreTimeout: r.duration("STORE_TIMEOUT", 5*time.Second),

		AWSRegion:     r.str("AWS_REGION", "ap-northeast-2"),
		ArchiveBucket: r.str("ARCHIVE_BUCKET", ""),
		ArchivePrefix: r.str("ARCHIVE_PREFIX", "raw"),
		DLQPrefix:     r.str("ARCHIVE_DLQ_PREFIX", "raw_dlq"),

		UploadQueue:   r.int("ARCHIVE_UPLOAD_QUEUE", 16),
		BatchSize:     r.int("ARCHIVE_BATCH_SIZE", 500),
		FlushInterval: r.duration("ARCHIVE_FLUSH_INTERVAL", 30*time.Second),

		S3Timeout:    r.duration("S3_TIMEOUT", 5*time.Second),
		S3AppRetries: r.int("S3_APP_RETRIES", 3),

		DLQDir:          r.str("DLQ_DIR", "/data/dlq"),
		DLQMaxAge:       r.duration("DLQ_MAX_AGE", 72*time.Hour),
		DLQMaxSizeBytes: r.int64("DLQ_MAX_SIZE_BYTES", 1<<30),

		SlackWebhookURL: r.str("SLACK_WEBHOOK_URL", ""),

		ServiceName: r.str("SERVICE_NAME", "syncmon"),
		LogLevel:    r.str("LOG_LEVEL", "info"),
		LogPretty:   r.bool("LOG_PRETTY", false),
		LogSampleN:  uint32(r.int("LOG_SAMPLE_N", 0)),
	}

	cfg.AnomalyCheckInterval = r.seconds("ANOMALY_CHECK_INTERVAL_SECONDS", int(cfg.BalanceCheckInterval/time.Second))

	qos := r.int("MQTT_QOS", 1)
	if qos < 0 || qos > 2 {
		r.fail("MQTT_QOS", strconv.Itoa(qos), errors.New("must be 0, 1 or 2"))
	} else {
		cfg.MQTTQoS = byte(qos)
	}

	policy, err := stats.ParseIntervalPolicy(r.str("INTERVAL_POLICY", string(stats.PolicyAccept)))
	if err != nil {
		r.errs = append(r.errs, err)
	}
	cfg.IntervalPolicy = policy

	overrides, err := ParseOverrides(r.str("EXPECTED_INTERVAL_OVERRIDES", ""))
	if err != nil {
		r.errs = append(r.errs, err)
	}
	cfg.ExpectedIntervalOverrides = overrides

	if err := errors.Join(r.errs...); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 는 값 범위 / 조합을 검사한다.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.BalanceThreshold > 0 && c.BalanceThreshold < 1, "BALANCE_THRESHOLD must be in (0, 1), got %v", c.BalanceThreshold)
	check(c.ExpectedIntervalSeconds > 0, "EXPECTED_INTERVAL_SECONDS must be positive")
	check(c.TimingToleranceSeconds >= 0, "TIMING_TOLERANCE_SECONDS must not be negative")
	check(c.ActiveWindow > 0, "ACTIVE_WINDOW_SECONDS must be positive")
	check(c.BalanceCheckInterval > 0, "BALANCE_CHECK_INTERVAL_SECONDS must be positive")
	check(c.AnomalyCheckInterval > 0, "ANOMALY_CHECK_INTERVAL_SECONDS must be positive")
	check(c.IntervalHistory >= 0, "STATS_INTERVAL_HISTORY must not be negative")

	if c.MQTTEnabled() {
		check(c.MQTTPort > 0 && c.MQTTPort <= 65535, "MQTT_PORT out of range: %d", c.MQTTPort)
		check(c.MQTTTopic != "", "MQTT_TOPIC is required when MQTT_HOST is set")
	}

	check(c.MaxBodySize > 0, "MAX_BODY_SIZE must be positive")
	check(c.ChannelSize > 0, "CHANNEL_SIZE must be positive")
	check(c.StoreTimeout > 0, "STORE_TIMEOUT must be positive")

	switch c.StoreDriver {
	case store.DriverPostgres:
		check(c.DatabaseURL != "", "DATABASE_URL is required for STORE_DRIVER=postgres")
	case store.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if c.ArchiveEnabled() {
		check(c.AWSRegion != "", "AWS_REGION is required when ARCHIVE_BUCKET is set")
		check(c.ArchivePrefix != "", "ARCHIVE_PREFIX must not be empty")
		check(c.DLQPrefix != "", "ARCHIVE_DLQ_PREFIX must not be empty")
		check(c.BatchSize > 0, "ARCHIVE_BATCH_SIZE must be positive")
		check(c.UploadQueue > 0, "ARCHIVE_UPLOAD_QUEUE must be positive")
		check(c.FlushInterval > 0, "ARCHIVE_FLUSH_INTERVAL must be positive")
		check(c.S3Timeout > 0, "S3_TIMEOUT must be positive")
		check(c.S3AppRetries > 0, "S3_APP_RETRIES must be at least 1")
		check(c.DLQDir != "", "DLQ_DIR must not be empty")
		check(c.DLQMaxAge > 0, "DLQ_MAX_AGE must be positive")
		check(c.DLQMaxSizeBytes > 0, "DLQ_MAX_SIZE_BYTES must be positive")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// ParseOverrides parses "dev1=300,dev2=30" into a device → seconds map.
func ParseOverrides(s string) (map[string]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, val, ok := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("EXPECTED_INTERVAL_OVERRIDES: malformed entry %q", part)
		}
		sec, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("EXPECTED_INTERVAL_OVERRIDES: invalid interval for %s: %q", id, val)
		}
		out[id] = sec
	}
	return out, nil
}

// reader
//
// 공통 패턴. 환경 변수가 없으면 기본값, 형식이 틀리면 에러를 모아 둔다.
// 문자열은 "설정됐지만 빈 값" 을 그대로 존중한다 (예: MQTT_HOST= → MQTT 비활성).
type reader struct {
	errs []error
}

func (r *reader) fail(key, v string, err error) {
	r.errs = append(r.errs, fmt.Errorf("invalid env %s=%q: %w", key, v, err))
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (r *reader) int(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) int64(key string, def int64) int64 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return f
}

func (r *reader) bool(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

// seconds 는 정수 초 단위 환경 변수를 Duration 으로 읽는다.
func (r *reader) seconds(key string, def int) time.Duration {
	return time.Duration(r.int(key, def)) * time.Second
}

// fallbackInstanceID
//
// 이 프로세스를 식별하는 고유 값.
//   - 기본: hostname (컨테이너에서는 container id 형태로 고유)
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	// 랜덤 6바이트 → 12자리 hex
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
