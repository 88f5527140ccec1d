// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"syncmon/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 애플리케이션 시작 시 한 번만 호출되는 로거 초기화 함수.
//
//  1. 로그 포맷 전환:
//     - LOG_PRETTY=true : 콘솔용 컬러 텍스트
//     - LOG_PRETTY=false: JSON (수집기 검색/분석용)
//
//  2. 공통 필드: 모든 로그에 "service", "instance" 가 붙는다.
//
//  3. 샘플링: LOG_SAMPLE_N > 1 이면 Debug/Info 는 N 개 중 1 개만 남긴다.
//     Warn/Error 는 샘플링하지 않는다.
//
// 표준 라이브러리 log 출력(paho 내부 로그 포함)도 zerolog 로 돌린다.
func Init(cfg config.Config) {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stdout
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	zlog.Logger = New(w, level, cfg.ServiceName, cfg.InstanceID, cfg.LogSampleN)

	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New builds a logger with the service/instance base fields and optional
// Debug/Info sampling.
func New(w io.Writer, level zerolog.Level, service, instance string, sampleN uint32) zerolog.Logger {
	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Str("instance", instance).
		Logger()

	if sampleN <= 1 {
		return base
	}
	return base.Sample(&zerolog.LevelSampler{
		DebugSampler: &zerolog.BasicSampler{N: sampleN},
		InfoSampler:  &zerolog.BasicSampler{N: sampleN},
	})
}

// WithComponent returns the global logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return zlog.Logger.With().Str("component", component).Logger()
}
