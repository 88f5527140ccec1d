package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"syncmon/internal/config"
	"syncmon/internal/metrics"
	"syncmon/internal/model"
	"syncmon/internal/pool"
)

// 거절 사유 라벨 (syncmon_http_requests_rejected_total)
const (
	reasonMethod       = "method"
	reasonMissingTopic = "missing_topic"
	reasonTooLarge     = "too_large"
	reasonInvalidJSON  = "invalid_json"
	reasonQueueFull    = "queue_full"

	sourceHTTP = "http"
)

// Enqueuer 는 수신 이벤트를 ingest 큐에 넣는 쪽 (worker.Manager).
type Enqueuer interface {
	Enqueue(ev *model.Event, source string) bool
}

type Handler struct {
	cfg     config.Config
	metrics *metrics.Metrics
	queue   Enqueuer
	clock   clockwork.Clock
	log     zerolog.Logger
}

func NewHandler(cfg config.Config, m *metrics.Metrics, q Enqueuer, clock clockwork.Clock, log zerolog.Logger) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		cfg:     cfg,
		metrics: m,
		queue:   q,
		clock:   clock,
		log:     log,
	}
}

// Routes
//
//	POST /collect?topic=<mqtt topic>   uplink push (MQTT 대체 경로, 같은 큐)
//	GET  /health
//	GET  /metrics                      Prometheus
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/collect", h.HandleCollect)
	mux.HandleFunc("/health", h.HandleHealth)
	mux.Handle("/metrics", h.metrics.Handler())
	return mux
}

// HandleCollect
//
// MQTT 를 쓸 수 없는 gateway 가 uplink 를 직접 밀어 넣는 엔드포인트.
// body 는 MQTT payload 와 같은 JSON 이고 topic 은 query string 으로 받는다.
//
//  1. POST 외 → 405
//  2. topic 없음 → 400
//  3. body > MaxBodySize → 413, JSON 아님 → 400
//  4. EventCh 에 push, 가득 찼으면 503
func (h *Handler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.reject(w, reasonMethod, http.StatusMethodNotAllowed)
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		h.reject(w, reasonMissingTopic, http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, h.cfg.MaxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, reasonTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		h.log.Debug().Err(err).Msg("collect body read failed")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !json.Valid(buf.Bytes()) {
		h.reject(w, reasonInvalidJSON, http.StatusBadRequest)
		return
	}

	ev := pool.GetEvent()
	ev.ReceivedAt = h.clock.Now()
	ev.Topic = topic
	ev.Payload = bytes.Clone(buf.Bytes())
	ev.Source = clientIP(r)

	if !h.queue.Enqueue(ev, sourceHTTP) {
		h.reject(w, reasonQueueFull, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func (h *Handler) reject(w http.ResponseWriter, reason string, status int) {
	h.metrics.HTTPRejected.WithLabelValues(reason).Inc()
	w.WriteHeader(status)
}
