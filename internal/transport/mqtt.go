// internal/transport/mqtt.go
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"syncmon/internal/config"
	"syncmon/internal/model"
	"syncmon/internal/pool"
)

const (
	// SourceMQTT 는 Event.Source 와 수신 메트릭 라벨로 쓰인다.
	SourceMQTT = "mqtt"

	connectAttempts   = 10
	connectTimeout    = 10 * time.Second
	subscribeTimeout  = 10 * time.Second
	disconnectQuiesce = 250 // ms
)

var errConnectTimeout = errors.New("mqtt connect timed out")

// Enqueuer 는 수신 이벤트를 ingest 큐에 넣는 쪽 (worker.Manager).
type Enqueuer interface {
	Enqueue(ev *model.Event, source string) bool
}

// MQTTSubscriber
// ------------------------------------------------------------
// ChirpStack 이 publish 하는 uplink topic 을 구독해서
// (topic, payload, 수신 시각) 을 Event 로 만들어 큐에 넣는다.
//
//   - 최초 연결: exponential backoff 로 재시도 (broker 가 늦게 뜨는 경우)
//   - 이후 끊김: paho auto-reconnect, OnConnect 에서 재구독
//   - 메시지 콜백은 블록하지 않는다 (큐 full 이면 Manager 가 drop)
//
// QoS 1 이므로 같은 메시지가 두 번 올 수 있다 (at-least-once).
type MQTTSubscriber struct {
	cfg    config.Config
	queue  Enqueuer
	clock  clockwork.Clock
	log    zerolog.Logger
	client mqtt.Client
}

func NewMQTTSubscriber(cfg config.Config, q Enqueuer, clock clockwork.Clock, log zerolog.Logger) *MQTTSubscriber {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &MQTTSubscriber{
		cfg:   cfg,
		queue: q,
		clock: clock,
		log:   log,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker()).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
		})
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}

	s.client = mqtt.NewClient(opts)
	return s
}

// Start 는 broker 에 연결될 때까지 재시도한다. 구독은 onConnect 에서 한다.
func (s *MQTTSubscriber) Start(ctx context.Context) error {
	connect := func() error {
		tok := s.client.Connect()
		if !tok.WaitTimeout(connectTimeout) {
			return errConnectTimeout
		}
		return tok.Error()
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn().Err(err).Dur("retry_in", wait).Str("broker", s.cfg.MQTTBroker()).Msg("mqtt connect failed")
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectAttempts),
		ctx,
	)
	if err := backoff.RetryNotify(connect, bo, notify); err != nil {
		return fmt.Errorf("connect mqtt %s: %w", s.cfg.MQTTBroker(), err)
	}
	return nil
}

// Stop 은 구독을 풀고 연결을 닫는다. 이후 콜백은 호출되지 않는다.
// 재연결 중이어도 Disconnect 는 항상 호출한다 (auto-reconnect 중단).
func (s *MQTTSubscriber) Stop() {
	if s.client.IsConnectionOpen() {
		if tok := s.client.Unsubscribe(s.cfg.MQTTTopic); !tok.WaitTimeout(subscribeTimeout) || tok.Error() != nil {
			s.log.Warn().Err(tok.Error()).Msg("mqtt unsubscribe failed")
		}
	}
	s.client.Disconnect(disconnectQuiesce)
	s.log.Info().Msg("mqtt disconnected")
}

// onConnect 는 최초 연결과 재연결마다 호출된다 (paho 가 별도 goroutine 에서 호출).
func (s *MQTTSubscriber) onConnect(c mqtt.Client) {
	tok := c.Subscribe(s.cfg.MQTTTopic, s.cfg.MQTTQoS, s.handleMessage)
	if !tok.WaitTimeout(subscribeTimeout) {
		s.log.Error().Str("topic", s.cfg.MQTTTopic).Msg("mqtt subscribe timed out")
		return
	}
	if err := tok.Error(); err != nil {
		s.log.Error().Err(err).Str("topic", s.cfg.MQTTTopic).Msg("mqtt subscribe failed")
		return
	}
	s.log.Info().
		Str("broker", s.cfg.MQTTBroker()).
		Str("topic", s.cfg.MQTTTopic).
		Uint8("qos", s.cfg.MQTTQoS).
		Msg("mqtt subscribed")
}

func (s *MQTTSubscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.queue.Enqueue(s.toEvent(msg.Topic(), msg.Payload()), SourceMQTT)
}

// toEvent 는 payload 를 복사한다 (paho 가 버퍼를 재사용할 수 있음).
func (s *MQTTSubscriber) toEvent(topic string, payload []byte) *model.Event {
	ev := pool.GetEvent()
	ev.ReceivedAt = s.clock.Now()
	ev.Topic = topic
	ev.Payload = bytes.Clone(payload)
	ev.Source = SourceMQTT
	return ev
}
