package alert

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Level 은 알림의 심각도.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert 는 운영자에게 보내는 알림 1건.
type Alert struct {
	Level Level
	Title string
	Lines []string
}

// Notifier 는 알림 전송 채널.
// 실패해도 호출자는 로그 + 메트릭만 남기고 계속 진행한다.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// New returns a Slack notifier when webhookURL is set, otherwise a notifier
// that only logs.
func New(webhookURL string, log zerolog.Logger) Notifier {
	if webhookURL == "" {
		return NewLog(log)
	}
	return NewSlack(webhookURL, &http.Client{Timeout: 10 * time.Second})
}

// ------------------------------------------------------------
// Slack incoming webhook
// ------------------------------------------------------------

type Slack struct {
	url    string
	client *http.Client
}

func NewSlack(webhookURL string, client *http.Client) *Slack {
	if client == nil {
		client = http.DefaultClient
	}
	return &Slack{url: webhookURL, client: client}
}

func (s *Slack) Notify(ctx context.Context, a Alert) error {
	msg := &slack.WebhookMessage{
		Text: a.Title,
		Attachments: []slack.Attachment{{
			Color:    color(a.Level),
			Title:    strings.ToUpper(string(a.Level)),
			Text:     strings.Join(a.Lines, "\n"),
			Fallback: a.Title,
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

func color(l Level) string {
	if l == LevelCritical {
		return "danger"
	}
	return "warning"
}

// ------------------------------------------------------------
// Log only
// ------------------------------------------------------------

type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, a Alert) error {
	ev := l.log.Warn()
	if a.Level == LevelCritical {
		ev = l.log.Error()
	}
	ev.Str("level_alert", string(a.Level)).
		Strs("details", a.Lines).
		Msg(a.Title)
	return nil
}
