package worker

import (
	"bytes"
	"time"

	"syncmon/internal/model"
	"syncmon/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Encoder 는 ingest 가 끝난 이벤트 배치를 JSONL → gzip 으로 직렬화한다.
//   - gzip.Writer / 결과 버퍼는 pool 에서 재사용
//   - 반환값은 pool 버퍼의 복사본 (호출자 소유)
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// archiveLine 은 archive JSONL 의 한 줄.
//
// payload 가 JSON 이면 payload 에 그대로 (compact) 넣고,
// 아니면 (protobuf 등) payload_b64 에 base64 로 넣는다. 둘 중 하나만 채워진다.
type archiveLine struct {
	ReceivedAt  time.Time       `json:"received_at"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadB64  []byte          `json:"payload_b64,omitempty"`
	DeviceID    string          `json:"device_id"`
	MessageType string          `json:"message_type"`
	Source      string          `json:"source"`
}

// newArchiveLine 은 compact 결과를 scratch 에 쓴다. scratch 는 다음 줄에서 재사용된다.
func newArchiveLine(ev *model.Event, scratch *bytes.Buffer) archiveLine {
	line := archiveLine{
		ReceivedAt:  ev.ReceivedAt,
		Topic:       ev.Topic,
		DeviceID:    ev.DeviceID,
		MessageType: ev.MessageType,
		Source:      ev.Source,
	}
	if len(ev.Payload) == 0 {
		return line
	}

	scratch.Reset()
	if json.Valid(ev.Payload) && json.Compact(scratch, ev.Payload) == nil {
		line.Payload = scratch.Bytes()
	} else {
		line.PayloadB64 = ev.Payload
	}
	return line
}

// EncodeBatch
//
// 이벤트 1건 = JSON 1줄. received_at / topic / payload / device_id /
// message_type / source 를 그대로 남긴다 (라우팅 결과 포함).
// payload 바이트는 손실 없이 복원 가능해야 한다 (archiveLine 참고).
func (e *Encoder) EncodeBatch(events []*model.Event) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBuffer(buf)

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer pool.GzipPool.Put(gz)

	var scratch bytes.Buffer
	enc := json.NewEncoder(gz)
	for _, ev := range events {
		if err := enc.Encode(newArchiveLine(ev, &scratch)); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}

	// Close 시 gzip footer 까지 기록된다
	if err := gz.Close(); err != nil {
		return nil, err
	}

	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return data, nil
}

// EncodeRawLines 는 인코딩에 실패한 배치를 payload 그대로 줄 단위로 이어 붙인다.
// raw_dlq 로 보내는 best-effort 보존용이며 압축하지 않는다.
func (e *Encoder) EncodeRawLines(events []*model.Event) []byte {
	var buf bytes.Buffer
	for _, ev := range events {
		buf.WriteString(ev.Topic)
		buf.WriteByte('\t')
		buf.Write(ev.Payload)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
