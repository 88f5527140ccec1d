// internal/model/event.go
package model

import "time"

// Event
// ------------------------------------------------------------
// transport(MQTT / HTTP push)에서 들어온 단일 uplink 이벤트.
// Transport → Manager.EventCh → ingest.Handler → archive 까지
// 같은 객체가 그대로 전달된다.
//
// Topic / Payload / ReceivedAt 이 transport 가 넘겨주는 원본 튜플이고,
// DeviceID / MessageType 은 ingest 단계에서 router 결과로 채워진다.
// Payload 는 decode 하지 않는다 (배터리 전압 등 해석은 이 서비스 범위 밖).
// JSON 이 아닐 수도 있으므로 (protobuf 등) 바이트 그대로 보관한다.
type Event struct {
	ReceivedAt  time.Time `json:"received_at"`  // 수신 시각 (transport 도착 시점)
	Topic       string    `json:"topic"`        // MQTT topic (예: application/1/device/<eui>/event/up)
	Payload     []byte    `json:"payload"`      // raw payload (transport 버퍼의 복사본)
	DeviceID    string    `json:"device_id"`    // router 결과, 실패 시 "unknown"
	MessageType string    `json:"message_type"` // router 결과, 실패 시 "unknown"
	Source      string    `json:"source"`       // "mqtt" 또는 HTTP push 클라이언트 IP
}

// ArchiveJob
// ------------------------------------------------------------
// ingest 가 끝난 이벤트 배치. Encoder → gzip JSONL → S3Uploader 로 전달된다.
type ArchiveJob struct {
	Events []*Event
}
