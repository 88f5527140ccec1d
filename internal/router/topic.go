// internal/router/topic.go
package router

import "strings"

// Unknown 은 형식에 맞지 않는 topic 에 대해 반환하는 sentinel 값이다.
// upstream topic 은 검증되지 않으므로 거절하지 않고 분류만 한다.
const Unknown = "unknown"

// Route
//
// ChirpStack MQTT topic 에서 device ID 와 message type 을 추출한다.
//
//	application/{appId}/device/{devEUI}/event/{type}
//
// index 2 세그먼트가 정확히 "device" 일 때만 index 3 을 device ID 로 본다.
// message type 은 index 5 가 있을 때만 채우고, 없으면 Unknown.
// 부수효과 없음.
func Route(topic string) (deviceID, messageType string) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[2] != "device" || parts[3] == "" {
		return Unknown, Unknown
	}

	deviceID = parts[3]
	messageType = Unknown
	if len(parts) > 5 && parts[5] != "" {
		messageType = parts[5]
	}
	return deviceID, messageType
}
