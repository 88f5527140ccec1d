package server

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// push 클라이언트(gateway) 식별
//
// gateway 는 보통 같은 LAN 에 있거나 reverse proxy 뒤에 있다.
// 사설 IP 도 그대로 의미가 있으므로 public 여부로 거르지 않는다.
// ------------------------------------------------------------

// safeParseIP:
//   - 공백/빈 값 대응
//   - 잘못된 값이 들어오면 nil 반환
func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// clientIP
//
// 우선순위:
//  1. X-Forwarded-For → 첫 번째로 파싱되는 IP (원 클라이언트)
//  2. X-Real-IP
//  3. RemoteAddr
//
// 아무것도 파싱되지 않으면 "http".
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := safeParseIP(part); ip != nil {
				return ip.String()
			}
		}
	}

	if ip := safeParseIP(r.Header.Get("X-Real-IP")); ip != nil {
		return ip.String()
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := safeParseIP(host); ip != nil {
		return ip.String()
	}
	return sourceHTTP
}
