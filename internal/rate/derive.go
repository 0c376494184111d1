package rate

import (
	"net"
	"net/http"
	"strings"
)

// KeyFromRequest 从请求推导限流分组键（客户端 IP）。
// trustProxy=true 时依次采信 X-Forwarded-For 的首个地址与 X-Real-IP；否则仅用 RemoteAddr。
func KeyFromRequest(r *http.Request, trustProxy bool) LimitKey {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return LimitKey("ip:" + ip)
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return LimitKey("ip:" + ip)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return LimitKey("ip:" + host)
}
