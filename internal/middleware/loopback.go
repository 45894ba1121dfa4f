package middleware

import (
	"net"
	"net/http"
)

// LoopbackOnly пропускает только запросы с loopback-адреса: bridge отдаёт токен-зависимое
// состояние чата и не должен быть доступен из сети. Заголовки X-Forwarded-* не учитываются.
func LoopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}
