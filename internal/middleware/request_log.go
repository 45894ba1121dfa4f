package middleware

import (
	"net/http"
	"time"

	"github.com/appointmentchat/internal/logger"
)

// RequestLog пишет method, path и время выполнения каждого запроса к bridge.
// Медленные (>100ms) — всегда, остальные только при LOG_LEVEL=debug.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, time.Now())()
		next.ServeHTTP(w, r)
	})
}
