package middleware

import (
	"net/http"
	"sync"
	"time"
)

type rateLimiter struct {
	mu     sync.Mutex
	times  []time.Time
	max    int
	window time.Duration
}

func (r *rateLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.window)
	i := 0
	for _, t := range r.times {
		if t.After(cutoff) {
			r.times[i] = t
			i++
		}
	}
	r.times = r.times[:i]
	if len(r.times) >= r.max {
		return false
	}
	r.times = append(r.times, now)
	return true
}

// RateLimit ограничивает число запросов за окно (скользящее окно, общее для всех клиентов bridge).
// 429 при превышении. Используется на отправке сообщений.
func RateLimit(max int, window time.Duration) func(http.Handler) http.Handler {
	rl := &rateLimiter{max: max, window: window}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(time.Now()) {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
