package startup

import (
	"context"
	"time"

	"github.com/appointmentchat/internal/logger"
	"github.com/appointmentchat/internal/notify"
)

// ConnectRedisWithRetry подключает publisher уведомлений с повторами (backoff 2s..30s).
// Redis для чата не критичен: по истечении maxWait возвращается nil и уведомления
// через Redis отключаются.
func ConnectRedisWithRetry(ctx context.Context, redisURL, channel string, maxWait time.Duration) *notify.RedisPublisher {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pub, err := notify.DialRedis(dialCtx, redisURL, channel)
		cancel()
		if err == nil {
			return pub
		}
		if ctx.Err() != nil || time.Now().Add(backoff).After(deadline) {
			logger.Errorf("redis (gave up after %v): %v — уведомления через redis отключены", maxWait, err)
			return nil
		}
		logger.Errorf("redis connect failed, retry in %v: %v", backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
