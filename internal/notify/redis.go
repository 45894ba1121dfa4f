package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel — канал Redis pub/sub по умолчанию.
const DefaultChannel = "chat:notifications"

// Publisher — часть redis.UniversalClient, нужная RedisPublisher.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher публикует уведомления в Redis pub/sub (JSON), откуда их читают
// независимые части UI (тосты, счётчики).
type RedisPublisher struct {
	cli     Publisher
	channel string
	closer  func() error
}

// NewRedisPublisher оборачивает готовый клиент. channel пустой — DefaultChannel.
func NewRedisPublisher(cli Publisher, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	p := &RedisPublisher{cli: cli, channel: channel}
	if c, ok := cli.(interface{ Close() error }); ok {
		p.closer = c.Close
	}
	return p
}

// DialRedis подключается по URL (redis://...) и проверяет соединение PING.
func DialRedis(ctx context.Context, url, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisPublisher(cli, channel), nil
}

func (p *RedisPublisher) Channel() string { return p.channel }

func (p *RedisPublisher) NewMessage(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("redis notify encode: %w", err)
	}
	if err := p.cli.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
