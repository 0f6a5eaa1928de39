package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/onnwee/live-tender/event"
	"github.com/onnwee/live-tender/telemetry"
)

const defaultChannelPrefix = "live:"

// RedisConfig configures the Redis pub/sub relay.
type RedisConfig struct {
	Addr          string
	Username      string
	Password      string
	ChannelPrefix string
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	Logger        *slog.Logger
}

// redisClient is the part of redis.UniversalClient the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisPublisher publishes each envelope as JSON on <prefix><clientID>.
type RedisPublisher struct {
	client redisClient
	prefix string
	logger *slog.Logger
}

// NewRedisPublisher connects to one or more comma-separated addresses.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	var addrs []string
	for _, a := range strings.Split(cfg.Addr, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})
	return newRedisPublisher(client, cfg.ChannelPrefix, cfg.Logger), nil
}

func newRedisPublisher(client redisClient, prefix string, logger *slog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, prefix: prefix, logger: logger.With(slog.String("component", "relay_redis"))}
}

// Channel returns the pub/sub channel for a client.
func (p *RedisPublisher) Channel(clientID string) string { return p.prefix + clientID }

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, env event.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(env.ClientID), payload).Err(); err != nil {
		telemetry.IncPublishFailure("redis")
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ping checks connectivity; used by readiness probes.
func (p *RedisPublisher) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// Close releases the connection pool.
func (p *RedisPublisher) Close() error { return p.client.Close() }
