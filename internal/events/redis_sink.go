package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/phrazzld/consistency/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisSinkName is the registry name of RedisSink.
const RedisSinkName = "redis"

// Publisher is the subset of the go-redis client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes a TaskAlertEvent per alert to a Redis channel.
type RedisSink struct {
	client  Publisher
	channel string
	logger  *slog.Logger
}

// NewRedisSink creates a RedisSink publishing to channel.
func NewRedisSink(client Publisher, channel string, logger *slog.Logger) *RedisSink {
	return &RedisSink{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "redis_alert_sink"),
	}
}

// SendAlert implements AlertSink.
func (s *RedisSink) SendAlert(ctx context.Context, inst *domain.TaskInstance) error {
	event := NewTaskAlertEvent(RedisSinkName, inst)
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode alert event: %w", err)
	}

	receivers, err := s.client.Publish(ctx, s.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish alert to %s: %w", s.channel, err)
	}

	s.logger.Debug("alert published",
		"event_id", event.ID,
		"channel", s.channel,
		"receivers", receivers)
	return nil
}

// ConnectRedis parses url and pings the server, retrying with exponential
// backoff until timeout elapses.
func ConnectRedis(ctx context.Context, url string, timeout time.Duration, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = timeout

	err = backoff.RetryNotify(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		logger.Warn("redis not ready, retrying",
			"error", err,
			"retry_in", next)
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis not ready: %w", err)
	}
	return client, nil
}
