package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/model"
)

// DefaultChannelPrefix is prepended to channel names when publishing.
const DefaultChannelPrefix = "stagehand:"

// RedisNotifier publishes summaries as JSON on Redis pub/sub channels named
// <prefix><channel>.
type RedisNotifier struct {
	client redis.Cmdable
	prefix string
}

// NewRedisNotifier creates a RedisNotifier. An empty prefix uses
// DefaultChannelPrefix.
func NewRedisNotifier(client redis.Cmdable, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

// Notify publishes summary to every channel, stopping at the first failure.
func (n *RedisNotifier) Notify(ctx context.Context, channels []string, summary model.ExecutionSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	for _, ch := range channels {
		if err := n.publish(ctx, ch, payload); err != nil {
			return err
		}
	}
	return nil
}

func (n *RedisNotifier) publish(ctx context.Context, channel string, payload []byte) (err error) {
	ctx, span := observability.StartPublishSpan(ctx, channel)
	defer func() { observability.EndSpan(span, "", err) }()

	if err := n.client.Publish(ctx, n.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", n.prefix+channel, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (n *RedisNotifier) HealthCheck(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
