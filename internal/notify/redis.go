// ABOUTME: Redis outbox notifier consumed by the external email/SMS service
// ABOUTME: Events are JSON-encoded and RPUSHed onto a single list

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultOutboxList is the list key used when none is configured.
const DefaultOutboxList = "parley:notify:outbox"

// RedisNotifier appends events to a Redis list.
type RedisNotifier struct {
	client redis.UniversalClient
	list   string
	logger *slog.Logger
}

// NewRedisNotifier wraps an existing client. An empty list uses DefaultOutboxList.
func NewRedisNotifier(client redis.UniversalClient, list string, logger *slog.Logger) *RedisNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if list == "" {
		list = DefaultOutboxList
	}
	return &RedisNotifier{
		client: client,
		list:   list,
		logger: logger.With("component", "notify.redis"),
	}
}

// DialRedis connects to addr (host:port or redis:// URL) and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Notify implements Notifier.
func (r *RedisNotifier) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := r.client.RPush(ctx, r.list, data).Err(); err != nil {
		return fmt.Errorf("pushing to %s: %w", r.list, err)
	}
	r.logger.Debug("event queued", "event_id", ev.ID, "list", r.list)
	return nil
}

// Pending returns the number of events waiting in the outbox.
func (r *RedisNotifier) Pending(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.list).Result()
}

// Close closes the underlying client.
func (r *RedisNotifier) Close() error {
	return r.client.Close()
}
