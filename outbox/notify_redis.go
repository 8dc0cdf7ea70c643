package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSubscriptionClosed is returned by Listen when the broker side of a
// notification subscription went away.
var ErrSubscriptionClosed = errors.New("notification subscription closed")

// RedisNotifier shares outbox wake-ups between processes through Redis
// PUBLISH/SUBSCRIBE.
//
// Notify wakes the local dispatcher and publishes to the channel; Listen
// forwards every message on the channel to the local Notification. A lost
// Redis message only delays delivery until the next interval.
//
// Example:
//
//	local := outbox.NewNotification(5 * time.Second)
//	notifier := outbox.NewRedisNotifier(rdb, local)
//	go notifier.Listen(ctx)
//
//	queue := outbox.NewQueue(repo, factory, notifier)
//	dispatcher := outbox.NewDispatcher(repo, producer, notifier)
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	local   *Notification
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisNotifier creates a notifier on the "courier:outbox" channel.
func NewRedisNotifier(client redis.UniversalClient, local *Notification) *RedisNotifier {
	if local == nil {
		local = NewNotification(DefaultDispatchInterval)
	}
	return &RedisNotifier{
		client:  client,
		channel: "courier:outbox",
		local:   local,
		timeout: 2 * time.Second,
		logger:  slog.Default().With("component", "outbox.redis_notifier"),
	}
}

// WithChannel sets the Redis channel name.
//
// Returns the notifier for method chaining.
func (n *RedisNotifier) WithChannel(channel string) *RedisNotifier {
	n.channel = channel
	return n
}

// WithLogger sets a custom logger.
//
// Returns the notifier for method chaining.
func (n *RedisNotifier) WithLogger(l *slog.Logger) *RedisNotifier {
	if l != nil {
		n.logger = l
	}
	return n
}

// Notify wakes the local dispatcher and every listening process.
func (n *RedisNotifier) Notify() {
	n.local.Notify()

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.client.Publish(ctx, n.channel, "notify").Err(); err != nil {
		n.logger.Warn("failed to publish outbox notification", "channel", n.channel, "error", err)
	}
}

// Wait waits on the local notification.
func (n *RedisNotifier) Wait(ctx context.Context) (bool, error) {
	return n.local.Wait(ctx)
}

// Listen forwards channel messages to the local notification until ctx is
// cancelled. It returns nil on cancellation.
func (n *RedisNotifier) Listen(ctx context.Context) error {
	pubsub := n.client.Subscribe(ctx, n.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			n.local.Notify()
		}
	}
}

// Compile-time checks
var (
	_ Notifier = (*RedisNotifier)(nil)
	_ Waiter   = (*RedisNotifier)(nil)
)
