// Package broker defines the boundary between courier and a message broker.
//
// A broker client offers these capabilities:
//   - Publisher: publish(topic, key, bytes) -> ack | error
//   - Subscriber: poll -> record | cancellation
//   - Subscriber: commit(record) to acknowledge a processed record
//   - Subscriber: rewind(record) to have a failed record delivered again
//
// Implementations live in the sub-packages:
//   - memory: in-process broker for tests and local runs
//   - kafka: Apache Kafka via IBM/sarama
//   - nats: NATS JetStream
//   - redis: Redis Streams
package broker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Broker errors
var (
	ErrClosed         = errors.New("broker client closed")
	ErrNoTopics       = errors.New("at least one topic is required")
	ErrGroupRequired  = errors.New("consumer group is required")
	ErrForeignRecord  = errors.New("record was not delivered by this subscriber")
	ErrClientRequired = errors.New("broker client is required")
)

// Well-known header keys written by courier.
const (
	HeaderMessageID     = "message-id"
	HeaderCorrelationID = "correlation-id"
	HeaderContentType   = "content-type"
)

// Publisher sends serialized messages to a broker.
// Implementations must be safe for concurrent use.
type Publisher interface {
	// Publish sends value to topic, partitioned by key.
	// It returns once the broker acknowledged the write.
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Subscriber receives records from a broker for one consumer group.
//
// A Subscriber is used by a single consumer loop; Poll and Commit are
// never called concurrently on the same Subscriber.
type Subscriber interface {
	// Poll blocks until a record is available or ctx is done.
	// On cancellation it returns ctx.Err().
	Poll(ctx context.Context) (*Record, error)

	// Commit acknowledges rec and everything before it on the same partition.
	Commit(ctx context.Context, rec *Record) error

	// Rewind gives up rec without acknowledging it: the next Poll delivers
	// rec again, followed by the records after it on the same partition.
	Rewind(ctx context.Context, rec *Record) error

	// Close releases the subscription.
	Close() error
}

// Record is a message received from a broker.
type Record struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
	Timestamp time.Time

	// Token is the broker-specific handle used by Commit.
	Token any
}

// Header returns a header value or "" when absent.
func (r *Record) Header(key string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers[key]
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, topic, key string, value []byte, headers map[string]string) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	return f(ctx, topic, key, value, headers)
}

// Logger returns the default logger for a broker component.
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
// Factor should be between 0 and 1 (e.g., 0.3 for +/-30% jitter).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}

// Backoff is an exponential backoff with jitter, used by reconnect loops.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	current time.Duration
}

// Next returns the next jittered delay and doubles the base delay.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	d := Jitter(b.current, 0.3)
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return d
}

// Reset restores the initial delay.
func (b *Backoff) Reset() {
	b.current = b.Initial
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Compile-time check
var _ Publisher = PublisherFunc(nil)
