// Package memory provides an in-process broker with Kafka-like semantics.
//
// Each topic is an append-only log. Subscribers belong to a consumer group;
// a group remembers the committed offset per topic and a new subscriber
// resumes from there. Records that were polled but not committed are
// delivered again after Rewind, Reset or to the next subscriber of the group.
//
// The broker keeps everything in memory and is meant for tests and local runs.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rbaliyan/courier/broker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Broker is an in-memory broker implementing broker.Publisher and
// handing out broker.Subscriber values.
type Broker struct {
	mu        sync.Mutex
	topics    map[string][]*broker.Record
	committed map[string]map[string]int64 // group -> topic -> next offset
	signal    chan struct{}
	closed    bool
	opts      *options

	publishedCounter metric.Int64Counter
}

// New creates a new in-memory broker.
func New(opts ...Option) *Broker {
	meter := otel.Meter("courier.broker.memory")
	published, _ := meter.Int64Counter("courier.broker.memory.published",
		metric.WithDescription("Number of records appended to the in-memory broker"),
		metric.WithUnit("{record}"),
	)

	return &Broker{
		topics:           make(map[string][]*broker.Record),
		committed:        make(map[string]map[string]int64),
		signal:           make(chan struct{}),
		opts:             newOptions(opts...),
		publishedCounter: published,
	}
}

// SetPublishHook replaces the publish hook. Pass nil to remove it.
func (b *Broker) SetPublishHook(fn PublishHook) {
	b.mu.Lock()
	b.opts.hook = fn
	b.mu.Unlock()
}

// Publish appends a record to the topic log.
func (b *Broker) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return broker.ErrClosed
	}
	if b.opts.hook != nil {
		if err := b.opts.hook(topic, key, value); err != nil {
			return err
		}
	}

	rec := &broker.Record{
		Topic:     topic,
		Key:       key,
		Value:     slices.Clone(value),
		Headers:   maps.Clone(headers),
		Offset:    int64(len(b.topics[topic])),
		Timestamp: time.Now().UTC(),
	}
	b.topics[topic] = append(b.topics[topic], rec)
	b.broadcast()

	b.publishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	b.opts.logger.Debug("published record", "topic", topic, "key", key, "offset", rec.Offset)
	return nil
}

// Records returns a copy of the topic log.
func (b *Broker) Records(topic string) []broker.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]broker.Record, 0, len(b.topics[topic]))
	for _, r := range b.topics[topic] {
		out = append(out, *r)
	}
	return out
}

// Committed returns the next offset the group will receive for topic.
func (b *Broker) Committed(group, topic string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed[group][topic]
}

// Subscribe creates a subscriber for group reading topics in order.
func (b *Broker) Subscribe(group string, topics ...string) (*Subscriber, error) {
	if group == "" {
		return nil, broker.ErrGroupRequired
	}
	if len(topics) == 0 {
		return nil, broker.ErrNoTopics
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, broker.ErrClosed
	}
	if b.committed[group] == nil {
		b.committed[group] = make(map[string]int64)
	}

	s := &Subscriber{
		broker:   b,
		group:    group,
		topics:   slices.Clone(topics),
		position: make(map[string]int64, len(topics)),
	}
	for _, t := range topics {
		s.position[t] = b.committed[group][t]
	}
	return s, nil
}

// Close stops the broker and wakes all pollers.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.broadcast()
	}
	return nil
}

// broadcast wakes every waiting poller. Caller holds b.mu.
func (b *Broker) broadcast() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// Subscriber reads records for one consumer group.
type Subscriber struct {
	broker   *Broker
	group    string
	topics   []string
	position map[string]int64
	closed   bool
}

// Poll returns the next record, blocking until one is published or ctx is done.
func (s *Subscriber) Poll(ctx context.Context) (*broker.Record, error) {
	for {
		b := s.broker
		b.mu.Lock()
		if s.closed || b.closed {
			b.mu.Unlock()
			return nil, broker.ErrClosed
		}
		for _, t := range s.topics {
			pos := s.position[t]
			if pos < int64(len(b.topics[t])) {
				rec := *b.topics[t][pos]
				rec.Headers = maps.Clone(rec.Headers)
				rec.Token = s
				s.position[t] = pos + 1
				b.mu.Unlock()
				return &rec, nil
			}
		}
		wait := b.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Commit marks rec and all earlier records of its topic as consumed by the group.
func (s *Subscriber) Commit(ctx context.Context, rec *broker.Record) error {
	if rec == nil || rec.Token != s {
		return broker.ErrForeignRecord
	}

	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if next := rec.Offset + 1; next > b.committed[s.group][rec.Topic] {
		b.committed[s.group][rec.Topic] = next
	}
	return nil
}

// Rewind moves the subscriber's position on rec's topic back to rec, so it
// is delivered again by the next Poll.
func (s *Subscriber) Rewind(ctx context.Context, rec *broker.Record) error {
	if rec == nil || rec.Token != s {
		return broker.ErrForeignRecord
	}

	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec.Offset < s.position[rec.Topic] {
		s.position[rec.Topic] = rec.Offset
	}
	return nil
}

// Reset moves the subscriber back to the group's committed offsets,
// so every uncommitted record is delivered again.
func (s *Subscriber) Reset() {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range s.topics {
		s.position[t] = b.committed[s.group][t]
	}
}

// Close releases the subscriber.
func (s *Subscriber) Close() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if !s.closed {
		s.closed = true
		b.broadcast()
	}
	return nil
}

// Compile-time checks
var (
	_ broker.Publisher  = (*Broker)(nil)
	_ broker.Subscriber = (*Subscriber)(nil)
)
