// Package redis implements the courier broker contracts on Redis Streams.
//
// Each topic is a stream. A consumer group maps to a Redis consumer group
// created at the start of the stream, so a new group sees every entry.
// Entries are XACKed by Subscriber.Commit. Entries read but not committed
// stay in the pending list and are delivered first when a subscriber with
// the same consumer name starts, or after Rewind or Reset.
package redis

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/courier/broker"
	"github.com/redis/go-redis/v9"
)

// Client defines the Redis operations used by the stream clients.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Stream entry fields
const (
	fieldKey       = "key"
	fieldValue     = "value"
	fieldHeaderPfx = "h:"
)

// Publisher appends records to streams.
type Publisher struct {
	client Client
	closed atomic.Bool
	opts   *options
}

// NewPublisher creates a stream publisher.
func NewPublisher(client Client, opts ...Option) (*Publisher, error) {
	if client == nil {
		return nil, broker.ErrClientRequired
	}
	return &Publisher{client: client, opts: newOptions(opts...)}, nil
}

// Publish appends value to the topic stream.
func (p *Publisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if p.closed.Load() {
		return broker.ErrClosed
	}

	values := make([]any, 0, 4+2*len(headers))
	values = append(values, fieldKey, key, fieldValue, value)
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		values = append(values, fieldHeaderPfx+k, headers[k])
	}

	args := &redis.XAddArgs{
		Stream: p.opts.prefix + topic,
		Values: values,
	}
	if p.opts.maxLen > 0 {
		args.MaxLen = p.opts.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		p.opts.onError(err)
		return err
	}

	p.opts.logger.Debug("published record", "topic", topic, "key", key, "id", id)
	return nil
}

// Close marks the publisher closed. The client is owned by the caller.
func (p *Publisher) Close() error {
	p.closed.Store(true)
	return nil
}

// Subscriber reads streams as one consumer of a group.
type Subscriber struct {
	client Client
	group  string
	topics []string
	opts   *options
	closed atomic.Bool

	mu      sync.Mutex
	history map[string]string // topic -> last pending id read, absent when drained
	buffer  []*broker.Record
}

// token is the commit handle carried by records
type token struct {
	sub *Subscriber
	id  string
}

// NewSubscriber creates the group on every topic stream if needed.
func NewSubscriber(ctx context.Context, client Client, group string, topics []string, opts ...Option) (*Subscriber, error) {
	if client == nil {
		return nil, broker.ErrClientRequired
	}
	if group == "" {
		return nil, broker.ErrGroupRequired
	}
	if len(topics) == 0 {
		return nil, broker.ErrNoTopics
	}

	s := &Subscriber{
		client: client,
		group:  group,
		topics: slices.Clone(topics),
		opts:   newOptions(opts...),
	}

	for _, t := range s.topics {
		err := client.XGroupCreateMkStream(ctx, s.stream(t), group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil, err
		}
	}
	s.Reset()

	s.opts.logger.Debug("joined consumer group", "group", group, "consumer", s.opts.consumer, "topics", topics)
	return s, nil
}

func (s *Subscriber) stream(topic string) string {
	return s.opts.prefix + topic
}

func (s *Subscriber) topic(stream string) string {
	return strings.TrimPrefix(stream, s.opts.prefix)
}

// Rewind leaves rec pending and re-reads this consumer's pending entries,
// rec among them, before new ones. Entries buffered after rec are dropped;
// they are pending too and come back in stream order.
func (s *Subscriber) Rewind(ctx context.Context, rec *broker.Record) error {
	if rec == nil {
		return broker.ErrForeignRecord
	}
	tok, ok := rec.Token.(*token)
	if !ok || tok.sub != s {
		return broker.ErrForeignRecord
	}
	s.Reset()
	return nil
}

// Reset delivers this consumer's pending entries again before new ones.
func (s *Subscriber) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = nil
	s.history = make(map[string]string, len(s.topics))
	for _, t := range s.topics {
		s.history[t] = "0"
	}
}

// Poll returns the next record. Pending entries come first, then new ones.
func (s *Subscriber) Poll(ctx context.Context) (*broker.Record, error) {
	for {
		if s.closed.Load() {
			return nil, broker.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		if len(s.buffer) > 0 {
			rec := s.buffer[0]
			s.buffer = s.buffer[1:]
			s.mu.Unlock()
			return rec, nil
		}
		args := s.readArgs()
		s.mu.Unlock()

		history := args.Block < 0
		streams, err := s.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if history {
					s.mu.Lock()
					s.history = nil
					s.mu.Unlock()
				}
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.opts.onError(err)
			return nil, err
		}

		s.mu.Lock()
		s.absorb(history, streams)
		s.mu.Unlock()
	}
}

// readArgs builds the next XREADGROUP. Caller holds s.mu.
func (s *Subscriber) readArgs() *redis.XReadGroupArgs {
	args := &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.opts.consumer,
		Count:    1,
	}

	if len(s.history) > 0 {
		var keys, ids []string
		for _, t := range s.topics {
			if id, ok := s.history[t]; ok {
				keys = append(keys, s.stream(t))
				ids = append(ids, id)
			}
		}
		args.Streams = append(keys, ids...)
		args.Block = -1
		return args
	}

	keys := make([]string, 0, 2*len(s.topics))
	for _, t := range s.topics {
		keys = append(keys, s.stream(t))
	}
	for range s.topics {
		keys = append(keys, ">")
	}
	args.Streams = keys
	args.Block = s.opts.blockTime
	return args
}

// absorb buffers read entries. Caller holds s.mu.
func (s *Subscriber) absorb(history bool, streams []redis.XStream) {
	if history {
		read := make(map[string]bool, len(streams))
		for _, st := range streams {
			if len(st.Messages) > 0 {
				t := s.topic(st.Stream)
				read[t] = true
				s.history[t] = st.Messages[len(st.Messages)-1].ID
			}
		}
		for t := range s.history {
			if !read[t] {
				delete(s.history, t)
			}
		}
	}

	for _, st := range streams {
		for _, m := range st.Messages {
			s.buffer = append(s.buffer, s.toRecord(s.topic(st.Stream), m))
		}
	}
}

func (s *Subscriber) toRecord(topic string, m redis.XMessage) *broker.Record {
	rec := &broker.Record{
		Topic: topic,
		Token: &token{sub: s, id: m.ID},
	}
	for k, v := range m.Values {
		str, _ := v.(string)
		switch {
		case k == fieldKey:
			rec.Key = str
		case k == fieldValue:
			rec.Value = []byte(str)
		case strings.HasPrefix(k, fieldHeaderPfx):
			if rec.Headers == nil {
				rec.Headers = make(map[string]string)
			}
			rec.Headers[strings.TrimPrefix(k, fieldHeaderPfx)] = str
		}
	}

	// Entry ids are "<unix ms>-<sequence>"
	ms, _, _ := strings.Cut(m.ID, "-")
	if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
		rec.Timestamp = time.UnixMilli(v).UTC()
		rec.Offset = v
	}
	return rec
}

// Commit acknowledges rec for the group.
func (s *Subscriber) Commit(ctx context.Context, rec *broker.Record) error {
	if rec == nil {
		return broker.ErrForeignRecord
	}
	tok, ok := rec.Token.(*token)
	if !ok || tok.sub != s {
		return broker.ErrForeignRecord
	}
	return s.client.XAck(ctx, s.stream(rec.Topic), s.group, tok.id).Err()
}

// Close stops polling. The group and pending entries stay in Redis.
func (s *Subscriber) Close() error {
	s.closed.Store(true)
	return nil
}

// Compile-time checks
var (
	_ broker.Publisher  = (*Publisher)(nil)
	_ broker.Subscriber = (*Subscriber)(nil)
	_ Client            = (redis.UniversalClient)(nil)
)
