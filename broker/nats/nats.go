// Package nats implements the courier broker contracts on NATS JetStream.
//
// Topics map to subjects of one stream. The Publisher sets the Nats-Msg-Id
// header from the courier message id, so a stream with a duplicates window
// drops republished outbox rows. A consumer group maps to a durable pull
// consumer with explicit acks; Subscriber.Commit double-acks the record.
//
//	nc, err := nats.Connect(cfg)
//	js, err := jetstream.New(nc)
//	_, err = nats.EnsureStream(ctx, js, "ORDERS", []string{"orders"}, 2*time.Minute)
//	sub, err := nats.NewSubscriber(ctx, js, "ORDERS", "billing", []string{"orders"})
package nats

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rbaliyan/courier/broker"
	"github.com/rbaliyan/courier/config"
)

// Errors
var (
	ErrConnRequired   = errors.New("nats connection is required")
	ErrStreamRequired = errors.New("nats stream name is required")
)

// HeaderKey carries the record key, which NATS has no native slot for.
const HeaderKey = "Courier-Key"

// Connect opens a NATS connection using bootstrap.servers, client.id and
// the SASL username and password from cfg.
func Connect(cfg *config.Configuration, opts ...nats.Option) (*nats.Conn, error) {
	var connOpts []nats.Option
	if v, ok := cfg.Get(config.KeyClientID); ok && v != "" {
		connOpts = append(connOpts, nats.Name(v))
	}
	if user, ok := cfg.Get(config.KeySASLUsername); ok && user != "" {
		password, _ := cfg.Get(config.KeySASLPassword)
		connOpts = append(connOpts, nats.UserInfo(user, password))
	}
	return nats.Connect(strings.Join(cfg.BootstrapServers(), ","), append(connOpts, opts...)...)
}

// EnsureStream creates or updates a stream capturing subjects.
// A positive dedup window enables server-side deduplication by message id.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, subjects []string, dedup time.Duration) (jetstream.Stream, error) {
	if name == "" {
		return nil, ErrStreamRequired
	}
	if len(subjects) == 0 {
		return nil, broker.ErrNoTopics
	}
	cfg := jetstream.StreamConfig{
		Name:     name,
		Subjects: subjects,
	}
	if dedup > 0 {
		cfg.Duplicates = dedup
	}
	return js.CreateOrUpdateStream(ctx, cfg)
}

// msgPublisher is the part of jetstream.JetStream used by Publisher
type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher publishes records to JetStream subjects.
type Publisher struct {
	js     msgPublisher
	closed atomic.Bool
	opts   *options
}

// NewPublisher creates a JetStream publisher.
func NewPublisher(js jetstream.JetStream, opts ...Option) (*Publisher, error) {
	if js == nil {
		return nil, broker.ErrClientRequired
	}
	return newPublisher(js, opts...), nil
}

func newPublisher(js msgPublisher, opts ...Option) *Publisher {
	return &Publisher{js: js, opts: newOptions(opts...)}
}

// Publish sends value to the subject topic and waits for the stream ack.
func (p *Publisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if p.closed.Load() {
		return broker.ErrClosed
	}

	msg := nats.NewMsg(topic)
	msg.Data = value
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		msg.Header.Set(k, headers[k])
	}
	if key != "" {
		msg.Header.Set(HeaderKey, key)
	}

	var pubOpts []jetstream.PublishOpt
	if id := headers[broker.HeaderMessageID]; id != "" {
		pubOpts = append(pubOpts, jetstream.WithMsgID(id))
	}

	ack, err := p.js.PublishMsg(ctx, msg, pubOpts...)
	if err != nil {
		p.opts.onError(err)
		return err
	}

	p.opts.logger.Debug("published record", "topic", topic, "key", key,
		"stream", ack.Stream, "sequence", ack.Sequence, "duplicate", ack.Duplicate)
	return nil
}

// Close marks the publisher closed. The connection is owned by the caller.
func (p *Publisher) Close() error {
	p.closed.Store(true)
	return nil
}

// fetcher is the part of jetstream.Consumer used by Subscriber
type fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// Subscriber pulls records for a durable consumer one at a time.
type Subscriber struct {
	consumer  fetcher
	done      chan struct{}
	closeOnce sync.Once
	opts      *options
}

// token is the commit handle carried by records
type token struct {
	sub *Subscriber
	msg jetstream.Msg
}

// NewSubscriber creates or updates the durable consumer group on stream,
// filtered to topics.
func NewSubscriber(ctx context.Context, js jetstream.JetStream, stream, group string, topics []string, opts ...Option) (*Subscriber, error) {
	if js == nil {
		return nil, broker.ErrClientRequired
	}
	if stream == "" {
		return nil, ErrStreamRequired
	}
	if group == "" {
		return nil, broker.ErrGroupRequired
	}
	if len(topics) == 0 {
		return nil, broker.ErrNoTopics
	}

	o := newOptions(opts...)
	cfg := jetstream.ConsumerConfig{
		Durable:        group,
		FilterSubjects: slices.Clone(topics),
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		AckWait:        o.ackWait,
		MaxAckPending:  o.maxAckPending,
	}
	if o.maxDeliver > 0 {
		cfg.MaxDeliver = o.maxDeliver
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("created consumer", "stream", stream, "group", group, "topics", topics)
	return &Subscriber{consumer: consumer, done: make(chan struct{}), opts: o}, nil
}

func newSubscriber(consumer fetcher, opts ...Option) *Subscriber {
	return &Subscriber{consumer: consumer, done: make(chan struct{}), opts: newOptions(opts...)}
}

// Poll fetches the next record. Each fetch waits at most the fetch wait,
// so cancellation is observed within that interval.
func (s *Subscriber) Poll(ctx context.Context) (*broker.Record, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, broker.ErrClosed
		default:
		}

		batch, err := s.consumer.Fetch(1, jetstream.FetchMaxWait(s.opts.fetchWait))
		if err != nil {
			if isIdle(err) {
				continue
			}
			s.opts.onError(err)
			return nil, err
		}

		if msg, ok := <-batch.Messages(); ok && msg != nil {
			return s.toRecord(msg), nil
		}
		if err := batch.Error(); err != nil && !isIdle(err) {
			s.opts.onError(err)
			return nil, err
		}
	}
}

func isIdle(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages)
}

func (s *Subscriber) toRecord(msg jetstream.Msg) *broker.Record {
	rec := &broker.Record{
		Topic: msg.Subject(),
		Value: msg.Data(),
		Token: &token{sub: s, msg: msg},
	}
	if h := msg.Headers(); len(h) > 0 {
		rec.Headers = make(map[string]string, len(h))
		for k := range h {
			if k == HeaderKey {
				rec.Key = h.Get(k)
				continue
			}
			rec.Headers[k] = h.Get(k)
		}
	}
	if md, err := msg.Metadata(); err == nil && md != nil {
		rec.Offset = int64(md.Sequence.Stream)
		rec.Timestamp = md.Timestamp
	}
	return rec
}

// Commit acknowledges rec and waits for the server to confirm.
func (s *Subscriber) Commit(ctx context.Context, rec *broker.Record) error {
	if rec == nil {
		return broker.ErrForeignRecord
	}
	tok, ok := rec.Token.(*token)
	if !ok || tok.sub != s {
		return broker.ErrForeignRecord
	}
	return tok.msg.DoubleAck(ctx)
}

// Rewind negatively acknowledges rec so the server redelivers it. With the
// default MaxAckPending of 1 nothing else is delivered before it.
func (s *Subscriber) Rewind(ctx context.Context, rec *broker.Record) error {
	if rec == nil {
		return broker.ErrForeignRecord
	}
	tok, ok := rec.Token.(*token)
	if !ok || tok.sub != s {
		return broker.ErrForeignRecord
	}
	return tok.msg.Nak()
}

// Close stops polling. The durable consumer is kept on the server.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Compile-time checks
var (
	_ broker.Publisher  = (*Publisher)(nil)
	_ broker.Subscriber = (*Subscriber)(nil)
	_ msgPublisher      = (jetstream.JetStream)(nil)
	_ fetcher           = (jetstream.Consumer)(nil)
)
