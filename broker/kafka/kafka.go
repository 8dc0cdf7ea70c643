// Package kafka implements the courier broker contracts on Apache Kafka
// using IBM/sarama.
//
// The Publisher wraps a sarama.SyncProducer and returns once the write was
// acknowledged by the cluster. The Subscriber joins a consumer group and
// hands records to Poll one at a time; Commit marks the record and commits
// the group offset, so uncommitted records are redelivered after a restart
// or rebalance.
//
// IMPORTANT: sarama's auto-commit must be disabled. Offsets are committed
// only through Subscriber.Commit. Use NewConfig to build a suitable config:
//
//	cfg, err := config.NewConsumerBuilder().WithSource(config.Env()).Build()
//	client, err := kafka.NewClient(cfg)
//	sub, err := kafka.NewSubscriber(client, cfg.GroupID(), []string{"orders"})
package kafka

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/courier/broker"
)

// Errors
var (
	ErrProducerFailed    = errors.New("failed to create kafka producer")
	ErrAutoCommitEnabled = errors.New("kafka: auto-commit must be disabled for at-least-once delivery - set Consumer.Offsets.AutoCommit.Enable = false")
)

// Publisher publishes records with a synchronous producer.
type Publisher struct {
	producer sarama.SyncProducer
	closed   atomic.Bool
	opts     *options
}

// NewPublisher creates a publisher with a sync producer built from client.
// The client config must have Producer.Return.Successes enabled.
func NewPublisher(client sarama.Client, opts ...Option) (*Publisher, error) {
	if client == nil {
		return nil, broker.ErrClientRequired
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}
	return NewPublisherFromProducer(producer, opts...), nil
}

// NewPublisherFromProducer creates a publisher around an existing producer.
// Close closes the producer.
func NewPublisherFromProducer(producer sarama.SyncProducer, opts ...Option) *Publisher {
	return &Publisher{
		producer: producer,
		opts:     newOptions(opts...),
	}
}

// Publish sends value to topic. Records with the same key land on the
// same partition.
func (p *Publisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if p.closed.Load() {
		return broker.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(headers[k]),
		})
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.opts.onError(err)
		return err
	}

	p.opts.logger.Debug("published record", "topic", topic, "key", key,
		"partition", partition, "offset", offset)
	return nil
}

// Close closes the underlying producer.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.producer.Close()
}

// Subscriber consumes records for one consumer group.
type Subscriber struct {
	group      sarama.ConsumerGroup
	topics     []string
	deliveries chan *broker.Record
	cancel     context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	opts       *options

	mu         sync.Mutex
	endSession context.CancelFunc
}

// token is the commit handle carried by records
type token struct {
	sub     *Subscriber
	session sarama.ConsumerGroupSession
	msg     *sarama.ConsumerMessage
}

// NewSubscriber joins groupID and starts consuming topics in the background.
func NewSubscriber(client sarama.Client, groupID string, topics []string, opts ...Option) (*Subscriber, error) {
	if client == nil {
		return nil, broker.ErrClientRequired
	}
	if client.Config().Consumer.Offsets.AutoCommit.Enable {
		return nil, ErrAutoCommitEnabled
	}
	if groupID == "" {
		return nil, broker.ErrGroupRequired
	}
	if len(topics) == 0 {
		return nil, broker.ErrNoTopics
	}

	group, err := sarama.NewConsumerGroupFromClient(groupID, client)
	if err != nil {
		return nil, err
	}

	s := newSubscriber(group, topics, opts...)
	s.start()
	s.opts.logger.Debug("joined consumer group", "group", groupID, "topics", topics)
	return s, nil
}

func newSubscriber(group sarama.ConsumerGroup, topics []string, opts ...Option) *Subscriber {
	return &Subscriber{
		group:      group,
		topics:     slices.Clone(topics),
		deliveries: make(chan *broker.Record),
		done:       make(chan struct{}),
		opts:       newOptions(opts...),
	}
}

func (s *Subscriber) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.consumeLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		for err := range s.group.Errors() {
			s.opts.logger.Error("consumer group error", "error", err)
			s.opts.onError(err)
		}
	}()
}

// consumeLoop re-joins the group after every session until closed.
func (s *Subscriber) consumeLoop(ctx context.Context) {
	handler := &groupHandler{deliveries: s.deliveries, sub: s}
	backoff := broker.Backoff{Initial: s.opts.minBackoff, Max: s.opts.maxBackoff}

	for ctx.Err() == nil {
		sessionCtx, endSession := context.WithCancel(ctx)
		s.mu.Lock()
		s.endSession = endSession
		s.mu.Unlock()

		err := s.group.Consume(sessionCtx, s.topics, handler)
		endSession()
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			delay := backoff.Next()
			s.opts.logger.Error("consumer error, retrying with backoff", "error", err, "backoff", delay)
			s.opts.onError(err)
			if broker.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}
		backoff.Reset()
	}
}

// Poll returns the next record from any claimed partition. Records handed
// over by a session that has ended since are skipped; the next session
// delivers them again.
func (s *Subscriber) Poll(ctx context.Context) (*broker.Record, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, broker.ErrClosed
		case rec := <-s.deliveries:
			if tok, ok := rec.Token.(*token); ok && tok.session.Context().Err() != nil {
				continue
			}
			return rec, nil
		}
	}
}

// Commit marks rec as consumed and commits the group offsets synchronously.
// After a rebalance the record may already belong to another member; the
// commit is then dropped and the record is redelivered there.
func (s *Subscriber) Commit(ctx context.Context, rec *broker.Record) error {
	if rec == nil {
		return broker.ErrForeignRecord
	}
	tok, ok := rec.Token.(*token)
	if !ok || tok.sub != s {
		return broker.ErrForeignRecord
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tok.session.MarkMessage(tok.msg, "")
	tok.session.Commit()
	return nil
}

// Rewind resets rec's partition to rec's offset, commits that position and
// ends the current session. The group rejoins and every claimed partition
// resumes from its committed offset, so rec is delivered again.
func (s *Subscriber) Rewind(ctx context.Context, rec *broker.Record) error {
	if rec == nil {
		return broker.ErrForeignRecord
	}
	tok, ok := rec.Token.(*token)
	if !ok || tok.sub != s {
		return broker.ErrForeignRecord
	}

	tok.session.ResetOffset(rec.Topic, rec.Partition, rec.Offset, "")
	tok.session.Commit()

	s.mu.Lock()
	end := s.endSession
	s.mu.Unlock()
	if end != nil {
		end()
	}
	s.opts.logger.Debug("rewound partition", "topic", rec.Topic,
		"partition", rec.Partition, "offset", rec.Offset)
	return nil
}

// Close leaves the consumer group.
func (s *Subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		err = s.group.Close()
		s.wg.Wait()
	})
	return err
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	deliveries chan<- *broker.Record
	sub        *Subscriber
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim forwards records of one partition in offset order. The
// unbuffered hand-off keeps at most one record per partition in flight.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			rec := toRecord(msg)
			rec.Token = &token{sub: h.sub, session: session, msg: msg}

			select {
			case h.deliveries <- rec:
			case <-session.Context().Done():
				return nil
			}
		}
	}
}

func toRecord(msg *sarama.ConsumerMessage) *broker.Record {
	rec := &broker.Record{
		Topic:     msg.Topic,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Timestamp,
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			if h != nil {
				rec.Headers[string(h.Key)] = string(h.Value)
			}
		}
	}
	return rec
}

// Compile-time checks
var (
	_ broker.Publisher            = (*Publisher)(nil)
	_ broker.Subscriber           = (*Subscriber)(nil)
	_ sarama.ConsumerGroupHandler = (*groupHandler)(nil)
)
