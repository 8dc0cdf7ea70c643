package courier

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rbaliyan/courier/broker"
)

// RecordedMessage represents a message that was published during a test
type RecordedMessage struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// RecordingPublisher records every publish and optionally forwards it.
// Useful for testing that messages are produced correctly.
type RecordingPublisher struct {
	next     broker.Publisher
	mu       sync.Mutex
	messages []RecordedMessage
	failures []error
}

// NewRecordingPublisher creates a publisher that records all publishes.
// next may be nil, in which case publishes only succeed and are recorded.
//
// Example:
//
//	pub := courier.NewRecordingPublisher(nil)
//	producer, _ := courier.NewProducer(pub, registry)
//	producer.Produce(ctx, OrderCreated{OrderID: "A1"})
//	pub.Count() // 1
func NewRecordingPublisher(next broker.Publisher) *RecordingPublisher {
	return &RecordingPublisher{
		next:     next,
		messages: make([]RecordedMessage, 0),
	}
}

// FailNext makes the next publishes fail, one queued error per call.
// Failed publishes are not recorded.
func (p *RecordingPublisher) FailNext(errs ...error) {
	p.mu.Lock()
	p.failures = append(p.failures, errs...)
	p.mu.Unlock()
}

// Publish records the message and delegates to the wrapped publisher
func (p *RecordingPublisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	p.mu.Lock()
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	if p.next != nil {
		if err := p.next.Publish(ctx, topic, key, value, headers); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.messages = append(p.messages, RecordedMessage{
		Topic:     topic,
		Key:       key,
		Value:     slices.Clone(value),
		Headers:   maps.Clone(headers),
		Timestamp: time.Now(),
	})
	p.mu.Unlock()
	return nil
}

// Messages returns a copy of all recorded messages
func (p *RecordingPublisher) Messages() []RecordedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.messages)
}

// MessagesFor returns recorded messages for a specific topic
func (p *RecordingPublisher) MessagesFor(topic string) []RecordedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []RecordedMessage
	for _, m := range p.messages {
		if m.Topic == topic {
			result = append(result, m)
		}
	}
	return result
}

// Reset clears all recorded messages
func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	p.messages = make([]RecordedMessage, 0)
	p.mu.Unlock()
}

// Count returns the number of recorded messages
func (p *RecordingPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

// Compile-time check
var _ broker.Publisher = (*RecordingPublisher)(nil)
