package courier

import (
	"maps"

	"github.com/rbaliyan/courier/codec"
)

// Envelope is the wire contract shared by producers and consumers:
//
//	{"messageId": "...", "type": "...", "data": {...}}
type Envelope = codec.Envelope

// OutgoingMessage is a fully serialized message ready for a broker.
// Value holds the complete encoded envelope.
type OutgoingMessage struct {
	MessageID string
	Topic     string
	Key       string
	Type      string
	Value     []byte
	Headers   map[string]string
}

// produceOptions holds per-message settings (unexported)
type produceOptions struct {
	messageID string
	headers   map[string]string
}

// ProduceOption configures a single produced message.
type ProduceOption func(*produceOptions)

// WithMessageID overrides the generated message id.
func WithMessageID(id string) ProduceOption {
	return func(o *produceOptions) {
		if id != "" {
			o.messageID = id
		}
	}
}

// WithHeaders adds broker headers to the message.
// Later options overwrite keys set by earlier ones.
func WithHeaders(headers map[string]string) ProduceOption {
	return func(o *produceOptions) {
		if len(headers) == 0 {
			return
		}
		if o.headers == nil {
			o.headers = make(map[string]string, len(headers))
		}
		maps.Copy(o.headers, headers)
	}
}

// WithHeader adds a single broker header to the message.
func WithHeader(key, value string) ProduceOption {
	return WithHeaders(map[string]string{key: value})
}

// MessageFactory turns application messages into OutgoingMessages.
//
// It resolves the registration, assigns a message id and serializes the
// envelope with the configured codec. The Producer and the outbox Queue
// share one factory so both paths write identical envelopes.
type MessageFactory struct {
	registry *Registry
	ids      IDGenerator
	codec    codec.Codec
}

// NewMessageFactory creates a factory for registry.
// Only WithIDGenerator and WithCodec apply; other options are ignored.
func NewMessageFactory(registry *Registry, opts ...Option) (*MessageFactory, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}
	o := newOptions(opts...)
	return &MessageFactory{
		registry: registry,
		ids:      o.ids,
		codec:    o.codec,
	}, nil
}

// Create builds the outgoing message for msg.
func (f *MessageFactory) Create(msg any, opts ...ProduceOption) (OutgoingMessage, error) {
	reg, err := f.registry.Lookup(msg)
	if err != nil {
		return OutgoingMessage{}, err
	}

	po := &produceOptions{}
	for _, opt := range opts {
		opt(po)
	}

	id := po.messageID
	if id == "" {
		id = f.ids.NextID()
	}

	value, err := f.codec.Encode(Envelope{
		MessageID: id,
		Type:      reg.Type,
		Data:      msg,
	})
	if err != nil {
		return OutgoingMessage{}, err
	}

	return OutgoingMessage{
		MessageID: id,
		Topic:     reg.Topic,
		Key:       reg.Key(msg),
		Type:      reg.Type,
		Value:     value,
		Headers:   po.headers,
	}, nil
}

// ContentType returns the content type of the envelopes this factory writes.
func (f *MessageFactory) ContentType() string {
	return f.codec.ContentType()
}

// Registry returns the registry used for lookups.
func (f *MessageFactory) Registry() *Registry {
	return f.registry
}
