// Package courier provides at-least-once delivery of application events to a
// message broker and reliable dispatch of received events to handlers.
//
// Both sides share one data contract, the message envelope:
//
//	{"messageId": "...", "type": "...", "data": {...}}
//
// # Producing
//
// Outgoing messages are registered once with a topic, a type tag and a
// partition key selector:
//
//	registry := courier.NewRegistry()
//	courier.MustRegister(registry, "orders", "order_created",
//	    func(o OrderCreated) string { return o.OrderID })
//
// A Producer publishes them directly:
//
//	producer, _ := courier.NewProducer(publisher, registry)
//	err := producer.Produce(ctx, OrderCreated{OrderID: "A1"})
//
// For transactional safety, enqueue them in the outbox instead (see package
// outbox). The outbox Queue stores the serialized envelope in the same
// database transaction as the business change and a Dispatcher publishes it
// later through Producer.ProduceRaw.
//
// # Consuming
//
// Package consumer resolves incoming envelopes by type tag, creates a scoped
// unit of work per message, invokes the handler and commits the broker offset
// only after the handler succeeded.
//
// # Packages
//
//   - codec: JSON, MessagePack and Protocol Buffers envelope codecs
//   - broker: broker contracts with memory, kafka, nats and redis clients
//   - outbox: transactional outbox queue, repositories and dispatcher
//   - consumer: handler registry, scopes and the consumer loop
//   - idempotency: duplicate message guards
//   - config: broker configuration from environment and files
//   - host: runs dispatchers and consumers with a failure policy
//
// Delivery is at-least-once. Handlers must be idempotent or use the
// idempotency guard.
package courier
