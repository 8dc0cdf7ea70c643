package outbox

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/courier"
	"syreclabs.com/go/faker"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

type orderCreated struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

type orderShipped struct {
	OrderID string `json:"orderId"`
}

type unregistered struct{}

// sequentialIDs returns prefix1, prefix2, ...
func sequentialIDs(prefix string) courier.IDGenerator {
	var n atomic.Int64
	return courier.IDGeneratorFunc(func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	})
}

func newTestRegistry(t *testing.T) *courier.Registry {
	t.Helper()
	r := courier.NewRegistry()
	courier.MustRegister(r, "orders", "order_created", func(o orderCreated) string { return o.OrderID })
	courier.MustRegister(r, "shipments", "order_shipped", func(o orderShipped) string { return o.OrderID })
	return r
}

// newTestProducer returns a producer recording to pub and sharing ids
// generated as A1, A2, ...
func newTestProducer(t *testing.T) (*courier.Producer, *courier.RecordingPublisher) {
	t.Helper()
	pub := courier.NewRecordingPublisher(nil)
	p, err := courier.NewProducer(pub, newTestRegistry(t),
		courier.WithIDGenerator(sequentialIDs("A")),
		courier.WithTracing(false),
		courier.WithMetrics(false))
	if err != nil {
		t.Fatalf("NewProducer failed: %v", err)
	}
	return p, pub
}

func TestRowMessage(t *testing.T) {
	row := &Row{
		ID:            "A1",
		CorrelationID: "C1",
		Topic:         "orders",
		PartitionKey:  "A1",
		Type:          "order_created",
		Format:        "application/json",
		Payload:       []byte(`{"messageId":"A1"}`),
	}

	m := row.Message()
	if m.MessageID != "A1" || m.Topic != "orders" || m.Key != "A1" || m.Type != "order_created" {
		t.Errorf("unexpected message: %+v", m)
	}
	if string(m.Value) != `{"messageId":"A1"}` {
		t.Errorf("payload changed: %s", m.Value)
	}
	if m.Headers["correlation-id"] != "C1" || m.Headers["message-id"] != "A1" {
		t.Errorf("unexpected headers: %v", m.Headers)
	}

	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	row.MarkProcessed(at)
	if !row.Processed || row.ProcessedAt == nil || row.ProcessedAt.Location() != time.UTC {
		t.Errorf("expected processed at UTC, got %+v", row.ProcessedAt)
	}
}
