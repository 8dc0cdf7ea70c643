package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/courier/broker"
	"github.com/redis/go-redis/v9"
	"syreclabs.com/go/faker"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestPublishAndPoll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, client := newClient(t)
	pub, err := NewPublisher(client, WithStreamPrefix("courier:"))
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}

	value := []byte(faker.Lorem().Sentence(6))
	headers := map[string]string{
		broker.HeaderMessageID:   "A1",
		broker.HeaderContentType: "application/json",
	}
	if err := pub.Publish(ctx, "orders", "A1", value, headers); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if n := client.XLen(ctx, "courier:orders").Val(); n != 1 {
		t.Fatalf("expected 1 stream entry, got %d", n)
	}

	sub, err := NewSubscriber(ctx, client, "billing", []string{"orders"},
		WithStreamPrefix("courier:"), WithConsumerName("c1"), WithBlockTime(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewSubscriber failed: %v", err)
	}
	defer sub.Close()

	rec, err := sub.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if rec.Topic != "orders" || rec.Key != "A1" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if diff := cmp.Diff(value, rec.Value); diff != "" {
		t.Errorf("diff : %v", diff)
	}
	if diff := cmp.Diff(headers, rec.Headers); diff != "" {
		t.Errorf("diff : %v", diff)
	}
	if rec.Timestamp.IsZero() {
		t.Error("expected timestamp from entry id")
	}

	if err := sub.Commit(ctx, rec); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	pending := client.XPending(ctx, "courier:orders", "billing").Val()
	if pending.Count != 0 {
		t.Errorf("expected no pending entries, got %d", pending.Count)
	}
}

func TestOrderAcrossPolls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, client := newClient(t)
	pub, _ := NewPublisher(client)
	for _, id := range []string{"A1", "A2", "A3"} {
		if err := pub.Publish(ctx, "orders", id, []byte(id), nil); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	sub, err := NewSubscriber(ctx, client, "billing", []string{"orders"}, WithConsumerName("c1"))
	if err != nil {
		t.Fatalf("NewSubscriber failed: %v", err)
	}
	defer sub.Close()

	var got []string
	for range 3 {
		rec, err := sub.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		got = append(got, rec.Key)
		sub.Commit(ctx, rec)
	}
	if diff := cmp.Diff([]string{"A1", "A2", "A3"}, got); diff != "" {
		t.Errorf("diff : %v", diff)
	}
}

func TestUncommittedRedelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, client := newClient(t)
	pub, _ := NewPublisher(client)
	pub.Publish(ctx, "orders", "A1", []byte("one"), nil)
	pub.Publish(ctx, "orders", "A2", []byte("two"), nil)

	opts := []Option{WithConsumerName("c1"), WithBlockTime(20 * time.Millisecond)}
	sub, err := NewSubscriber(ctx, client, "billing", []string{"orders"}, opts...)
	if err != nil {
		t.Fatalf("NewSubscriber failed: %v", err)
	}

	first, err := sub.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if first.Key != "A1" {
		t.Fatalf("expected A1, got %s", first.Key)
	}
	sub.Close()

	t.Run("restart with same consumer name", func(t *testing.T) {
		restarted, err := NewSubscriber(ctx, client, "billing", []string{"orders"}, opts...)
		if err != nil {
			t.Fatalf("NewSubscriber failed: %v", err)
		}
		defer restarted.Close()

		rec, err := restarted.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if rec.Key != "A1" {
			t.Fatalf("expected pending A1 first, got %s", rec.Key)
		}
		restarted.Commit(ctx, rec)

		rec, err = restarted.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if rec.Key != "A2" {
			t.Errorf("expected A2, got %s", rec.Key)
		}

		if err := restarted.Rewind(ctx, rec); err != nil {
			t.Fatalf("Rewind failed: %v", err)
		}
		rec, err = restarted.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll failed: %v", err)
		}
		if rec.Key != "A2" {
			t.Errorf("expected uncommitted A2 after Rewind, got %s", rec.Key)
		}
		if err := restarted.Rewind(ctx, &broker.Record{Topic: "orders"}); !errors.Is(err, broker.ErrForeignRecord) {
			t.Errorf("expected ErrForeignRecord, got %v", err)
		}
	})
}

func TestPollCancellation(t *testing.T) {
	_, client := newClient(t)
	sub, err := NewSubscriber(context.Background(), client, "billing", []string{"orders"},
		WithBlockTime(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewSubscriber failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sub.Poll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}

	sub.Close()
	if _, err := sub.Poll(context.Background()); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	_, client := newClient(t)

	tests := []struct {
		name   string
		client Client
		group  string
		topics []string
		want   error
	}{
		{"no client", nil, "g", []string{"orders"}, broker.ErrClientRequired},
		{"no group", client, "", []string{"orders"}, broker.ErrGroupRequired},
		{"no topics", client, "g", nil, broker.ErrNoTopics},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSubscriber(ctx, tt.client, tt.group, tt.topics); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	t.Run("existing group", func(t *testing.T) {
		if _, err := NewSubscriber(ctx, client, "g", []string{"orders"}); err != nil {
			t.Fatalf("first NewSubscriber failed: %v", err)
		}
		if _, err := NewSubscriber(ctx, client, "g", []string{"orders"}); err != nil {
			t.Errorf("second NewSubscriber should reuse the group, got %v", err)
		}
	})

	t.Run("foreign record", func(t *testing.T) {
		sub, _ := NewSubscriber(ctx, client, "g", []string{"orders"})
		if err := sub.Commit(ctx, &broker.Record{Topic: "orders"}); !errors.Is(err, broker.ErrForeignRecord) {
			t.Errorf("expected ErrForeignRecord, got %v", err)
		}
	})
}
