package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/courier/broker"
	"syreclabs.com/go/faker"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

func TestPublishAndPoll(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	value := []byte(faker.Lorem().String())
	if err := b.Publish(ctx, "orders", "A1", value, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	sub, err := b.Subscribe("g1", "orders")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
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
	if rec.Header("k") != "v" {
		t.Errorf("expected header k=v, got %q", rec.Header("k"))
	}
}

func TestPollBlocksUntilPublish(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := New()
	sub, _ := b.Subscribe("g1", "orders")

	done := make(chan *broker.Record, 1)
	go func() {
		rec, err := sub.Poll(ctx)
		if err != nil {
			t.Errorf("Poll failed: %v", err)
		}
		done <- rec
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.Publish(ctx, "orders", "k", []byte("x"), nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case rec := <-done:
		if rec == nil || string(rec.Value) != "x" {
			t.Errorf("unexpected record: %+v", rec)
		}
	case <-ctx.Done():
		t.Fatal("poll did not return")
	}
}

func TestPollCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := New()
	sub, _ := b.Subscribe("g1", "orders")

	cancel()
	if _, err := sub.Poll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCommitAndRewind(t *testing.T) {
	ctx := context.Background()
	b := New()
	for _, v := range []string{"a", "b", "c"} {
		b.Publish(ctx, "orders", "k", []byte(v), nil)
	}

	sub, _ := b.Subscribe("g1", "orders")
	first, _ := sub.Poll(ctx)
	if err := sub.Commit(ctx, first); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	second, _ := sub.Poll(ctx)
	if string(second.Value) != "b" {
		t.Fatalf("expected b, got %s", second.Value)
	}

	// b was never committed, so it is delivered again
	if err := sub.Rewind(ctx, second); err != nil {
		t.Fatalf("Rewind failed: %v", err)
	}
	again, _ := sub.Poll(ctx)
	if string(again.Value) != "b" {
		t.Errorf("expected redelivery of b, got %s", again.Value)
	}
	third, _ := sub.Poll(ctx)
	if string(third.Value) != "c" {
		t.Errorf("expected c after the rewound record, got %s", third.Value)
	}

	// rewind only moves backwards
	if err := sub.Rewind(ctx, third); err != nil {
		t.Fatalf("Rewind failed: %v", err)
	}
	if err := sub.Rewind(ctx, second); err != nil {
		t.Fatalf("Rewind failed: %v", err)
	}
	again, _ = sub.Poll(ctx)
	if string(again.Value) != "b" {
		t.Errorf("expected b, got %s", again.Value)
	}

	sub.Reset()
	again, _ = sub.Poll(ctx)
	if string(again.Value) != "b" {
		t.Errorf("expected b after Reset, got %s", again.Value)
	}
	if err := sub.Rewind(ctx, &broker.Record{Topic: "orders"}); !errors.Is(err, broker.ErrForeignRecord) {
		t.Errorf("expected ErrForeignRecord, got %v", err)
	}

	if got := b.Committed("g1", "orders"); got != 1 {
		t.Errorf("expected committed offset 1, got %d", got)
	}

	other, _ := b.Subscribe("g1", "orders")
	rec, _ := other.Poll(ctx)
	if string(rec.Value) != "b" {
		t.Errorf("new subscriber should resume at committed offset, got %s", rec.Value)
	}
}

func TestCommitForeignRecord(t *testing.T) {
	ctx := context.Background()
	b := New()
	sub, _ := b.Subscribe("g1", "orders")
	if err := sub.Commit(ctx, &broker.Record{Topic: "orders"}); !errors.Is(err, broker.ErrForeignRecord) {
		t.Errorf("expected ErrForeignRecord, got %v", err)
	}
}

func TestPublishHook(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("broker down")
	b := New(WithPublishHook(func(topic, key string, value []byte) error {
		if key == "bad" {
			return boom
		}
		return nil
	}))

	if err := b.Publish(ctx, "orders", "bad", nil, nil); !errors.Is(err, boom) {
		t.Errorf("expected hook error, got %v", err)
	}
	if err := b.Publish(ctx, "orders", "good", nil, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if n := len(b.Records("orders")); n != 1 {
		t.Errorf("expected 1 record, got %d", n)
	}
}

func TestSubscribeValidation(t *testing.T) {
	b := New()
	if _, err := b.Subscribe(""); !errors.Is(err, broker.ErrGroupRequired) {
		t.Errorf("expected ErrGroupRequired, got %v", err)
	}
	if _, err := b.Subscribe("g"); !errors.Is(err, broker.ErrNoTopics) {
		t.Errorf("expected ErrNoTopics, got %v", err)
	}
}
