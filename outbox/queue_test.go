package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/courier"
	"syreclabs.com/go/faker"
)

func TestQueueEnqueue(t *testing.T) {
	ctx := context.Background()
	occurred := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))

	newQueue := func(t *testing.T, repo Repository, n Notifier) *Queue {
		p, _ := newTestProducer(t)
		return NewQueue(repo, p.Factory(), n).
			WithCorrelationIDGenerator(sequentialIDs("C")).
			WithClock(func() time.Time { return occurred })
	}

	t.Run("writes one row per event", func(t *testing.T) {
		repo := NewMemoryRepository()
		notified := 0
		q := newQueue(t, repo, NotifierFunc(func() { notified++ }))

		n, err := q.Enqueue(ctx, orderCreated{OrderID: "A1", Amount: 42}, orderShipped{OrderID: "A1"})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if notified != 0 {
			t.Error("Enqueue must not notify")
		}

		want := []Row{
			{
				ID:            "A1",
				CorrelationID: "C1",
				Topic:         "orders",
				PartitionKey:  "A1",
				Type:          "order_created",
				Format:        "application/json",
				Payload:       []byte(`{"messageId":"A1","type":"order_created","data":{"orderId":"A1","amount":42}}`),
				OccurredAt:    occurred.UTC(),
			},
			{
				ID:            "A2",
				CorrelationID: "C2",
				Topic:         "shipments",
				PartitionKey:  "A1",
				Type:          "order_shipped",
				Format:        "application/json",
				Payload:       []byte(`{"messageId":"A2","type":"order_shipped","data":{"orderId":"A1"}}`),
				OccurredAt:    occurred.UTC(),
			},
		}
		if diff := cmp.Diff(want, repo.Rows()); diff != "" {
			t.Errorf("diff : %v", diff)
		}

		n.Notify()
		if notified != 1 {
			t.Errorf("expected returned notifier to notify, got %d", notified)
		}
	})

	t.Run("unregistered event writes nothing", func(t *testing.T) {
		repo := NewMemoryRepository()
		q := newQueue(t, repo, NewNotification(time.Second))

		_, err := q.Enqueue(ctx, orderCreated{OrderID: "A1"}, unregistered{})
		if !errors.Is(err, courier.ErrUnregisteredMessageType) {
			t.Errorf("expected ErrUnregisteredMessageType, got %v", err)
		}
		if len(repo.Rows()) != 0 {
			t.Errorf("expected no rows, got %d", len(repo.Rows()))
		}
	})

	t.Run("repository error is returned", func(t *testing.T) {
		errStore := errors.New(faker.Lorem().Sentence(3))
		q := newQueue(t, failingRepository{err: errStore}, NewNotification(time.Second))

		if _, err := q.Enqueue(ctx, orderCreated{OrderID: "A1"}); !errors.Is(err, errStore) {
			t.Errorf("expected %v, got %v", errStore, err)
		}
	})

	t.Run("no events", func(t *testing.T) {
		repo := NewMemoryRepository()
		q := newQueue(t, repo, NewNotification(time.Second))
		n, err := q.Enqueue(ctx)
		if err != nil || n == nil {
			t.Errorf("expected notifier and nil error, got (%v, %v)", n, err)
		}
	})
}

type failingRepository struct {
	err error
}

func (r failingRepository) Add(context.Context, ...*Row) error {
	return r.err
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate id", func(t *testing.T) {
		repo := NewMemoryRepository()
		if err := repo.Add(ctx, &Row{ID: "A1"}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if err := repo.Add(ctx, &Row{ID: "A2"}, &Row{ID: "A1"}); !errors.Is(err, ErrDuplicateRow) {
			t.Errorf("expected ErrDuplicateRow, got %v", err)
		}
		if len(repo.Rows()) != 1 {
			t.Errorf("expected the batch to be rejected atomically")
		}
	})

	t.Run("marks visible after commit only", func(t *testing.T) {
		repo := NewMemoryRepository()
		repo.Add(ctx, &Row{ID: "A1"}, &Row{ID: "A2"}, &Row{ID: "A3"})

		uow, _ := repo.Begin(ctx)
		rows, _ := uow.FetchUnpublished(ctx, 2)
		if len(rows) != 2 || rows[0].ID != "A1" || rows[1].ID != "A2" {
			t.Fatalf("unexpected rows: %+v", rows)
		}
		uow.MarkProcessed(ctx, rows[0])
		if repo.Pending() != 3 {
			t.Error("mark leaked before commit")
		}
		uow.Rollback(ctx)
		if repo.Pending() != 3 {
			t.Error("rollback kept a mark")
		}

		uow, _ = repo.Begin(ctx)
		rows, _ = uow.FetchUnpublished(ctx, 0)
		uow.MarkProcessed(ctx, rows[0])
		if err := uow.Commit(ctx); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		if repo.Pending() != 2 {
			t.Errorf("expected 2 pending, got %d", repo.Pending())
		}
		if err := uow.Commit(ctx); !errors.Is(err, ErrUnitOfWorkDone) {
			t.Errorf("expected ErrUnitOfWorkDone, got %v", err)
		}
		if err := uow.Rollback(ctx); err != nil {
			t.Errorf("rollback after commit should be a no-op, got %v", err)
		}
	})

	t.Run("begin waits for previous unit of work", func(t *testing.T) {
		repo := NewMemoryRepository()
		uow, _ := repo.Begin(ctx)

		short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		if _, err := repo.Begin(short); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded, got %v", err)
		}

		uow.Rollback(ctx)
		next, err := repo.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		next.Rollback(ctx)
	})

	t.Run("delete processed", func(t *testing.T) {
		repo := NewMemoryRepository()
		now := time.Now()
		repo.now = func() time.Time { return now.Add(-2 * time.Hour) }
		repo.Add(ctx, &Row{ID: "A1"}, &Row{ID: "A2"})

		uow, _ := repo.Begin(ctx)
		rows, _ := uow.FetchUnpublished(ctx, 1)
		uow.MarkProcessed(ctx, rows[0])
		uow.Commit(ctx)

		repo.now = func() time.Time { return now }
		deleted, err := repo.DeleteProcessed(ctx, time.Hour)
		if err != nil || deleted != 1 {
			t.Errorf("expected 1 deleted, got (%d, %v)", deleted, err)
		}
		if rows := repo.Rows(); len(rows) != 1 || rows[0].ID != "A2" {
			t.Errorf("unexpected remaining rows: %+v", rows)
		}
	})
}
