package outbox

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newSQLiteRepository(t *testing.T) (*SQLRepository, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// every connection of :memory: is its own database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	repo := NewSQLRepository(db, SQLite).WithTableName("orders_outbox")
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	return repo, db
}

func countRows(t *testing.T, db *sql.DB, where string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM orders_outbox " + where).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestSQLRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueue joins the caller transaction", func(t *testing.T) {
		repo, db := newSQLiteRepository(t)
		p, _ := newTestProducer(t)
		q := NewQueue(repo, p.Factory(), nil)

		errBusiness := errors.New("order rejected")
		err := RunInTx(ctx, db, func(ctx context.Context) error {
			if _, err := q.Enqueue(ctx, orderCreated{OrderID: "A1"}); err != nil {
				return err
			}
			return errBusiness
		})
		if !errors.Is(err, errBusiness) {
			t.Fatalf("expected %v, got %v", errBusiness, err)
		}
		if n := countRows(t, db, ""); n != 0 {
			t.Errorf("rolled back enqueue left %d rows", n)
		}

		err = RunInTx(ctx, db, func(ctx context.Context) error {
			_, err := q.Enqueue(ctx, orderCreated{OrderID: "A2"}, orderShipped{OrderID: "A2"})
			return err
		})
		if err != nil {
			t.Fatalf("RunInTx failed: %v", err)
		}
		if n := countRows(t, db, ""); n != 2 {
			t.Errorf("expected 2 rows, got %d", n)
		}
	})

	t.Run("panic rolls back", func(t *testing.T) {
		repo, db := newSQLiteRepository(t)
		p, _ := newTestProducer(t)
		q := NewQueue(repo, p.Factory(), nil)

		func() {
			defer func() {
				if recover() == nil {
					t.Error("expected panic to propagate")
				}
			}()
			RunInTx(ctx, db, func(ctx context.Context) error {
				q.Enqueue(ctx, orderCreated{OrderID: "A1"})
				panic("boom")
			})
		}()

		if n := countRows(t, db, ""); n != 0 {
			t.Errorf("expected no rows, got %d", n)
		}
	})

	t.Run("fetch and mark", func(t *testing.T) {
		repo, db := newSQLiteRepository(t)
		occurred := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
		rows := []*Row{
			{ID: "A1", CorrelationID: "C1", Topic: "orders", PartitionKey: "k1", Type: "order_created", Format: "application/json", Payload: []byte(`{"n":1}`), OccurredAt: occurred},
			{ID: "A2", CorrelationID: "C2", Topic: "orders", PartitionKey: "k2", Type: "order_created", Format: "application/json", Payload: []byte(`{"n":2}`), OccurredAt: occurred},
			{ID: "A3", CorrelationID: "C3", Topic: "orders", PartitionKey: "k3", Type: "order_created", Format: "application/json", Payload: []byte(`{"n":3}`), OccurredAt: occurred},
		}
		if err := repo.Add(ctx, rows...); err != nil {
			t.Fatalf("Add failed: %v", err)
		}

		uow, err := repo.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		fetched, err := uow.FetchUnpublished(ctx, 2)
		if err != nil {
			t.Fatalf("FetchUnpublished failed: %v", err)
		}
		if len(fetched) != 2 || fetched[0].ID != "A1" || fetched[1].ID != "A2" {
			t.Fatalf("unexpected rows: %+v", fetched)
		}
		if string(fetched[0].Payload) != `{"n":1}` || !fetched[0].OccurredAt.Equal(occurred) {
			t.Errorf("row not round-tripped: %+v", fetched[0])
		}

		if err := uow.MarkProcessed(ctx, fetched[0]); err != nil {
			t.Fatalf("MarkProcessed failed: %v", err)
		}
		if err := uow.Rollback(ctx); err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}
		if n := countRows(t, db, "WHERE processed_at IS NULL"); n != 3 {
			t.Errorf("rollback kept marks, %d unprocessed", n)
		}

		uow, _ = repo.Begin(ctx)
		fetched, _ = uow.FetchUnpublished(ctx, 0)
		if len(fetched) != 3 {
			t.Fatalf("expected 3 rows, got %d", len(fetched))
		}
		uow.MarkProcessed(ctx, fetched[0])
		if err := uow.Commit(ctx); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		if n := countRows(t, db, "WHERE processed_at IS NULL"); n != 2 {
			t.Errorf("expected 2 unprocessed, got %d", n)
		}
		if err := uow.Rollback(ctx); err != nil {
			t.Errorf("rollback after commit should be a no-op, got %v", err)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		repo, _ := newSQLiteRepository(t)
		row := &Row{ID: "A1", Payload: []byte("{}"), OccurredAt: time.Now()}
		if err := repo.Add(ctx, row); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if err := repo.Add(ctx, row); err == nil {
			t.Error("expected unique constraint violation")
		}
	})

	t.Run("dispatch", func(t *testing.T) {
		repo, db := newSQLiteRepository(t)
		p, pub := newTestProducer(t)
		q := NewQueue(repo, p.Factory(), nil)
		d := NewDispatcher(repo, p, nil)

		err := RunInTx(ctx, db, func(ctx context.Context) error {
			_, err := q.Enqueue(ctx, orderCreated{OrderID: "A1", Amount: 42})
			return err
		})
		if err != nil {
			t.Fatalf("RunInTx failed: %v", err)
		}

		if err := d.Dispatch(ctx); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		msgs := pub.Messages()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		want := `{"messageId":"A1","type":"order_created","data":{"orderId":"A1","amount":42}}`
		if string(msgs[0].Value) != want {
			t.Errorf("expected %s, got %s", want, msgs[0].Value)
		}
		if n := countRows(t, db, "WHERE processed_at IS NULL"); n != 0 {
			t.Errorf("expected all rows processed, got %d unprocessed", n)
		}
	})

	t.Run("delete processed", func(t *testing.T) {
		repo, db := newSQLiteRepository(t)
		now := time.Now().UTC()
		repo.now = func() time.Time { return now.Add(-2 * time.Hour) }
		repo.Add(ctx, &Row{ID: "A1", Payload: []byte("{}"), OccurredAt: now}, &Row{ID: "A2", Payload: []byte("{}"), OccurredAt: now})

		uow, _ := repo.Begin(ctx)
		rows, _ := uow.FetchUnpublished(ctx, 1)
		uow.MarkProcessed(ctx, rows[0])
		uow.Commit(ctx)

		repo.now = func() time.Time { return now }
		deleted, err := repo.DeleteProcessed(ctx, time.Hour)
		if err != nil || deleted != 1 {
			t.Errorf("expected 1 deleted, got (%d, %v)", deleted, err)
		}
		if n := countRows(t, db, ""); n != 1 {
			t.Errorf("expected 1 remaining row, got %d", n)
		}
	})
}

func TestPostgresDialect(t *testing.T) {
	if got := Postgres.Placeholder(3); got != "$3" {
		t.Errorf("expected $3, got %s", got)
	}
	stmts := Postgres.Schema("outbox")
	if len(stmts) != 2 {
		t.Errorf("expected table and index statements, got %d", len(stmts))
	}
}
