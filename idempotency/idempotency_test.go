package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rbaliyan/courier/outbox"
	"github.com/redis/go-redis/v9"
	"syreclabs.com/go/faker"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

// testStores returns every store implementation sharing a movable clock.
func testStores(t *testing.T) map[string]Store {
	t.Helper()

	mem := NewMemoryStore(time.Hour)
	t.Cleanup(mem.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	sqlStore := NewSQLStore(db, outbox.SQLite, WithSQLTTL(time.Hour), WithSQLCleanupInterval(0))
	if err := sqlStore.CreateTable(context.Background()); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	return map[string]Store{
		"memory": mem,
		"redis":  NewRedisStore(rdb, time.Hour),
		"sql":    sqlStore,
	}
}

func TestStores(t *testing.T) {
	ctx := context.Background()

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			id := faker.Lorem().Characters(12)

			isDuplicate, err := store.IsDuplicate(ctx, id)
			if err != nil {
				t.Fatalf("IsDuplicate failed: %v", err)
			}
			if isDuplicate {
				t.Error("expected false for new message")
			}

			// checking does not reserve the id
			if isDuplicate, _ := store.IsDuplicate(ctx, id); isDuplicate {
				t.Error("IsDuplicate must not mark the message")
			}

			if err := store.MarkProcessed(ctx, id); err != nil {
				t.Fatalf("MarkProcessed failed: %v", err)
			}
			if isDuplicate, _ := store.IsDuplicate(ctx, id); !isDuplicate {
				t.Error("expected true for processed message")
			}

			// marking twice refreshes the entry
			if err := store.MarkProcessed(ctx, id); err != nil {
				t.Fatalf("second MarkProcessed failed: %v", err)
			}

			if isDuplicate, _ := store.IsDuplicate(ctx, id+"-other"); isDuplicate {
				t.Error("other message should not be duplicate")
			}

			if err := store.Remove(ctx, id); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
			if isDuplicate, _ := store.IsDuplicate(ctx, id); isDuplicate {
				t.Error("expected message to be removed")
			}
			if err := store.Remove(ctx, "never-existed"); err != nil {
				t.Errorf("Remove non-existent should not error: %v", err)
			}
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("expired entries return false", func(t *testing.T) {
		store := NewMemoryStore(time.Minute)
		defer store.Close()

		now := time.Now()
		store.now = func() time.Time { return now }
		store.MarkProcessed(ctx, "msg-1")

		if isDuplicate, _ := store.IsDuplicate(ctx, "msg-1"); !isDuplicate {
			t.Error("expected duplicate before expiry")
		}

		store.now = func() time.Time { return now.Add(time.Minute) }
		if isDuplicate, _ := store.IsDuplicate(ctx, "msg-1"); isDuplicate {
			t.Error("expected not duplicate after expiry")
		}

		store.purge()
		if store.Len() != 0 {
			t.Errorf("expected expired entry purged, got %d", store.Len())
		}
	})

	t.Run("Close can be called multiple times", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)
		store.Close()
		store.Close()
	})

	t.Run("concurrent access is safe", func(t *testing.T) {
		store := NewMemoryStore(time.Hour)
		defer store.Close()

		var wg sync.WaitGroup
		for range 100 {
			wg.Add(3)
			go func() {
				defer wg.Done()
				store.MarkProcessed(ctx, "msg-concurrent")
			}()
			go func() {
				defer wg.Done()
				store.IsDuplicate(ctx, "msg-concurrent")
			}()
			go func() {
				defer wg.Done()
				store.Remove(ctx, "msg-concurrent")
			}()
		}
		wg.Wait()
	})
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisStore(rdb, time.Hour).WithPrefix("billing:")
	if err := store.MarkProcessed(ctx, "msg-1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	if !mr.Exists("billing:msg-1") {
		t.Fatal("expected prefixed key")
	}
	if ttl := mr.TTL("billing:msg-1"); ttl != time.Hour {
		t.Errorf("expected 1h TTL, got %v", ttl)
	}

	mr.FastForward(time.Hour)
	if isDuplicate, _ := store.IsDuplicate(ctx, "msg-1"); isDuplicate {
		t.Error("expected entry to expire")
	}
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()

	newStore := func(t *testing.T) (*SQLStore, *sql.DB) {
		t.Helper()
		db, err := sql.Open("sqlite3", ":memory:")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { db.Close() })

		store := NewSQLStore(db, outbox.SQLite, WithSQLTable("dedup"), WithSQLCleanupInterval(0))
		t.Cleanup(func() { store.Close() })
		if err := store.CreateTable(ctx); err != nil {
			t.Fatalf("CreateTable failed: %v", err)
		}
		return store, db
	}

	t.Run("joins the caller transaction", func(t *testing.T) {
		store, db := newStore(t)

		errHandler := errors.New("handler failed")
		err := outbox.RunInTx(ctx, db, func(ctx context.Context) error {
			if err := store.MarkProcessed(ctx, "msg-1"); err != nil {
				return err
			}
			if isDuplicate, _ := store.IsDuplicate(ctx, "msg-1"); !isDuplicate {
				t.Error("mark should be visible inside the transaction")
			}
			return errHandler
		})
		if !errors.Is(err, errHandler) {
			t.Fatalf("expected %v, got %v", errHandler, err)
		}

		if isDuplicate, _ := store.IsDuplicate(ctx, "msg-1"); isDuplicate {
			t.Error("rolled back mark must not be visible")
		}
	})

	t.Run("purge expired", func(t *testing.T) {
		store, _ := newStore(t)
		now := time.Now()
		store.now = func() time.Time { return now.Add(-48 * time.Hour) }
		store.MarkProcessed(ctx, "old")
		store.now = func() time.Time { return now }
		store.MarkProcessed(ctx, "new")

		if isDuplicate, _ := store.IsDuplicate(ctx, "old"); isDuplicate {
			t.Error("expired entry should not be duplicate")
		}

		deleted, err := store.Purge(ctx)
		if err != nil || deleted != 1 {
			t.Errorf("expected 1 purged, got (%d, %v)", deleted, err)
		}
		if isDuplicate, _ := store.IsDuplicate(ctx, "new"); !isDuplicate {
			t.Error("fresh entry should survive purge")
		}
	})
}

func TestKey(t *testing.T) {
	if got := Key("billing", "A1"); got != "billing:A1" {
		t.Errorf("expected billing:A1, got %s", got)
	}
	if got := Key("", "A1"); got != "A1" {
		t.Errorf("expected A1, got %s", got)
	}
}
