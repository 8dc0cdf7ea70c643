package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/courier/outbox"
)

// SQLStore implements Store on database/sql for PostgreSQL and SQLite.
//
// IsDuplicate and MarkProcessed run inside the transaction carried by ctx
// (see outbox.WithTx), so a handler can mark the message in the same
// transaction as its business writes: either both commit or neither does.
//
// Table schema:
//
//	CREATE TABLE courier_idempotency (
//	    message_id   VARCHAR(255) PRIMARY KEY,
//	    processed_at TIMESTAMPTZ NOT NULL,
//	    expires_at   TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX courier_idempotency_expires ON courier_idempotency(expires_at);
//
// Example:
//
//	store := idempotency.NewSQLStore(db, outbox.Postgres,
//	    idempotency.WithSQLTTL(7*24*time.Hour))
//	defer store.Close()
//
//	err := outbox.RunInTx(ctx, db, func(ctx context.Context) error {
//	    if err := applyPayment(ctx, p); err != nil {
//	        return err
//	    }
//	    return store.MarkProcessed(ctx, mc.MessageID)
//	})
type SQLStore struct {
	db              *sql.DB
	dialect         outbox.Dialect
	table           string
	ttl             time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	logger          *slog.Logger
	stopCleanup     chan struct{}
	once            sync.Once
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithSQLTTL sets how long processed ids are remembered.
// Default: 24 hours.
func WithSQLTTL(ttl time.Duration) SQLOption {
	return func(s *SQLStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSQLTable sets the table name.
// Default: "courier_idempotency".
func WithSQLTable(table string) SQLOption {
	return func(s *SQLStore) {
		if table != "" {
			s.table = table
		}
	}
}

// WithSQLCleanupInterval sets how often expired rows are deleted.
// Zero disables the background cleanup. Default: 1 minute.
func WithSQLCleanupInterval(interval time.Duration) SQLOption {
	return func(s *SQLStore) {
		s.cleanupInterval = interval
	}
}

// WithSQLLogger sets a custom logger.
func WithSQLLogger(l *slog.Logger) SQLOption {
	return func(s *SQLStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSQLStore creates a store on db using dialect placeholders.
func NewSQLStore(db *sql.DB, dialect outbox.Dialect, opts ...SQLOption) *SQLStore {
	s := &SQLStore{
		db:              db,
		dialect:         dialect,
		table:           "courier_idempotency",
		ttl:             24 * time.Hour,
		cleanupInterval: time.Minute,
		now:             time.Now,
		logger:          slog.Default().With("component", "idempotency.sql"),
		stopCleanup:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	}

	return s
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) conn(ctx context.Context) querier {
	if tx, ok := outbox.TxFromContext(ctx); ok {
		return tx
	}
	return s.db
}

func (s *SQLStore) ph(n int) string {
	return s.dialect.Placeholder(n)
}

// IsDuplicate reports whether messageID is stored and not expired.
func (s *SQLStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE message_id = %s AND expires_at > %s
	`, s.table, s.ph(1), s.ph(2))

	var n int
	if err := s.conn(ctx).QueryRowContext(ctx, query, messageID, s.now().UTC()).Scan(&n); err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed upserts messageID with a fresh expiry.
func (s *SQLStore) MarkProcessed(ctx context.Context, messageID string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (message_id, processed_at, expires_at)
		VALUES (%s, %s, %s)
		ON CONFLICT (message_id) DO UPDATE
		SET processed_at = excluded.processed_at, expires_at = excluded.expires_at
	`, s.table, s.ph(1), s.ph(2), s.ph(3))

	now := s.now().UTC()
	if _, err := s.conn(ctx).ExecContext(ctx, query, messageID, now, now.Add(s.ttl)); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// Remove deletes messageID.
func (s *SQLStore) Remove(ctx context.Context, messageID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE message_id = %s`, s.table, s.ph(1))
	_, err := s.conn(ctx).ExecContext(ctx, query, messageID)
	return err
}

// Close stops the background cleanup. Safe to call multiple times.
func (s *SQLStore) Close() error {
	s.once.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *SQLStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if _, err := s.Purge(context.Background()); err != nil {
				s.logger.Error("failed to clean up idempotency entries", "error", err)
			}
		}
	}
}

// Purge deletes expired entries and returns how many were removed.
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= %s`, s.table, s.ph(1))
	result, err := s.db.ExecContext(ctx, query, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CreateTable creates the idempotency table if it doesn't exist.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.dialect.Name == outbox.Postgres.Name {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id   VARCHAR(255) PRIMARY KEY,
			processed_at %s NOT NULL,
			expires_at   %s NOT NULL
		)`, s.table, ts, ts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires ON %s(expires_at)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create idempotency table: %w", err)
		}
	}
	return nil
}

// Compile-time check
var _ Store = (*SQLStore)(nil)
