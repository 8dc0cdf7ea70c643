package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Dialect adapts SQLRepository queries to a database.
type Dialect struct {
	// Name identifies the dialect in logs and errors.
	Name string
	// Placeholder returns the bind parameter for the n-th argument (1-based).
	Placeholder func(n int) string
	// LockClause is appended to the fetch query to lock the selected rows.
	LockClause string
	// Schema returns the DDL statements for table.
	Schema func(table string) []string
}

// Postgres is the PostgreSQL dialect (github.com/lib/pq).
//
// Fetching uses SELECT FOR UPDATE SKIP LOCKED so that concurrent
// dispatchers never publish the same row at the same time.
//
// Schema:
//
//	CREATE TABLE outbox (
//	    seq            BIGSERIAL PRIMARY KEY,
//	    id             VARCHAR(64) NOT NULL UNIQUE,
//	    correlation_id VARCHAR(64) NOT NULL,
//	    topic          VARCHAR(255) NOT NULL,
//	    partition_key  VARCHAR(255) NOT NULL,
//	    type           VARCHAR(255) NOT NULL,
//	    format         VARCHAR(64) NOT NULL,
//	    payload        BYTEA NOT NULL,
//	    occurred_at    TIMESTAMPTZ NOT NULL,
//	    processed_at   TIMESTAMPTZ
//	);
//	CREATE INDEX outbox_unprocessed ON outbox (seq) WHERE processed_at IS NULL;
var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	LockClause:  "FOR UPDATE SKIP LOCKED",
	Schema: func(table string) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				seq            BIGSERIAL PRIMARY KEY,
				id             VARCHAR(64) NOT NULL UNIQUE,
				correlation_id VARCHAR(64) NOT NULL,
				topic          VARCHAR(255) NOT NULL,
				partition_key  VARCHAR(255) NOT NULL,
				type           VARCHAR(255) NOT NULL,
				format         VARCHAR(64) NOT NULL,
				payload        BYTEA NOT NULL,
				occurred_at    TIMESTAMPTZ NOT NULL,
				processed_at   TIMESTAMPTZ
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_unprocessed ON %s (seq) WHERE processed_at IS NULL`, table, table),
		}
	},
}

// SQLite is the SQLite dialect (github.com/mattn/go-sqlite3).
// SQLite locks the whole database on write, so no lock clause is needed.
var SQLite = Dialect{
	Name:        "sqlite3",
	Placeholder: func(int) string { return "?" },
	Schema: func(table string) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				seq            INTEGER PRIMARY KEY AUTOINCREMENT,
				id             TEXT NOT NULL UNIQUE,
				correlation_id TEXT NOT NULL,
				topic          TEXT NOT NULL,
				partition_key  TEXT NOT NULL,
				type           TEXT NOT NULL,
				format         TEXT NOT NULL,
				payload        BLOB NOT NULL,
				occurred_at    TIMESTAMP NOT NULL,
				processed_at   TIMESTAMP
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_unprocessed ON %s (processed_at, seq)`, table, table),
		}
	},
}

// execer is implemented by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLRepository implements Repository, UnitOfWorkFactory and Cleaner on
// database/sql.
//
// Add writes through the transaction carried in ctx (see WithTx and
// RunInTx), or directly through the database when there is none.
//
// Example:
//
//	db, _ := sql.Open("postgres", connString)
//	repo := outbox.NewSQLRepository(db, outbox.Postgres).
//	    WithTableName("orders_outbox")
//	if err := repo.EnsureSchema(ctx); err != nil {
//	    return err
//	}
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time
}

// NewSQLRepository creates a repository on db.
// The default table name is "outbox".
func NewSQLRepository(db *sql.DB, dialect Dialect) *SQLRepository {
	return &SQLRepository{
		db:      db,
		dialect: dialect,
		table:   "outbox",
		now:     time.Now,
	}
}

// WithTableName sets a custom table name.
//
// Returns the repository for method chaining.
func (r *SQLRepository) WithTableName(name string) *SQLRepository {
	r.table = name
	return r
}

// EnsureSchema creates the outbox table and index if they don't exist.
func (r *SQLRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range r.dialect.Schema(r.table) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create outbox schema: %w", err)
		}
	}
	return nil
}

// placeholders returns "p1, p2, ..., pn" for the dialect
func (r *SQLRepository) placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = r.dialect.Placeholder(from + i)
	}
	return strings.Join(ps, ", ")
}

// Add inserts rows within the transaction carried by ctx.
func (r *SQLRepository) Add(ctx context.Context, rows ...*Row) error {
	if len(rows) == 0 {
		return nil
	}

	var ex execer = r.db
	if tx, ok := TxFromContext(ctx); ok {
		ex = tx
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, correlation_id, topic, partition_key, type, format, payload, occurred_at)
		VALUES (%s)
	`, r.table, r.placeholders(1, 8))

	for _, row := range rows {
		_, err := ex.ExecContext(ctx, query,
			row.ID,
			row.CorrelationID,
			row.Topic,
			row.PartitionKey,
			row.Type,
			row.Format,
			row.Payload,
			row.OccurredAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert outbox row %s: %w", row.ID, err)
		}
	}
	return nil
}

// Begin starts a dispatcher transaction.
func (r *SQLRepository) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlUnitOfWork{repo: r, tx: tx}, nil
}

// DeleteProcessed removes rows processed more than olderThan ago.
func (r *SQLRepository) DeleteProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE processed_at IS NOT NULL AND processed_at < %s
	`, r.table, r.dialect.Placeholder(1))

	result, err := r.db.ExecContext(ctx, query, r.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type sqlUnitOfWork struct {
	repo *SQLRepository
	tx   *sql.Tx
	done bool
}

func (u *sqlUnitOfWork) FetchUnpublished(ctx context.Context, limit int) ([]*Row, error) {
	if u.done {
		return nil, ErrUnitOfWorkDone
	}

	r := u.repo
	var (
		limitClause string
		args        []any
	)
	if limit > 0 {
		limitClause = "LIMIT " + r.dialect.Placeholder(1)
		args = append(args, limit)
	}

	query := fmt.Sprintf(`
		SELECT id, correlation_id, topic, partition_key, type, format, payload, occurred_at
		FROM %s
		WHERE processed_at IS NULL
		ORDER BY seq
		%s
		%s
	`, r.table, limitClause, r.dialect.LockClause)

	rows, err := u.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		var row Row
		err := rows.Scan(
			&row.ID,
			&row.CorrelationID,
			&row.Topic,
			&row.PartitionKey,
			&row.Type,
			&row.Format,
			&row.Payload,
			&row.OccurredAt,
		)
		if err != nil {
			return nil, err
		}
		row.OccurredAt = row.OccurredAt.UTC()
		out = append(out, &row)
	}
	return out, rows.Err()
}

func (u *sqlUnitOfWork) MarkProcessed(ctx context.Context, row *Row) error {
	if u.done {
		return ErrUnitOfWorkDone
	}

	r := u.repo
	now := r.now().UTC()
	query := fmt.Sprintf(`
		UPDATE %s
		SET processed_at = %s
		WHERE id = %s
	`, r.table, r.dialect.Placeholder(1), r.dialect.Placeholder(2))

	if _, err := u.tx.ExecContext(ctx, query, now, row.ID); err != nil {
		return err
	}
	row.MarkProcessed(now)
	return nil
}

func (u *sqlUnitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return ErrUnitOfWorkDone
	}
	u.done = true
	return u.tx.Commit()
}

func (u *sqlUnitOfWork) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Compile-time checks
var (
	_ Repository        = (*SQLRepository)(nil)
	_ UnitOfWorkFactory = (*SQLRepository)(nil)
	_ Cleaner           = (*SQLRepository)(nil)
	_ UnitOfWork        = (*sqlUnitOfWork)(nil)
)
