package outbox

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// PostgresListener shares outbox wake-ups between processes through
// PostgreSQL LISTEN/NOTIFY.
//
// NotifyTx sends the notification inside the caller's transaction so it is
// delivered only if the transaction commits.
//
// Example:
//
//	local := outbox.NewNotification(5 * time.Second)
//	listener := outbox.NewPostgresListener(dsn, db, local)
//	go listener.Listen(ctx)
//
//	err := outbox.RunInTx(ctx, db, func(ctx context.Context) error {
//	    if _, err := queue.Enqueue(ctx, OrderCreated{OrderID: "A1"}); err != nil {
//	        return err
//	    }
//	    return listener.NotifyTx(ctx)
//	})
type PostgresListener struct {
	dsn          string
	db           *sql.DB
	channel      string
	local        *Notification
	minReconnect time.Duration
	maxReconnect time.Duration
	pingInterval time.Duration
	logger       *slog.Logger
}

// NewPostgresListener creates a listener on the "courier_outbox" channel.
// dsn is used for the dedicated LISTEN connection and db for NOTIFY.
func NewPostgresListener(dsn string, db *sql.DB, local *Notification) *PostgresListener {
	if local == nil {
		local = NewNotification(DefaultDispatchInterval)
	}
	return &PostgresListener{
		dsn:          dsn,
		db:           db,
		channel:      "courier_outbox",
		local:        local,
		minReconnect: 100 * time.Millisecond,
		maxReconnect: 30 * time.Second,
		pingInterval: 90 * time.Second,
		logger:       slog.Default().With("component", "outbox.pg_listener"),
	}
}

// WithChannel sets the notification channel name.
//
// Returns the listener for method chaining.
func (l *PostgresListener) WithChannel(channel string) *PostgresListener {
	l.channel = channel
	return l
}

// WithLogger sets a custom logger.
//
// Returns the listener for method chaining.
func (l *PostgresListener) WithLogger(logger *slog.Logger) *PostgresListener {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// Notify wakes the local dispatcher and every listening process.
func (l *PostgresListener) Notify() {
	l.local.Notify()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := l.db.ExecContext(ctx, "SELECT pg_notify($1, '')", l.channel); err != nil {
		l.logger.Warn("failed to send outbox notification", "channel", l.channel, "error", err)
	}
}

// NotifyTx queues a notification in the transaction carried by ctx.
// Without a transaction it behaves like Notify.
func (l *PostgresListener) NotifyTx(ctx context.Context) error {
	tx, ok := TxFromContext(ctx)
	if !ok {
		l.Notify()
		return nil
	}
	_, err := tx.ExecContext(ctx, "SELECT pg_notify($1, '')", l.channel)
	return err
}

// Wait waits on the local notification.
func (l *PostgresListener) Wait(ctx context.Context) (bool, error) {
	return l.local.Wait(ctx)
}

// Listen forwards notifications to the local notification until ctx is
// cancelled. The pq listener reconnects on its own; a reconnect also wakes
// the dispatcher since notifications may have been missed meanwhile.
func (l *PostgresListener) Listen(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, l.minReconnect, l.maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Error("outbox listener connection event", "event", ev, "error", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return err
	}
	l.logger.Info("listening for outbox notifications", "channel", l.channel)

	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-listener.Notify:
			// nil notifications signal a reconnect
			l.local.Notify()
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("outbox listener ping failed", "error", err)
				}
			}()
		}
	}
}

// Compile-time checks
var (
	_ Notifier = (*PostgresListener)(nil)
	_ Waiter   = (*PostgresListener)(nil)
)
