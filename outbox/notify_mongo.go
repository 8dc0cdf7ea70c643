package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/courier/broker"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoChangeNotifier wakes the dispatcher when rows are inserted into a
// MongoDB outbox, using a change stream on the collection.
//
// Any process inserting rows wakes every process watching, so Notify only
// needs to wake the local dispatcher.
//
// Example:
//
//	local := outbox.NewNotification(30 * time.Second)
//	notifier := outbox.NewMongoChangeNotifier(repo, local)
//	go notifier.Listen(ctx)
//
//	dispatcher := outbox.NewDispatcher(repo, producer, notifier)
type MongoChangeNotifier struct {
	collection *mongo.Collection
	local      *Notification
	logger     *slog.Logger
}

// NewMongoChangeNotifier creates a notifier watching repo's collection.
func NewMongoChangeNotifier(repo *MongoRepository, local *Notification) *MongoChangeNotifier {
	if local == nil {
		local = NewNotification(DefaultDispatchInterval)
	}
	return &MongoChangeNotifier{
		collection: repo.Collection(),
		local:      local,
		logger:     slog.Default().With("component", "outbox.mongo_notifier"),
	}
}

// WithLogger sets a custom logger.
//
// Returns the notifier for method chaining.
func (n *MongoChangeNotifier) WithLogger(l *slog.Logger) *MongoChangeNotifier {
	if l != nil {
		n.logger = l
	}
	return n
}

// Notify wakes the local dispatcher.
func (n *MongoChangeNotifier) Notify() {
	n.local.Notify()
}

// Wait waits on the local notification.
func (n *MongoChangeNotifier) Wait(ctx context.Context) (bool, error) {
	return n.local.Wait(ctx)
}

// Listen watches the collection until ctx is cancelled, reconnecting with
// backoff after stream errors. It returns nil on cancellation.
func (n *MongoChangeNotifier) Listen(ctx context.Context) error {
	backoff := &broker.Backoff{Initial: 100 * time.Millisecond, Max: 30 * time.Second}
	for {
		if err := n.watch(ctx, backoff); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := backoff.Next()
			n.logger.Error("change stream error, reconnecting", "error", err, "backoff", delay)
			if broker.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// watch creates a change stream and notifies on each insert.
func (n *MongoChangeNotifier) watch(ctx context.Context, backoff *broker.Backoff) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType": "insert",
		}}},
	}

	stream, err := n.collection.Watch(ctx, pipeline, options.ChangeStream())
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer stream.Close(context.WithoutCancel(ctx))

	n.logger.Info("change stream started")
	backoff.Reset()
	// rows inserted while the stream was down
	n.local.Notify()

	for stream.Next(ctx) {
		n.local.Notify()
	}

	if err := stream.Err(); err != nil {
		return fmt.Errorf("stream error: %w", err)
	}
	return nil
}

// Compile-time checks
var (
	_ Notifier = (*MongoChangeNotifier)(nil)
	_ Waiter   = (*MongoChangeNotifier)(nil)
)
