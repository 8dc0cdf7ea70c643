package outbox

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: outbox

Document structure:
{
    "_id": string (message id),
    "correlation_id": string,
    "topic": string,
    "partition_key": string,
    "type": string,
    "format": string,
    "payload": Binary,
    "occurred_at": ISODate,
    "processed": bool,
    "processed_at": ISODate (optional)
}

Indexes:
- { "processed": 1, "occurred_at": 1 } for unprocessed row queries
- { "processed_at": 1 } for cleanup operations

Transactions require a replica set or sharded cluster.
*/

// mongoRow is the outbox document
type mongoRow struct {
	ID            string     `bson:"_id"`
	CorrelationID string     `bson:"correlation_id"`
	Topic         string     `bson:"topic"`
	PartitionKey  string     `bson:"partition_key"`
	Type          string     `bson:"type"`
	Format        string     `bson:"format"`
	Payload       []byte     `bson:"payload"`
	OccurredAt    time.Time  `bson:"occurred_at"`
	Processed     bool       `bson:"processed"`
	ProcessedAt   *time.Time `bson:"processed_at,omitempty"`
}

func (m *mongoRow) row() *Row {
	return &Row{
		ID:            m.ID,
		CorrelationID: m.CorrelationID,
		Topic:         m.Topic,
		PartitionKey:  m.PartitionKey,
		Type:          m.Type,
		Format:        m.Format,
		Payload:       m.Payload,
		OccurredAt:    m.OccurredAt.UTC(),
		Processed:     m.Processed,
		ProcessedAt:   m.ProcessedAt,
	}
}

// MongoRepository implements Repository, UnitOfWorkFactory and Cleaner on
// MongoDB.
//
// Add joins the caller's transaction when ctx is a mongo.SessionContext,
// for example inside RunInTransaction or mongo.Session.WithTransaction.
//
// Example:
//
//	repo := outbox.NewMongoRepository(client, client.Database("shop"))
//	if err := repo.EnsureIndexes(ctx); err != nil {
//	    return err
//	}
//
//	err := repo.RunInTransaction(ctx, func(ctx context.Context) error {
//	    if _, err := orders.InsertOne(ctx, order); err != nil {
//	        return err
//	    }
//	    _, err := queue.Enqueue(ctx, OrderCreated{OrderID: order.ID})
//	    return err
//	})
type MongoRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
	now        func() time.Time
}

// NewMongoRepository creates a repository on the "outbox" collection of db.
func NewMongoRepository(client *mongo.Client, db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		client:     client,
		collection: db.Collection("outbox"),
		now:        time.Now,
	}
}

// WithCollection sets a custom collection name.
//
// Returns the repository for method chaining.
func (r *MongoRepository) WithCollection(name string) *MongoRepository {
	r.collection = r.collection.Database().Collection(name)
	return r
}

// Collection returns the underlying collection.
func (r *MongoRepository) Collection() *mongo.Collection {
	return r.collection
}

// EnsureIndexes creates the required indexes for the outbox collection
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "processed", Value: 1},
				{Key: "occurred_at", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "processed_at", Value: 1},
			},
			Options: options.Index().SetSparse(true),
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// Add inserts rows, inside the caller's session when ctx carries one.
func (r *MongoRepository) Add(ctx context.Context, rows ...*Row) error {
	if len(rows) == 0 {
		return nil
	}

	docs := make([]any, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, &mongoRow{
			ID:            row.ID,
			CorrelationID: row.CorrelationID,
			Topic:         row.Topic,
			PartitionKey:  row.PartitionKey,
			Type:          row.Type,
			Format:        row.Format,
			Payload:       row.Payload,
			OccurredAt:    row.OccurredAt.UTC(),
		})
	}

	_, err := r.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrDuplicateRow, err)
	}
	return err
}

// RunInTransaction runs fn inside a MongoDB transaction. The context passed
// to fn is a mongo.SessionContext, so Add and any other collection call made
// with it join the transaction.
func (r *MongoRepository) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := r.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}

// Begin starts a dispatcher transaction.
func (r *MongoRepository) Begin(ctx context.Context) (UnitOfWork, error) {
	sess, err := r.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if err := sess.StartTransaction(); err != nil {
		sess.EndSession(ctx)
		return nil, fmt.Errorf("start transaction: %w", err)
	}
	return &mongoUnitOfWork{repo: r, sess: sess}, nil
}

// DeleteProcessed removes rows processed more than olderThan ago.
func (r *MongoRepository) DeleteProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	filter := bson.M{
		"processed":    true,
		"processed_at": bson.M{"$lt": r.now().UTC().Add(-olderThan)},
	}

	result, err := r.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

// Count returns the number of unprocessed rows.
func (r *MongoRepository) Count(ctx context.Context) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{"processed": false})
}

type mongoUnitOfWork struct {
	repo *MongoRepository
	sess mongo.Session
	done bool
}

func (u *mongoUnitOfWork) FetchUnpublished(ctx context.Context, limit int) ([]*Row, error) {
	if u.done {
		return nil, ErrUnitOfWorkDone
	}

	sctx := mongo.NewSessionContext(ctx, u.sess)
	opts := options.Find().
		SetSort(bson.D{{Key: "occurred_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := u.repo.collection.Find(sctx, bson.M{"processed": false}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(sctx)

	var docs []*mongoRow
	if err := cursor.All(sctx, &docs); err != nil {
		return nil, err
	}

	out := make([]*Row, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.row())
	}
	return out, nil
}

func (u *mongoUnitOfWork) MarkProcessed(ctx context.Context, row *Row) error {
	if u.done {
		return ErrUnitOfWorkDone
	}

	now := u.repo.now().UTC()
	sctx := mongo.NewSessionContext(ctx, u.sess)
	update := bson.M{
		"$set": bson.M{
			"processed":    true,
			"processed_at": now,
		},
	}
	if _, err := u.repo.collection.UpdateByID(sctx, row.ID, update); err != nil {
		return err
	}
	row.MarkProcessed(now)
	return nil
}

func (u *mongoUnitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return ErrUnitOfWorkDone
	}
	u.done = true
	defer u.sess.EndSession(ctx)
	return u.sess.CommitTransaction(ctx)
}

func (u *mongoUnitOfWork) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	defer u.sess.EndSession(ctx)
	return u.sess.AbortTransaction(ctx)
}

// Compile-time checks
var (
	_ Repository        = (*MongoRepository)(nil)
	_ UnitOfWorkFactory = (*MongoRepository)(nil)
	_ Cleaner           = (*MongoRepository)(nil)
	_ UnitOfWork        = (*mongoUnitOfWork)(nil)
)
