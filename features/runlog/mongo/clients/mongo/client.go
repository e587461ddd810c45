// Package mongo implements the low-level MongoDB client used by the run
// event archive.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/relay/broker"
)

type (
	// Client exposes Mongo-backed operations for the run event archive.
	Client interface {
		health.Pinger

		Append(ctx context.Context, ev broker.Event) error
		List(ctx context.Context, runID string, fromSeq uint64, limit int) ([]broker.Event, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	eventDocument struct {
		RunID     string    `bson:"run_id"`
		Seq       uint64    `bson:"seq"`
		Kind      string    `bson:"kind"`
		Payload   []byte    `bson:"payload,omitempty"`
		Timestamp time.Time `bson:"timestamp"`
	}
)

const (
	defaultCollection = "run_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "runlog-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, coll: wrapper, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, ev broker.Event) error {
	if ev.RunID == "" {
		return errors.New("run id is required")
	}
	if ev.Seq == 0 {
		return errors.New("sequence number is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	err := c.coll.InsertOne(ctx, eventDocument{
		RunID:     ev.RunID,
		Seq:       ev.Seq,
		Kind:      string(ev.Kind),
		Payload:   ev.Payload,
		Timestamp: time.Now().UTC(),
	})
	// Re-mirrored events are already archived; the unique (run_id, seq)
	// index makes Append idempotent.
	if err != nil && mongodriver.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (c *client) List(ctx context.Context, runID string, fromSeq uint64, limit int) ([]broker.Event, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID, "seq": bson.M{"$gt": fromSeq}}
	cur, err := c.coll.Find(ctx, filter, bson.D{{Key: "seq", Value: 1}}, int64(limit))
	if err != nil {
		return nil, err
	}
	var docs []eventDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	events := make([]broker.Event, len(docs))
	for i, doc := range docs {
		events[i] = broker.Event{
			RunID:   doc.RunID,
			Seq:     doc.Seq,
			Kind:    broker.EventKind(doc.Kind),
			Payload: doc.Payload,
		}
	}
	return events, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

type collection interface {
	InsertOne(ctx context.Context, doc any) error
	Find(ctx context.Context, filter any, sort bson.D, limit int64) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) Find(ctx context.Context, filter any, sort bson.D, limit int64) (cursor, error) {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}
