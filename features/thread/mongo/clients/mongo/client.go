// Package mongo hosts the MongoDB client backing the durable thread store.
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

	"goa.design/relay/thread"
)

const (
	defaultThreadsCollection = "threads"
	defaultOpTimeout         = 5 * time.Second
	threadClientName         = "thread-mongo"
)

type (
	// Client exposes Mongo-backed operations for thread records.
	Client interface {
		health.Pinger

		InsertThread(ctx context.Context, th *thread.Thread) error
		LoadThread(ctx context.Context, id string) (*thread.Thread, error)
		ReplaceThread(ctx context.Context, th *thread.Thread) error
		DeleteThread(ctx context.Context, id string) error
		ListThreadsByOwner(ctx context.Context, owner string) ([]*thread.Thread, error)
	}

	// Options configures the Mongo thread client.
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
)

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultThreadsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return threadClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertThread(ctx context.Context, th *thread.Thread) error {
	if th.ID == "" {
		return errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.coll.InsertOne(ctx, fromThread(th)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return thread.ErrExists
		}
		return err
	}
	return nil
}

func (c *client) LoadThread(ctx context.Context, id string) (*thread.Thread, error) {
	if id == "" {
		return nil, errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc threadDocument
	if err := c.coll.FindOne(ctx, bson.M{"thread_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, thread.ErrNotFound
		}
		return nil, err
	}
	return doc.toThread(), nil
}

func (c *client) ReplaceThread(ctx context.Context, th *thread.Thread) error {
	if th.ID == "" {
		return errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	matched, err := c.coll.ReplaceOne(ctx, bson.M{"thread_id": th.ID}, fromThread(th))
	if err != nil {
		return err
	}
	if matched == 0 {
		return thread.ErrNotFound
	}
	return nil
}

func (c *client) DeleteThread(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	deleted, err := c.coll.DeleteOne(ctx, bson.M{"thread_id": id})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return thread.ErrNotFound
	}
	return nil
}

func (c *client) ListThreadsByOwner(ctx context.Context, owner string) ([]*thread.Thread, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.coll.Find(ctx, bson.M{"owner": owner}, bson.D{{Key: "created_at", Value: -1}})
	if err != nil {
		return nil, err
	}
	var docs []threadDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	threads := make([]*thread.Thread, len(docs))
	for i, doc := range docs {
		threads[i] = doc.toThread()
	}
	return threads, nil
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

type threadDocument struct {
	ThreadID  string         `bson:"thread_id"`
	Owner     string         `bson:"owner"`
	Metadata  map[string]any `bson:"metadata,omitempty"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

func fromThread(th *thread.Thread) threadDocument {
	return threadDocument{
		ThreadID:  th.ID,
		Owner:     th.Owner,
		Metadata:  th.Metadata,
		CreatedAt: th.CreatedAt.UTC(),
		UpdatedAt: th.UpdatedAt.UTC(),
	}
}

func (doc threadDocument) toThread() *thread.Thread {
	return &thread.Thread{
		ID:        doc.ThreadID,
		Owner:     doc.Owner,
		Metadata:  doc.Metadata,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "thread_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "owner", Value: 1}, {Key: "created_at", Value: -1}},
		},
	}
	for _, index := range indexes {
		if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
			return err
		}
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}

type collection interface {
	InsertOne(ctx context.Context, doc any) error
	FindOne(ctx context.Context, filter any) singleResult
	ReplaceOne(ctx context.Context, filter, doc any) (int64, error)
	DeleteOne(ctx context.Context, filter any) (int64, error)
	Find(ctx context.Context, filter any, sort bson.D) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type singleResult interface {
	Decode(val any) error
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

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, doc any) (int64, error) {
	res, err := c.coll.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c mongoCollection) Find(ctx context.Context, filter any, sort bson.D) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(sort))
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
