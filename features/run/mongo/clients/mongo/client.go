// Package mongo hosts the MongoDB client backing the durable run store.
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

	"goa.design/relay/run"
)

const (
	defaultRunsCollection = "runs"
	defaultOpTimeout      = 5 * time.Second
	runClientName         = "run-mongo"
)

type (
	// Client exposes Mongo-backed operations for run records.
	Client interface {
		health.Pinger

		InsertRun(ctx context.Context, r run.Run) error
		LoadRun(ctx context.Context, runID string) (run.Run, error)
		ReplaceRun(ctx context.Context, r run.Run) error
		ListRunsByOwner(ctx context.Context, owner string) ([]run.Run, error)
		ListRunsByThread(ctx context.Context, threadID string) ([]run.Run, error)
		FindRunByIdempotencyKey(ctx context.Context, threadID, key string) (run.Run, error)
		CountActiveRunsByThread(ctx context.Context, threadID string) (int, error)
	}

	// Options configures the Mongo run client.
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

// New returns a Client backed by MongoDB. It creates the indexes the store
// relies on, including the unique partial index enforcing idempotency keys
// per thread.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultRunsCollection
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
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertRun(ctx context.Context, r run.Run) error {
	if r.ID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.coll.InsertOne(ctx, fromRun(r)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return run.ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (c *client) LoadRun(ctx context.Context, runID string) (run.Run, error) {
	if runID == "" {
		return run.Run{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := c.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Run{}, run.ErrNotFound
		}
		return run.Run{}, err
	}
	return doc.toRun(), nil
}

func (c *client) ReplaceRun(ctx context.Context, r run.Run) error {
	if r.ID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	matched, err := c.coll.ReplaceOne(ctx, bson.M{"run_id": r.ID}, fromRun(r))
	if err != nil {
		return err
	}
	if matched == 0 {
		return run.ErrNotFound
	}
	return nil
}

func (c *client) ListRunsByOwner(ctx context.Context, owner string) ([]run.Run, error) {
	return c.list(ctx, bson.M{"owner": owner})
}

func (c *client) ListRunsByThread(ctx context.Context, threadID string) ([]run.Run, error) {
	return c.list(ctx, bson.M{"thread_id": threadID})
}

func (c *client) FindRunByIdempotencyKey(ctx context.Context, threadID, key string) (run.Run, error) {
	if threadID == "" || key == "" {
		return run.Run{}, errors.New("thread id and idempotency key are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	filter := bson.M{"thread_id": threadID, "idempotency_key": key}
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Run{}, run.ErrNotFound
		}
		return run.Run{}, err
	}
	return doc.toRun(), nil
}

func (c *client) CountActiveRunsByThread(ctx context.Context, threadID string) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"thread_id": threadID,
		"status":    bson.M{"$nin": terminalStatuses()},
	}
	n, err := c.coll.CountDocuments(ctx, filter)
	return int(n), err
}

func (c *client) list(ctx context.Context, filter bson.M) ([]run.Run, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.coll.Find(ctx, filter, bson.D{{Key: "created_at", Value: -1}})
	if err != nil {
		return nil, err
	}
	var docs []runDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	runs := make([]run.Run, len(docs))
	for i, doc := range docs {
		runs[i] = doc.toRun()
	}
	return runs, nil
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

func terminalStatuses() []string {
	return []string{
		string(run.StatusCompleted),
		string(run.StatusFailed),
		string(run.StatusCancelled),
	}
}

type runDocument struct {
	RunID          string         `bson:"run_id"`
	ThreadID       string         `bson:"thread_id"`
	AssistantID    string         `bson:"assistant_id"`
	Owner          string         `bson:"owner"`
	Status         string         `bson:"status"`
	Input          []byte         `bson:"input,omitempty"`
	Config         map[string]any `bson:"config,omitempty"`
	Output         []byte         `bson:"output,omitempty"`
	Error          string         `bson:"error,omitempty"`
	CheckpointRef  string         `bson:"checkpoint_ref,omitempty"`
	IdempotencyKey string         `bson:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at"`
}

func fromRun(r run.Run) runDocument {
	return runDocument{
		RunID:          r.ID,
		ThreadID:       r.ThreadID,
		AssistantID:    r.AssistantID,
		Owner:          r.Owner,
		Status:         string(r.Status),
		Input:          r.Input,
		Config:         r.Config,
		Output:         r.Output,
		Error:          r.Error,
		CheckpointRef:  r.CheckpointRef,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func (doc runDocument) toRun() run.Run {
	return run.Run{
		ID:             doc.RunID,
		ThreadID:       doc.ThreadID,
		AssistantID:    doc.AssistantID,
		Owner:          doc.Owner,
		Status:         run.Status(doc.Status),
		Input:          doc.Input,
		Config:         doc.Config,
		Output:         doc.Output,
		Error:          doc.Error,
		CheckpointRef:  doc.CheckpointRef,
		IdempotencyKey: doc.IdempotencyKey,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "owner", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			// Idempotency keys are unique per thread. The partial filter
			// keeps runs without a key out of the index.
			Keys:    bson.D{{Key: "thread_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$gt": ""}}),
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

// collection narrows the driver API to what the client uses so tests can
// substitute an in-memory implementation.
type collection interface {
	InsertOne(ctx context.Context, doc any) error
	FindOne(ctx context.Context, filter any) singleResult
	ReplaceOne(ctx context.Context, filter, doc any) (int64, error)
	Find(ctx context.Context, filter any, sort bson.D) (cursor, error)
	CountDocuments(ctx context.Context, filter any) (int64, error)
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

func (c mongoCollection) Find(ctx context.Context, filter any, sort bson.D) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any) (int64, error) {
	return c.coll.CountDocuments(ctx, filter)
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
