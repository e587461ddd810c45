// Package mongo hosts the MongoDB client backing the durable assistant
// store.
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

	"goa.design/relay/assistant"
)

const (
	defaultAssistantsCollection = "assistants"
	defaultOpTimeout            = 5 * time.Second
	assistantClientName         = "assistant-mongo"
)

type (
	// Client exposes Mongo-backed operations for assistant records.
	Client interface {
		health.Pinger

		InsertAssistant(ctx context.Context, a *assistant.Assistant) error
		LoadAssistant(ctx context.Context, id string) (*assistant.Assistant, error)
		ReplaceAssistant(ctx context.Context, a *assistant.Assistant) error
		DeleteAssistant(ctx context.Context, id string) error
		SearchAssistants(ctx context.Context, f assistant.SearchFilter) ([]*assistant.Assistant, error)
	}

	// Options configures the Mongo assistant client.
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
		collName = defaultAssistantsCollection
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
	return &client{mongo: opts.Client, coll: wrapper, timeout: timeout}, nil
}

func (c *client) Name() string {
	return assistantClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertAssistant(ctx context.Context, a *assistant.Assistant) error {
	if a.ID == "" {
		return errors.New("assistant id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.coll.InsertOne(ctx, fromAssistant(a)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return assistant.ErrExists
		}
		return err
	}
	return nil
}

func (c *client) LoadAssistant(ctx context.Context, id string) (*assistant.Assistant, error) {
	if id == "" {
		return nil, errors.New("assistant id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc assistantDocument
	if err := c.coll.FindOne(ctx, bson.M{"assistant_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, assistant.ErrNotFound
		}
		return nil, err
	}
	return doc.toAssistant(), nil
}

func (c *client) ReplaceAssistant(ctx context.Context, a *assistant.Assistant) error {
	if a.ID == "" {
		return errors.New("assistant id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	matched, err := c.coll.ReplaceOne(ctx, bson.M{"assistant_id": a.ID}, fromAssistant(a))
	if err != nil {
		return err
	}
	if matched == 0 {
		return assistant.ErrNotFound
	}
	return nil
}

func (c *client) DeleteAssistant(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("assistant id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	deleted, err := c.coll.DeleteOne(ctx, bson.M{"assistant_id": id})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return assistant.ErrNotFound
	}
	return nil
}

func (c *client) SearchAssistants(ctx context.Context, f assistant.SearchFilter) ([]*assistant.Assistant, error) {
	if f.Owner == "" {
		return nil, errors.New("owner is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"owner": f.Owner}
	if f.GraphRef != "" {
		filter["graph_ref"] = f.GraphRef
	}
	cur, err := c.coll.Find(ctx, filter, bson.D{{Key: "created_at", Value: -1}}, int64(f.Offset), int64(f.Limit))
	if err != nil {
		return nil, err
	}
	var docs []assistantDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	assistants := make([]*assistant.Assistant, len(docs))
	for i, doc := range docs {
		assistants[i] = doc.toAssistant()
	}
	return assistants, nil
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

type assistantDocument struct {
	AssistantID  string         `bson:"assistant_id"`
	Name         string         `bson:"name"`
	Owner        string         `bson:"owner"`
	GraphRef     string         `bson:"graph_ref"`
	Config       map[string]any `bson:"config,omitempty"`
	ConfigSchema []byte         `bson:"config_schema,omitempty"`
	InputSchema  []byte         `bson:"input_schema,omitempty"`
	Metadata     map[string]any `bson:"metadata,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

func fromAssistant(a *assistant.Assistant) assistantDocument {
	return assistantDocument{
		AssistantID:  a.ID,
		Name:         a.Name,
		Owner:        a.Owner,
		GraphRef:     a.GraphRef,
		Config:       a.Config,
		ConfigSchema: a.ConfigSchema,
		InputSchema:  a.InputSchema,
		Metadata:     a.Metadata,
		CreatedAt:    a.CreatedAt.UTC(),
		UpdatedAt:    a.UpdatedAt.UTC(),
	}
}

func (doc assistantDocument) toAssistant() *assistant.Assistant {
	return &assistant.Assistant{
		ID:           doc.AssistantID,
		Name:         doc.Name,
		Owner:        doc.Owner,
		GraphRef:     doc.GraphRef,
		Config:       doc.Config,
		ConfigSchema: doc.ConfigSchema,
		InputSchema:  doc.InputSchema,
		Metadata:     doc.Metadata,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "assistant_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "owner", Value: 1}, {Key: "graph_ref", Value: 1}, {Key: "created_at", Value: -1}},
		},
	}
	for _, index := range indexes {
		if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
			return err
		}
	}
	return nil
}

type collection interface {
	InsertOne(ctx context.Context, doc any) error
	FindOne(ctx context.Context, filter any) singleResult
	ReplaceOne(ctx context.Context, filter, doc any) (int64, error)
	DeleteOne(ctx context.Context, filter any) (int64, error)
	Find(ctx context.Context, filter any, sort bson.D, skip, limit int64) (cursor, error)
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

func (c mongoCollection) Find(ctx context.Context, filter any, sort bson.D, skip, limit int64) (cursor, error) {
	opts := options.Find().SetSort(sort)
	if skip > 0 {
		opts = opts.SetSkip(skip)
	}
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
