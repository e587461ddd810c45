package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/relay/features/run/mongo/clients/mongo"
	"goa.design/relay/run"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the Mongo client to delegate to. Required.
		Client clientsmongo.Client
	}

	// Store implements run.Store by delegating to the Mongo client.
	Store struct {
		client clientsmongo.Client
	}
)

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo builds the low-level client from driver options and wraps
// it in a Store.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Client exposes the underlying Mongo client, mainly for health checks.
func (s *Store) Client() clientsmongo.Client { return s.client }

// Create implements run.Store.
func (s *Store) Create(ctx context.Context, r run.Run) error {
	return s.client.InsertRun(ctx, r)
}

// Get implements run.Store.
func (s *Store) Get(ctx context.Context, id string) (run.Run, error) {
	return s.client.LoadRun(ctx, id)
}

// Update implements run.Store.
func (s *Store) Update(ctx context.Context, r run.Run) error {
	return s.client.ReplaceRun(ctx, r)
}

// ListByOwner implements run.Store.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]run.Run, error) {
	return s.client.ListRunsByOwner(ctx, owner)
}

// ListByThread implements run.Store.
func (s *Store) ListByThread(ctx context.Context, threadID string) ([]run.Run, error) {
	return s.client.ListRunsByThread(ctx, threadID)
}

// FindByIdempotencyKey implements run.Store.
func (s *Store) FindByIdempotencyKey(ctx context.Context, threadID, key string) (run.Run, error) {
	return s.client.FindRunByIdempotencyKey(ctx, threadID, key)
}

// CountActiveByThread implements run.Store.
func (s *Store) CountActiveByThread(ctx context.Context, threadID string) (int, error) {
	return s.client.CountActiveRunsByThread(ctx, threadID)
}
