// Package mongo provides the MongoDB-backed thread store. Build the
// low-level client via features/thread/mongo/clients/mongo and pass it to
// NewStore.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/relay/features/thread/mongo/clients/mongo"
	"goa.design/relay/thread"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the Mongo client to delegate to. Required.
		Client clientsmongo.Client
	}

	// Store implements thread.Store by delegating to the Mongo client.
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

// Create implements thread.Store.
func (s *Store) Create(ctx context.Context, th *thread.Thread) error {
	return s.client.InsertThread(ctx, th)
}

// Get implements thread.Store.
func (s *Store) Get(ctx context.Context, id string) (*thread.Thread, error) {
	return s.client.LoadThread(ctx, id)
}

// Update implements thread.Store.
func (s *Store) Update(ctx context.Context, th *thread.Thread) error {
	return s.client.ReplaceThread(ctx, th)
}

// Delete implements thread.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.DeleteThread(ctx, id)
}

// ListByOwner implements thread.Store.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]*thread.Thread, error) {
	return s.client.ListThreadsByOwner(ctx, owner)
}
