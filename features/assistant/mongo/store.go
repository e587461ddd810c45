// Package mongo provides the MongoDB-backed assistant store. Build the
// low-level client via features/assistant/mongo/clients/mongo and pass it to
// NewStore.
package mongo

import (
	"context"
	"errors"

	"goa.design/relay/assistant"
	clientsmongo "goa.design/relay/features/assistant/mongo/clients/mongo"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the Mongo client to delegate to. Required.
		Client clientsmongo.Client
	}

	// Store implements assistant.Store by delegating to the Mongo client.
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

// Create implements assistant.Store.
func (s *Store) Create(ctx context.Context, a *assistant.Assistant) error {
	return s.client.InsertAssistant(ctx, a)
}

// Get implements assistant.Store.
func (s *Store) Get(ctx context.Context, id string) (*assistant.Assistant, error) {
	return s.client.LoadAssistant(ctx, id)
}

// Update implements assistant.Store.
func (s *Store) Update(ctx context.Context, a *assistant.Assistant) error {
	return s.client.ReplaceAssistant(ctx, a)
}

// Delete implements assistant.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.DeleteAssistant(ctx, id)
}

// Search implements assistant.Store.
func (s *Store) Search(ctx context.Context, f assistant.SearchFilter) ([]*assistant.Assistant, error) {
	return s.client.SearchAssistants(ctx, f)
}
