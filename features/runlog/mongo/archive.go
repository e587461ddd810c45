// Package mongo archives run stream events to MongoDB. The in-memory broker
// retains only a bounded window per run; the archive keeps the full ordered
// log so events stay replayable after the broker sweeps a finished run. It
// plugs into the orchestrator as a mirror sink.
package mongo

import (
	"context"
	"errors"

	"goa.design/relay/broker"
	clientsmongo "goa.design/relay/features/runlog/mongo/clients/mongo"
)

type (
	// Options configures the archive.
	Options struct {
		// Client is the Mongo client to delegate to. Required.
		Client clientsmongo.Client
	}

	// Archive persists every mirrored stream event and serves ordered
	// replays.
	Archive struct {
		client clientsmongo.Client
	}
)

// NewArchive builds an Archive using the provided client.
func NewArchive(opts Options) (*Archive, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Archive{client: opts.Client}, nil
}

// NewArchiveFromMongo builds the low-level client from driver options and
// wraps it in an Archive.
func NewArchiveFromMongo(opts clientsmongo.Options) (*Archive, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewArchive(Options{Client: client})
}

// Client exposes the underlying Mongo client, mainly for health checks.
func (a *Archive) Client() clientsmongo.Client { return a.client }

// Mirror appends the event to the archive. Duplicate sequence numbers are
// ignored so replayed mirrors stay idempotent.
func (a *Archive) Mirror(ctx context.Context, ev broker.Event) error {
	return a.client.Append(ctx, ev)
}

// List returns up to limit archived events with sequence numbers greater
// than fromSeq, in order. A zero limit returns everything.
func (a *Archive) List(ctx context.Context, runID string, fromSeq uint64, limit int) ([]broker.Event, error) {
	return a.client.List(ctx, runID, fromSeq, limit)
}
