// Package thread manages thread records. A thread is the conversational
// scope runs execute in: runs on the same thread are serialized and share
// the graph's accumulated state. Threads carry only identity and metadata;
// state itself lives with the engine's checkpoints.
package thread

import (
	"context"
	"errors"
	"time"
)

type (
	// Thread is a conversational scope for runs.
	Thread struct {
		// ID uniquely identifies the thread.
		ID string `json:"thread_id"`
		// Owner is the tenant the thread belongs to.
		Owner string `json:"owner"`
		// Metadata holds caller-defined annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
		// CreatedAt is when the thread was created.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt is when the thread last changed.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// Store persists threads.
	Store interface {
		// Create persists a new thread. Fails with ErrExists when the ID is
		// taken.
		Create(ctx context.Context, th *Thread) error
		// Get returns the thread by ID or ErrNotFound.
		Get(ctx context.Context, id string) (*Thread, error)
		// Update replaces the stored thread or fails with ErrNotFound.
		Update(ctx context.Context, th *Thread) error
		// Delete removes the thread or fails with ErrNotFound.
		Delete(ctx context.Context, id string) error
		// ListByOwner returns the owner's threads, newest first.
		ListByOwner(ctx context.Context, owner string) ([]*Thread, error)
	}
)

var (
	// ErrNotFound indicates the thread does not exist.
	ErrNotFound = errors.New("thread not found")
	// ErrExists indicates the thread ID is already taken.
	ErrExists = errors.New("thread already exists")
)
