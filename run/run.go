// Package run defines the run record, its lifecycle states, and the store
// contract used by the orchestrator.
//
// A run is one execution attempt of an assistant's graph against a thread.
// The orchestrator owns all status transitions; stores persist records
// verbatim and never enforce lifecycle rules themselves. The checkpoint
// reference carried by a run is an opaque engine-owned token: it is threaded
// through resume calls and never parsed.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Run captures the persistent state of a single graph execution.
	Run struct {
		// ID uniquely identifies the run.
		ID string
		// ThreadID is the owning thread.
		ThreadID string
		// AssistantID names the assistant whose graph is executed.
		AssistantID string
		// Owner is the tenant identity that created the run. Visibility is
		// enforced by the authorization filter, not by stores.
		Owner string
		// Status is the current lifecycle state.
		Status Status
		// Input is the caller-provided input payload, stored verbatim.
		Input json.RawMessage
		// Config holds per-run configuration overrides merged over the
		// assistant's static configuration when execution starts.
		Config map[string]any
		// Output is the terminal result reported by the engine. Nil until
		// the run completes.
		Output json.RawMessage
		// Error is the engine-reported failure message for failed runs.
		Error string
		// CheckpointRef is the last known checkpoint reference reported by
		// the engine. Opaque; used only to resume after an interrupt.
		CheckpointRef string
		// IdempotencyKey deduplicates CreateRun calls within a thread.
		// Empty when the caller did not supply one.
		IdempotencyKey string
		// CreatedAt records when the run was accepted.
		CreatedAt time.Time
		// UpdatedAt records the last status or metadata change.
		UpdatedAt time.Time
	}

	// Status represents the lifecycle state of a run.
	Status string

	// Store persists run records. Implementations must be safe for
	// concurrent use; serialization of conflicting writes is the
	// orchestrator's job (per-run mutual exclusion), not the store's.
	Store interface {
		// Create persists a new run. Fails with ErrDuplicateKey when the
		// run's thread already has a run with the same idempotency key.
		Create(ctx context.Context, r Run) error
		// Get returns the run with the given ID or ErrNotFound.
		Get(ctx context.Context, id string) (Run, error)
		// Update replaces the stored record for r.ID or returns ErrNotFound.
		Update(ctx context.Context, r Run) error
		// ListByOwner returns the owner's runs, most recent first.
		ListByOwner(ctx context.Context, owner string) ([]Run, error)
		// ListByThread returns the thread's runs, most recent first.
		ListByThread(ctx context.Context, threadID string) ([]Run, error)
		// FindByIdempotencyKey returns the run created with the given key on
		// the given thread, or ErrNotFound.
		FindByIdempotencyKey(ctx context.Context, threadID, key string) (Run, error)
		// CountActiveByThread returns how many of the thread's runs are in a
		// non-terminal state. Used to reject thread deletion.
		CountActiveByThread(ctx context.Context, threadID string) (int, error)
	}
)

const (
	// StatusPending indicates the run has been accepted but execution has
	// not started yet.
	StatusPending Status = "pending"
	// StatusRunning indicates the engine task is actively executing.
	StatusRunning Status = "running"
	// StatusInterrupted indicates execution is parked awaiting external
	// input before it can continue.
	StatusInterrupted Status = "interrupted"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the engine reported a terminal failure.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the run was cancelled externally.
	StatusCancelled Status = "cancelled"
)

var (
	// ErrNotFound is returned by stores when no record matches.
	ErrNotFound = errors.New("run not found")
	// ErrDuplicateKey is returned by Create when the thread already has a
	// run with the same idempotency key.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits moving from one
// status to another. Terminal states are absorbing. The only cycle is
// running ↔ interrupted (resume returns an interrupted run to running).
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		// A pending run that fails to start moves straight to failed;
		// cancellation before start is also permitted.
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to == StatusInterrupted || to.Terminal()
	case StatusInterrupted:
		return to == StatusRunning || to == StatusCancelled
	}
	return false
}
