// Package interrupt tracks pending interrupts for paused runs. A run has at
// most one pending interrupt at a time: it is raised when the engine reports
// a pause and resolved when external input arrives, at which point the
// recorded checkpoint reference drives the resume leg.
package interrupt

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

type (
	// Interrupt is a pending request for external input on a paused run.
	Interrupt struct {
		// RunID identifies the paused run.
		RunID string `json:"run_id"`
		// CheckpointRef is the opaque engine checkpoint to resume from.
		CheckpointRef string `json:"checkpoint_ref"`
		// Payload describes the input the run is waiting for.
		Payload json.RawMessage `json:"payload,omitempty"`
		// RaisedAt is when the interrupt was recorded.
		RaisedAt time.Time `json:"raised_at"`
	}

	// Controller records and resolves pending interrupts.
	Controller struct {
		mu      sync.Mutex
		pending map[string]Interrupt

		now func() time.Time
	}
)

var (
	// ErrPending is returned by Raise when the run already has a pending
	// interrupt.
	ErrPending = errors.New("interrupt already pending")
	// ErrNone is returned by Resolve when the run has no pending interrupt.
	ErrNone = errors.New("no pending interrupt")
)

// NewController returns an empty controller.
func NewController() *Controller {
	return &Controller{
		pending: make(map[string]Interrupt),
		now:     time.Now,
	}
}

// Raise records a pending interrupt for runID. It fails with ErrPending if
// one is already recorded; the engine reporting a second pause before the
// first is resolved indicates a protocol violation.
func (c *Controller) Raise(runID, checkpointRef string, payload json.RawMessage) (Interrupt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if in, ok := c.pending[runID]; ok {
		return in, ErrPending
	}
	in := Interrupt{
		RunID:         runID,
		CheckpointRef: checkpointRef,
		Payload:       payload,
		RaisedAt:      c.now().UTC(),
	}
	c.pending[runID] = in
	return in, nil
}

// Resolve removes and returns the pending interrupt for runID so the caller
// can resume from its checkpoint. It fails with ErrNone when nothing is
// pending.
func (c *Controller) Resolve(runID string) (Interrupt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.pending[runID]
	if !ok {
		return Interrupt{}, ErrNone
	}
	delete(c.pending, runID)
	return in, nil
}

// Pending reports the pending interrupt for runID, if any.
func (c *Controller) Pending(runID string) (Interrupt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.pending[runID]
	return in, ok
}

// Clear drops any pending interrupt for runID. Called when a run reaches a
// terminal status so stale interrupts cannot be resolved later.
func (c *Controller) Clear(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, runID)
}
