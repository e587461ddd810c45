// Package engine defines the contract between the orchestrator and the
// external graph-execution engine. The engine is opaque: it accepts an input
// (or a checkpoint reference plus resolution input when resuming) and yields
// a sequence of execution events followed by a terminal outcome. Checkpoint
// references are engine-owned tokens; the orchestrator threads them through
// resume calls and never inspects them.
//
// Two implementations ship with relay:
//
//   - inproc: runs registered graph functions in the caller's process.
//     Suitable for single-process deployments and tests.
//   - temporal: starts graph workflows on a Temporal cluster, one workflow
//     execution per run leg (start or resume).
package engine

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// EventKind classifies an execution event emitted by the engine.
	EventKind string

	// Event is a single execution event produced while a task runs.
	Event struct {
		// Kind is the event flavor.
		Kind EventKind
		// Payload is the event body, produced by the graph and passed
		// through verbatim.
		Payload json.RawMessage
		// CheckpointRef, when non-empty, is the opaque checkpoint the
		// engine took at this point. The orchestrator records the most
		// recent one on the run.
		CheckpointRef string
	}

	// Interrupt reports that the task paused awaiting external input.
	Interrupt struct {
		// CheckpointRef is the opaque checkpoint at which execution paused.
		// Resume calls must thread it back unchanged.
		CheckpointRef string
		// Payload describes what input is required.
		Payload json.RawMessage
	}

	// Outcome is the terminal state of a task. Exactly one of Output or
	// Interrupt is meaningful: a task either ran to completion or paused.
	Outcome struct {
		// Output is the final result for a completed task.
		Output json.RawMessage
		// Interrupt is non-nil when the task paused for external input
		// instead of completing.
		Interrupt *Interrupt
		// CheckpointRef is the last checkpoint the engine reported, when
		// any. Populated for completed tasks too so clients can fork.
		CheckpointRef string
	}

	// Task is one execution leg of a run: from start (or resume) until the
	// engine completes, pauses, fails, or is cancelled.
	Task interface {
		// Events returns the task's event channel. The engine closes it
		// before Wait returns. Receiving promptly is not required for the
		// task to make progress, but implementations may bound buffering.
		Events() <-chan Event

		// Wait blocks until the task terminates and returns its outcome.
		// A nil error with a non-nil Outcome.Interrupt means the task
		// paused; any other nil-error outcome is completion. Errors are
		// engine-reported terminal failures, or ctx/cancellation errors.
		// Wait is idempotent: repeated calls return the same result.
		Wait(ctx context.Context) (*Outcome, error)

		// Cancel requests cooperative cancellation. The task observes it at
		// its next suspension point; Wait then returns a cancellation
		// error. Cancel does not block on teardown.
		Cancel(ctx context.Context) error
	}

	// StartRequest describes a fresh execution.
	StartRequest struct {
		// RunID identifies the run for correlation and engine-side IDs.
		RunID string
		// GraphRef names the graph to execute, as registered with the
		// engine.
		GraphRef string
		// Input is the caller-provided input payload.
		Input json.RawMessage
		// Config holds the merged assistant and per-run configuration.
		Config map[string]any
	}

	// ResumeRequest describes resuming a paused execution.
	ResumeRequest struct {
		// RunID identifies the run being resumed.
		RunID string
		// GraphRef names the graph, as in StartRequest.
		GraphRef string
		// CheckpointRef is the opaque checkpoint recorded at the interrupt.
		CheckpointRef string
		// ResolutionInput is the externally supplied input that resolves
		// the interrupt.
		ResolutionInput json.RawMessage
		// Config holds the merged configuration, identical to the start leg.
		Config map[string]any
	}

	// Engine starts and resumes graph executions.
	Engine interface {
		// Start begins a fresh execution and returns its task. A returned
		// error means the execution never started (unknown graph, bad
		// input); the caller records the run failed without retrying.
		Start(ctx context.Context, req StartRequest) (Task, error)

		// Resume continues a paused execution from its checkpoint. Same
		// error semantics as Start.
		Resume(ctx context.Context, req ResumeRequest) (Task, error)
	}
)

const (
	// EventValueUpdate carries an intermediate graph state value.
	EventValueUpdate EventKind = "value_update"
	// EventMessageChunk carries an incremental message fragment.
	EventMessageChunk EventKind = "message_chunk"
	// EventCustom carries graph-defined payloads.
	EventCustom EventKind = "custom"
)

// ErrTransient wraps recoverable mid-stream failures (for example a single
// event delivery hiccup). The orchestrator logs these and keeps the run
// alive; only a terminal error from Wait fails the run. Engines report
// transient failures by wrapping this sentinel.
var ErrTransient = errors.New("transient engine error")

// ErrGraphNotFound indicates the requested graph is not registered with the
// engine. Start and Resume return it (possibly wrapped) so callers can
// translate it to a validation failure.
var ErrGraphNotFound = errors.New("graph not found")
