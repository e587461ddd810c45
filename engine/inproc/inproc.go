// Package inproc implements the engine contract by running registered graph
// functions in the caller's process. Each task executes on its own goroutine;
// events flow over a buffered channel. The package is the default engine for
// single-process deployments and the reference engine for tests.
package inproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"goa.design/relay/engine"
)

type (
	// GraphFunc is a registered graph. A fresh execution receives the start
	// input in inv.Input; a resumed execution additionally carries the
	// checkpoint reference and resolution input and is responsible for
	// continuing from that checkpoint. Returning ErrInterrupted (via
	// Context.Interrupt) pauses the run instead of completing it.
	GraphFunc func(ctx context.Context, gc *Context, inv Invocation) (json.RawMessage, error)

	// Invocation carries the per-leg inputs to a graph function.
	Invocation struct {
		// RunID identifies the run.
		RunID string
		// Input is the original start input. Present on resume legs too.
		Input json.RawMessage
		// Config is the merged run configuration.
		Config map[string]any
		// CheckpointRef is empty on start legs and holds the interrupt
		// checkpoint on resume legs.
		CheckpointRef string
		// ResolutionInput is the input that resolved the interrupt. Only
		// set on resume legs.
		ResolutionInput json.RawMessage
	}

	// Context is the graph's handle for emitting events, recording
	// checkpoints and raising interrupts. It is valid only for the
	// duration of the graph function call.
	Context struct {
		task *task
	}

	// Engine runs registered graph functions in process.
	Engine struct {
		mu     sync.RWMutex
		graphs map[string]GraphFunc

		// EventBuffer sizes each task's event channel. Zero means a
		// default of 64.
		EventBuffer int
	}

	// task is one in-flight execution leg.
	task struct {
		events chan engine.Event
		cancel context.CancelFunc

		done    chan struct{}
		outcome *engine.Outcome
		err     error

		mu            sync.Mutex
		checkpointRef string
		interrupt     *engine.Interrupt
	}
)

// ErrInterrupted is returned by Context.Interrupt and must be propagated
// unchanged by the graph function. Any other use is an error.
var ErrInterrupted = fmt.Errorf("graph interrupted")

// New returns an empty in-process engine.
func New() *Engine {
	return &Engine{graphs: make(map[string]GraphFunc)}
}

// Register makes fn available under name. Registering the same name twice
// replaces the previous function.
func (e *Engine) Register(name string, fn GraphFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graphs[name] = fn
}

// Start implements engine.Engine.
func (e *Engine) Start(ctx context.Context, req engine.StartRequest) (engine.Task, error) {
	return e.launch(ctx, req.GraphRef, Invocation{
		RunID:  req.RunID,
		Input:  req.Input,
		Config: req.Config,
	})
}

// Resume implements engine.Engine.
func (e *Engine) Resume(ctx context.Context, req engine.ResumeRequest) (engine.Task, error) {
	return e.launch(ctx, req.GraphRef, Invocation{
		RunID:           req.RunID,
		Config:          req.Config,
		CheckpointRef:   req.CheckpointRef,
		ResolutionInput: req.ResolutionInput,
	})
}

func (e *Engine) launch(ctx context.Context, graphRef string, inv Invocation) (engine.Task, error) {
	e.mu.RLock()
	fn, ok := e.graphs[graphRef]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrGraphNotFound, graphRef)
	}

	buf := e.EventBuffer
	if buf <= 0 {
		buf = 64
	}

	// The task outlives the caller's context: cancellation is explicit via
	// Task.Cancel, not inherited from the start call.
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{
		events: make(chan engine.Event, buf),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(tctx, fn, inv)
	return t, nil
}

func (t *task) run(ctx context.Context, fn GraphFunc, inv Invocation) {
	defer close(t.done)
	defer close(t.events)

	out, err := fn(ctx, &Context{task: t}, inv)

	t.mu.Lock()
	ref := t.checkpointRef
	intr := t.interrupt
	t.mu.Unlock()

	switch {
	case err == nil:
		t.outcome = &engine.Outcome{Output: out, CheckpointRef: ref}
	case ctx.Err() != nil:
		t.err = ctx.Err()
	case errors.Is(err, ErrInterrupted):
		if intr == nil {
			t.err = fmt.Errorf("graph returned ErrInterrupted without raising an interrupt")
			return
		}
		t.outcome = &engine.Outcome{Interrupt: intr, CheckpointRef: intr.CheckpointRef}
	default:
		t.err = err
	}
}

// Events implements engine.Task.
func (t *task) Events() <-chan engine.Event { return t.events }

// Wait implements engine.Task.
func (t *task) Wait(ctx context.Context) (*engine.Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel implements engine.Task.
func (t *task) Cancel(context.Context) error {
	t.cancel()
	return nil
}

// Emit publishes an execution event. It blocks when the event buffer is full
// and returns the context error if the task is cancelled while blocked.
func (gc *Context) Emit(ctx context.Context, kind engine.EventKind, payload json.RawMessage) error {
	gc.task.mu.Lock()
	ref := gc.task.checkpointRef
	gc.task.mu.Unlock()
	select {
	case gc.task.events <- engine.Event{Kind: kind, Payload: payload, CheckpointRef: ref}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Checkpoint records ref as the most recent checkpoint. Subsequent events
// carry it and the terminal outcome reports it.
func (gc *Context) Checkpoint(ref string) {
	gc.task.mu.Lock()
	gc.task.checkpointRef = ref
	gc.task.mu.Unlock()
}

// Interrupt pauses the run at checkpointRef awaiting external input described
// by payload. The graph function must return the error, wrapped or not.
func (gc *Context) Interrupt(checkpointRef string, payload json.RawMessage) error {
	gc.task.mu.Lock()
	gc.task.interrupt = &engine.Interrupt{CheckpointRef: checkpointRef, Payload: payload}
	gc.task.checkpointRef = checkpointRef
	gc.task.mu.Unlock()
	return ErrInterrupted
}
