// Package temporal implements the engine contract on a Temporal cluster.
//
// Each run leg (a start or a resume) maps to one workflow execution of the
// workflow type named by the graph reference. Workers hosting the graph
// workflows run out of process; this adapter is purely client side. The
// workflow receives an Args payload and returns a Result payload, both JSON
// encoded by the Temporal data converter.
//
// Mid-run events do not flow through Temporal. Workers publish them to a
// shared stream (see features/stream/pulse) and the adapter reads them back
// through an EventSource when one is configured. Without an EventSource a
// task reports only its terminal outcome, which is sufficient for callers
// that poll or wait.
package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	"goa.design/clue/log"

	"goa.design/relay/engine"
)

type (
	// EventSource streams execution events for a run published by remote
	// workers. Subscribe returns a channel of events and a stop function.
	EventSource interface {
		Subscribe(ctx context.Context, runID string) (<-chan engine.Event, func(), error)
	}

	// Options configures the adapter. Either a pre-configured Client or
	// ClientOptions must be provided.
	Options struct {
		// Client is an optional pre-configured Temporal client. When nil the
		// adapter creates a lazy client from ClientOptions and owns its
		// lifecycle.
		Client client.Client

		// ClientOptions describe how to construct the client when Client is
		// nil. Only connection fields (HostPort, Namespace) need be set.
		ClientOptions *client.Options

		// TaskQueue is the queue graph workers poll. Required.
		TaskQueue string

		// Events supplies mid-run execution events. Optional.
		Events EventSource
	}

	// Engine implements engine.Engine on Temporal.
	Engine struct {
		client      client.Client
		closeClient bool
		taskQueue   string
		events      EventSource
	}

	// Args is the payload delivered to graph workflows. A non-empty
	// CheckpointRef marks a resume leg.
	Args struct {
		RunID           string          `json:"run_id"`
		Input           json.RawMessage `json:"input,omitempty"`
		Config          map[string]any  `json:"config,omitempty"`
		CheckpointRef   string          `json:"checkpoint_ref,omitempty"`
		ResolutionInput json.RawMessage `json:"resolution_input,omitempty"`
	}

	// Result is the payload graph workflows return. A non-nil Interrupt
	// means the leg paused instead of completing.
	Result struct {
		Output        json.RawMessage  `json:"output,omitempty"`
		Interrupt     *ResultInterrupt `json:"interrupt,omitempty"`
		CheckpointRef string           `json:"checkpoint_ref,omitempty"`
	}

	// ResultInterrupt describes a paused leg.
	ResultInterrupt struct {
		CheckpointRef string          `json:"checkpoint_ref"`
		Payload       json.RawMessage `json:"payload,omitempty"`
	}

	// task tracks one workflow execution.
	task struct {
		client client.Client
		run    client.WorkflowRun
		events chan engine.Event

		done    chan struct{}
		outcome *engine.Outcome
		err     error
	}
)

// New constructs the adapter. TaskQueue and one of Client or ClientOptions
// are required.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: task queue is required")
	}
	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		var err error
		cli, err = client.NewLazyClient(*opts.ClientOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}
	return &Engine{
		client:      cli,
		closeClient: closeClient,
		taskQueue:   opts.TaskQueue,
		events:      opts.Events,
	}, nil
}

// Start implements engine.Engine.
func (e *Engine) Start(ctx context.Context, req engine.StartRequest) (engine.Task, error) {
	return e.execute(ctx, req.GraphRef, req.RunID, Args{
		RunID:  req.RunID,
		Input:  req.Input,
		Config: req.Config,
	})
}

// Resume implements engine.Engine.
func (e *Engine) Resume(ctx context.Context, req engine.ResumeRequest) (engine.Task, error) {
	if req.CheckpointRef == "" {
		return nil, fmt.Errorf("temporal engine: resume requires a checkpoint reference")
	}
	return e.execute(ctx, req.GraphRef, req.RunID, Args{
		RunID:           req.RunID,
		Config:          req.Config,
		CheckpointRef:   req.CheckpointRef,
		ResolutionInput: req.ResolutionInput,
	})
}

// Close shuts down the Temporal client when the adapter created it.
func (e *Engine) Close() {
	if e.closeClient {
		e.client.Close()
	}
}

func (e *Engine) execute(ctx context.Context, graphRef, runID string, args Args) (engine.Task, error) {
	if graphRef == "" {
		return nil, fmt.Errorf("%w: empty graph reference", engine.ErrGraphNotFound)
	}
	// Each leg gets its own workflow ID so a resume never collides with the
	// closed execution of the previous leg.
	opts := client.StartWorkflowOptions{
		ID:        workflowID(runID),
		TaskQueue: e.taskQueue,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, graphRef, args)
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow: %w", err)
	}

	t := &task{
		client: e.client,
		run:    run,
		events: make(chan engine.Event),
		done:   make(chan struct{}),
	}
	go t.pump(context.WithoutCancel(ctx), e.events, runID)
	return t, nil
}

func workflowID(runID string) string {
	return runID + "-" + uuid.NewString()[:8]
}

// pump forwards worker-published events until the workflow terminates, then
// records the outcome. It owns the events channel and the done latch.
func (t *task) pump(ctx context.Context, src EventSource, runID string) {
	defer close(t.done)

	waitDone := make(chan struct{})
	var (
		res     Result
		waitErr error
	)
	go func() {
		defer close(waitDone)
		waitErr = t.run.Get(ctx, &res)
	}()

	t.forward(ctx, src, runID, waitDone)
	close(t.events)
	<-waitDone

	if waitErr != nil {
		var canceled *sdktemporal.CanceledError
		if errors.As(waitErr, &canceled) {
			t.err = context.Canceled
		} else {
			t.err = waitErr
		}
		return
	}
	out := &engine.Outcome{Output: res.Output, CheckpointRef: res.CheckpointRef}
	if res.Interrupt != nil {
		out.Interrupt = &engine.Interrupt{
			CheckpointRef: res.Interrupt.CheckpointRef,
			Payload:       res.Interrupt.Payload,
		}
		if out.CheckpointRef == "" {
			out.CheckpointRef = res.Interrupt.CheckpointRef
		}
	}
	t.outcome = out
}

func (t *task) forward(ctx context.Context, src EventSource, runID string, until <-chan struct{}) {
	if src == nil {
		<-until
		return
	}
	ch, stop, err := src.Subscribe(ctx, runID)
	if err != nil {
		// Events are best effort; the terminal outcome still arrives.
		log.Errorf(ctx, fmt.Errorf("%w: %v", engine.ErrTransient, err), "subscribe events for run %s", runID)
		<-until
		return
	}
	defer stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				<-until
				return
			}
			select {
			case t.events <- ev:
			case <-until:
				return
			}
		case <-until:
			return
		}
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
func (t *task) Cancel(ctx context.Context) error {
	return t.client.CancelWorkflow(ctx, t.run.GetID(), t.run.GetRunID())
}
