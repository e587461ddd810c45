// Package orchestrator owns the run lifecycle. It validates and authorizes
// incoming operations, drives the external execution engine, serializes all
// mutations of a run behind a per-run lock, and bridges engine events into
// the stream broker. Collaborator errors never cross this boundary raw: they
// are translated to the service error taxonomy first.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/assistant"
	"goa.design/relay/auth"
	"goa.design/relay/broker"
	"goa.design/relay/engine"
	"goa.design/relay/interrupt"
	"goa.design/relay/run"
	"goa.design/relay/runerrors"
	"goa.design/relay/telemetry"
	"goa.design/relay/thread"
)

type (
	// Sink mirrors published stream events to an external system, for
	// example a Redis stream consumed by other processes. Mirroring is
	// best effort: failures are logged, never surfaced to the run.
	Sink interface {
		Mirror(ctx context.Context, ev broker.Event) error
	}

	// Options configure the service. Runs, Threads, Assistants, Broker and
	// Engine are required.
	Options struct {
		Runs       run.Store
		Threads    thread.Store
		Assistants assistant.Store
		Broker     *broker.Broker
		Engine     engine.Engine
		Authorizer auth.Authorizer
		Interrupts *interrupt.Controller
		Metrics    *telemetry.Metrics
		Sink       Sink

		// CancelGrace bounds how long CancelRun waits for engine-side
		// teardown before force-marking the run cancelled. Defaults to 5s.
		CancelGrace time.Duration
	}

	// Service implements the run orchestration operations.
	Service struct {
		runs       run.Store
		threads    thread.Store
		assistants assistant.Store
		broker     *broker.Broker
		engine     engine.Engine
		authz      auth.Authorizer
		interrupts *interrupt.Controller
		metrics    *telemetry.Metrics
		sink       Sink

		cancelGrace time.Duration
		locks       *keyedMutex
		active      *activeSet
		pauses      *pauseSet
		now         func() time.Time
	}

	// CreateRunRequest carries the inputs to CreateRun.
	CreateRunRequest struct {
		ThreadID       string
		AssistantID    string
		Input          json.RawMessage
		Config         map[string]any
		IdempotencyKey string
	}

	// ListRunsFilter narrows ListRuns. ThreadID is optional.
	ListRunsFilter struct {
		ThreadID string
	}
)

// New constructs the service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Runs == nil:
		return nil, fmt.Errorf("orchestrator: run store is required")
	case opts.Threads == nil:
		return nil, fmt.Errorf("orchestrator: thread store is required")
	case opts.Assistants == nil:
		return nil, fmt.Errorf("orchestrator: assistant store is required")
	case opts.Broker == nil:
		return nil, fmt.Errorf("orchestrator: broker is required")
	case opts.Engine == nil:
		return nil, fmt.Errorf("orchestrator: engine is required")
	}
	authz := opts.Authorizer
	if authz == nil {
		authz = auth.OwnerAuthorizer{}
	}
	interrupts := opts.Interrupts
	if interrupts == nil {
		interrupts = interrupt.NewController()
	}
	grace := opts.CancelGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Service{
		runs:        opts.Runs,
		threads:     opts.Threads,
		assistants:  opts.Assistants,
		broker:      opts.Broker,
		engine:      opts.Engine,
		authz:       authz,
		interrupts:  interrupts,
		metrics:     opts.Metrics,
		sink:        opts.Sink,
		cancelGrace: grace,
		locks:       newKeyedMutex(),
		active:      newActiveSet(),
		pauses:      newPauseSet(),
		now:         time.Now,
	}, nil
}

// CreateRun validates and authorizes the request, records the run in pending
// and starts its execution task. When an idempotency key is supplied and a
// run with that key already exists on the thread, the existing run is
// returned and nothing new is created.
func (s *Service) CreateRun(ctx context.Context, id *auth.Identity, req CreateRunRequest) (run.Run, error) {
	if req.ThreadID == "" {
		return run.Run{}, runerrors.Validation("thread_id is required")
	}
	if req.AssistantID == "" {
		return run.Run{}, runerrors.Validation("assistant_id is required")
	}

	th, err := s.threads.Get(ctx, req.ThreadID)
	if err != nil {
		return run.Run{}, translate(err)
	}
	if err := s.authz.Authorize(ctx, id, th.Owner, auth.ScopeRunsWrite); err != nil {
		return run.Run{}, translate(err)
	}
	asst, err := s.assistants.Get(ctx, req.AssistantID)
	if err != nil {
		return run.Run{}, translate(err)
	}
	if asst.Owner != th.Owner {
		// An assistant from another tenant is indistinguishable from a
		// missing one.
		return run.Run{}, runerrors.NotFound("assistant", req.AssistantID)
	}
	if err := asst.ValidateConfig(req.Config); err != nil {
		return run.Run{}, runerrors.Validation("invalid config: %v", err)
	}
	if err := asst.ValidateInput(req.Input); err != nil {
		return run.Run{}, runerrors.Validation("invalid input: %v", err)
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.runs.FindByIdempotencyKey(ctx, req.ThreadID, req.IdempotencyKey); err == nil {
			return existing, nil
		} else if !errors.Is(err, run.ErrNotFound) {
			return run.Run{}, translate(err)
		}
	}

	now := s.now().UTC()
	r := run.Run{
		ID:             uuid.NewString(),
		ThreadID:       req.ThreadID,
		AssistantID:    req.AssistantID,
		Owner:          th.Owner,
		Status:         run.StatusPending,
		Input:          req.Input,
		Config:         req.Config,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.runs.Create(ctx, r); err != nil {
		if errors.Is(err, run.ErrDuplicateKey) {
			// Lost the idempotent create race; the winner's run is the
			// result.
			if existing, ferr := s.runs.FindByIdempotencyKey(ctx, req.ThreadID, req.IdempotencyKey); ferr == nil {
				return existing, nil
			}
		}
		return run.Run{}, translate(err)
	}

	s.broker.Open(r.ID)
	s.startExecution(ctx, r, asst, nil)
	return r, nil
}

// GetRun returns the current run snapshot. Runs outside the caller's tenant
// read as absent.
func (s *Service) GetRun(ctx context.Context, id *auth.Identity, runID string) (run.Run, error) {
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return run.Run{}, translate(err)
	}
	if err := s.authz.Authorize(ctx, id, r.Owner, auth.ScopeRunsRead); err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			return run.Run{}, runerrors.NotFound("run", runID)
		}
		return run.Run{}, translate(err)
	}
	return r, nil
}

// ListRuns returns the caller's runs, optionally narrowed to one thread,
// newest first.
func (s *Service) ListRuns(ctx context.Context, id *auth.Identity, f ListRunsFilter) ([]run.Run, error) {
	if err := s.authz.Authorize(ctx, id, ownerOf(id), auth.ScopeRunsRead); err != nil {
		return nil, translate(err)
	}
	if f.ThreadID != "" {
		th, err := s.threads.Get(ctx, f.ThreadID)
		if err != nil {
			return nil, translate(err)
		}
		if th.Owner != ownerOf(id) {
			return nil, runerrors.NotFound("thread", f.ThreadID)
		}
		rs, err := s.runs.ListByThread(ctx, f.ThreadID)
		if err != nil {
			return nil, translate(err)
		}
		return rs, nil
	}
	rs, err := s.runs.ListByOwner(ctx, ownerOf(id))
	if err != nil {
		return nil, translate(err)
	}
	return rs, nil
}

// ResumeRun resolves the run's pending interrupt and resumes the engine from
// the recorded checkpoint. Valid only while the run is interrupted.
func (s *Service) ResumeRun(ctx context.Context, id *auth.Identity, runID string, resolution json.RawMessage) (run.Run, error) {
	unlock := s.locks.lock(runID)
	defer unlock()

	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return run.Run{}, translate(err)
	}
	if err := s.authz.Authorize(ctx, id, r.Owner, auth.ScopeRunsWrite); err != nil {
		return run.Run{}, translate(err)
	}
	if r.Status != run.StatusInterrupted {
		return run.Run{}, runerrors.InvalidState("run %q is %s, not interrupted", runID, r.Status)
	}
	in, ok := s.interrupts.Pending(runID)
	if !ok {
		return run.Run{}, runerrors.InvalidState("run %q has no pending interrupt", runID)
	}
	asst, err := s.assistants.Get(ctx, r.AssistantID)
	if err != nil {
		return run.Run{}, translate(err)
	}

	r.Status = run.StatusRunning
	r.UpdatedAt = s.now().UTC()
	// The interrupt stays pending until the status change is durable so a
	// failed update leaves the run resumable.
	if err := s.runs.Update(ctx, r); err != nil {
		return run.Run{}, translate(err)
	}
	s.interrupts.Clear(runID)
	s.startExecution(ctx, r, asst, &resumeLeg{
		checkpointRef: in.CheckpointRef,
		resolution:    resolution,
	})
	return r, nil
}

// CancelRun requests cancellation. It is idempotent: cancelling a terminal
// run returns its current state without error or new events. For an active
// run it propagates cancellation to the engine and waits up to the grace
// period for teardown before force-marking the run cancelled.
func (s *Service) CancelRun(ctx context.Context, id *auth.Identity, runID string) (run.Run, error) {
	unlock := s.locks.lock(runID)
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		unlock()
		return run.Run{}, translate(err)
	}
	if err := s.authz.Authorize(ctx, id, r.Owner, auth.ScopeRunsWrite); err != nil {
		unlock()
		return run.Run{}, translate(err)
	}

	if r.Status.Terminal() {
		unlock()
		return r, nil
	}

	// Pending and interrupted runs have no live execution task: finalize
	// directly while holding the lock.
	exec, running := s.active.get(runID)
	if !running {
		r = s.finalizeLocked(ctx, r, run.StatusCancelled, nil, "")
		unlock()
		return r, nil
	}
	unlock()

	// Propagate into the engine and give teardown a bounded grace period.
	if err := exec.task.Cancel(ctx); err != nil {
		logTransient(ctx, runID, fmt.Errorf("cancel engine task: %w", err))
	}
	select {
	case <-exec.done:
	case <-time.After(s.cancelGrace):
		// Teardown overran the grace period: force-mark and detach. The
		// execution loop skips finalization once it observes the terminal
		// status.
		unlock := s.locks.lock(runID)
		if r, err = s.runs.Get(ctx, runID); err != nil {
			unlock()
			return run.Run{}, translate(err)
		}
		if !r.Status.Terminal() {
			r = s.finalizeLocked(ctx, r, run.StatusCancelled, nil, "")
		}
		unlock()
		return r, nil
	case <-ctx.Done():
		return run.Run{}, translate(ctx.Err())
	}

	// Teardown completed. The execution usually recorded the terminal state,
	// but it may instead have parked the run interrupted in the window
	// between releasing the run lock and retiring the task: finalize any
	// non-terminal leftover here.
	unlock = s.locks.lock(runID)
	if r, err = s.runs.Get(ctx, runID); err != nil {
		unlock()
		return run.Run{}, translate(err)
	}
	if !r.Status.Terminal() {
		r = s.finalizeLocked(ctx, r, run.StatusCancelled, nil, "")
	}
	unlock()
	return r, nil
}

// InterruptRun pauses a running run at its last recorded checkpoint. The
// engine task is stopped gracefully and the run parks interrupted with a
// pending interrupt carrying payload, so a later ResumeRun continues it.
// Valid only while the run is running.
func (s *Service) InterruptRun(ctx context.Context, id *auth.Identity, runID string, payload json.RawMessage) (run.Run, error) {
	unlock := s.locks.lock(runID)
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		unlock()
		return run.Run{}, translate(err)
	}
	if err := s.authz.Authorize(ctx, id, r.Owner, auth.ScopeRunsWrite); err != nil {
		unlock()
		return run.Run{}, translate(err)
	}
	if r.Status != run.StatusRunning {
		unlock()
		return run.Run{}, runerrors.InvalidState("run %q is %s, not running", runID, r.Status)
	}
	exec, running := s.active.get(runID)
	if !running {
		unlock()
		return run.Run{}, runerrors.InvalidState("run %q has no live execution", runID)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{"reason":"requested"}`)
	}
	s.pauses.put(runID, payload)
	unlock()

	// Stop the engine task; the execution loop observes the pause marker and
	// parks the run instead of finalizing it cancelled.
	if err := exec.task.Cancel(ctx); err != nil {
		logTransient(ctx, runID, fmt.Errorf("stop engine task: %w", err))
	}
	select {
	case <-exec.done:
	case <-time.After(s.cancelGrace):
		// Teardown overran the grace period: park the run here. The
		// execution loop skips finalization once it observes the
		// interrupted status.
		unlock := s.locks.lock(runID)
		defer unlock()
		if r, err = s.runs.Get(ctx, runID); err != nil {
			return run.Run{}, translate(err)
		}
		if payload, ok := s.pauses.take(runID); ok && r.Status == run.StatusRunning {
			s.interruptLocked(ctx, r, &engine.Outcome{Interrupt: &engine.Interrupt{
				CheckpointRef: r.CheckpointRef,
				Payload:       payload,
			}})
		}
		r, err = s.runs.Get(ctx, runID)
		if err != nil {
			return run.Run{}, translate(err)
		}
		return r, nil
	case <-ctx.Done():
		return run.Run{}, translate(ctx.Err())
	}

	unlock = s.locks.lock(runID)
	defer unlock()
	if r, err = s.runs.Get(ctx, runID); err != nil {
		return run.Run{}, translate(err)
	}
	if r.Status != run.StatusInterrupted {
		// The run reached a terminal state before the pause landed.
		return run.Run{}, runerrors.InvalidState("run %q is %s, not running", runID, r.Status)
	}
	return r, nil
}

// WaitRun blocks until the run reaches a terminal status or ctx expires and
// returns the final snapshot. An interrupted run is returned as is: it makes
// no progress without external input.
func (s *Service) WaitRun(ctx context.Context, id *auth.Identity, runID string) (run.Run, error) {
	r, err := s.GetRun(ctx, id, runID)
	if err != nil {
		return run.Run{}, err
	}
	for !r.Status.Terminal() {
		if r.Status == run.StatusInterrupted {
			return r, nil
		}
		if exec, ok := s.active.get(runID); ok {
			select {
			case <-exec.done:
			case <-ctx.Done():
				return run.Run{}, translate(ctx.Err())
			}
		} else {
			// Between accept and task registration: poll.
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return run.Run{}, translate(ctx.Err())
			}
		}
		if r, err = s.GetRun(ctx, id, runID); err != nil {
			return run.Run{}, err
		}
	}
	return r, nil
}

// Subscribe attaches to the run's event stream starting after fromSeq.
func (s *Service) Subscribe(ctx context.Context, id *auth.Identity, runID string, fromSeq uint64) (*broker.Subscription, error) {
	if _, err := s.GetRun(ctx, id, runID); err != nil {
		return nil, err
	}
	sub, err := s.broker.Subscribe(ctx, runID, fromSeq)
	if err != nil {
		return nil, translate(err)
	}
	s.metrics.SubscriberAdded(ctx)
	return sub, nil
}

// SubscriberClosed records the end of a subscription for metrics.
func (s *Service) SubscriberClosed(ctx context.Context) {
	s.metrics.SubscriberRemoved(ctx)
}

// PendingInterrupt reports the run's pending interrupt, if any.
func (s *Service) PendingInterrupt(ctx context.Context, id *auth.Identity, runID string) (interrupt.Interrupt, error) {
	if _, err := s.GetRun(ctx, id, runID); err != nil {
		return interrupt.Interrupt{}, err
	}
	in, ok := s.interrupts.Pending(runID)
	if !ok {
		return interrupt.Interrupt{}, runerrors.New(runerrors.KindNotFound, "run %q has no pending interrupt", runID)
	}
	return in, nil
}

func ownerOf(id *auth.Identity) string {
	if id == nil {
		return ""
	}
	return id.Owner
}

// translate maps collaborator sentinels to the service error taxonomy.
// Unknown errors become internal.
func translate(err error) error {
	var te *runerrors.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &te):
		return err
	case errors.Is(err, run.ErrNotFound):
		return runerrors.Wrap(runerrors.KindNotFound, err, "run not found")
	case errors.Is(err, thread.ErrNotFound):
		return runerrors.Wrap(runerrors.KindNotFound, err, "thread not found")
	case errors.Is(err, assistant.ErrNotFound):
		return runerrors.Wrap(runerrors.KindNotFound, err, "assistant not found")
	case errors.Is(err, broker.ErrUnknownRun):
		return runerrors.Wrap(runerrors.KindNotFound, err, "run stream not found")
	case errors.Is(err, broker.ErrGap):
		return runerrors.Wrap(runerrors.KindStreamGap, err, "resume offset outside retention window")
	case errors.Is(err, auth.ErrForbidden):
		return runerrors.Wrap(runerrors.KindAuthorization, err, "forbidden")
	case errors.Is(err, auth.ErrUnauthenticated):
		return runerrors.Wrap(runerrors.KindAuthentication, err, "unauthenticated")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return runerrors.Wrap(runerrors.KindInternal, err, "request aborted")
	default:
		return runerrors.Wrap(runerrors.KindInternal, err, "internal error")
	}
}
