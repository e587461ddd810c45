package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"goa.design/clue/log"

	"goa.design/relay/assistant"
	"goa.design/relay/broker"
	"goa.design/relay/engine"
	"goa.design/relay/run"
	"goa.design/relay/runerrors"
)

type (
	// execution tracks one live engine task. done closes after the task's
	// terminal status reached the store (or finalization was skipped
	// because a racing cancel got there first).
	execution struct {
		task engine.Task
		done chan struct{}
	}

	// resumeLeg carries the interrupt resolution into the execution loop.
	resumeLeg struct {
		checkpointRef string
		resolution    json.RawMessage
	}
)

// startExecution launches the run's execution task. The task outlives the
// request; only explicit cancellation stops it.
func (s *Service) startExecution(ctx context.Context, r run.Run, asst *assistant.Assistant, leg *resumeLeg) {
	go s.execute(context.WithoutCancel(ctx), r.ID, asst, leg)
}

func (s *Service) execute(ctx context.Context, runID string, asst *assistant.Assistant, leg *resumeLeg) {
	unlock := s.locks.lock(runID)
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		unlock()
		log.Errorf(ctx, err, "load run %s before execution", runID)
		return
	}
	if leg == nil {
		// A cancel can win the race before execution starts.
		if r.Status != run.StatusPending {
			unlock()
			return
		}
		r.Status = run.StatusRunning
		r.UpdatedAt = s.now().UTC()
		if err := s.runs.Update(ctx, r); err != nil {
			unlock()
			log.Errorf(ctx, err, "mark run %s running", runID)
			return
		}
		s.metrics.RunStarted(ctx)
	} else if r.Status != run.StatusRunning {
		unlock()
		return
	}
	unlock()

	cfg := asst.MergedConfig(r.Config)
	var task engine.Task
	if leg == nil {
		task, err = s.engine.Start(ctx, engine.StartRequest{
			RunID:    runID,
			GraphRef: asst.GraphRef,
			Input:    r.Input,
			Config:   cfg,
		})
	} else {
		task, err = s.engine.Resume(ctx, engine.ResumeRequest{
			RunID:           runID,
			GraphRef:        asst.GraphRef,
			CheckpointRef:   leg.checkpointRef,
			ResolutionInput: leg.resolution,
			Config:          cfg,
		})
	}
	if err != nil {
		// The engine never started: record the failure directly, no retry.
		unlock := s.locks.lock(runID)
		if r, gerr := s.runs.Get(ctx, runID); gerr == nil && !r.Status.Terminal() {
			s.finalizeLocked(ctx, r, run.StatusFailed, nil, err.Error())
		}
		unlock()
		return
	}

	exec := &execution{task: task, done: make(chan struct{})}
	s.active.put(runID, exec)
	defer close(exec.done)
	defer s.active.remove(runID)

	s.pump(ctx, runID, task)
	out, werr := task.Wait(ctx)

	unlock = s.locks.lock(runID)
	defer unlock()
	if r, err = s.runs.Get(ctx, runID); err != nil {
		log.Errorf(ctx, err, "load run %s after execution", runID)
		return
	}
	if r.Status.Terminal() {
		// A force-marked cancel already decided the terminal state.
		return
	}
	if r.Status == run.StatusInterrupted {
		// A requested pause overran its grace period and already parked the
		// run.
		return
	}

	pausePayload, pauseRequested := s.pauses.take(runID)
	switch {
	case werr != nil && errors.Is(werr, context.Canceled):
		if pauseRequested {
			// The task was stopped to pause the run, not to cancel it: park
			// it at the last recorded checkpoint.
			s.interruptLocked(ctx, r, &engine.Outcome{Interrupt: &engine.Interrupt{
				CheckpointRef: r.CheckpointRef,
				Payload:       pausePayload,
			}})
			return
		}
		s.finalizeLocked(ctx, r, run.StatusCancelled, nil, "")
	case werr != nil:
		s.finalizeLocked(ctx, r, run.StatusFailed, nil, werr.Error())
	case out.Interrupt != nil:
		s.interruptLocked(ctx, r, out)
	default:
		if out.CheckpointRef != "" {
			r.CheckpointRef = out.CheckpointRef
		}
		s.finalizeLocked(ctx, r, run.StatusCompleted, out.Output, "")
	}
}

// pump forwards engine events into the broker until the event channel closes.
func (s *Service) pump(ctx context.Context, runID string, task engine.Task) {
	var lastRef string
	for ev := range task.Events() {
		if ev.CheckpointRef != "" && ev.CheckpointRef != lastRef {
			lastRef = ev.CheckpointRef
			s.recordCheckpoint(ctx, runID, ev.CheckpointRef)
		}
		s.publish(ctx, runID, eventKind(ev.Kind), ev.Payload)
	}
}

func eventKind(k engine.EventKind) broker.EventKind {
	switch k {
	case engine.EventValueUpdate:
		return broker.EventValueUpdate
	case engine.EventMessageChunk:
		return broker.EventMessageChunk
	default:
		return broker.EventCustom
	}
}

// publish appends an event to the run's log and mirrors it to the sink.
// Publishing to a closed log is a benign race with finalization.
func (s *Service) publish(ctx context.Context, runID string, kind broker.EventKind, payload json.RawMessage) {
	ev, err := s.broker.Publish(runID, kind, payload)
	if err != nil {
		if !errors.Is(err, broker.ErrClosed) {
			log.Errorf(ctx, err, "publish %s event for run %s", string(kind), runID)
		}
		return
	}
	s.metrics.EventPublished(ctx, string(kind))
	if s.sink != nil {
		if err := s.sink.Mirror(ctx, ev); err != nil {
			logTransient(ctx, runID, err)
		}
	}
}

func (s *Service) recordCheckpoint(ctx context.Context, runID, ref string) {
	unlock := s.locks.lock(runID)
	defer unlock()
	r, err := s.runs.Get(ctx, runID)
	if err != nil || r.Status.Terminal() {
		return
	}
	r.CheckpointRef = ref
	r.UpdatedAt = s.now().UTC()
	if err := s.runs.Update(ctx, r); err != nil {
		log.Errorf(ctx, err, "record checkpoint for run %s", runID)
	}
}

// interruptLocked parks the run awaiting external input. Caller holds the
// run lock.
func (s *Service) interruptLocked(ctx context.Context, r run.Run, out *engine.Outcome) {
	in, err := s.interrupts.Raise(r.ID, out.Interrupt.CheckpointRef, out.Interrupt.Payload)
	if err != nil {
		// A second interrupt while one is pending is a bug in the engine
		// wrapper, not a user error.
		serr := runerrors.InvalidState("run %q already has a pending interrupt", r.ID)
		log.Errorf(ctx, serr, "raise interrupt for run %s", r.ID)
		s.finalizeLocked(ctx, r, run.StatusFailed, nil, serr.Message)
		return
	}
	r.Status = run.StatusInterrupted
	r.CheckpointRef = in.CheckpointRef
	r.UpdatedAt = s.now().UTC()
	if err := s.runs.Update(ctx, r); err != nil {
		log.Errorf(ctx, err, "mark run %s interrupted", r.ID)
		return
	}
	s.metrics.InterruptRaised(ctx)
	payload, err := json.Marshal(in)
	if err != nil {
		payload = nil
	}
	s.publish(ctx, r.ID, broker.EventInterrupt, payload)
}

// finalizeLocked records the terminal status, appends the terminal stream
// event and closes the log. Caller holds the run lock. Failed runs get an
// error event as their terminal event; everything else gets an end event
// carrying the final status.
func (s *Service) finalizeLocked(ctx context.Context, r run.Run, status run.Status, output json.RawMessage, errMsg string) run.Run {
	if r.Status.Terminal() {
		return r
	}
	now := s.now().UTC()
	r.Status = status
	r.UpdatedAt = now
	if status == run.StatusCompleted {
		r.Output = output
	}
	r.Error = errMsg
	if err := s.runs.Update(ctx, r); err != nil {
		log.Errorf(ctx, err, "record terminal status %s for run %s", string(status), r.ID)
	}
	s.interrupts.Clear(r.ID)

	if status == run.StatusFailed {
		payload, _ := json.Marshal(map[string]string{
			"kind":    string(runerrors.KindExecution),
			"message": errMsg,
		})
		s.publish(ctx, r.ID, broker.EventError, payload)
	} else {
		payload, _ := json.Marshal(map[string]string{"status": string(status)})
		s.publish(ctx, r.ID, broker.EventEnd, payload)
	}
	s.broker.Close(r.ID)
	s.metrics.RunFinished(ctx, string(status), now.Sub(r.CreatedAt))
	return r
}

func logTransient(ctx context.Context, runID string, err error) {
	log.Errorf(ctx, runerrors.Wrap(runerrors.KindTransientEngine, err, "recoverable engine error"),
		"transient engine error on run %s", runID)
}

// keyedMutex provides a mutex per run ID. Entries are reference counted and
// removed once the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// pauseSet tracks runs whose engine task is being stopped to pause them: the
// execution loop parks such runs interrupted instead of finalizing them
// cancelled. The stored payload describes the requested interrupt.
type pauseSet struct {
	mu sync.Mutex
	m  map[string]json.RawMessage
}

func newPauseSet() *pauseSet {
	return &pauseSet{m: make(map[string]json.RawMessage)}
}

func (p *pauseSet) put(runID string, payload json.RawMessage) {
	p.mu.Lock()
	p.m[runID] = payload
	p.mu.Unlock()
}

func (p *pauseSet) take(runID string) (json.RawMessage, bool) {
	p.mu.Lock()
	payload, ok := p.m[runID]
	delete(p.m, runID)
	p.mu.Unlock()
	return payload, ok
}

// activeSet tracks the live execution per run.
type activeSet struct {
	mu sync.Mutex
	m  map[string]*execution
}

func newActiveSet() *activeSet {
	return &activeSet{m: make(map[string]*execution)}
}

func (a *activeSet) put(runID string, e *execution) {
	a.mu.Lock()
	a.m[runID] = e
	a.mu.Unlock()
}

func (a *activeSet) remove(runID string) {
	a.mu.Lock()
	delete(a.m, runID)
	a.mu.Unlock()
}

func (a *activeSet) get(runID string) (*execution, bool) {
	a.mu.Lock()
	e, ok := a.m[runID]
	a.mu.Unlock()
	return e, ok
}
