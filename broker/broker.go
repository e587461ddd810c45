// Package broker implements the per-run event log and fan-out at the heart
// of resumable streaming. Each run owns an ordered log of events with
// gap-free sequence numbers starting at 1. Publishers append; any number of
// subscribers consume, each at its own pace, and a disconnected client can
// resume from its last seen sequence number as long as that offset is still
// within the retention window.
//
// Publish never blocks on slow subscribers: events are appended to the log
// and subscribers are woken through a broadcast channel, then catch up by
// reading the log directly. Retention is bounded per run (event count) and
// closed logs are discarded after a configurable period by the sweeper.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

type (
	// EventKind classifies a stream event.
	EventKind string

	// Event is a single immutable entry in a run's event log. Sequence
	// numbers are assigned by the broker at publish time and are gap-free
	// and strictly increasing within a run.
	Event struct {
		// RunID is the run this event belongs to.
		RunID string `json:"run_id"`
		// Seq is the 1-based sequence number within the run.
		Seq uint64 `json:"seq"`
		// Kind is the event flavor.
		Kind EventKind `json:"kind"`
		// Payload is the event-specific JSON payload.
		Payload json.RawMessage `json:"payload,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// Options configures a Broker.
	Options struct {
		// MaxEvents bounds the number of events retained per run. When the
		// log exceeds this bound the oldest events are evicted and resuming
		// below the evicted floor fails with ErrGap. Zero uses
		// DefaultMaxEvents.
		MaxEvents int
		// RetainFor is how long a closed log remains readable before the
		// sweeper discards it. Zero uses DefaultRetainFor.
		RetainFor time.Duration
	}

	// Broker manages the event logs for all runs in the process.
	// All methods are safe for concurrent use.
	Broker struct {
		mu   sync.Mutex
		logs map[string]*runlog
		opts Options
	}

	// runlog is the retained event window for one run.
	runlog struct {
		mu sync.Mutex
		// events holds the retained window; events[0].Seq == firstSeq.
		events []Event
		// firstSeq is the lowest retained sequence number. It starts at 1
		// and only grows as eviction advances the floor.
		firstSeq uint64
		nextSeq  uint64
		closed   bool
		closedAt time.Time
		// notify is closed and replaced on every append and on close so
		// caught-up subscribers can wait without polling.
		notify chan struct{}
	}
)

const (
	// EventValueUpdate carries an intermediate graph state value.
	EventValueUpdate EventKind = "value_update"
	// EventMessageChunk carries an incremental message fragment.
	EventMessageChunk EventKind = "message_chunk"
	// EventCustom carries graph-defined payloads passed through verbatim.
	EventCustom EventKind = "custom"
	// EventInterrupt signals that the run paused awaiting external input.
	EventInterrupt EventKind = "interrupt"
	// EventError is the terminal event of a failed run.
	EventError EventKind = "error"
	// EventEnd is the terminal event of a completed or cancelled run.
	EventEnd EventKind = "end"
)

const (
	// DefaultMaxEvents is the per-run retention bound when Options.MaxEvents
	// is zero.
	DefaultMaxEvents = 1024
	// DefaultRetainFor is how long closed logs remain readable when
	// Options.RetainFor is zero.
	DefaultRetainFor = time.Hour
)

var (
	// ErrUnknownRun is returned when no log exists for the run.
	ErrUnknownRun = errors.New("unknown run")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("run log closed")
	// ErrGap is returned when a resume offset predates the retained window.
	// Callers must fall back to fetching the run snapshot.
	ErrGap = errors.New("resume offset evicted from retention window")
)

// New constructs a Broker with the given options.
func New(opts Options) *Broker {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.RetainFor <= 0 {
		opts.RetainFor = DefaultRetainFor
	}
	return &Broker{logs: make(map[string]*runlog), opts: opts}
}

// Open creates the event log for a run. It is called by the orchestrator
// when the run is accepted so subscribers can attach before the first event
// publishes. Opening an existing log is a no-op.
func (b *Broker) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.logs[runID]; ok {
		return
	}
	b.logs[runID] = &runlog{
		firstSeq: 1,
		nextSeq:  1,
		notify:   make(chan struct{}),
	}
}

// Publish appends an event to the run's log, assigns it the next sequence
// number, and wakes all subscribers. It never blocks on subscribers. Fails
// with ErrUnknownRun when the log was never opened and ErrClosed after
// Close.
func (b *Broker) Publish(runID string, kind EventKind, payload json.RawMessage) (Event, error) {
	l, err := b.log(runID)
	if err != nil {
		return Event{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Event{}, ErrClosed
	}
	ev := Event{
		RunID:     runID,
		Seq:       l.nextSeq,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	l.nextSeq++
	l.events = append(l.events, ev)
	for len(l.events) > b.opts.MaxEvents {
		l.events = l.events[1:]
		l.firstSeq++
	}
	l.broadcast()
	return ev, nil
}

// Close marks the run's log closed for writes. The log remains readable
// until the sweeper discards it. Closing an already closed or unknown log is
// a no-op.
func (b *Broker) Close(runID string) {
	l, err := b.log(runID)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.closedAt = time.Now().UTC()
	l.broadcast()
}

// LastSeq returns the highest sequence number published for the run, or 0
// when nothing has been published yet.
func (b *Broker) LastSeq(runID string) (uint64, error) {
	l, err := b.log(runID)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1, nil
}

// Sweep discards logs that have been closed for longer than the retention
// period and returns how many were removed. Call it periodically (see
// StartSweeper).
func (b *Broker) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, l := range b.logs {
		l.mu.Lock()
		expired := l.closed && now.Sub(l.closedAt) > b.opts.RetainFor
		l.mu.Unlock()
		if expired {
			delete(b.logs, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep at the given interval until ctx is cancelled.
func (b *Broker) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.Sweep(now)
		}
	}
}

func (b *Broker) log(runID string) (*runlog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.logs[runID]
	if !ok {
		return nil, ErrUnknownRun
	}
	return l, nil
}

// broadcast wakes all waiting subscribers. Callers must hold l.mu.
func (l *runlog) broadcast() {
	close(l.notify)
	l.notify = make(chan struct{})
}
