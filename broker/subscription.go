package broker

import (
	"context"
	"sync"
)

// Subscription delivers a run's events in sequence order on C. The channel
// closes when the log closes and every retained event has been delivered,
// when the subscriber's context is cancelled, or when the subscriber falls
// behind the retention window. After C closes, Err reports why: nil for a
// graceful end, context.Canceled/DeadlineExceeded for caller cancellation,
// or ErrGap when events the subscriber had not yet consumed were evicted.
type Subscription struct {
	// C emits events with strictly increasing, gap-free sequence numbers.
	C <-chan Event

	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Err returns the terminal subscription error. It is meaningful only after
// C has closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the subscription. It is idempotent and safe to call
// concurrently with channel reads.
func (s *Subscription) Close() {
	s.cancel()
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Subscribe returns a subscription producing every retained event with
// sequence number greater than fromSeq, then live events as they publish,
// until the log closes or ctx is cancelled. Passing fromSeq 0 requests the
// stream from the beginning.
//
// Restart semantics: a client that received events 1..k and reconnects with
// fromSeq k observes exactly k+1..N with no gaps or duplicates, provided
// k+1 is still retained. When the requested offset has been evicted,
// Subscribe fails immediately with ErrGap and the client must fetch the run
// snapshot instead.
func (b *Broker) Subscribe(ctx context.Context, runID string, fromSeq uint64) (*Subscription, error) {
	l, err := b.log(runID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if fromSeq+1 < l.firstSeq {
		l.mu.Unlock()
		return nil, ErrGap
	}
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Event)
	sub := &Subscription{C: ch, cancel: cancel}
	go sub.pump(ctx, l, fromSeq, ch)
	return sub, nil
}

// pump replays retained events past last, then alternates between waiting
// for new publishes and draining them. It reads the log under its lock in
// snapshots so publishers are never blocked by a slow receive.
func (s *Subscription) pump(ctx context.Context, l *runlog, last uint64, ch chan<- Event) {
	defer close(ch)
	for {
		l.mu.Lock()
		// A subscriber that slept through eviction can no longer be served
		// without a gap.
		if last+1 < l.firstSeq {
			l.mu.Unlock()
			s.setErr(ErrGap)
			return
		}
		batch := eventsAfter(l.events, l.firstSeq, last)
		closed := l.closed
		notify := l.notify
		l.mu.Unlock()

		for _, ev := range batch {
			select {
			case ch <- ev:
				last = ev.Seq
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		}
		if len(batch) > 0 {
			// Re-snapshot before deciding the log is drained: more events
			// may have published while this batch was being delivered.
			continue
		}
		if closed {
			return
		}

		select {
		case <-notify:
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		}
	}
}

// eventsAfter returns the retained events with Seq > last. The events slice
// is never mutated in place by the broker, so the returned subslice is safe
// to read without the log lock.
func eventsAfter(events []Event, firstSeq, last uint64) []Event {
	if len(events) == 0 {
		return nil
	}
	if last+1 < firstSeq {
		last = firstSeq - 1
	}
	start := int(last + 1 - firstSeq)
	if start >= len(events) {
		return nil
	}
	return events[start:]
}
