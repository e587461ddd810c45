package broker

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestResumeExactnessProperty verifies that for any event count and any
// resume offset within retention, subscribing with fromSeq=k yields exactly
// the events k+1..N in order, with no gaps and no duplicates.
func TestResumeExactnessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("resume from any retained offset is exact", prop.ForAll(
		func(total int, offset int) bool {
			if offset > total {
				offset = total
			}
			b := New(Options{MaxEvents: total + 1})
			b.Open("run-p")
			for i := 0; i < total; i++ {
				if _, err := b.Publish("run-p", EventValueUpdate, nil); err != nil {
					return false
				}
			}
			b.Close("run-p")

			sub, err := b.Subscribe(context.Background(), "run-p", uint64(offset))
			if err != nil {
				return false
			}
			defer sub.Close()

			want := uint64(offset + 1)
			deadline := time.After(10 * time.Second)
			for {
				select {
				case ev, ok := <-sub.C:
					if !ok {
						// Drained: every event past the offset must have been seen.
						return want == uint64(total+1) && sub.Err() == nil
					}
					if ev.Seq != want {
						return false
					}
					want++
				case <-deadline:
					return false
				}
			}
		},
		gen.IntRange(0, 200),
		gen.IntRange(0, 200),
	))

	properties.Property("offsets below the retention floor fail with a gap", prop.ForAll(
		func(total int, window int) bool {
			b := New(Options{MaxEvents: window})
			b.Open("run-p")
			for i := 0; i < total; i++ {
				if _, err := b.Publish("run-p", EventValueUpdate, nil); err != nil {
					return false
				}
			}
			floor := 0
			if total > window {
				floor = total - window
			}
			for k := 0; k < total; k++ {
				sub, err := b.Subscribe(context.Background(), "run-p", uint64(k))
				if k < floor {
					if err != ErrGap {
						return false
					}
					continue
				}
				if err != nil {
					return false
				}
				sub.Close()
			}
			return true
		},
		gen.IntRange(1, 100),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
