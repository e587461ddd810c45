package mongo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/relay/broker"
)

func TestNewArchiveRequiresClient(t *testing.T) {
	_, err := NewArchive(Options{})
	require.EqualError(t, err, "client is required")
}

func TestMirrorAndList(t *testing.T) {
	fc := &fakeClient{}
	archive, err := NewArchive(Options{Client: fc})
	require.NoError(t, err)

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, archive.Mirror(context.Background(), broker.Event{
			RunID: "run-1", Seq: seq, Kind: broker.EventValueUpdate,
			Payload: json.RawMessage(`{}`),
		}))
	}
	// A replayed mirror of an already archived event is dropped.
	require.NoError(t, archive.Mirror(context.Background(), broker.Event{
		RunID: "run-1", Seq: 2, Kind: broker.EventValueUpdate,
	}))

	events, err := archive.List(context.Background(), "run-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(2), events[0].Seq)
	require.Equal(t, uint64(3), events[1].Seq)
}

type fakeClient struct {
	events []broker.Event
}

func (c *fakeClient) Name() string               { return "fake" }
func (c *fakeClient) Ping(context.Context) error { return nil }

func (c *fakeClient) Append(_ context.Context, ev broker.Event) error {
	for _, existing := range c.events {
		if existing.RunID == ev.RunID && existing.Seq == ev.Seq {
			return nil
		}
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeClient) List(_ context.Context, runID string, fromSeq uint64, limit int) ([]broker.Event, error) {
	var out []broker.Event
	for _, ev := range c.events {
		if ev.RunID == runID && ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
