// Package pulse mirrors run stream events to Redis via goa.design/pulse
// streams and feeds engine events published by out-of-process workers back
// into the server. Each run gets its own stream, named run/<run id>, holding
// JSON envelopes.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/relay/broker"
	clientspulse "goa.design/relay/features/stream/pulse/clients/pulse"
)

type (
	// Options configures the mirror sink.
	Options struct {
		// Client is the Pulse client used to publish. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from a run ID. Defaults to
		// run/<run id>.
		StreamID func(runID string) string
	}

	// MirrorSink publishes broker events to Pulse streams so that other
	// processes can observe runs hosted on this server. Safe for concurrent
	// use.
	MirrorSink struct {
		client   clientspulse.Client
		streamID func(string) string
	}

	// envelope is the wire form of an event on a Pulse stream. Mirrored
	// broker events carry their sequence number; events published by workers
	// carry none, the broker assigns one when they re-enter the log.
	envelope struct {
		Kind          string          `json:"kind"`
		RunID         string          `json:"run_id"`
		Seq           uint64          `json:"seq,omitempty"`
		CheckpointRef string          `json:"checkpoint_ref,omitempty"`
		Timestamp     time.Time       `json:"timestamp"`
		Payload       json.RawMessage `json:"payload,omitempty"`
	}
)

// NewMirrorSink constructs a Pulse-backed mirror sink.
func NewMirrorSink(opts Options) (*MirrorSink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &MirrorSink{client: opts.Client, streamID: streamID}, nil
}

// Mirror publishes the event to the run's Pulse stream.
func (s *MirrorSink) Mirror(ctx context.Context, ev broker.Event) error {
	if ev.RunID == "" {
		return errors.New("stream event missing run id")
	}
	handle, err := s.client.Stream(s.streamID(ev.RunID))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Kind:      string(ev.Kind),
		RunID:     ev.RunID,
		Seq:       ev.Seq,
		Timestamp: time.Now().UTC(),
		Payload:   ev.Payload,
	})
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(ev.Kind), payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *MirrorSink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// Destroy deletes the run's stream. Called by retention sweeps once the
// corresponding broker log is gone.
func (s *MirrorSink) Destroy(ctx context.Context, runID string) error {
	handle, err := s.client.Stream(s.streamID(runID))
	if err != nil {
		return err
	}
	return handle.Destroy(ctx)
}

func defaultStreamID(runID string) string {
	return fmt.Sprintf("run/%s", runID)
}
