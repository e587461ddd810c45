package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/relay/engine"
	clientspulse "goa.design/relay/features/stream/pulse/clients/pulse"
)

type (
	// SourceOptions configures a Pulse-backed engine event source.
	SourceOptions struct {
		// Client is the Pulse client used to consume. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Each server replica should
		// use a distinct name so all replicas see every event. Defaults to
		// "relay_server".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// StreamID derives the stream name from a run ID. Defaults to
		// run/<run id>.
		StreamID func(runID string) string
	}

	// Source reads engine events that out-of-process workers published to a
	// run's Pulse stream and feeds them to the engine adapter. It implements
	// the event source contract of the Temporal engine.
	Source struct {
		client   clientspulse.Client
		name     string
		buffer   int
		streamID func(string) string
	}
)

// NewSource constructs a Pulse-backed engine event source.
func NewSource(opts SourceOptions) (*Source, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "relay_server"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Source{client: opts.Client, name: name, buffer: buffer, streamID: streamID}, nil
}

// Subscribe opens a consumer group on the run's stream and returns a channel
// of decoded engine events. The returned stop function ends consumption and
// closes the channel.
func (s *Source) Subscribe(ctx context.Context, runID string) (<-chan engine.Event, func(), error) {
	str, err := s.client.Stream(s.streamID(runID))
	if err != nil {
		return nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name)
	if err != nil {
		return nil, nil, err
	}
	events := make(chan engine.Event, s.buffer)
	runCtx, cancel := context.WithCancel(ctx)
	go consume(runCtx, sink, events)
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, stop, nil
}

// consume decodes entries from the sink and forwards engine events. Entries
// that are not engine event kinds, such as mirrored terminal events, are
// acked and skipped.
func consume(ctx context.Context, sink clientspulse.Sink, out chan<- engine.Event) {
	defer close(out)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			ev, engineEvent, err := decodeEnvelope(entry.Payload)
			if err != nil {
				return
			}
			if engineEvent {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			if err := sink.Ack(ctx, entry); err != nil {
				return
			}
		}
	}
}

func decodeEnvelope(payload []byte) (engine.Event, bool, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return engine.Event{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	kind := engine.EventKind(env.Kind)
	switch kind {
	case engine.EventValueUpdate, engine.EventMessageChunk, engine.EventCustom:
		return engine.Event{Kind: kind, Payload: env.Payload, CheckpointRef: env.CheckpointRef}, true, nil
	}
	return engine.Event{}, false, nil
}

// Publisher lets workers push engine events onto a run's Pulse stream for the
// server to pick up. It is the worker-side counterpart of Source.
type Publisher struct {
	client   clientspulse.Client
	streamID func(string) string
}

// NewPublisher constructs a worker-side event publisher.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Publisher{client: opts.Client, streamID: streamID}, nil
}

// Publish appends an engine event to the run's stream.
func (p *Publisher) Publish(ctx context.Context, runID string, ev engine.Event) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	handle, err := p.client.Stream(p.streamID(runID))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Kind:          string(ev.Kind),
		RunID:         runID,
		CheckpointRef: ev.CheckpointRef,
		Timestamp:     time.Now().UTC(),
		Payload:       ev.Payload,
	})
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, string(ev.Kind), payload)
	return err
}
