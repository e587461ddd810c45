package inproc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/relay/engine"
)

func TestStartCompletes(t *testing.T) {
	t.Parallel()
	eng := New()
	eng.Register("echo", func(ctx context.Context, gc *Context, inv Invocation) (json.RawMessage, error) {
		require.NoError(t, gc.Emit(ctx, engine.EventValueUpdate, json.RawMessage(`{"step":1}`)))
		return inv.Input, nil
	})

	task, err := eng.Start(context.Background(), engine.StartRequest{
		RunID:    "r1",
		GraphRef: "echo",
		Input:    json.RawMessage(`{"q":"hi"}`),
	})
	require.NoError(t, err)

	var evs []engine.Event
	for ev := range task.Events() {
		evs = append(evs, ev)
	}
	require.Len(t, evs, 1)
	require.Equal(t, engine.EventValueUpdate, evs[0].Kind)

	out, err := task.Wait(context.Background())
	require.NoError(t, err)
	require.Nil(t, out.Interrupt)
	require.JSONEq(t, `{"q":"hi"}`, string(out.Output))
}

func TestUnknownGraph(t *testing.T) {
	t.Parallel()
	eng := New()
	_, err := eng.Start(context.Background(), engine.StartRequest{RunID: "r1", GraphRef: "nope"})
	require.ErrorIs(t, err, engine.ErrGraphNotFound)
}

func TestInterruptThenResume(t *testing.T) {
	t.Parallel()
	eng := New()
	eng.Register("approval", func(ctx context.Context, gc *Context, inv Invocation) (json.RawMessage, error) {
		if inv.CheckpointRef == "" {
			return nil, gc.Interrupt("cp-1", json.RawMessage(`{"need":"approval"}`))
		}
		require.Equal(t, "cp-1", inv.CheckpointRef)
		return inv.ResolutionInput, nil
	})

	task, err := eng.Start(context.Background(), engine.StartRequest{RunID: "r1", GraphRef: "approval"})
	require.NoError(t, err)
	out, err := task.Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out.Interrupt)
	require.Equal(t, "cp-1", out.Interrupt.CheckpointRef)
	require.JSONEq(t, `{"need":"approval"}`, string(out.Interrupt.Payload))

	task, err = eng.Resume(context.Background(), engine.ResumeRequest{
		RunID:           "r1",
		GraphRef:        "approval",
		CheckpointRef:   out.Interrupt.CheckpointRef,
		ResolutionInput: json.RawMessage(`{"approved":true}`),
	})
	require.NoError(t, err)
	out, err = task.Wait(context.Background())
	require.NoError(t, err)
	require.Nil(t, out.Interrupt)
	require.JSONEq(t, `{"approved":true}`, string(out.Output))
}

func TestInterruptSurvivesErrorJoin(t *testing.T) {
	t.Parallel()
	eng := New()
	eng.Register("approval", func(ctx context.Context, gc *Context, inv Invocation) (json.RawMessage, error) {
		// Graphs that aggregate cleanup errors hand back a joined error; the
		// interrupt sentinel must still be recognized through it.
		return nil, errors.Join(gc.Interrupt("cp-1", json.RawMessage(`{}`)), errors.New("cleanup skipped"))
	})

	task, err := eng.Start(context.Background(), engine.StartRequest{RunID: "r1", GraphRef: "approval"})
	require.NoError(t, err)
	out, err := task.Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out.Interrupt)
	require.Equal(t, "cp-1", out.Interrupt.CheckpointRef)
}

func TestGraphFailure(t *testing.T) {
	t.Parallel()
	eng := New()
	boom := errors.New("boom")
	eng.Register("fail", func(ctx context.Context, gc *Context, inv Invocation) (json.RawMessage, error) {
		return nil, boom
	})

	task, err := eng.Start(context.Background(), engine.StartRequest{RunID: "r1", GraphRef: "fail"})
	require.NoError(t, err)
	_, err = task.Wait(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestCancelStopsTask(t *testing.T) {
	t.Parallel()
	eng := New()
	started := make(chan struct{})
	eng.Register("slow", func(ctx context.Context, gc *Context, inv Invocation) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	task, err := eng.Start(context.Background(), engine.StartRequest{RunID: "r1", GraphRef: "slow"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("graph never started")
	}
	require.NoError(t, task.Cancel(context.Background()))

	_, err = task.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheckpointRecordedOnCompletion(t *testing.T) {
	t.Parallel()
	eng := New()
	eng.Register("cp", func(ctx context.Context, gc *Context, inv Invocation) (json.RawMessage, error) {
		gc.Checkpoint("cp-final")
		require.NoError(t, gc.Emit(ctx, engine.EventCustom, json.RawMessage(`{}`)))
		return json.RawMessage(`{}`), nil
	})

	task, err := eng.Start(context.Background(), engine.StartRequest{RunID: "r1", GraphRef: "cp"})
	require.NoError(t, err)
	ev := <-task.Events()
	require.Equal(t, "cp-final", ev.CheckpointRef)
	out, err := task.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cp-final", out.CheckpointRef)
}
