package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"goa.design/relay/orchestrator"
	"goa.design/relay/run"
	"goa.design/relay/runerrors"
)

type (
	createRunRequest struct {
		ThreadID       string          `json:"thread_id"`
		AssistantID    string          `json:"assistant_id"`
		Input          json.RawMessage `json:"input,omitempty"`
		Config         map[string]any  `json:"config,omitempty"`
		IdempotencyKey string          `json:"idempotency_key,omitempty"`
		// StreamMode, when non-empty, answers the create with an SSE stream
		// of the run's events from the beginning instead of a JSON snapshot.
		// Events carry their kind in the SSE event field so clients select
		// the modes they care about.
		StreamMode []string `json:"stream_mode,omitempty"`
	}

	resumeRunRequest struct {
		ResolutionInput json.RawMessage `json:"resolution_input,omitempty"`
	}

	interruptRunRequest struct {
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// runView is the wire shape of a run.
	runView struct {
		ID             string          `json:"run_id"`
		ThreadID       string          `json:"thread_id"`
		AssistantID    string          `json:"assistant_id"`
		Status         string          `json:"status"`
		Input          json.RawMessage `json:"input,omitempty"`
		Config         map[string]any  `json:"config,omitempty"`
		Output         json.RawMessage `json:"output,omitempty"`
		Error          string          `json:"error,omitempty"`
		CheckpointRef  string          `json:"checkpoint_ref,omitempty"`
		IdempotencyKey string          `json:"idempotency_key,omitempty"`
		CreatedAt      time.Time       `json:"created_at"`
		UpdatedAt      time.Time       `json:"updated_at"`
	}

	runListView struct {
		Runs []runView `json:"runs"`
	}
)

func viewOf(r run.Run) runView {
	return runView{
		ID:             r.ID,
		ThreadID:       r.ThreadID,
		AssistantID:    r.AssistantID,
		Status:         string(r.Status),
		Input:          r.Input,
		Config:         r.Config,
		Output:         r.Output,
		Error:          r.Error,
		CheckpointRef:  r.CheckpointRef,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (a *API) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	created, err := a.orc.CreateRun(r.Context(), identity(r), orchestrator.CreateRunRequest{
		ThreadID:       req.ThreadID,
		AssistantID:    req.AssistantID,
		Input:          req.Input,
		Config:         req.Config,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if len(req.StreamMode) > 0 {
		a.streamEvents(w, r, created.ID, 0)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(created))
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	got, err := a.orc.GetRun(r.Context(), identity(r), a.pathVar(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(got))
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	f := orchestrator.ListRunsFilter{ThreadID: r.URL.Query().Get("thread_id")}
	runs, err := a.orc.ListRuns(r.Context(), identity(r), f)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	views := make([]runView, len(runs))
	for i, rr := range runs {
		views[i] = viewOf(rr)
	}
	writeJSON(w, http.StatusOK, runListView{Runs: views})
}

func (a *API) cancelRun(w http.ResponseWriter, r *http.Request) {
	got, err := a.orc.CancelRun(r.Context(), identity(r), a.pathVar(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(got))
}

// interruptRun pauses a running run at its last checkpoint. The optional
// payload describes the input the interrupt awaits.
func (a *API) interruptRun(w http.ResponseWriter, r *http.Request) {
	var req interruptRunRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(r.Context(), w, err)
			return
		}
	}
	got, err := a.orc.InterruptRun(r.Context(), identity(r), a.pathVar(r, "id"), req.Payload)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(got))
}

func (a *API) resumeRun(w http.ResponseWriter, r *http.Request) {
	var req resumeRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	got, err := a.orc.ResumeRun(r.Context(), identity(r), a.pathVar(r, "id"), req.ResolutionInput)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(got))
}

// waitRun blocks until the run leaves its active states, then returns the
// snapshot. Interrupted runs are returned as-is so the caller can resolve
// the interrupt.
func (a *API) waitRun(w http.ResponseWriter, r *http.Request) {
	got, err := a.orc.WaitRun(r.Context(), identity(r), a.pathVar(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(got))
}

func (a *API) getInterrupt(w http.ResponseWriter, r *http.Request) {
	it, err := a.orc.PendingInterrupt(r.Context(), identity(r), a.pathVar(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *API) streamRun(w http.ResponseWriter, r *http.Request) {
	from, err := fromSeq(r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	a.streamEvents(w, r, a.pathVar(r, "id"), from)
}

func fromSeq(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("from_seq")
	if raw == "" {
		// Reconnecting EventSource clients send the last delivered event ID.
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, runerrors.Validation("invalid from_seq %q", raw)
	}
	return n, nil
}
