package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/auth"
	"goa.design/relay/orchestrator"
	"goa.design/relay/runerrors"
	"goa.design/relay/thread"
)

type (
	createThreadRequest struct {
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	updateThreadRequest struct {
		Metadata map[string]any `json:"metadata"`
	}

	threadListView struct {
		Threads []*thread.Thread `json:"threads"`
	}
)

func (a *API) createThread(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if err := a.authz.Authorize(r.Context(), id, id.Owner, auth.ScopeRunsWrite); err != nil {
		writeError(r.Context(), w, translateAuth(err))
		return
	}
	var req createThreadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	now := time.Now().UTC()
	created := &thread.Thread{
		ID:        uuid.NewString(),
		Owner:     id.Owner,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.threads.Create(r.Context(), created); err != nil {
		writeError(r.Context(), w, runerrors.Wrap(runerrors.KindInternal, err, "create thread"))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// loadThread fetches the thread and enforces tenant visibility. Threads in
// another tenant are indistinguishable from missing ones.
func (a *API) loadThread(r *http.Request, id string) (*thread.Thread, error) {
	got, err := a.threads.Get(r.Context(), id)
	if errors.Is(err, thread.ErrNotFound) {
		return nil, runerrors.NotFound("thread", id)
	}
	if err != nil {
		return nil, runerrors.Wrap(runerrors.KindInternal, err, "get thread")
	}
	if got.Owner != identity(r).Owner {
		return nil, runerrors.NotFound("thread", id)
	}
	return got, nil
}

func (a *API) getThread(w http.ResponseWriter, r *http.Request) {
	got, err := a.loadThread(r, a.pathVar(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (a *API) listThreads(w http.ResponseWriter, r *http.Request) {
	got, err := a.threads.ListByOwner(r.Context(), identity(r).Owner)
	if err != nil {
		writeError(r.Context(), w, runerrors.Wrap(runerrors.KindInternal, err, "list threads"))
		return
	}
	if got == nil {
		got = []*thread.Thread{}
	}
	writeJSON(w, http.StatusOK, threadListView{Threads: got})
}

func (a *API) updateThread(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	got, err := a.loadThread(r, a.pathVar(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if err := a.authz.Authorize(r.Context(), id, got.Owner, auth.ScopeRunsWrite); err != nil {
		writeError(r.Context(), w, translateAuth(err))
		return
	}
	var req updateThreadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	got.Metadata = req.Metadata
	got.UpdatedAt = time.Now().UTC()
	if err := a.threads.Update(r.Context(), got); err != nil {
		writeError(r.Context(), w, runerrors.Wrap(runerrors.KindInternal, err, "update thread"))
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// listThreadRuns returns the thread's runs, newest first. The thread is
// loaded first so an unknown or foreign thread reports 404 rather than an
// empty list.
func (a *API) listThreadRuns(w http.ResponseWriter, r *http.Request) {
	got, err := a.loadThread(r, a.pathVar(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	runs, err := a.orc.ListRuns(r.Context(), identity(r), orchestrator.ListRunsFilter{ThreadID: got.ID})
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

// deleteThread removes a thread. Threads with active runs cannot be deleted;
// the caller must wait for or cancel them first.
func (a *API) deleteThread(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	got, err := a.loadThread(r, a.pathVar(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if err := a.authz.Authorize(r.Context(), id, got.Owner, auth.ScopeRunsWrite); err != nil {
		writeError(r.Context(), w, translateAuth(err))
		return
	}
	active, err := a.runs.CountActiveByThread(r.Context(), got.ID)
	if err != nil {
		writeError(r.Context(), w, runerrors.Wrap(runerrors.KindInternal, err, "count active runs"))
		return
	}
	if active > 0 {
		writeError(r.Context(), w, runerrors.New(runerrors.KindConflict, "thread %q has %d active runs", got.ID, active))
		return
	}
	if err := a.threads.Delete(r.Context(), got.ID); err != nil {
		writeError(r.Context(), w, runerrors.Wrap(runerrors.KindInternal, err, "delete thread"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
