package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/assistant"
	"goa.design/relay/auth"
	"goa.design/relay/runerrors"
)

type (
	createAssistantRequest struct {
		Name         string          `json:"name"`
		GraphRef     string          `json:"graph_ref"`
		Config       map[string]any  `json:"config,omitempty"`
		ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
		InputSchema  json.RawMessage `json:"input_schema,omitempty"`
		Metadata     map[string]any  `json:"metadata,omitempty"`
	}

	// updateAssistantRequest uses pointers so absent fields leave the stored
	// value untouched.
	updateAssistantRequest struct {
		Name         *string          `json:"name,omitempty"`
		Config       *map[string]any  `json:"config,omitempty"`
		ConfigSchema *json.RawMessage `json:"config_schema,omitempty"`
		InputSchema  *json.RawMessage `json:"input_schema,omitempty"`
		Metadata     *map[string]any  `json:"metadata,omitempty"`
	}

	searchAssistantsRequest struct {
		GraphRef string `json:"graph_ref,omitempty"`
		Limit    int    `json:"limit,omitempty"`
		Offset   int    `json:"offset,omitempty"`
	}

	assistantListView struct {
		Assistants []*assistant.Assistant `json:"assistants"`
	}
)

func (a *API) createAssistant(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if err := a.authz.Authorize(r.Context(), id, id.Owner, auth.ScopeRunsWrite); err != nil {
		writeError(r.Context(), w, translateAuth(err))
		return
	}
	var req createAssistantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if req.Name == "" || req.GraphRef == "" {
		writeError(r.Context(), w, runerrors.Validation("name and graph_ref are required"))
		return
	}
	now := time.Now().UTC()
	created := &assistant.Assistant{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Owner:        id.Owner,
		GraphRef:     req.GraphRef,
		Config:       req.Config,
		ConfigSchema: req.ConfigSchema,
		InputSchema:  req.InputSchema,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.asst.Create(r.Context(), created); err != nil {
		writeError(r.Context(), w, runerrors.Wrap(runerrors.KindInternal, err, "create assistant"))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// loadAssistant fetches the assistant and enforces tenant visibility.
// Records in another tenant are indistinguishable from missing ones.
func (a *API) loadAssistant(r *http.Request, id string) (*assistant.Assistant, error) {
	got, err := a.asst.Get(r.Context(), id)
	if errors.Is(err, assistant.ErrNotFound) {
		return nil, runerrors.NotFound("assistant", id)
	}
	if err != nil {
		return nil, runerrors.Wrap(runerrors.KindInternal, err, "get assistant")
	}
	if got.Owner != identity(r).Owner {
		return nil, runerrors.NotFound("assistant", id)
	}
	return got, nil
}

func (a *API) getAssistant(w http.ResponseWriter, r *http.Request) {
	got, err := a.loadAssistant(r, a.pathVar(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (a *API) updateAssistant(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	got, err := a.loadAssistant(r, a.pathVar(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if err := a.authz.Authorize(r.Context(), id, got.Owner, auth.ScopeRunsWrite); err != nil {
		writeError(r.Context(), w, translateAuth(err))
		return
	}
	var req updateAssistantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if req.Name != nil {
		got.Name = *req.Name
	}
	if req.Config != nil {
		got.Config = *req.Config
	}
	if req.ConfigSchema != nil {
		got.ConfigSchema = *req.ConfigSchema
	}
	if req.InputSchema != nil {
		got.InputSchema = *req.InputSchema
	}
	if req.Metadata != nil {
		got.Metadata = *req.Metadata
	}
	got.UpdatedAt = time.Now().UTC()
	if err := a.asst.Update(r.Context(), got); err != nil {
		writeError(r.Context(), w, runerrors.Wrap(runerrors.KindInternal, err, "update assistant"))
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (a *API) deleteAssistant(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	got, err := a.loadAssistant(r, a.pathVar(r, "id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if err := a.authz.Authorize(r.Context(), id, got.Owner, auth.ScopeRunsWrite); err != nil {
		writeError(r.Context(), w, translateAuth(err))
		return
	}
	if err := a.asst.Delete(r.Context(), got.ID); err != nil {
		writeError(r.Context(), w, runerrors.Wrap(runerrors.KindInternal, err, "delete assistant"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) searchAssistants(w http.ResponseWriter, r *http.Request) {
	var req searchAssistantsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	got, err := a.asst.Search(r.Context(), assistant.SearchFilter{
		Owner:    identity(r).Owner,
		GraphRef: req.GraphRef,
		Limit:    req.Limit,
		Offset:   req.Offset,
	})
	if err != nil {
		writeError(r.Context(), w, runerrors.Wrap(runerrors.KindInternal, err, "search assistants"))
		return
	}
	if got == nil {
		got = []*assistant.Assistant{}
	}
	writeJSON(w, http.StatusOK, assistantListView{Assistants: got})
}

func translateAuth(err error) error {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		return runerrors.Wrap(runerrors.KindAuthorization, err, "forbidden")
	case errors.Is(err, auth.ErrUnauthenticated):
		return runerrors.Wrap(runerrors.KindAuthentication, err, "unauthenticated")
	default:
		return err
	}
}
