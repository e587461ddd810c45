// Package api exposes the REST and SSE surface. Handlers are mounted on a
// goa HTTP muxer; every request passes authentication, per-caller rate
// limiting and the authorization filter before reaching the orchestrator or
// the stores. Errors cross the wire as the stable taxonomy kind plus a
// human-readable message.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"goa.design/clue/log"

	"goa.design/relay/assistant"
	"goa.design/relay/auth"
	"goa.design/relay/broker"
	"goa.design/relay/orchestrator"
	"goa.design/relay/run"
	"goa.design/relay/runerrors"
	"goa.design/relay/thread"
)

type (
	// Options configure the API. Orchestrator, stores and Authenticator are
	// required.
	Options struct {
		Orchestrator  *orchestrator.Service
		Assistants    assistant.Store
		Threads       thread.Store
		Runs          run.Store
		Authenticator auth.Authenticator
		Authorizer    auth.Authorizer

		// RateLimit caps requests per second per caller subject. Zero
		// disables rate limiting.
		RateLimit rate.Limit
		// RateBurst is the per-caller burst size. Defaults to 10 when rate
		// limiting is enabled.
		RateBurst int

		// Archive, when set, replays events the broker already discarded so
		// late subscribers of a finished run still get the full log.
		Archive EventArchive
	}

	// EventArchive serves the ordered events of a run from durable storage. A
	// zero limit returns everything past fromSeq.
	EventArchive interface {
		List(ctx context.Context, runID string, fromSeq uint64, limit int) ([]broker.Event, error)
	}

	// API holds the handler state.
	API struct {
		orc      *orchestrator.Service
		asst     assistant.Store
		threads  thread.Store
		runs     run.Store
		authn    auth.Authenticator
		authz    auth.Authorizer
		archive  EventArchive
		limiters *limiterSet
		mux      goahttp.Muxer
	}

	// limiterSet keeps one token bucket per caller subject.
	limiterSet struct {
		mu    sync.Mutex
		limit rate.Limit
		burst int
		perID map[string]*rate.Limiter
	}
)

// New constructs the API.
func New(opts Options) *API {
	authz := opts.Authorizer
	if authz == nil {
		authz = auth.OwnerAuthorizer{}
	}
	var limiters *limiterSet
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 10
		}
		limiters = &limiterSet{limit: opts.RateLimit, burst: burst, perID: make(map[string]*rate.Limiter)}
	}
	return &API{
		orc:      opts.Orchestrator,
		asst:     opts.Assistants,
		threads:  opts.Threads,
		runs:     opts.Runs,
		authn:    opts.Authenticator,
		authz:    authz,
		archive:  opts.Archive,
		limiters: limiters,
	}
}

// Mount registers all routes on mux.
func (a *API) Mount(mux goahttp.Muxer) {
	a.mux = mux

	mux.Handle("POST", "/assistants", a.secured(a.createAssistant))
	mux.Handle("POST", "/assistants/search", a.secured(a.searchAssistants))
	mux.Handle("GET", "/assistants/{id}", a.secured(a.getAssistant))
	mux.Handle("PATCH", "/assistants/{id}", a.secured(a.updateAssistant))
	mux.Handle("DELETE", "/assistants/{id}", a.secured(a.deleteAssistant))

	mux.Handle("POST", "/threads", a.secured(a.createThread))
	mux.Handle("GET", "/threads", a.secured(a.listThreads))
	mux.Handle("GET", "/threads/{id}", a.secured(a.getThread))
	mux.Handle("PATCH", "/threads/{id}", a.secured(a.updateThread))
	mux.Handle("DELETE", "/threads/{id}", a.secured(a.deleteThread))
	mux.Handle("GET", "/threads/{id}/runs", a.secured(a.listThreadRuns))

	mux.Handle("POST", "/runs", a.secured(a.createRun))
	mux.Handle("GET", "/runs", a.secured(a.listRuns))
	mux.Handle("GET", "/runs/{id}", a.secured(a.getRun))
	mux.Handle("GET", "/runs/{id}/stream", a.secured(a.streamRun))
	mux.Handle("GET", "/runs/{id}/wait", a.secured(a.waitRun))
	mux.Handle("GET", "/runs/{id}/interrupt", a.secured(a.getInterrupt))
	mux.Handle("POST", "/runs/{id}/interrupt", a.secured(a.interruptRun))
	mux.Handle("POST", "/runs/{id}/cancel", a.secured(a.cancelRun))
	mux.Handle("POST", "/runs/{id}/resume", a.secured(a.resumeRun))
}

// secured wraps a handler with authentication and rate limiting. The
// resolved identity travels in the request context.
func (a *API) secured(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		id, err := a.authn.Identify(r.Context(), token)
		if err != nil {
			writeError(r.Context(), w, runerrors.Wrap(runerrors.KindAuthentication, err, "unauthenticated"))
			return
		}
		if !a.limiters.allow(id.Subject) {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorView{
				Kind:    "rate_limited",
				Message: "too many requests",
			}})
			return
		}
		h(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (l *limiterSet) allow(subject string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.perID[subject]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.perID[subject] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

type (
	errorBody struct {
		Error errorView `json:"error"`
	}
	errorView struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
)

// statusOf maps taxonomy kinds to HTTP status codes.
func statusOf(kind runerrors.Kind) int {
	switch kind {
	case runerrors.KindValidation:
		return http.StatusUnprocessableEntity
	case runerrors.KindAuthentication:
		return http.StatusUnauthorized
	case runerrors.KindAuthorization:
		return http.StatusForbidden
	case runerrors.KindNotFound:
		return http.StatusNotFound
	case runerrors.KindInvalidState, runerrors.KindConflict:
		return http.StatusConflict
	case runerrors.KindStreamGap:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := runerrors.KindOf(err)
	msg := "internal error"
	var te *runerrors.Error
	if errors.As(err, &te) {
		msg = te.Message
	}
	if kind == runerrors.KindInternal {
		log.Errorf(ctx, err, "request failed")
	}
	writeJSON(w, statusOf(kind), errorBody{Error: errorView{Kind: string(kind), Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return runerrors.Validation("invalid request body: %v", err)
	}
	return nil
}

func (a *API) pathVar(r *http.Request, name string) string {
	return a.mux.Vars(r)[name]
}

func identity(r *http.Request) *auth.Identity {
	return auth.IdentityFromContext(r.Context())
}
