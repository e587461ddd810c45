package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"goa.design/clue/log"

	"goa.design/relay/broker"
	"goa.design/relay/run"
	"goa.design/relay/runerrors"
)

// streamEvents answers the request with an SSE stream of the run's events
// starting after fromSeq. The SSE id field carries the sequence number so
// reconnecting clients resume via Last-Event-ID. Delivery ends with an error
// event for failed runs and an end event otherwise; the connection is never
// just dropped on failure.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request, runID string, from uint64) {
	ctx := r.Context()
	id := identity(r)

	sub, err := a.orc.Subscribe(ctx, id, runID, from)
	if err != nil {
		if runerrors.IsKind(err, runerrors.KindNotFound) {
			// The broker log is swept a while after the run finishes. Late
			// subscribers to a finished run replay the log from the archive,
			// or at least get terminal closure from the persisted record.
			if got, gerr := a.orc.GetRun(ctx, id, runID); gerr == nil && got.Status.Terminal() {
				a.streamArchived(w, r, got, from)
				return
			}
		}
		writeError(ctx, w, err)
		return
	}
	defer sub.Close()
	defer a.orc.SubscriberClosed(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(ctx, w, runerrors.New(runerrors.KindInternal, "streaming unsupported"))
		return
	}
	sseHeaders(w)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				if serr := sub.Err(); serr != nil {
					log.Errorf(ctx, serr, "subscription for run %s ended", runID)
				}
				return
			}
			writeSSE(w, strconv.FormatUint(ev.Seq, 10), string(ev.Kind), ev.Payload)
			flusher.Flush()
		}
	}
}

// archivePageSize bounds a single archive read while replaying.
const archivePageSize = 256

// streamArchived replays a finished run's events past fromSeq from the
// archive. The archived log ends with the terminal event the live stream
// would have delivered. Without an archive, or past the end of the archived
// log, the stream falls back to a synthesized terminal event.
func (a *API) streamArchived(w http.ResponseWriter, r *http.Request, got run.Run, fromSeq uint64) {
	ctx := r.Context()
	wrote := false
	if a.archive != nil {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(ctx, w, runerrors.New(runerrors.KindInternal, "streaming unsupported"))
			return
		}
		for {
			evs, err := a.archive.List(ctx, got.ID, fromSeq, archivePageSize)
			if err != nil {
				if !wrote {
					writeError(ctx, w, runerrors.Wrap(runerrors.KindInternal, err, "replay archived events"))
					return
				}
				log.Errorf(ctx, err, "archived replay for run %s ended", got.ID)
				return
			}
			if len(evs) == 0 {
				break
			}
			if !wrote {
				sseHeaders(w)
				wrote = true
			}
			for _, ev := range evs {
				writeSSE(w, strconv.FormatUint(ev.Seq, 10), string(ev.Kind), ev.Payload)
				fromSeq = ev.Seq
			}
			flusher.Flush()
			if len(evs) < archivePageSize {
				break
			}
		}
	}
	if wrote {
		return
	}
	a.streamSnapshot(w, got)
}

// streamSnapshot emits the single terminal event a finished run's stream
// would have ended with.
func (a *API) streamSnapshot(w http.ResponseWriter, r run.Run) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}
	sseHeaders(w)
	kind := broker.EventEnd
	var payload json.RawMessage
	if r.Status == run.StatusFailed {
		kind = broker.EventError
		payload, _ = json.Marshal(map[string]string{"kind": "execution_error", "message": r.Error})
	} else {
		payload, _ = json.Marshal(map[string]string{"status": string(r.Status)})
	}
	writeSSE(w, "", string(kind), payload)
	flusher.Flush()
}

func sseHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w http.ResponseWriter, id, event string, data []byte) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	if len(data) == 0 {
		data = []byte("{}")
	}
	// A payload containing newlines must span multiple data lines.
	for _, line := range bytes.Split(data, []byte("\n")) {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}
