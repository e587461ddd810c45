// Command relay-demo starts a single-process server with two registered demo
// graphs so the HTTP and SSE surface can be explored with curl:
//
//	relay-demo -http-addr :8080
//
//	curl -H "Authorization: Bearer demo-token" \
//	  -d '{"thread_id":"demo-thread","assistant_id":"demo-echo","input":{"hello":"world"}}' \
//	  http://localhost:8080/runs
//
//	curl -N -H "Authorization: Bearer demo-token" \
//	  http://localhost:8080/runs/<run_id>/stream
//
// The "demo-approval" assistant interrupts and waits for a resume:
//
//	curl -H "Authorization: Bearer demo-token" \
//	  -d '{"resolution_input":{"approved":true}}' \
//	  http://localhost:8080/runs/<run_id>/resume
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/relay/api"
	"goa.design/relay/assistant"
	assistantmem "goa.design/relay/assistant/inmem"
	"goa.design/relay/auth"
	"goa.design/relay/broker"
	"goa.design/relay/engine"
	"goa.design/relay/engine/inproc"
	"goa.design/relay/orchestrator"
	runmem "goa.design/relay/run/inmem"
	"goa.design/relay/telemetry"
	"goa.design/relay/thread"
	threadmem "goa.design/relay/thread/inmem"
)

func main() {
	var (
		httpAddrF = flag.String("http-addr", ":8080", "HTTP listen address")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	eng := inproc.New()
	eng.Register("demo/echo", echoGraph)
	eng.Register("demo/approval", approvalGraph)

	runs := runmem.New()
	threads := threadmem.New()
	assistants := assistantmem.New()
	seed(ctx, threads, assistants)

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		log.Fatalf(ctx, err, "initialize metrics")
	}

	bkr := broker.New(broker.Options{})
	go bkr.StartSweeper(ctx, 5*time.Minute)

	orc, err := orchestrator.New(orchestrator.Options{
		Runs:       runs,
		Threads:    threads,
		Assistants: assistants,
		Broker:     bkr,
		Engine:     eng,
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize orchestrator")
	}

	a := api.New(api.Options{
		Orchestrator: orc,
		Assistants:   assistants,
		Threads:      threads,
		Runs:         runs,
		Authenticator: auth.NewStaticAuthenticator(map[string]auth.Identity{
			"demo-token": {
				Subject: "demo",
				Owner:   "demo",
				Scopes:  []string{auth.ScopeRunsRead, auth.ScopeRunsWrite},
			},
		}),
	})

	mux := goahttp.NewMuxer()
	a.Mount(mux)
	var handler http.Handler = mux
	if *dbgF {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: *httpAddrF, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "demo server listening on %q (token: demo-token)", *httpAddrF)
		errc <- srv.ListenAndServe()
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf(ctx, "failed to shutdown: %v", err)
	}
}

// seed registers the demo thread and assistants so curl commands work
// without a create step.
func seed(ctx context.Context, threads thread.Store, assistants assistant.Store) {
	now := time.Now().UTC()
	if err := threads.Create(ctx, &thread.Thread{
		ID:        "demo-thread",
		Owner:     "demo",
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		log.Fatalf(ctx, err, "seed thread")
	}
	for id, graph := range map[string]string{
		"demo-echo":     "demo/echo",
		"demo-approval": "demo/approval",
	} {
		if err := assistants.Create(ctx, &assistant.Assistant{
			ID:        id,
			Name:      id,
			Owner:     "demo",
			GraphRef:  graph,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			log.Fatalf(ctx, err, "seed assistant %s", id)
		}
	}
}

// echoGraph emits its input as a value update and completes with it.
func echoGraph(ctx context.Context, gc *inproc.Context, inv inproc.Invocation) (json.RawMessage, error) {
	if err := gc.Emit(ctx, engine.EventValueUpdate, inv.Input); err != nil {
		return nil, err
	}
	return inv.Input, nil
}

// approvalGraph interrupts on its first leg and completes with the
// resolution input on resume.
func approvalGraph(ctx context.Context, gc *inproc.Context, inv inproc.Invocation) (json.RawMessage, error) {
	if inv.CheckpointRef == "" {
		if err := gc.Emit(ctx, engine.EventValueUpdate, json.RawMessage(`{"state":"awaiting_approval"}`)); err != nil {
			return nil, err
		}
		return nil, gc.Interrupt("approval-1", json.RawMessage(`{"question":"approve?"}`))
	}
	return inv.ResolutionInput, nil
}
