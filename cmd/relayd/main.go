package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	redis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/relay/api"
	"goa.design/relay/assistant"
	assistantmem "goa.design/relay/assistant/inmem"
	"goa.design/relay/auth"
	"goa.design/relay/broker"
	"goa.design/relay/config"
	"goa.design/relay/engine"
	"goa.design/relay/engine/inproc"
	"goa.design/relay/engine/temporal"
	assistantmongo "goa.design/relay/features/assistant/mongo"
	assistantclients "goa.design/relay/features/assistant/mongo/clients/mongo"
	runmongo "goa.design/relay/features/run/mongo"
	runclients "goa.design/relay/features/run/mongo/clients/mongo"
	runlogmongo "goa.design/relay/features/runlog/mongo"
	runlogclients "goa.design/relay/features/runlog/mongo/clients/mongo"
	"goa.design/relay/features/stream/pulse"
	clientspulse "goa.design/relay/features/stream/pulse/clients/pulse"
	threadmongo "goa.design/relay/features/thread/mongo"
	threadclients "goa.design/relay/features/thread/mongo/clients/mongo"
	"goa.design/relay/orchestrator"
	"goa.design/relay/run"
	runmem "goa.design/relay/run/inmem"
	"goa.design/relay/telemetry"
	"goa.design/relay/thread"
	threadmem "goa.design/relay/thread/inmem"
)

func main() {
	// Define command line flags. Everything else comes from the config file.
	var (
		configF   = flag.String("config", "", "Path to YAML configuration file (optional)")
		httpAddrF = flag.String("http-addr", "", "HTTP listen address (overrides config)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	addr := cfg.HTTP.Addr
	if *httpAddrF != "" {
		addr = *httpAddrF
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		log.Fatalf(ctx, err, "invalid listen address %q", addr)
	}
	log.Print(ctx, log.KV{K: "http-addr", V: addr},
		log.KV{K: "store", V: cfg.Store.Backend},
		log.KV{K: "engine", V: cfg.Engine.Backend})

	// Initialize the stores.
	var (
		runs       run.Store
		threads    thread.Store
		assistants assistant.Store
		checks     []health.Pinger
		archive    *runlogmongo.Archive
	)
	if cfg.Store.Backend == "mongo" {
		mcli, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Store.Mongo.URI))
		if err != nil {
			log.Fatalf(ctx, err, "connect to MongoDB")
		}
		defer func() {
			if err := mcli.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "disconnect from MongoDB")
			}
		}()

		rs, err := runmongo.NewStoreFromMongo(runclients.Options{Client: mcli, Database: cfg.Store.Mongo.Database})
		if err != nil {
			log.Fatalf(ctx, err, "initialize run store")
		}
		ts, err := threadmongo.NewStoreFromMongo(threadclients.Options{Client: mcli, Database: cfg.Store.Mongo.Database})
		if err != nil {
			log.Fatalf(ctx, err, "initialize thread store")
		}
		as, err := assistantmongo.NewStoreFromMongo(assistantclients.Options{Client: mcli, Database: cfg.Store.Mongo.Database})
		if err != nil {
			log.Fatalf(ctx, err, "initialize assistant store")
		}
		archive, err = runlogmongo.NewArchiveFromMongo(runlogclients.Options{Client: mcli, Database: cfg.Store.Mongo.Database})
		if err != nil {
			log.Fatalf(ctx, err, "initialize run event archive")
		}
		runs, threads, assistants = rs, ts, as
		checks = append(checks, rs.Client(), ts.Client(), as.Client(), archive.Client())
	} else {
		runs = runmem.New()
		threads = threadmem.New()
		assistants = assistantmem.New()
	}

	// Initialize the authenticator.
	var authn auth.Authenticator
	if cfg.Auth.Mode == "jwt" {
		jwtAuthn, err := auth.NewJWTAuthenticator(auth.JWTOptions{
			Secret:   []byte(cfg.Auth.JWT.Secret),
			Issuer:   cfg.Auth.JWT.Issuer,
			Audience: cfg.Auth.JWT.Audience,
		})
		if err != nil {
			log.Fatalf(ctx, err, "initialize JWT authenticator")
		}
		authn = jwtAuthn
	} else {
		tokens := make(map[string]auth.Identity, len(cfg.Auth.Tokens))
		for tok, id := range cfg.Auth.Tokens {
			tokens[tok] = auth.Identity{Subject: id.Subject, Owner: id.Owner, Scopes: id.Scopes}
		}
		authn = auth.NewStaticAuthenticator(tokens)
	}

	// Initialize the optional Redis stream mirror and event source.
	var (
		pcli clientspulse.Client
		sink orchestrator.Sink
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pcli, err = clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.Redis.StreamMaxLen})
		if err != nil {
			log.Fatalf(ctx, err, "initialize Pulse client")
		}
		mirror, err := pulse.NewMirrorSink(pulse.Options{Client: pcli})
		if err != nil {
			log.Fatalf(ctx, err, "initialize stream mirror")
		}
		defer func() {
			if err := mirror.Close(context.Background()); err != nil {
				log.Errorf(ctx, err, "close stream mirror")
			}
		}()
		sink = mirror
	}
	if archive != nil {
		if sink != nil {
			sink = multiSink{sink, archive}
		} else {
			sink = archive
		}
	}

	// Initialize the execution engine.
	var eng engine.Engine
	if cfg.Engine.Backend == "temporal" {
		var src temporal.EventSource
		if pcli != nil {
			s, err := pulse.NewSource(pulse.SourceOptions{Client: pcli})
			if err != nil {
				log.Fatalf(ctx, err, "initialize worker event source")
			}
			src = s
		}
		teng, err := temporal.New(temporal.Options{
			ClientOptions: &temporalclient.Options{
				HostPort:  cfg.Engine.Temporal.HostPort,
				Namespace: cfg.Engine.Temporal.Namespace,
			},
			TaskQueue: cfg.Engine.Temporal.TaskQueue,
			Events:    src,
		})
		if err != nil {
			log.Fatalf(ctx, err, "initialize Temporal engine")
		}
		defer teng.Close()
		eng = teng
	} else {
		// Graphs are registered programmatically when embedding the server.
		// A standalone relayd with the in-process engine rejects runs whose
		// graph is not registered.
		eng = inproc.New()
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		log.Fatalf(ctx, err, "initialize metrics")
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	// Initialize the orchestrator and the HTTP API.
	bkr := broker.New(broker.Options{MaxEvents: cfg.Broker.MaxEvents, RetainFor: cfg.Broker.RetainFor})
	go bkr.StartSweeper(ctx, cfg.Broker.SweepInterval)

	orc, err := orchestrator.New(orchestrator.Options{
		Runs:        runs,
		Threads:     threads,
		Assistants:  assistants,
		Broker:      bkr,
		Engine:      eng,
		Metrics:     metrics,
		Sink:        sink,
		CancelGrace: cfg.Runs.CancelGrace,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize orchestrator")
	}

	apiOpts := api.Options{
		Orchestrator:  orc,
		Assistants:    assistants,
		Threads:       threads,
		Runs:          runs,
		Authenticator: authn,
		RateLimit:     rate.Limit(cfg.RateLimit.PerSecond),
		RateBurst:     cfg.RateLimit.Burst,
	}
	if archive != nil {
		apiOpts.Archive = archive
	}
	a := api.New(apiOpts)

	// Start the server and send errors (if any) to the error channel.
	handleHTTPServer(ctx, addr, a, checks, &wg, errc, *dbgF)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	log.Printf(ctx, "exited")
}

// multiSink fans one mirrored event out to several sinks. Failures do not
// short-circuit the remaining sinks.
type multiSink []orchestrator.Sink

func (m multiSink) Mirror(ctx context.Context, ev broker.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Mirror(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
