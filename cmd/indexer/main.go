// Command indexer is the process entry point: it parses flags, builds the
// logger backend, loads configuration, wires the scheduler/fetcher/worker
// pipeline and every configured sink, seeds resumption state, and drives
// the outer loop until SIGINT/SIGTERM request a graceful shutdown.
//
// The flag-parse -> logger-backend -> config-load -> daemon-start -> signal-
// wait -> stop shape is grounded on the teacher's own main.go; the CLI
// surface itself is generalized from urfave/cli/v2 rather than the
// teacher's bare flag package, since the spec's surface (config path,
// restart-mode override, log level, metrics port) benefits from subcommand-
// style flag help and validation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	"github.com/op/go-logging"
	"github.com/urfave/cli/v2"

	"github.com/maximumstock/stash-indexer/internal/auth"
	"github.com/maximumstock/stash-indexer/internal/clock"
	"github.com/maximumstock/stash-indexer/internal/config"
	"github.com/maximumstock/stash-indexer/internal/differ"
	"github.com/maximumstock/stash-indexer/internal/fetcher"
	"github.com/maximumstock/stash-indexer/internal/indexer"
	"github.com/maximumstock/stash-indexer/internal/ratelimit"
	"github.com/maximumstock/stash-indexer/internal/resumption"
	"github.com/maximumstock/stash-indexer/internal/scheduler"
	"github.com/maximumstock/stash-indexer/internal/sink"
	"github.com/maximumstock/stash-indexer/internal/sink/broker"
	"github.com/maximumstock/stash-indexer/internal/sink/memory"
	"github.com/maximumstock/stash-indexer/internal/sink/objectstore"
	"github.com/maximumstock/stash-indexer/internal/sink/relational"
	"github.com/maximumstock/stash-indexer/internal/telemetry"
	"github.com/maximumstock/stash-indexer/internal/worker"
)

const (
	baseURL           = "https://api.pathofexile.com"
	clientVersion     = "1.0.0"
	oauthScope        = "service:psapi"
	rateLimitInterval = 550 * time.Millisecond
	serviceName       = "stash-indexer"
	httpClientTimeout = 30 * time.Second
)

var log = logging.MustGetLogger("indexer")

var logFormat = logging.MustStringFormatter(
	"%{level:.4s} %{id:03x} %{message}",
)
var ttyFormat = logging.MustStringFormatter(
	"%{color}%{time:15:04:05} ▶ %{level:.4s} %{id:03x}%{color:reset} %{message}",
)

const ioctlReadTermios = 0x5401

func isTerminal(fd int) bool {
	var termios syscall.Termios
	_, _, err := syscall.Syscall6(syscall.SYS_IOCTL, uintptr(fd), ioctlReadTermios, uintptr(unsafe.Pointer(&termios)), 0, 0, 0)
	return err == 0
}

func stringToLogLevel(level string) (logging.Level, error) {
	switch level {
	case "DEBUG":
		return logging.DEBUG, nil
	case "INFO":
		return logging.INFO, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "WARNING":
		return logging.WARNING, nil
	case "ERROR":
		return logging.ERROR, nil
	case "CRITICAL":
		return logging.CRITICAL, nil
	}
	return -1, fmt.Errorf("invalid logging level %s", level)
}

func setupLoggerBackend(level logging.Level) logging.LeveledBackend {
	format := logFormat
	if isTerminal(int(os.Stderr.Fd())) {
		format = ttyFormat
	}
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.NewBackendFormatter(backend, format)
	leveler := logging.AddModuleLevel(formatter)
	leveler.SetLevel(level, "indexer")
	return leveler
}

func main() {
	app := &cli.App{
		Name:  "indexer",
		Usage: "crawl the public stash-tab change stream and fan it out to configured sinks",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to the TOML user config file", Required: true},
			&cli.StringFlag{Name: "restart-mode", Usage: "overrides the user config's restart_mode (fresh|resume)"},
			&cli.StringFlag{Name: "log-level", Value: "INFO", Usage: "DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL"},
			&cli.IntFlag{Name: "metrics-port", Usage: "overrides METRICS_PORT"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Criticalf("indexer: %v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, err := stringToLogLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	log.SetBackend(setupLoggerBackend(level))
	log.Notice("indexer: startup")

	env, err := config.Load()
	if err != nil {
		return err
	}
	userCfg, err := config.LoadUserConfig(c.String("config"))
	if err != nil {
		return err
	}
	if rm := c.String("restart-mode"); rm != "" {
		userCfg.RestartMode = rm
	}
	mode, err := userCfg.Mode()
	if err != nil {
		return err
	}
	if c.IsSet("metrics-port") {
		env.MetricsPort = c.Int("metrics-port")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel)

	_, tracerShutdown, err := telemetry.InitTracer(ctx, serviceName, env.OTELCollector)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Warningf("indexer: tracer shutdown: %v", err)
		}
	}()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = httpClientTimeout
	httpClient := &http.Client{Transport: transport}

	credentials := auth.New(auth.Config{
		ClientID:     env.ClientID,
		ClientSecret: env.ClientSecret,
		Scope:        oauthScope,
	}, httpClient, log)

	governor := ratelimit.New(rateLimitInterval)

	sinks, closeSinks, err := buildSinks(ctx, env)
	if err != nil {
		return err
	}
	defer closeSinks()
	dispatcher := sink.New(sinks, log)

	store := resumption.NewStore(env.ResumptionStatePath)
	tracker := resumption.NewTracker(store, log)

	metrics := telemetry.NewMetrics()
	metricsServer := telemetry.NewServer(env.MetricsPort, log)
	go func() {
		if err := metricsServer.Serve(ctx); err != nil {
			log.Warningf("indexer: metrics server: %v", err)
		}
	}()

	toFetcher := make(chan scheduler.FetchTask, 1)
	toWorker := make(chan scheduler.WorkerTask, 1)

	var fetcherInst *fetcher.Fetcher
	var workerInst *worker.Worker

	idx := indexer.New(indexer.Config{
		ToFetcher:  toFetcher,
		ToWorker:   toWorker,
		FetcherRun: func(ctx context.Context) error { return fetcherInst.Run(ctx) },
		WorkerRun:  func(ctx context.Context) error { return workerInst.Run(ctx) },
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Metrics:    metrics,
		Log:        log,
	})

	fetcherInst = fetcher.New(fetcher.Config{
		BaseURL:     baseURL,
		HTTPClient:  httpClient,
		Governor:    governor,
		Credentials: credentials,
		ClientID:    env.ClientID,
		Version:     clientVersion,
		Mail:        env.DeveloperMail,
		Log:         log,
		In:          toFetcher,
		SchedulerIn: idx.SchedulerIn(),
	})
	workerInst = worker.New(worker.Config{
		Clock:       clock.Real(),
		Log:         log,
		In:          toWorker,
		SchedulerIn: idx.SchedulerIn(),
	})

	discoverer := resumption.NewHTTPDiscoverer(httpClient)
	seed, err := tracker.Seed(ctx, mode, discoverer)
	if err != nil {
		return fmt.Errorf("indexer: seed resumption state: %w", err)
	}

	runErr := idx.Run(ctx, seed)
	log.Notice("indexer: shutdown complete")
	return runErr
}

func installSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Noticef("indexer: received %s, shutting down", sig)
		cancel()
	}()
}

// buildSinks constructs every sink enabled by env, in the fixed order
// broker, objectstore, relational, differ, falling back to an in-memory
// sink when none are enabled so a misconfigured deployment doesn't
// silently discard every tick. The returned closer tears down the
// non-Sink resources (broker connection, WAL handle) sinks hold that
// Flush deliberately does not release (spec.md §4.6: Flush never closes
// the broker connection).
func buildSinks(ctx context.Context, env *config.Env) ([]sink.Sink, func(), error) {
	var sinks []sink.Sink
	var closers []func() error

	if env.RabbitMQSinkEnabled {
		brokerSink, err := broker.New(broker.Config{
			URL:        env.RabbitMQURL,
			Exchange:   env.RabbitMQExchange,
			RoutingKey: env.RabbitMQRoutingKey,
			Log:        log,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("indexer: broker sink: %w", err)
		}
		sinks = append(sinks, brokerSink)
		closers = append(closers, brokerSink.Close)
	}

	if env.S3SinkEnabled {
		s3Client, err := objectstore.NewClient(ctx, objectstore.ClientConfig{
			AccessKey: env.S3AccessKey,
			SecretKey: env.S3SecretKey,
			Region:    env.S3Region,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("indexer: objectstore sink: %w", err)
		}

		var wal objectstore.WAL
		if env.S3WALPath != "" {
			boltWAL, err := objectstore.NewBoltWAL(env.S3WALPath)
			if err != nil {
				return nil, nil, fmt.Errorf("indexer: objectstore WAL: %w", err)
			}
			wal = boltWAL
			closers = append(closers, boltWAL.Close)
		}

		objSink := objectstore.New(objectstore.Config{
			Bucket: env.S3BucketName,
			Client: s3Client,
			Clock:  clock.Real(),
			Gzip:   env.S3Gzip,
			WAL:    wal,
			Log:    log,
		})
		sinks = append(sinks, objSink)
	}

	if env.DatabaseURL != "" {
		pool, err := relational.NewPool(ctx, env.DatabaseURL, int32(env.PostgresMaxConns))
		if err != nil {
			return nil, nil, fmt.Errorf("indexer: relational sink: %w", err)
		}
		sinks = append(sinks, relational.New(relational.NewPoolAdapter(pool), log))
		closers = append(closers, func() error { pool.Close(); return nil })
	}

	if env.DifferEnabled {
		differSink, err := differ.New(differ.Config{
			LRUSize: env.DifferLRUSize,
			Log:     log,
			Emit: func(d differ.StashDiff) {
				log.Debugf("indexer: stash %s diff with %d events", d.StashID, len(d.Events))
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("indexer: differ sink: %w", err)
		}
		sinks = append(sinks, differSink)
	}

	if len(sinks) == 0 {
		log.Warning("indexer: no sink enabled, falling back to an in-memory sink of last resort")
		sinks = append(sinks, memory.New(0))
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warningf("indexer: sink close: %v", err)
			}
		}
	}
	return sinks, closeAll, nil
}
