// Command outbox-publisher is the terminal sink of the pipeline: it leases
// every pending event_outbox row, regardless of event_type, and attempts
// delivery through the configured transport (stdout audit log or an
// outbound webhook). Unlike inbox-worker it does not filter by event type —
// it is the one stage that owns the whole bus, not a single transition.
//
// Usage:
//
//	outbox-publisher -db ibxpub.db          # run the daemon
//	outbox-publisher -db ibxpub.db -once    # one poll pass, then exit
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/conduitlabs/ibxpub/config"
	"github.com/conduitlabs/ibxpub/dbopen"
	"github.com/conduitlabs/ibxpub/metrics"
	"github.com/conduitlabs/ibxpub/outbox"
	"github.com/conduitlabs/ibxpub/publish"
	"github.com/conduitlabs/ibxpub/store"
	"github.com/conduitlabs/ibxpub/tenant"
	"github.com/conduitlabs/ibxpub/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides env)")
	dbPath := flag.String("db", "ibxpub.db", "path to the SQLite database")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	once := flag.Bool("once", false, "run a single poll pass and exit instead of daemonizing")
	flag.Parse()

	cfg, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "outbox-publisher:", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := dbopen.Open(*dbPath, dbopen.WithMkdirAll(), dbopen.WithSchema(store.Schema))
	if err != nil {
		logger.Error("outbox-publisher: open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := run(ctx, logger, cfg, db, *once); err != nil {
		logger.Error("outbox-publisher: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, db *sql.DB, once bool) error {
	tv := tenant.New(cfg)
	ob := outbox.New(nil)
	transport := publish.FromConfig(cfg)
	reg := metrics.New()

	handler := publish.New(transport, tv)
	handler.LagFunc = reg.RecordPublishLag

	runner := &worker.Runner{
		DB:           db,
		Outbox:       ob,
		Handler:      wrapHandler(handler.Handle, transport.Name(), reg),
		BatchSize:    cfg.PublishBatchSize,
		PollInterval: cfg.PublishPollInterval,
		BackoffSteps: cfg.PublishBackoffSteps,
		RetryMax:     cfg.PublishRetryMax,
		Logger:       logger,
	}

	srv := healthServer(cfg.MetricsAddr, reg)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("outbox-publisher: health listener", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("outbox-publisher: running", "once", once, "transport", transport.Name(), "metrics_addr", cfg.MetricsAddr)
	return runner.Run(ctx, once)
}

// wrapHandler records publish attempts and successes per transport. Failure
// detail (retriable vs. terminal, and which ErrorKind) isn't observable
// from an Outcome value alone — only Cause is exported — so failures are
// bucketed under a single "error" reason here; the dead_letters table is
// the source of truth for per-reason failure counts.
func wrapHandler(h worker.Handler, transportName string, reg *metrics.Registry) worker.Handler {
	return func(ctx context.Context, ev store.OutboxEvent) worker.Outcome {
		reg.PublishAttemptsTotal.WithLabelValues(transportName).Inc()
		outcome := h(ctx, ev)
		if outcome.Cause() == nil {
			reg.PublishSentTotal.WithLabelValues(transportName).Inc()
		} else {
			reg.PublishFailuresTotal.WithLabelValues(transportName, "error").Inc()
		}
		return outcome
	}
}

func healthServer(addr string, reg *metrics.Registry) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", reg.Handler())
	return &http.Server{Addr: addr, Handler: r}
}

func resolveConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
