// Command inbox-worker runs the parse stage of the pipeline: it leases
// InboxItemValidated events from the outbox, extracts structured fields
// from the stored content, and emits InboxItemParsed/InboxItemNeedsReview
// follow-on events. It also carries the ops surface for dead letters
// (C10), since dead letters are this worker's own failure output.
//
// Usage:
//
//	inbox-worker -db ibxpub.db                         # run the daemon
//	inbox-worker -db ibxpub.db -once                   # one poll pass, then exit
//	inbox-worker -db ibxpub.db -ops list-dlq -tenant T  # list dead letters
//	inbox-worker -db ibxpub.db -ops replay -ids a,b,c   # replay (dry-run by default)
package main

import (
	"context"
	"database/sql"
	"encoding/json"
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
	"github.com/conduitlabs/ibxpub/contentstore"
	"github.com/conduitlabs/ibxpub/dbopen"
	"github.com/conduitlabs/ibxpub/metrics"
	"github.com/conduitlabs/ibxpub/opsreplay"
	"github.com/conduitlabs/ibxpub/outbox"
	"github.com/conduitlabs/ibxpub/parse"
	"github.com/conduitlabs/ibxpub/store"
	"github.com/conduitlabs/ibxpub/tenant"
	"github.com/conduitlabs/ibxpub/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides env)")
	dbPath := flag.String("db", "ibxpub.db", "path to the SQLite database")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	once := flag.Bool("once", false, "run a single poll pass and exit instead of daemonizing")

	opsCmd := flag.String("ops", "", "ops subcommand: list-dlq, replay (daemon runs if empty)")
	tenantID := flag.String("tenant", "", "tenant id filter for -ops list-dlq")
	limit := flag.Int("limit", 20, "max rows for -ops list-dlq")
	ids := flag.String("ids", "", "comma-separated dead_letters ids for -ops replay")
	commit := flag.Bool("commit", false, "actually re-enqueue for -ops replay (default is dry-run)")
	flag.Parse()

	cfg, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "inbox-worker:", err)
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
		logger.Error("inbox-worker: open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ops := opsreplay.New(db, nil)

	if *opsCmd != "" {
		if err := runOps(ctx, ops, *opsCmd, *tenantID, *limit, *ids, *commit); err != nil {
			logger.Error("inbox-worker: ops", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, logger, cfg, db, *once); err != nil {
		logger.Error("inbox-worker: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, db *sql.DB, once bool) error {
	content, err := contentstore.Open(cfg.StorageBaseURI)
	if err != nil {
		return fmt.Errorf("content store: %w", err)
	}

	tv := tenant.New(cfg)
	ob := outbox.New(nil)
	handler := parse.New(db, content, ob, tv, cfg, nil)
	reg := metrics.New()

	runner := &worker.Runner{
		DB:           db,
		Outbox:       ob,
		Handler:      wrapHandler(handler.Handle, reg),
		BatchSize:    cfg.WorkerBatchSize,
		PollInterval: cfg.WorkerPollInterval,
		BackoffSteps: cfg.ParserBackoffSteps,
		RetryMax:     cfg.ParserRetryMax,
		Logger:       logger,
	}

	srv := healthServer(cfg.MetricsAddr, reg, logger)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("inbox-worker: health listener", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go scrapeDeadLetters(ctx, db, reg, 10*time.Second)

	logger.Info("inbox-worker: running", "once", once, "metrics_addr", cfg.MetricsAddr)
	return runner.Run(ctx, once)
}

// scrapeDeadLetters periodically diffs dead_letters counts by (event_type,
// reason) against what it last observed and adds the delta to
// WorkerDeadLetterTotal — the runner itself has no metrics hook, so this is
// the only vantage point that can see a Terminal outcome land.
func scrapeDeadLetters(ctx context.Context, db *sql.DB, reg *metrics.Registry, interval time.Duration) {
	seen := map[[2]string]int{}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rows, err := db.QueryContext(ctx, `SELECT event_type, reason, COUNT(*) FROM dead_letters GROUP BY event_type, reason`)
		if err == nil {
			for rows.Next() {
				var eventType, reason string
				var count int
				if rows.Scan(&eventType, &reason, &count) == nil {
					key := [2]string{eventType, reason}
					if delta := count - seen[key]; delta > 0 {
						reg.WorkerDeadLetterTotal.WithLabelValues(eventType, reason).Add(float64(delta))
					}
					seen[key] = count
				}
			}
			rows.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runOps(ctx context.Context, ops *opsreplay.Ops, cmd, tenantID string, limit int, ids string, commit bool) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	switch cmd {
	case "list-dlq":
		items, err := ops.ListDeadLetters(ctx, opsreplay.Filter{TenantID: tenantID, Limit: limit})
		if err != nil {
			return err
		}
		return enc.Encode(items)

	case "replay":
		idList := splitNonEmpty(ids)
		if len(idList) == 0 {
			return fmt.Errorf("replay: -ids is required")
		}
		result, err := ops.Replay(ctx, idList, !commit, time.Now())
		if err != nil {
			return err
		}
		return enc.Encode(result)

	default:
		return fmt.Errorf("unknown -ops value %q (want list-dlq or replay)", cmd)
	}
}

// wrapHandler records attempt count, duration, and success for every
// invocation. Retriable vs. terminal is not observable from an Outcome
// value alone (only Cause is exported, by design — see worker.Outcome);
// dead-letter volume is instead picked up from dead_letters by
// scrapeDeadLetters, which is the same way an operator would observe it.
func wrapHandler(h worker.Handler, reg *metrics.Registry) worker.Handler {
	return func(ctx context.Context, ev store.OutboxEvent) worker.Outcome {
		reg.WorkerAttemptsTotal.WithLabelValues(ev.EventType).Inc()
		start := time.Now()
		outcome := h(ctx, ev)
		reg.WorkerHandlerDuration.WithLabelValues(ev.EventType).Observe(time.Since(start).Seconds())

		if outcome.Cause() == nil {
			reg.WorkerSuccessTotal.WithLabelValues(ev.EventType).Inc()
		}
		return outcome
	}
}

func healthServer(addr string, reg *metrics.Registry, logger *slog.Logger) *http.Server {
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

func splitNonEmpty(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
