// Package worker implements the generic lease-and-dispatch loop (C6) shared
// by every consumer of event_outbox: claim a due batch, hand each row to a
// domain Handler, and commit whatever Outcome it reports. Handlers never see
// SQL — they see an event and return Success, Retriable, or Terminal.
package worker

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conduitlabs/ibxpub/config"
	"github.com/conduitlabs/ibxpub/ctxkeys"
	"github.com/conduitlabs/ibxpub/outbox"
	"github.com/conduitlabs/ibxpub/store"
)

// Handler processes one leased event and classifies the result. It must not
// retain ev or the context beyond the call.
type Handler func(ctx context.Context, ev store.OutboxEvent) Outcome

// Runner drives Handler over due rows of a single event_outbox subset (the
// caller's Handler is responsible for ignoring event types it doesn't own,
// or the caller filters at the SQL layer by wrapping Outbox.SelectDueBatch —
// this runner is deliberately event-type agnostic).
type Runner struct {
	DB             *sql.DB
	Outbox         *outbox.Outbox
	Handler        Handler
	BatchSize      int
	MaxConcurrency int
	PollInterval   time.Duration
	BackoffSteps   []time.Duration
	RetryMax       int
	Logger         *slog.Logger
	Now            func() time.Time // overridable for tests; defaults to time.Now
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) maxConcurrency() int {
	if r.MaxConcurrency > 0 {
		return r.MaxConcurrency
	}
	return 1
}

// Run polls for due events and dispatches them until ctx is cancelled. When
// once is true it runs a single idle-terminated pass (timer mode): it keeps
// claiming and processing batches until one comes back empty, then returns —
// matching a cron-style invocation rather than a long-lived service.
func (r *Runner) Run(ctx context.Context, once bool) error {
	interval := r.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	log := r.logger()
	log.Info("worker: starting", "batch_size", r.BatchSize, "max_concurrency", r.maxConcurrency(), "once", once)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		processed, err := r.poll(ctx)
		if err != nil {
			log.Warn("worker: poll failed", "error", err)
		}
		if ctx.Err() != nil {
			log.Info("worker: stopping")
			return nil
		}
		if processed > 0 {
			continue // more work may be waiting; don't wait out the poll interval
		}
		if once {
			return nil
		}
		select {
		case <-ctx.Done():
			log.Info("worker: stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// poll claims one batch and dispatches it with bounded concurrency, draining
// every in-flight handler before returning (even on ctx cancellation), so a
// shutdown never leaves an event mid-commit.
func (r *Runner) poll(ctx context.Context) (int, error) {
	now := r.now()
	batch, err := r.Outbox.SelectDueBatch(ctx, r.DB, now, r.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	g := new(errgroup.Group)
	g.SetLimit(r.maxConcurrency())

	processed := make([]int, len(batch))
	for i, ev := range batch {
		i, ev := i, ev
		g.Go(func() error {
			if r.handleOne(ctx, ev) {
				processed[i] = 1
			}
			return nil // handler failures are terminal/retriable outcomes, not Go errors
		})
	}
	_ = g.Wait()

	total := 0
	for _, p := range processed {
		total += p
	}
	return total, nil
}

// handleOne leases ev, invokes Handler, and commits the resulting Outcome.
// It returns false if the lease was lost to another worker — the caller
// should not count that as processed work.
func (r *Runner) handleOne(ctx context.Context, ev store.OutboxEvent) bool {
	log := r.logger()

	ok, err := r.Outbox.TryLease(ctx, r.DB, ev.ID)
	if err != nil {
		log.Warn("worker: lease failed", "id", ev.ID, "error", err)
		return false
	}
	if !ok {
		return false
	}

	ctx = ctxkeys.WithTenantID(ctx, ev.TenantID)
	ctx = ctxkeys.WithTraceID(ctx, ev.TraceID.String)
	log = log.With("trace_id", ctxkeys.TraceID(ctx), "tenant_id", ctxkeys.TenantID(ctx))

	outcome := r.Handler(ctx, ev)
	now := r.now()

	switch outcome.kind {
	case outcomeSuccess:
		if err := r.commitSuccess(ctx, ev, outcome, now); err != nil {
			log.Warn("worker: commit success failed", "id", ev.ID, "event_type", ev.EventType, "error", err)
		}
	case outcomeRetriable:
		r.commitRetriable(ctx, log, ev, outcome, now)
	case outcomeTerminal:
		reason := string(outcome.errKind)
		if err := r.Outbox.Fail(ctx, r.DB, ev, reason, now); err != nil {
			log.Warn("worker: commit terminal failed", "id", ev.ID, "event_type", ev.EventType, "error", err)
		} else {
			log.Info("worker: terminal", "id", ev.ID, "event_type", ev.EventType, "reason", reason)
		}
	}
	return true
}

func (r *Runner) commitSuccess(ctx context.Context, ev store.OutboxEvent, outcome Outcome, now time.Time) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range outcome.followOns {
		if d.TraceID == "" {
			d.TraceID = ev.TraceID.String
		}
		if _, err := r.Outbox.Enqueue(ctx, tx, now, d); err != nil {
			return err
		}
	}
	if err := r.Outbox.MarkSent(ctx, tx, ev.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Runner) commitRetriable(ctx context.Context, log *slog.Logger, ev store.OutboxEvent, outcome Outcome, now time.Time) {
	attempts := ev.AttemptCount + 1
	retryMax := r.RetryMax
	if retryMax <= 0 {
		retryMax = 1
	}
	if attempts >= retryMax {
		reason := string(IOError)
		if outcome.cause != nil {
			reason = outcome.cause.Error()
		}
		if err := r.Outbox.Fail(ctx, r.DB, ev, reason, now); err != nil {
			log.Warn("worker: retry-exhausted fail failed", "id", ev.ID, "error", err)
		} else {
			log.Info("worker: retries exhausted, dead-lettered", "id", ev.ID, "event_type", ev.EventType, "attempts", attempts, "reason", reason)
		}
		return
	}
	delay := config.BackoffFor(r.BackoffSteps, attempts)
	next := now.Add(delay)
	lastErr := ""
	if outcome.cause != nil {
		lastErr = outcome.cause.Error()
	}
	if err := r.Outbox.ScheduleRetry(ctx, r.DB, ev.ID, attempts, next, lastErr); err != nil {
		log.Warn("worker: schedule retry failed", "id", ev.ID, "error", err)
	}
}
