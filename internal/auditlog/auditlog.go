// Package auditlog records Spawn/Terminate/time-budget-exhaustion events
// to Postgres, best-effort: a write failure is logged and dropped, never
// propagated to the Registry operation that triggered it (spec.md §6's
// "no persisted state" covers live instance data only — this is an
// operational audit trail, not state the Registry reads back).
//
// Grounded on the teacher's internal/store/postgres.go (pgxpool
// construction, Ping-then-ensureSchema startup sequence).
package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oriys/novaisolate/internal/logging"
)

// Event is one audit record.
type Event struct {
	Handle string
	AppID  string
	Kind   string // "spawn", "terminate", "time_budget_exhausted"
	Reason string
}

// Writer batches Events onto a bounded channel and flushes them to
// Postgres on a ticker, so a slow or down database never blocks the
// Registry operation that produced the event.
type Writer struct {
	pool    *pgxpool.Pool
	eventCh chan Event
	done    chan struct{}
}

// New connects to Postgres, ensures the audit_log table exists, and starts
// the background flush loop. queueDepth bounds how many events may be
// buffered before new ones are dropped.
func New(ctx context.Context, dsn string, queueDepth int, flushPeriod time.Duration) (*Writer, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("auditlog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auditlog: ping: %w", err)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auditlog: ensure schema: %w", err)
	}

	w := &Writer{
		pool:    pool,
		eventCh: make(chan Event, queueDepth),
		done:    make(chan struct{}),
	}
	go w.flushLoop(flushPeriod)
	return w, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS worker_audit_log (
		id BIGSERIAL PRIMARY KEY,
		handle TEXT NOT NULL,
		app_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}

// Record enqueues an event for the next flush. Non-blocking: a full queue
// drops the event and logs a warning rather than apply backpressure to the
// Registry.
func (w *Writer) Record(ev Event) {
	select {
	case w.eventCh <- ev:
	default:
		logging.Op().Warn("auditlog: queue full, dropping event", "handle", ev.Handle, "kind", ev.Kind)
	}
}

func (w *Writer) flushLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var batch []Event
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.writeBatch(batch); err != nil {
			logging.Op().Warn("auditlog: flush failed, dropping batch", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-w.eventCh:
			if !ok {
				flush()
				close(w.done)
				return
			}
			batch = append(batch, ev)
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) writeBatch(batch []Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, ev := range batch {
		if _, err := tx.Exec(ctx,
			`INSERT INTO worker_audit_log (handle, app_id, kind, reason) VALUES ($1, $2, $3, $4)`,
			ev.Handle, ev.AppID, ev.Kind, ev.Reason,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Close stops accepting new events, flushes whatever remains, and closes
// the connection pool.
func (w *Writer) Close() {
	close(w.eventCh)
	<-w.done
	w.pool.Close()
}
