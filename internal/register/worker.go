package register

import (
	"context"
	"log/slog"
	"time"

	"pidserv/internal/platform/config"
	"pidserv/internal/platform/metrics"
	"pidserv/internal/queue"
	"pidserv/pkg/anvl"
)

// Adapter is one external registry. Implementations must be idempotent: the
// worker retries after crashes, so an operation may be replayed after it
// already succeeded remotely.
type Adapter interface {
	Registrar() queue.Registrar
	Create(ctx context.Context, identifier string, metadata map[string]string) error
	Update(ctx context.Context, identifier string, metadata map[string]string) error
	Delete(ctx context.Context, identifier string, metadata map[string]string) error
}

// rowQueue is the slice of queue storage a worker needs.
type rowQueue interface {
	Registrar() queue.Registrar
	Load(ctx context.Context, limit int) ([]queue.Row, error)
	SetError(ctx context.Context, seq int64, msg string, permanent bool) error
	Delete(ctx context.Context, seqs []int64) error
	GetDepth(ctx context.Context) (queue.Depth, error)
}

// StatusRecorder receives each identifier's registration outcome: nil on
// success, a *PermanentError on rejection, any other error while retrying.
type StatusRecorder interface {
	RecordOutcome(ctx context.Context, identifier string, result error)
}

// Worker drains one registrar queue.
type Worker struct {
	queue    rowQueue
	adapter  Adapter
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cfg      config.WorkerConfig
	recorder StatusRecorder
}

func NewWorker(q rowQueue, a Adapter, cfg config.WorkerConfig, m *metrics.Metrics, logger *slog.Logger) *Worker {
	return &Worker{
		queue:   q,
		adapter: a,
		logger:  logger.With("registrar", string(a.Registrar())),
		metrics: m,
		cfg:     cfg,
	}
}

// WithRecorder attaches a registration status recorder. The Crossref worker
// uses one to reflect deposit progress onto the identifier record.
func (w *Worker) WithRecorder(r StatusRecorder) *Worker {
	w.recorder = r
	return w
}

func (w *Worker) record(ctx context.Context, identifier string, result error) {
	if w.recorder != nil {
		w.recorder.RecordOutcome(ctx, identifier, result)
	}
}

// Run processes the queue until the context is cancelled. Recoverable errors
// back off exponentially up to the configured ceiling; any fully clean pass
// resets the backoff.
func (w *Worker) Run(ctx context.Context) error {
	backoff := w.cfg.BackoffFloor
	for {
		processed, recoverable := w.pass(ctx)
		w.reportDepth(ctx)

		var sleep time.Duration
		switch {
		case recoverable:
			sleep = backoff
			backoff *= 2
			if backoff > w.cfg.BackoffCeiling {
				backoff = w.cfg.BackoffCeiling
			}
		case processed == 0:
			backoff = w.cfg.BackoffFloor
			sleep = w.cfg.IdleSleep
		default:
			backoff = w.cfg.BackoffFloor
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// pass loads one batch, collapses it, and applies each surviving row in
// sequence order. A recoverable failure blocks all later rows for the same
// identifier within the pass; rows for other identifiers continue.
func (w *Worker) pass(ctx context.Context) (processed int, recoverable bool) {
	rows, err := w.queue.Load(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("queue load failed", "error", err)
		return 0, true
	}
	blocked := map[string]bool{}
	for _, row := range queue.Collapse(rows) {
		if ctx.Err() != nil {
			return processed, recoverable
		}
		if blocked[row.Identifier] {
			continue
		}
		err := w.apply(ctx, row)
		w.record(ctx, row.Identifier, err)
		switch {
		case err == nil:
			w.metrics.RegistrarAttempts.WithLabelValues(string(w.adapter.Registrar()), "ok").Inc()
			if derr := w.queue.Delete(ctx, append(row.Absorbed, row.Seq)); derr != nil {
				w.logger.Error("queue delete failed", "seq", row.Seq, "error", derr)
				return processed, true
			}
			processed++
		case IsPermanent(err):
			w.metrics.RegistrarAttempts.WithLabelValues(string(w.adapter.Registrar()), "permanent").Inc()
			w.logger.Error("registry rejected operation",
				"identifier", row.Identifier, "op", string(row.Operation), "error", err)
			if serr := w.queue.SetError(ctx, row.Seq, err.Error(), true); serr != nil {
				w.logger.Error("queue update failed", "seq", row.Seq, "error", serr)
				return processed, true
			}
			// Superseded rows are moot whatever happened to the survivor.
			if derr := w.queue.Delete(ctx, row.Absorbed); derr != nil {
				w.logger.Error("queue delete failed", "seq", row.Seq, "error", derr)
				return processed, true
			}
			processed++
		default:
			w.metrics.RegistrarAttempts.WithLabelValues(string(w.adapter.Registrar()), "error").Inc()
			w.logger.Warn("registry operation failed, will retry",
				"identifier", row.Identifier, "op", string(row.Operation), "error", err)
			if serr := w.queue.SetError(ctx, row.Seq, err.Error(), false); serr != nil {
				w.logger.Error("queue update failed", "seq", row.Seq, "error", serr)
			}
			blocked[row.Identifier] = true
			recoverable = true
		}
	}
	return processed, recoverable
}

func (w *Worker) apply(ctx context.Context, row queue.Row) error {
	metadata, err := anvl.Parse(string(row.Metadata))
	if err != nil {
		return &PermanentError{Reason: "corrupt queue metadata: " + err.Error()}
	}
	switch row.Operation {
	case queue.OpCreate:
		return w.adapter.Create(ctx, row.Identifier, metadata)
	case queue.OpUpdate:
		return w.adapter.Update(ctx, row.Identifier, metadata)
	case queue.OpDelete:
		return w.adapter.Delete(ctx, row.Identifier, metadata)
	default:
		return &PermanentError{Reason: "unknown operation " + string(row.Operation)}
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	d, err := w.queue.GetDepth(ctx)
	if err != nil {
		return
	}
	name := string(w.adapter.Registrar())
	w.metrics.QueueDepth.WithLabelValues(name).Set(float64(d.Pending))
	w.metrics.QueuePermanent.WithLabelValues(name).Set(float64(d.Permanent))
}
