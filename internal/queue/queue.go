// Package queue is the durable FIFO substrate between the identifier store
// and the registrar workers. Each external registry has its own append-only
// table keyed by a monotonic sequence; rows for the same identifier must be
// processed in sequence order.
package queue

import (
	"context"
	"database/sql"
	"fmt"
)

// Registrar names one external registry and its queue table.
type Registrar string

const (
	Binder   Registrar = "binder"
	DataCite Registrar = "datacite"
	Crossref Registrar = "crossref"
)

// Table returns the queue table backing the registrar.
func (r Registrar) Table() string {
	return string(r) + "_queue"
}

// Op is the identifier operation carried by a row.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Row is one pending external operation. Metadata is a snapshot of the
// identifier record at enqueue time; the live record may have changed or
// vanished by the time the worker runs.
type Row struct {
	Seq              int64
	EnqueueTime      int64
	Identifier       string
	Operation        Op
	Metadata         []byte
	Error            string
	ErrorIsPermanent bool

	// Absorbed carries the seqs of rows collapsed into this one so success
	// deletes all of them. Populated by Collapse, not stored.
	Absorbed []int64 `json:"-"`
}

// AppendTx appends a row inside the caller's transaction, assigning the next
// sequence number. Called by the store so the enqueue commits or rolls back
// with the identifier mutation.
func AppendTx(ctx context.Context, tx *sql.Tx, r Registrar, row *Row) error {
	table := r.Table()
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM `+table).Scan(&row.Seq)
	if err != nil {
		return fmt.Errorf("next seq for %s: %w", table, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+table+` (seq, enqueue_time, identifier, operation, metadata, error, error_is_permanent)
		 VALUES ($1, $2, $3, $4, $5, '', FALSE)`,
		row.Seq, row.EnqueueTime, row.Identifier, string(row.Operation), row.Metadata)
	if err != nil {
		return fmt.Errorf("append to %s: %w", table, err)
	}
	return nil
}

// Collapse merges consecutive rows touching the same identifier, in sequence
// order:
//
//   - a later update or create supersedes earlier creates/updates;
//   - a delete absorbs all preceding creates/updates;
//   - a create that follows a delete is retained separately, preserving the
//     delete-then-recreate order the registry must observe.
//
// Rows with a permanent error are skipped entirely; the permanent flag is
// per-row, so later rows for the same identifier still run.
func Collapse(rows []Row) []Row {
	var out []Row
	last := make(map[string]int) // identifier -> index in out of collapsible row
	for _, r := range rows {
		if r.ErrorIsPermanent {
			continue
		}
		i, ok := last[r.Identifier]
		if !ok {
			last[r.Identifier] = len(out)
			out = append(out, r)
			continue
		}
		prev := &out[i]
		if prev.Operation == OpDelete && r.Operation == OpCreate {
			// Terminal delete followed by create: keep both, track the newer.
			last[r.Identifier] = len(out)
			out = append(out, r)
			continue
		}
		r.Absorbed = append(append(r.Absorbed, prev.Absorbed...), prev.Seq)
		*prev = r
	}
	return out
}

// Depth summarizes a queue for the status endpoint.
type Depth struct {
	Pending   int
	Permanent int
}
