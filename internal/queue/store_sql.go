package queue

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLQueue reads and maintains one registrar's queue table. Appends happen
// through AppendTx inside store transactions; workers only read, mark errors,
// and delete.
type SQLQueue struct {
	db        *sql.DB
	registrar Registrar
}

func NewSQLQueue(db *sql.DB, r Registrar) *SQLQueue {
	return &SQLQueue{db: db, registrar: r}
}

func (q *SQLQueue) Registrar() Registrar {
	return q.registrar
}

// Load returns up to limit non-permanent rows in sequence order.
func (q *SQLQueue) Load(ctx context.Context, limit int) ([]Row, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT seq, enqueue_time, identifier, operation, metadata, error, error_is_permanent
		 FROM `+q.registrar.Table()+`
		 WHERE error_is_permanent = FALSE
		 ORDER BY seq
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", q.registrar.Table(), err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var op string
		if err := rows.Scan(&r.Seq, &r.EnqueueTime, &r.Identifier, &op,
			&r.Metadata, &r.Error, &r.ErrorIsPermanent); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.registrar.Table(), err)
		}
		r.Operation = Op(op)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetError records a processing failure on a row. Permanent rows are never
// retried and never block later rows for the same identifier.
func (q *SQLQueue) SetError(ctx context.Context, seq int64, msg string, permanent bool) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE `+q.registrar.Table()+` SET error = $1, error_is_permanent = $2 WHERE seq = $3`,
		msg, permanent, seq)
	if err != nil {
		return fmt.Errorf("set error on %s seq %d: %w", q.registrar.Table(), seq, err)
	}
	return nil
}

// Delete removes completed rows.
func (q *SQLQueue) Delete(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+q.registrar.Table()+` WHERE seq = $1`, seq); err != nil {
			return fmt.Errorf("delete %s seq %d: %w", q.registrar.Table(), seq, err)
		}
	}
	return tx.Commit()
}

// GetDepth counts pending and permanently failed rows for the status report.
func (q *SQLQueue) GetDepth(ctx context.Context) (Depth, error) {
	var d Depth
	err := q.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE error_is_permanent = FALSE),
		   COUNT(*) FILTER (WHERE error_is_permanent = TRUE)
		 FROM `+q.registrar.Table()).Scan(&d.Pending, &d.Permanent)
	if err != nil {
		return Depth{}, fmt.Errorf("depth of %s: %w", q.registrar.Table(), err)
	}
	return d, nil
}
