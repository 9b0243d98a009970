package queue

import (
	"context"
	"sync"
)

// InMemoryQueue mirrors SQLQueue semantics without a database. Used by unit
// tests and by stores running without external registrars configured.
type InMemoryQueue struct {
	registrar Registrar

	mu   sync.Mutex
	next int64
	rows []Row
}

func NewInMemoryQueue(r Registrar) *InMemoryQueue {
	return &InMemoryQueue{registrar: r, next: 1}
}

func (q *InMemoryQueue) Registrar() Registrar {
	return q.registrar
}

// Append assigns the next sequence number and stores the row.
func (q *InMemoryQueue) Append(row *Row) {
	q.mu.Lock()
	defer q.mu.Unlock()
	row.Seq = q.next
	q.next++
	q.rows = append(q.rows, *row)
}

func (q *InMemoryQueue) Load(_ context.Context, limit int) ([]Row, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Row
	for _, r := range q.rows {
		if r.ErrorIsPermanent {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *InMemoryQueue) SetError(_ context.Context, seq int64, msg string, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.rows {
		if q.rows[i].Seq == seq {
			q.rows[i].Error = msg
			q.rows[i].ErrorIsPermanent = permanent
		}
	}
	return nil
}

func (q *InMemoryQueue) Delete(_ context.Context, seqs []int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	drop := make(map[int64]struct{}, len(seqs))
	for _, s := range seqs {
		drop[s] = struct{}{}
	}
	kept := q.rows[:0]
	for _, r := range q.rows {
		if _, ok := drop[r.Seq]; !ok {
			kept = append(kept, r)
		}
	}
	q.rows = kept
	return nil
}

func (q *InMemoryQueue) GetDepth(context.Context) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var d Depth
	for _, r := range q.rows {
		if r.ErrorIsPermanent {
			d.Permanent++
		} else {
			d.Pending++
		}
	}
	return d, nil
}
