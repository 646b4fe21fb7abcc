package queue

import (
	"database/sql"
	"fmt"

	"github.com/tinytelemetry/outpost/internal/model"
)

func priorityName(p int) string { return model.Priority(p).String() }

// Stats summarizes the queue for diagnostics.
type Stats struct {
	Name       string         `json:"name"`
	Path       string         `json:"path,omitempty"`
	Length     int            `json:"length"`
	ByPriority map[string]int `json:"byPriority"`
	OldestMs   int64          `json:"oldestMs,omitempty"`
	NextSeq    int64          `json:"nextSeq"`
	MaxSize    int            `json:"maxSize"`
	Degraded   bool           `json:"degraded"`
}

// Stats returns queue counters. A degraded queue reports Degraded with
// zero counts and a nil error.
func (q *Queue) Stats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{Name: q.name, Path: q.path, NextSeq: q.nextSeq, MaxSize: q.maxSize, ByPriority: map[string]int{}}
	if q.degraded != nil {
		st.Degraded = true
		return st, nil
	}
	if err := q.usableLocked(); err != nil {
		return st, err
	}

	ctx, cancel := q.opContext()
	defer cancel()
	rows, err := q.db.QueryContext(ctx, "SELECT priority, COUNT(*), MIN(inserted_at_ms) FROM queue_records GROUP BY priority")
	if err != nil {
		return st, fmt.Errorf("queue %s: stats: %w", q.name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			pri, n int
			oldest sql.NullInt64
		)
		if err := rows.Scan(&pri, &n, &oldest); err != nil {
			return st, fmt.Errorf("queue %s: stats scan: %w", q.name, err)
		}
		st.ByPriority[priorityName(pri)] = n
		st.Length += n
		if oldest.Valid && (st.OldestMs == 0 || oldest.Int64 < st.OldestMs) {
			st.OldestMs = oldest.Int64
		}
	}
	return st, rows.Err()
}
