// Package queue is a durable priority queue backed by one DuckDB file per
// named queue.
package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/tinytelemetry/outpost/internal/model"
	"github.com/tinytelemetry/outpost/internal/queue/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrDegraded is returned by every operation of a queue whose store
	// could not be opened.
	ErrDegraded = errors.New("queue: storage unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: closed")
)

// Record is one queued payload.
type Record struct {
	Seq          int64
	Priority     model.Priority
	InsertedAtMs int64
	Payload      []byte
	Requeued     bool
}

// Options configures Open.
type Options struct {
	// Name identifies the queue; it becomes the file name under Dir.
	Name string
	// Dir holds the database file. Empty means an in-memory store.
	Dir string
	// MaxSize caps the number of records; 0 means unbounded.
	MaxSize int
	// MaxRetention drops records older than this at open; 0 disables it.
	MaxRetention time.Duration
	// OpTimeout bounds each storage operation. Defaults to 30s.
	OpTimeout time.Duration
	Now       func() time.Time
	Logger    *zap.Logger
}

// Queue orders records by (priority, inserted_at_ms, seq) ascending.
type Queue struct {
	name      string
	path      string
	db        *sql.DB
	now       func() time.Time
	logger    *zap.Logger
	opTimeout time.Duration

	mu       sync.Mutex
	nextSeq  int64
	maxSize  int
	closed   bool
	degraded error
}

// Path returns the database file for a queue name in dir, or "" for an
// in-memory queue.
func Path(dir, name string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, sanitize(name)+".duckdb")
}

func sanitize(name string) string {
	if name == "" {
		return "queue"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// Open opens or creates the queue store, applies migrations, recovers the
// sequence counter and prunes expired records.
func Open(opts Options) (*Queue, error) {
	q := &Queue{
		name:      opts.Name,
		path:      Path(opts.Dir, opts.Name),
		now:       opts.Now,
		logger:    opts.Logger,
		opTimeout: opts.OpTimeout,
		maxSize:   opts.MaxSize,
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	q.logger = q.logger.With(zap.String("queue", opts.Name))
	if q.opTimeout <= 0 {
		q.opTimeout = 30 * time.Second
	}

	if q.path != "" {
		if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
			return nil, fmt.Errorf("queue %s: create dir: %w", opts.Name, err)
		}
	}
	db, err := sql.Open("duckdb", q.path)
	if err != nil {
		return nil, fmt.Errorf("queue %s: open: %w", opts.Name, err)
	}
	q.db = db

	ctx, cancel := q.opContext()
	defer cancel()

	if err := migrate.NewRunner(db, migrations, "migrations").Run(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue %s: migrate: %w", opts.Name, err)
	}
	if err := q.recoverSeq(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue %s: recover sequence: %w", opts.Name, err)
	}
	if opts.MaxRetention > 0 {
		n, err := q.pruneExpired(ctx, opts.MaxRetention)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("queue %s: retention: %w", opts.Name, err)
		}
		if n > 0 {
			q.logger.Info("dropped expired records", zap.Int64("count", n), zap.Duration("max_retention", opts.MaxRetention))
		}
	}
	return q, nil
}

// NewDegraded returns a queue whose operations all fail with ErrDegraded
// wrapping cause.
func NewDegraded(name string, cause error) *Queue {
	return &Queue{
		name:     name,
		now:      time.Now,
		logger:   zap.NewNop(),
		degraded: fmt.Errorf("%w: %v", ErrDegraded, cause),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Degraded reports whether the queue is running without storage.
func (q *Queue) Degraded() bool { return q.degraded != nil }

func (q *Queue) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), q.opTimeout)
}

// usableLocked must be called with q.mu held.
func (q *Queue) usableLocked() error {
	if q.degraded != nil {
		return q.degraded
	}
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *Queue) recoverSeq(ctx context.Context) error {
	var maxSeq sql.NullInt64
	if err := q.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM queue_records").Scan(&maxSeq); err != nil {
		return err
	}
	next := int64(1)
	if maxSeq.Valid {
		next = maxSeq.Int64 + 1
	}

	var stored sql.NullString
	err := q.db.QueryRowContext(ctx, "SELECT value FROM queue_meta WHERE key = 'next_seq'").Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if stored.Valid {
		if v, perr := strconv.ParseInt(stored.String, 10, 64); perr == nil && v > next {
			next = v
		}
	}
	q.nextSeq = next
	return nil
}

// pruneExpired deletes records inserted before now-maxRetention. Records
// flagged as requeued survive this pass and lose the flag.
func (q *Queue) pruneExpired(ctx context.Context, maxRetention time.Duration) (int64, error) {
	cutoff := q.now().Add(-maxRetention).UnixMilli()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM queue_records WHERE inserted_at_ms < ? AND NOT requeued", cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, "UPDATE queue_records SET requeued = false WHERE requeued"); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// SetMaxSize changes the record cap and evicts any excess.
func (q *Queue) SetMaxSize(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usableLocked(); err != nil {
		return err
	}
	q.maxSize = n
	ctx, cancel := q.opContext()
	defer cancel()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := q.enforceMaxSizeTx(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Add enqueues one payload.
func (q *Queue) Add(payload []byte, p model.Priority) error {
	return q.AddAll([][]byte{payload}, p)
}

// AddAll enqueues payloads with the same priority in one transaction.
func (q *Queue) AddAll(payloads [][]byte, p model.Priority) error {
	if len(payloads) == 0 {
		return nil
	}
	if !p.Valid() {
		return fmt.Errorf("queue %s: invalid priority %d", q.name, p)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usableLocked(); err != nil {
		return err
	}

	ctx, cancel := q.opContext()
	defer cancel()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue %s: begin: %w", q.name, err)
	}
	defer tx.Rollback()

	ts := q.now().UnixMilli()
	seq := q.nextSeq
	for _, payload := range payloads {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO queue_records (seq, priority, inserted_at_ms, requeued, payload) VALUES (?, ?, ?, false, ?)",
			seq, int(p), ts, payload); err != nil {
			return fmt.Errorf("queue %s: insert: %w", q.name, err)
		}
		seq++
	}
	if err := q.commitSeqTx(ctx, tx, seq); err != nil {
		return err
	}
	if err := q.enforceMaxSizeTx(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue %s: commit: %w", q.name, err)
	}
	q.nextSeq = seq
	return nil
}

func (q *Queue) commitSeqTx(ctx context.Context, tx *sql.Tx, next int64) error {
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO queue_meta (key, value) VALUES ('next_seq', ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		strconv.FormatInt(next, 10)); err != nil {
		return fmt.Errorf("queue %s: store sequence: %w", q.name, err)
	}
	return nil
}

// enforceMaxSizeTx evicts the excess in reverse dequeue order: lowest
// priority first, oldest first within a priority.
func (q *Queue) enforceMaxSizeTx(ctx context.Context, tx *sql.Tx) error {
	if q.maxSize <= 0 {
		return nil
	}
	var count int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_records").Scan(&count); err != nil {
		return fmt.Errorf("queue %s: count: %w", q.name, err)
	}
	excess := count - int64(q.maxSize)
	if excess <= 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_records WHERE seq IN (
		SELECT seq FROM queue_records ORDER BY priority DESC, inserted_at_ms ASC, seq ASC LIMIT ?
	)`, excess); err != nil {
		return fmt.Errorf("queue %s: evict: %w", q.name, err)
	}
	q.logger.Warn("queue full, evicted records", zap.Int64("evicted", excess), zap.Int("max_size", q.maxSize))
	return nil
}

const selectOrdered = `SELECT seq, priority, inserted_at_ms, requeued, payload FROM queue_records
	ORDER BY priority ASC, inserted_at_ms ASC, seq ASC LIMIT ?`

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r   Record
			pri int
		)
		if err := rows.Scan(&r.Seq, &pri, &r.InsertedAtMs, &r.Requeued, &r.Payload); err != nil {
			return nil, err
		}
		r.Priority = model.Priority(pri)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Take removes and returns up to n records in dequeue order. The select
// and delete run in one transaction.
func (q *Queue) Take(n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usableLocked(); err != nil {
		return nil, err
	}

	ctx, cancel := q.opContext()
	defer cancel()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue %s: begin: %w", q.name, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, selectOrdered, n)
	if err != nil {
		return nil, fmt.Errorf("queue %s: select: %w", q.name, err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("queue %s: scan: %w", q.name, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(records))
	args := make([]any, len(records))
	for i, r := range records {
		placeholders[i] = "?"
		args[i] = r.Seq
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM queue_records WHERE seq IN ("+strings.Join(placeholders, ",")+")", args...); err != nil {
		return nil, fmt.Errorf("queue %s: delete: %w", q.name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue %s: commit: %w", q.name, err)
	}
	return records, nil
}

// Peek returns up to n records in dequeue order without removing them.
func (q *Queue) Peek(n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usableLocked(); err != nil {
		return nil, err
	}
	ctx, cancel := q.opContext()
	defer cancel()
	rows, err := q.db.QueryContext(ctx, selectOrdered, n)
	if err != nil {
		return nil, fmt.Errorf("queue %s: select: %w", q.name, err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("queue %s: scan: %w", q.name, err)
	}
	return records, nil
}

// Requeue puts records back at the front of their priority class. Within a
// class the records get synthetic timestamps strictly before both now and
// the oldest remaining record, one millisecond apart, in the given order.
// Requeued records are flagged so the next startup retention pass spares
// them.
func (q *Queue) Requeue(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usableLocked(); err != nil {
		return err
	}

	ctx, cancel := q.opContext()
	defer cancel()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue %s: begin: %w", q.name, err)
	}
	defer tx.Rollback()

	byPriority := make(map[model.Priority][]Record)
	var order []model.Priority
	for _, r := range records {
		if _, ok := byPriority[r.Priority]; !ok {
			order = append(order, r.Priority)
		}
		byPriority[r.Priority] = append(byPriority[r.Priority], r)
	}

	now := q.now().UnixMilli()
	seq := q.nextSeq
	for _, p := range order {
		class := byPriority[p]
		base := now
		var oldest sql.NullInt64
		if err := tx.QueryRowContext(ctx, "SELECT MIN(inserted_at_ms) FROM queue_records WHERE priority = ?", int(p)).Scan(&oldest); err != nil {
			return fmt.Errorf("queue %s: oldest: %w", q.name, err)
		}
		if oldest.Valid && oldest.Int64 < base {
			base = oldest.Int64
		}
		for i, r := range class {
			ts := base - int64(len(class)-i)
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO queue_records (seq, priority, inserted_at_ms, requeued, payload) VALUES (?, ?, ?, true, ?)",
				seq, int(p), ts, r.Payload); err != nil {
				return fmt.Errorf("queue %s: requeue insert: %w", q.name, err)
			}
			seq++
		}
	}
	if err := q.commitSeqTx(ctx, tx, seq); err != nil {
		return err
	}
	if err := q.enforceMaxSizeTx(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue %s: commit: %w", q.name, err)
	}
	q.nextSeq = seq
	return nil
}

// Len returns the number of queued records.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usableLocked(); err != nil {
		return 0, err
	}
	ctx, cancel := q.opContext()
	defer cancel()
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_records").Scan(&n); err != nil {
		return 0, fmt.Errorf("queue %s: count: %w", q.name, err)
	}
	return n, nil
}

// Clear removes every record. The sequence counter is kept.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usableLocked(); err != nil {
		return err
	}
	ctx, cancel := q.opContext()
	defer cancel()
	if _, err := q.db.ExecContext(ctx, "DELETE FROM queue_records"); err != nil {
		return fmt.Errorf("queue %s: clear: %w", q.name, err)
	}
	return nil
}

// Close releases the store. Later calls return ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.degraded != nil || q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}
