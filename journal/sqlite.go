// Package journal keeps a durable record of every operation the dispatcher
// applied, in the order it applied them.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-temserver/dispatch"
	"github.com/arloliu/go-temserver/envelope"
	"github.com/arloliu/go-temserver/logger"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const (
	// DefaultBufferSize is the number of entries that may wait for the writer.
	DefaultBufferSize = 1024

	maxBatch = 64
)

// ErrClosed is returned by Recent after Close.
var ErrClosed = errors.New("journal closed")

// SQLite is a dispatch.Recorder that appends entries to an SQLite database.
//
// Record never blocks: entries are queued to a writer goroutine and dropped
// with a warning when the queue is full.
type SQLite struct {
	db      *sql.DB
	runID   string
	logger  logger.Logger
	entries chan dispatch.Entry
	quit    chan struct{}
	done    chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	written   atomic.Uint64
	dropped   atomic.Uint64
}

var _ dispatch.Recorder = (*SQLite)(nil)

type config struct {
	bufferSize int
	logger     logger.Logger
}

// Option configures a journal.
type Option interface {
	apply(*config) error
}

type optFunc struct {
	name      string
	applyFunc func(*config) error
}

func (o *optFunc) apply(cfg *config) error { return o.applyFunc(cfg) }

func newOptFunc(name string, f func(*config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithBufferSize sets the writer queue length. The default is 1024.
func WithBufferSize(size int) Option {
	return newOptFunc("WithBufferSize", func(cfg *config) error {
		if size < 1 {
			return errors.New("journal buffer size must be positive")
		}
		cfg.bufferSize = size

		return nil
	})
}

// WithLogger sets the logger. The default is logger.GetLogger().
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

// OpenSQLite opens (and creates if needed) the journal database at path and
// starts the writer goroutine.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	cfg := &config{bufferSize: DefaultBufferSize, logger: logger.GetLogger()}
	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// a single connection keeps writes and reads on the same sqlite handle
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, pragma := range []string{"PRAGMA journal_mode = WAL;", "PRAGMA busy_timeout = 5000;"} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := bootstrap(pctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	j := &SQLite{
		db:      db,
		runID:   uuid.NewString(),
		logger:  cfg.logger.With("component", "journal"),
		entries: make(chan dispatch.Entry, cfg.bufferSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go j.writeLoop()

	j.logger.Info("journal opened", "path", path, "run_id", j.runID)

	return j, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operation_log (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id         TEXT NOT NULL,
  seq            INTEGER NOT NULL,
  correlation_id INTEGER NOT NULL,
  op             TEXT NOT NULL,
  status         TEXT NOT NULL,
  kind           TEXT,
  error          TEXT,
  started_at     TEXT NOT NULL,
  duration_ms    REAL NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_operation_log_run_seq ON operation_log(run_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal: %w", err)
		}
	}

	return nil
}

// RunID identifies this process's entries; seq restarts at 1 for every run.
func (j *SQLite) RunID() string {
	return j.runID
}

// Record queues entry for writing.
func (j *SQLite) Record(entry dispatch.Entry) {
	if j.closed.Load() {
		j.dropped.Add(1)
		return
	}

	select {
	case j.entries <- entry:
	default:
		if j.dropped.Add(1) == 1 {
			j.logger.Warn("journal queue full, dropping entries", "seq", entry.Seq, "op", entry.Op)
		}
	}
}

// Written returns the number of entries persisted.
func (j *SQLite) Written() uint64 {
	return j.written.Load()
}

// Dropped returns the number of entries discarded because the queue was full or the journal closed.
func (j *SQLite) Dropped() uint64 {
	return j.dropped.Load()
}

// Recent returns up to limit of the latest entries, oldest first.
func (j *SQLite) Recent(ctx context.Context, limit int) ([]dispatch.Entry, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `SELECT seq, correlation_id, op, status, kind, error, started_at, duration_ms
FROM operation_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []dispatch.Entry
	for rows.Next() {
		var (
			e         dispatch.Entry
			status    string
			kind      sql.NullString
			errMsg    sql.NullString
			startedAt string
			ms        float64
		)
		if err := rows.Scan(&e.Seq, &e.CorrelationID, &e.Op, &status, &kind, &errMsg, &startedAt, &ms); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Status = envelope.Status(status)
		e.Kind = envelope.ErrorKind(kind.String)
		e.Error = errMsg.String
		if e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", startedAt, err)
		}
		e.Duration = time.Duration(ms * float64(time.Millisecond))
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}

	return entries, nil
}

// Close writes the queued entries and closes the database.
func (j *SQLite) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.closed.Store(true)
		close(j.quit)
		<-j.done

		if dropped := j.dropped.Load(); dropped > 0 {
			j.logger.Warn("journal dropped entries", "count", dropped)
		}
		err = j.db.Close()
	})

	return err
}

func (j *SQLite) writeLoop() {
	defer close(j.done)

	batch := make([]dispatch.Entry, 0, maxBatch)
	for {
		select {
		case e := <-j.entries:
			batch = append(batch[:0], e)
			batch = j.fill(batch)
			j.write(batch)
		case <-j.quit:
			for {
				batch = j.fill(batch[:0])
				if len(batch) == 0 {
					return
				}
				j.write(batch)
			}
		}
	}
}

// fill appends queued entries to batch without blocking.
func (j *SQLite) fill(batch []dispatch.Entry) []dispatch.Entry {
	for len(batch) < maxBatch {
		select {
		case e := <-j.entries:
			batch = append(batch, e)
		default:
			return batch
		}
	}

	return batch
}

func (j *SQLite) write(batch []dispatch.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := j.insert(ctx, batch); err != nil {
		j.dropped.Add(uint64(len(batch)))
		j.logger.Error("failed to write journal", "count", len(batch), "error", err)

		return
	}
	j.written.Add(uint64(len(batch)))
}

func (j *SQLite) insert(ctx context.Context, batch []dispatch.Entry) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO operation_log
(run_id, seq, correlation_id, op, status, kind, error, started_at, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		_, err := stmt.ExecContext(ctx,
			j.runID,
			int64(e.Seq),
			int64(e.CorrelationID),
			e.Op,
			string(e.Status),
			nullString(string(e.Kind)),
			nullString(e.Error),
			e.StartedAt.UTC().Format(time.RFC3339Nano),
			float64(e.Duration)/float64(time.Millisecond),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
