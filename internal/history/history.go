// Package history keeps an audit trail of executed device commands in SQLite.
//
// Executions are handed over from the queue workers through a buffered
// channel and written by a single goroutine, so a slow disk never delays a
// device queue.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"shelly-go-home/internal/queue"
)

const (
	defaultLimit    = 50
	maxLimit        = 500
	bufferSize      = 256
	busyTimeoutMS   = 5000
	pruneInterval   = time.Hour
	dirPermissions  = 0o750
	filePermissions = 0o600
)

const schema = `
CREATE TABLE IF NOT EXISTS command_history (
	id          TEXT PRIMARY KEY,
	command_id  TEXT NOT NULL,
	device_id   TEXT NOT NULL,
	operation   TEXT NOT NULL,
	mode        TEXT NOT NULL,
	enqueued_at INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_command_history_device ON command_history(device_id, started_at DESC);
`

// Entry is one executed command.
type Entry struct {
	ID         string    `json:"id"`
	CommandID  string    `json:"command_id"`
	DeviceID   string    `json:"device_id"`
	Operation  string    `json:"operation"`
	Mode       string    `json:"mode"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Config holds history options.
type Config struct {
	Path string
	// Retention drops entries older than this; zero keeps everything.
	Retention time.Duration
}

// DB records and lists command executions.
type DB struct {
	db        *sql.DB
	retention time.Duration
	logger    *slog.Logger

	in        chan Entry
	dropped   atomic.Uint64
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open creates or opens the history database and starts its writer.
func Open(cfg Config, logger *slog.Logger) (*DB, error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", cfg.Path, busyTimeoutMS)
	if cfg.Path == ":memory:" {
		dsn = ":memory:"
	}
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// One connection: a single writer, and ":memory:" stays one database.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	if cfg.Path != ":memory:" {
		_ = os.Chmod(cfg.Path, filePermissions)
	}

	d := &DB{
		db:        sqlDB,
		retention: cfg.Retention,
		logger:    logger.With("component", "history"),
		in:        make(chan Entry, bufferSize),
		done:      make(chan struct{}),
	}
	d.wg.Add(1)
	go d.writeLoop()
	return d, nil
}

// Record queues an execution for writing. It never blocks: when the buffer
// is full the entry is counted as dropped. Its signature matches
// queue.Observer.
func (d *DB) Record(ex queue.Execution) {
	e := Entry{
		ID:         uuid.NewString(),
		CommandID:  ex.CommandID,
		DeviceID:   ex.DeviceID,
		Operation:  ex.Operation,
		Mode:       string(ex.Mode),
		EnqueuedAt: ex.EnqueuedAt,
		StartedAt:  ex.StartedAt,
		DurationMS: ex.Duration.Milliseconds(),
	}
	if ex.Err != nil {
		e.Error = ex.Err.Error()
	}
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.in <- e:
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			d.logger.Warn("history buffer full, dropping entries", "dropped", n)
		}
	}
}

// Dropped returns how many executions were not recorded.
func (d *DB) Dropped() uint64 { return d.dropped.Load() }

func (d *DB) writeLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	if d.retention > 0 {
		d.prune()
	}

	for {
		select {
		case e := <-d.in:
			d.write(e)
		case <-ticker.C:
			if d.retention > 0 {
				d.prune()
			}
		case <-d.done:
			// Flush what the workers already handed over.
			for {
				select {
				case e := <-d.in:
					d.write(e)
				default:
					return
				}
			}
		}
	}
}

func (d *DB) write(e Entry) {
	if err := d.Insert(context.Background(), e); err != nil {
		d.logger.Error("write history entry", "device_id", e.DeviceID, "command_id", e.CommandID, "err", err)
	}
}

func (d *DB) prune() {
	n, err := d.Prune(context.Background(), d.retention)
	if err != nil {
		d.logger.Error("prune history", "err", err)
		return
	}
	if n > 0 {
		d.logger.Info("history pruned", "deleted", n)
	}
}

// Insert writes one entry synchronously.
func (d *DB) Insert(ctx context.Context, e Entry) error {
	if e.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO command_history
		 (id, command_id, device_id, operation, mode, enqueued_at, started_at, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CommandID, e.DeviceID, e.Operation, e.Mode,
		e.EnqueuedAt.UnixMilli(), e.StartedAt.UnixMilli(), e.DurationMS, e.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	return nil
}

// List returns a device's most recent entries, newest first.
func (d *DB) List(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, command_id, device_id, operation, mode, enqueued_at, started_at, duration_ms, error
		 FROM command_history
		 WHERE device_id = ?
		 ORDER BY started_at DESC
		 LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var enqueued, started int64
		if err := rows.Scan(&e.ID, &e.CommandID, &e.DeviceID, &e.Operation, &e.Mode,
			&enqueued, &started, &e.DurationMS, &e.Error); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		e.EnqueuedAt = time.UnixMilli(enqueued)
		e.StartedAt = time.UnixMilli(started)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries that started before now-olderThan.
func (d *DB) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := d.db.ExecContext(ctx, "DELETE FROM command_history WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the writer after flushing buffered entries and closes the
// database.
func (d *DB) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
		if cerr := d.db.Close(); cerr != nil {
			err = fmt.Errorf("closing history database: %w", cerr)
		}
	})
	return err
}
