// Package audit records sensitive registry writes to a SQLite table.
//
// Record never blocks the writer: entries go through a bounded queue to a
// single goroutine that inserts them. When the queue is full the entry is
// dropped and counted.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/registry"
)

// DefaultQueue is the queue depth used when Open is given zero.
const DefaultQueue = 256

const schemaSQL = `CREATE TABLE IF NOT EXISTS audit (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	at        INTEGER NOT NULL,
	name      TEXT NOT NULL,
	old_value TEXT NOT NULL,
	new_value TEXT NOT NULL,
	caller    TEXT NOT NULL,
	level     TEXT NOT NULL,
	seq       INTEGER NOT NULL DEFAULT 0
)`

// Row is one stored audit entry.
type Row struct {
	ID     int64     `json:"id"`
	Time   time.Time `json:"time"`
	Name   string    `json:"name"`
	Old    string    `json:"old"`
	New    string    `json:"new"`
	Caller string    `json:"caller"`
	Level  string    `json:"level"`
	Seq    uint64    `json:"seq"`
}

var _ registry.Auditor = (*Log)(nil)

// Log is a SQLite-backed registry.Auditor.
type Log struct {
	db   *sql.DB
	path string
	ch   chan registry.AuditEntry
	done chan struct{}

	mu     sync.RWMutex // guards closed against Record
	closed bool

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// Open opens (or creates) the audit database and starts the writer.
func Open(path string, queue int) (*Log, error) {
	if queue <= 0 {
		queue = DefaultQueue
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: opening sqlite %s: %w", path, err)
	}
	// WAL lets the console read while the writer inserts.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: creating table: %w", err)
	}
	if err := addSeqColumn(db); err != nil {
		db.Close()
		return nil, err
	}

	l := &Log{
		db:   db,
		path: path,
		ch:   make(chan registry.AuditEntry, queue),
		done: make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// addSeqColumn upgrades tables created before entries carried a sequence.
func addSeqColumn(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('audit') WHERE name = 'seq'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("audit: inspecting table: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE audit ADD COLUMN seq INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("audit: adding seq column: %w", err)
	}
	log.Printf("audit: added seq column")
	return nil
}

// Path returns the database file path.
func (l *Log) Path() string { return l.path }

// Record queues an entry. It never blocks; a full queue drops the entry.
func (l *Log) Record(e registry.AuditEntry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.ch <- e:
	default:
		if l.dropped.Add(1) == 1 {
			log.Printf("audit: queue full, dropping entries (first: %s by %s)", e.Name, e.Caller)
		}
	}
}

// Dropped returns how many entries were dropped.
func (l *Log) Dropped() uint64 { return l.dropped.Load() }

// Written returns how many entries were stored.
func (l *Log) Written() uint64 { return l.written.Load() }

// Failed returns how many inserts failed.
func (l *Log) Failed() uint64 { return l.failed.Load() }

func (l *Log) run() {
	defer close(l.done)
	for e := range l.ch {
		if err := l.insert(e); err != nil {
			l.failed.Add(1)
			log.Printf("audit: insert %s: %v", e.Name, err)
			continue
		}
		l.written.Add(1)
	}
}

func (l *Log) insert(e registry.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit (at, name, old_value, new_value, caller, level, seq) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UnixNano(), e.Name, e.Old, e.New, e.Caller.ID, e.Caller.Level.String(), int64(e.Seq))
	return err
}

// Recent returns up to limit entries, newest first by write time and then
// by sequence, so concurrent writes list in the order they took effect. An
// empty name matches every tunable.
func (l *Log) Recent(ctx context.Context, name string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, at, name, old_value, new_value, caller, level, seq FROM audit`
	args := []any{}
	if name != "" {
		q += ` WHERE name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY at DESC, seq DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var at, seq int64
		if err := rows.Scan(&r.ID, &at, &r.Name, &r.Old, &r.New, &r.Caller, &r.Level, &seq); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		r.Seq = uint64(seq)
		r.Time = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// CallerOf rebuilds the caller of a stored row.
func (r Row) CallerOf() access.Caller {
	lvl, _ := access.ParseLevel(r.Level)
	return access.Caller{ID: r.Caller, Level: lvl}
}

// Close stops accepting entries, drains the queue and closes the database.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	<-l.done
	if err := l.Checkpoint(); err != nil {
		log.Printf("audit: %v", err)
	}
	return l.db.Close()
}

// Checkpoint folds the WAL into the main database file so it can be copied
// on its own.
func (l *Log) Checkpoint() error {
	if _, err := l.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("audit: checkpoint: %w", err)
	}
	return nil
}
