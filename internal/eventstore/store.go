// Package eventstore implements the append-only event log (spec §4.10): a
// single embedded SQL engine file (or in-memory), written through a
// buffered flush discipline and queryable with arbitrary read-only SQL.
//
// The embedded engine is reached through github.com/dolthub/driver's
// database/sql connector, the same "no server required, database/sql
// interface via dolthub/driver" embedded-access pattern the teacher uses
// for its own storage layer (internal/storage/dolt/store_embedded.go).
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	embedded "github.com/dolthub/driver"

	"github.com/douglance/dbg-sub001/internal/types"
)

const (
	flushInterval  = 100 * time.Millisecond
	flushThreshold = 64

	schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY,
	ts INTEGER,
	source TEXT,
	category TEXT,
	method TEXT,
	data TEXT,
	session_id TEXT
)`
)

// Store is the process-wide append-only event log singleton. Writes are
// buffered and flushed on a timer or when the buffer fills, whichever
// comes first; Query runs arbitrary read-only SQL over the single `events`
// table, including json_extract over the `data` column.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	buf       []types.Event
	nextID    int64
	closed    bool
	lastFlush time.Time
	flushCh chan chan error
	stopCh  chan struct{}
	doneCh  chan struct{}

	onFlush func(n int)
}

// SetFlushHook registers fn to be called with the number of events written
// after every flush (spec SPEC_FULL.md DOMAIN STACK: event-store flush
// size feeds a metrics histogram). fn must not block.
func (s *Store) SetFlushHook(fn func(n int)) {
	s.mu.Lock()
	s.onFlush = fn
	s.mu.Unlock()
}

// BufferDepth returns the number of events currently buffered and not yet
// flushed, for the `health` control-plane command.
func (s *Store) BufferDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// LastFlushAge returns the time since the last flush completed, or zero if
// no flush has run yet.
func (s *Store) LastFlushAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFlush.IsZero() {
		return 0
	}
	return time.Since(s.lastFlush)
}

// Open opens (creating if necessary) the embedded event-store file at
// path. path == ":memory:" opens a non-persistent store in a fresh
// temporary directory that no other Open shares, used by tests and by
// daemons configured without persistence; the directory is not removed on
// Close.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if dsn != ":memory:" {
		dsn = "file://" + path + "?commitname=dbgd&commitemail=dbgd@localhost"
	} else {
		dir, err := os.MkdirTemp("", "dbgd-events-mem-")
		if err != nil {
			return nil, fmt.Errorf("eventstore: temp dir: %w", err)
		}
		dsn = "file://" + dir + "?commitname=dbgd&commitemail=dbgd@localhost"
	}

	cfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: parse dsn: %w", err)
	}
	connector, err := embedded.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open embedded engine: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: create schema: %w", err)
	}

	var maxID sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(id) FROM events").Scan(&maxID); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: read max id: %w", err)
	}

	s := &Store{
		db:      db,
		nextID:  maxID.Int64 + 1,
		flushCh: make(chan chan error, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.runFlusher()
	return s, nil
}

// Record appends event to the buffer, assigning it the next monotonic ID
// and timestamp. If flushNow is true, Record blocks until the entry (and
// anything else currently buffered) is durably written.
//
// Event-store writes are totally ordered by ID: two Record calls made in
// sequence on the same goroutine always observe ID_A < ID_B once both are
// visible (spec §8, event-store ordering).
func (s *Store) Record(ctx context.Context, e types.Event, flushNow bool) (int64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, fmt.Errorf("eventstore: closed")
	}
	e.ID = s.nextID
	s.nextID++
	if e.TS == 0 {
		e.TS = types.Now()
	}
	s.buf = append(s.buf, e)
	shouldFlush := len(s.buf) >= flushThreshold
	s.mu.Unlock()

	if flushNow || shouldFlush {
		if err := s.FlushNow(ctx); err != nil {
			return e.ID, err
		}
	}
	return e.ID, nil
}

// FlushNow forces a synchronous flush of any buffered entries.
func (s *Store) FlushNow(ctx context.Context) error {
	resp := make(chan error, 1)
	select {
	case s.flushCh <- resp:
	case <-s.stopCh:
		return fmt.Errorf("eventstore: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) runFlusher() {
	defer close(s.doneCh)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.flush()
		case resp := <-s.flushCh:
			resp <- s.flush()
		case <-s.stopCh:
			_ = s.flush()
			return
		}
	}
}

func (s *Store) flush() error {
	s.mu.Lock()
	pending := s.buf
	s.buf = nil
	s.lastFlush = time.Now()
	hook := s.onFlush
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if hook != nil {
		hook(len(pending))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("eventstore: begin flush tx: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO events (id, ts, source, category, method, data, session_id) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("eventstore: prepare insert: %w", err)
	}
	for _, e := range pending {
		if _, err := stmt.Exec(e.ID, e.TS, e.Source, e.Category, e.Method, e.Data, e.SessionID); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("eventstore: insert event %d: %w", e.ID, err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

// Query executes read-only SQL over the events table and returns the
// result columns and rows. params are positional `?` bind values.
func (s *Store) Query(ctx context.Context, query string, params ...interface{}) ([]string, [][]interface{}, error) {
	if err := s.FlushNow(ctx); err != nil {
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, nil, fmt.Errorf("eventstore: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}

// Close flushes outstanding entries and releases the underlying engine.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	return s.db.Close()
}
