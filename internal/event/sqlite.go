package event

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteBatchSize = 100

// SQLiteSink persists events to a SQLite database. Writes are batched and
// flushed periodically.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
	done   chan struct{}
	path   string

	mu      sync.Mutex
	batch   []Event
	stopped bool
}

// OpenSQLite opens (or creates) the event database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create event db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			eventid   TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			session   TEXT NOT NULL,
			src_ip    TEXT NOT NULL,
			data      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS events_session ON events (session);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	s := &SQLiteSink{
		db:     db,
		logger: logger,
		done:   make(chan struct{}),
		path:   path,
	}
	go s.flushLoop()
	return s, nil
}

func (s *SQLiteSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.batch = append(s.batch, e)
	if len(s.batch) >= sqliteBatchSize {
		if err := s.flushLocked(); err != nil {
			s.logger.Warn("event db flush failed", "error", err)
		}
	}
}

// Flush writes any pending events to the database.
func (s *SQLiteSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *SQLiteSink) flushLocked() error {
	if len(s.batch) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO events (eventid, timestamp, session, src_ip, data) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range s.batch {
		data, err := json.Marshal(e.Fields)
		if err != nil {
			data = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
		}
		ts := e.Timestamp.UTC().Format(time.RFC3339Nano)
		if _, err := stmt.Exec(e.Type.String(), ts, e.Session, e.SrcIP, string(data)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", e.Type, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.batch = s.batch[:0]
	return nil
}

func (s *SQLiteSink) flushLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if err := s.flushLocked(); err != nil {
				s.logger.Warn("event db flush failed", "error", err)
			}
			s.mu.Unlock()
		}
	}
}

// Count returns the number of stored events of type t, or of all types
// when t is zero.
func (s *SQLiteSink) Count(t Type) (int, error) {
	var n int
	var err error
	if t == 0 {
		err = s.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n)
	} else {
		err = s.db.QueryRow("SELECT COUNT(*) FROM events WHERE eventid = ?", t.String()).Scan(&n)
	}
	return n, err
}

// Close flushes pending events and closes the database.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	err := s.flushLocked()
	s.mu.Unlock()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Path returns the path to the database file.
func (s *SQLiteSink) Path() string {
	return s.path
}
