package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/runtime"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

const eventColumns = "run_id, seq, kind, session_id, state, task_id, time, elapsed, payload, trace_id, span_id"

// timeLayout is fixed width so stored times compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultPruneInterval is how often retention is enforced.
const DefaultPruneInterval = time.Hour

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is a file path or a "file:" URI.
	DSN string

	// RetentionAge deletes events older than this (0: keep).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per run (0: keep).
	RetentionCount int

	// PruneInterval is how often retention is enforced
	// (default: DefaultPruneInterval).
	PruneInterval time.Duration

	Now func() time.Time
}

// SQLiteEventStore persists session and run events to a SQLite database so
// dashboard observers can replay a run's history after a restart. With a
// retention configured, a background goroutine prunes old events.
type SQLiteEventStore struct {
	db  *sql.DB
	cfg SQLiteStoreConfig

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSQLiteEventStore opens (or creates) the event database.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: init: %w", err)
		}
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append stores an event.
func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	payload := []byte("{}")
	if len(event.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(event.Payload); err != nil {
			return fmt.Errorf("sqlitestore: marshal payload: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events ("+eventColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		event.RunID, event.Seq, string(event.Kind),
		event.SessionID, string(event.State), event.TaskID,
		event.Time.UTC().Format(timeLayout), int64(event.Elapsed),
		string(payload), event.TraceID, event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns a run's events after afterSeq in sequence order.
func (s *SQLiteEventStore) List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	where := "run_id = ? AND seq > ? ORDER BY seq"
	args := []any{runID, afterSeq}
	if limit > 0 {
		where += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, where, args...)
}

// SessionEvents returns the events recorded for one participant session.
func (s *SQLiteEventStore) SessionEvents(ctx context.Context, runID, sessionID string) ([]runtime.Event, error) {
	return s.query(ctx, "run_id = ? AND session_id = ? ORDER BY seq", runID, sessionID)
}

// LatestSeq returns the highest Seq for a run (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM events WHERE run_id = ?", runID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- checked non-negative
}

// Prune enforces the retention settings once.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := s.cfg.Now().UTC().Add(-s.cfg.RetentionAge).Format(timeLayout)
		if _, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE time < ?", cutoff); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}
	if s.cfg.RetentionCount > 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY run_id ORDER BY seq DESC) AS pos
				FROM events
			) WHERE pos > ?
		)`, s.cfg.RetentionCount); err != nil {
			return fmt.Errorf("sqlitestore: prune by count: %w", err)
		}
	}
	return nil
}

// Close stops the pruner and closes the database. Only the first call
// closes the database.
func (s *SQLiteEventStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func (s *SQLiteEventStore) query(ctx context.Context, where string, args ...any) ([]runtime.Event, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+eventColumns+" FROM events WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query: %w", err)
	}
	defer rows.Close()

	var events []runtime.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (runtime.Event, error) {
	var (
		e       runtime.Event
		kind    string
		state   string
		at      string
		elapsed int64
		payload string
	)
	if err := rows.Scan(&e.RunID, &e.Seq, &kind, &e.SessionID, &state, &e.TaskID,
		&at, &elapsed, &payload, &e.TraceID, &e.SpanID); err != nil {
		return e, fmt.Errorf("sqlitestore: scan event: %w", err)
	}
	e.Kind = runtime.EventKind(kind)
	e.State = core.State(state)
	e.Elapsed = time.Duration(elapsed)

	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return e, fmt.Errorf("sqlitestore: parse time %q: %w", at, err)
	}
	e.Time = t

	e.Payload = map[string]any{}
	if p := strings.TrimSpace(payload); p != "" && p != "{}" {
		if err := json.Unmarshal([]byte(p), &e.Payload); err != nil {
			return e, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
		}
	}
	return e, nil
}

var _ EventStore = (*SQLiteEventStore)(nil)
