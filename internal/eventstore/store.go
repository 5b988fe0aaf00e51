package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/loqalabs/loqa-capture/internal/config"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// Store is the durable Log backed by SQLite or Postgres.
type Store struct {
	db     *sql.DB
	driver string
	cfg    config.EventStoreConfig
	log    *slog.Logger
	clock  func() time.Time
	locks  traceLocks
}

// Open returns the Log selected by config. Ephemeral retention keeps events
// in memory only.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (Log, error) {
	if cfg.RetentionMode == "ephemeral" {
		return NewMemoryLog(), nil
	}
	return OpenStore(ctx, cfg, log)
}

// OpenStore initializes the SQL event store according to config.
func OpenStore(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	driver := cfg.Driver
	switch driver {
	case "", driverSQLite:
		driver = driverSQLite
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			// SQLite allows a single writer.
			db.SetMaxOpenConns(1)
		}
	case driverPostgres:
		db, err = sql.Open("postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported event store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := newStore(db, driver, cfg, log)
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.Vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func newStore(db *sql.DB, driver string, cfg config.EventStoreConfig, log *slog.Logger) *Store {
	return &Store{db: db, driver: driver, cfg: cfg, log: log, clock: time.Now}
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) initSchema(ctx context.Context) error {
	blob := "BLOB"
	if s.driver == driverPostgres {
		blob = "BYTEA"
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
    trace_id TEXT PRIMARY KEY,
    started_ns BIGINT NOT NULL,
    ended_ns BIGINT,
    end_reason TEXT
)`,
		`CREATE TABLE IF NOT EXISTS events (
    trace_id TEXT NOT NULL,
    sequence BIGINT NOT NULL,
    event_type TEXT NOT NULL,
    version INTEGER NOT NULL,
    objective_id TEXT,
    payload ` + blob + `,
    created_ns BIGINT NOT NULL,
    UNIQUE (trace_id, sequence),
    FOREIGN KEY(trace_id) REFERENCES conversations(trace_id) ON DELETE CASCADE
)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_started ON conversations(started_ns)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Vacuum compacts the database file.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) StartConversation(ctx context.Context, traceID string) error {
	unlock := s.locks.lock(traceID)
	defer unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM conversations WHERE trace_id = ?`), traceID).Scan(&exists)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrConversationExists, traceID)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("lookup conversation: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO conversations(trace_id, started_ns) VALUES(?, ?)`),
		traceID, s.clock().UnixNano())
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *Store) EndConversation(ctx context.Context, traceID, reason string) error {
	unlock := s.locks.lock(traceID)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE conversations SET ended_ns = ?, end_reason = ? WHERE trace_id = ? AND ended_ns IS NULL`),
		s.clock().UnixNano(), reason, traceID)
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.Conversation(ctx, traceID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrConversationClosed, traceID)
	}
	return nil
}

func (s *Store) Conversation(ctx context.Context, traceID string) (Conversation, error) {
	var (
		started int64
		ended   sql.NullInt64
		reason  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT started_ns, ended_ns, end_reason FROM conversations WHERE trace_id = ?`),
		traceID).Scan(&started, &ended, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("%w: %s", ErrUnknownConversation, traceID)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("lookup conversation: %w", err)
	}
	c := Conversation{TraceID: traceID, StartedAt: time.Unix(0, started).UTC(), EndReason: reason.String}
	if ended.Valid {
		c.EndedAt = time.Unix(0, ended.Int64).UTC()
	}
	return c, nil
}

// Append writes events in one transaction. The per-trace lock keeps
// sequence assignment race free within the process and the unique
// (trace_id, sequence) constraint guards against other writers.
func (s *Store) Append(ctx context.Context, traceID string, events ...Event) (out []Event, err error) {
	if len(events) == 0 {
		return nil, nil
	}
	unlock := s.locks.lock(traceID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var ended sql.NullInt64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT ended_ns FROM conversations WHERE trace_id = ?`), traceID).Scan(&ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, traceID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	if ended.Valid {
		return nil, fmt.Errorf("%w: %s", ErrConversationClosed, traceID)
	}

	var last int64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE trace_id = ?`), traceID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("read sequence: %w", err)
	}

	out = make([]Event, len(events))
	for i, e := range events {
		e = prepare(e, traceID, last+int64(i)+1, s.clock)
		_, err = tx.ExecContext(ctx,
			s.rebind(`INSERT INTO events(trace_id, sequence, event_type, version, objective_id, payload, created_ns)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`),
			e.TraceID, e.Sequence, e.Type, e.Version, e.ObjectiveID, e.Payload, e.Timestamp.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		out[i] = e
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return out, nil
}

// Events retrieves every event of a trace ordered by sequence.
func (s *Store) Events(ctx context.Context, traceID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT trace_id, sequence, event_type, version, objective_id, payload, created_ns
		 FROM events WHERE trace_id = ? ORDER BY sequence ASC`), traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			objective sql.NullString
			created   int64
		)
		if err := rows.Scan(&e.TraceID, &e.Sequence, &e.Type, &e.Version, &objective, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.ObjectiveID = objective.String
		e.Timestamp = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and on the
// runtime's retention ticker). Deleting a conversation cascades to its
// events.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM events WHERE trace_id IN (
			SELECT trace_id FROM conversations WHERE started_ns < ?
		)`), cutoff.UnixNano()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM conversations WHERE started_ns < ?`), cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxConversations > 0 {
		keep := `SELECT trace_id FROM conversations ORDER BY started_ns DESC LIMIT -1 OFFSET ?`
		if s.driver == driverPostgres {
			keep = `SELECT trace_id FROM conversations ORDER BY started_ns DESC OFFSET ?`
		}
		if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM events WHERE trace_id IN (`+keep+`)`), s.cfg.MaxConversations); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM conversations WHERE trace_id IN (`+keep+`)`), s.cfg.MaxConversations); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
