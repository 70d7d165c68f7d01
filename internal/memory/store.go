package memory

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/chatcore/internal/events"
)

// Store persists entries per session. Writes for one session are
// serialized; different sessions proceed independently.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a [Store].
type Option func(*Store)

// WithEventBus publishes a migrated event after each legacy import.
func WithEventBus(b *events.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithClock replaces time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens (creating if needed) the SQLite database at dbPath.
func NewStore(dbPath string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_entries (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			key        TEXT,
			value      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memory_session ON memory_entries(session_id, seq);
		CREATE INDEX IF NOT EXISTS idx_memory_key ON memory_entries(session_id, key);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// sessionLock returns the mutex serializing writes for sessionID.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// List returns a session's entries in insertion order.
func (s *Store) List(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, value, created_at, updated_at
		FROM memory_entries
		WHERE session_id = ?
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                Entry
			id               string
			key              sql.NullString
			created, updated string
		)
		if err := rows.Scan(&id, &key, &e.Value, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		e.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("memory entry id %q: %w", id, err)
		}
		e.Key = key.String
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("memory entry %s created_at: %w", id, err)
		}
		e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated)
		if err != nil {
			return nil, fmt.Errorf("memory entry %s updated_at: %w", id, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Upsert stores a note. A keyed note replaces the value of any entry
// with the same key in the session; a keyless note is always added.
func (s *Store) Upsert(ctx context.Context, sessionID, key, value string) (Entry, error) {
	key = truncateRunes(strings.TrimSpace(key), MaxKeyRunes)
	value = strings.TrimSpace(value)
	if value == "" {
		return Entry{}, fmt.Errorf("memory value is empty")
	}

	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	now := s.now().UTC()
	if key != "" {
		var id, created string
		err := s.db.QueryRowContext(ctx, `
			SELECT id, created_at FROM memory_entries
			WHERE session_id = ? AND key = ?
			ORDER BY seq DESC LIMIT 1
		`, sessionID, key).Scan(&id, &created)
		switch {
		case err == nil:
			if _, err := s.db.ExecContext(ctx, `
				UPDATE memory_entries SET value = ?, updated_at = ?
				WHERE id = ?
			`, value, now.Format(time.RFC3339Nano), id); err != nil {
				return Entry{}, fmt.Errorf("update memory %q: %w", key, err)
			}
			e := Entry{Key: key, Value: value, UpdatedAt: now}
			e.ID, _ = uuid.Parse(id)
			e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
			if e.UpdatedAt.Before(e.CreatedAt) {
				e.UpdatedAt = e.CreatedAt
			}
			return e, nil
		case err != sql.ErrNoRows:
			return Entry{}, fmt.Errorf("find memory %q: %w", key, err)
		}
	}

	e := Entry{Key: key, Value: value, CreatedAt: now, UpdatedAt: now}
	if err := insert(ctx, s.db, sessionID, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// MigrateLegacy imports legacy lines into an empty session. A session
// that already holds entries is left alone and 0 is returned, so calling
// it on every startup is safe.
func (s *Store) MigrateLegacy(ctx context.Context, sessionID string, lines []string) (int, error) {
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	existing, err := s.List(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		s.logger.Debug("memory already migrated", "session", sessionID, "entries", len(existing))
		return 0, nil
	}
	entries := Normalize(lines, existing)
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := s.now().UTC()
	for i := range entries {
		entries[i].CreatedAt = now
		entries[i].UpdatedAt = now
		if err := insert(ctx, tx, sessionID, &entries[i]); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit migration: %w", err)
	}

	keyed := 0
	for _, e := range entries {
		if e.HasKey() {
			keyed++
		}
	}
	s.logger.Info("migrated legacy memory",
		"session", sessionID, "entries", len(entries), "keyed", keyed)
	s.bus.Emit(events.SourceMemory, events.KindMigrated, map[string]any{
		"session_id": sessionID,
		"imported":   len(entries),
		"keyed":      keyed,
	})
	return len(entries), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, sessionID string, e *Entry) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate memory id: %w", err)
	}
	e.ID = id

	var key any
	if e.Key != "" {
		key = e.Key
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO memory_entries (id, session_id, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), sessionID, key, e.Value,
		e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert memory entry: %w", err)
	}
	return nil
}

// maxLegacyLine bounds one line of a legacy memory file.
const maxLegacyLine = 4 * 1024 * 1024

// ReadLegacyFile returns the non-blank lines of a legacy memory file.
func ReadLegacyFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open legacy memory: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLegacyLine)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			lines = append(lines, sc.Text())
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read legacy memory: %w", err)
	}
	return lines, nil
}
