package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
)

// SQLiteStore persists conversation handles in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_key TEXT PRIMARY KEY,
			external_id      TEXT NOT NULL,
			persona_id       TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns the handle bound to key, or nil when there is none.
func (s *SQLiteStore) Load(ctx context.Context, key chat.ConversationKey) (*chat.ConversationHandle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_key, external_id, persona_id, created_at
		FROM conversations WHERE conversation_key = ?`, string(key))

	handle, err := scanHandle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return handle, nil
}

// Save upserts the handle bound to key.
func (s *SQLiteStore) Save(ctx context.Context, key chat.ConversationKey, handle *chat.ConversationHandle) error {
	if key == "" {
		return errors.New("conversation key is required")
	}
	if handle == nil {
		return errors.New("conversation handle is nil")
	}

	createdAt := handle.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_key, external_id, persona_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_key) DO UPDATE SET
			external_id = excluded.external_id,
			persona_id  = excluded.persona_id,
			created_at  = excluded.created_at,
			updated_at  = excluded.updated_at`,
		string(key), handle.ExternalConversationID, handle.PersonaID,
		createdAt.UTC().Format(time.RFC3339Nano), now,
	)
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

// Delete forgets key. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key chat.ConversationKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_key = ?`, string(key)); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	return nil
}

// List returns every stored handle ordered by key.
func (s *SQLiteStore) List(ctx context.Context) ([]chat.ConversationHandle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_key, external_id, persona_id, created_at
		FROM conversations ORDER BY conversation_key`)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []chat.ConversationHandle
	for rows.Next() {
		handle, err := scanHandle(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, *handle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHandle(row scanner) (*chat.ConversationHandle, error) {
	var (
		handle    chat.ConversationHandle
		key       string
		createdAt string
	)
	if err := row.Scan(&key, &handle.ExternalConversationID, &handle.PersonaID, &createdAt); err != nil {
		return nil, err
	}
	handle.Key = chat.ConversationKey(key)

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
	}
	handle.CreatedAt = ts
	return &handle, nil
}
