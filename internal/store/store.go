// Package store persists conversations in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antinomyhq/forge-sub003/internal/logging"
)

// ErrNotFound is returned when a conversation id does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is the persisted record. Context holds the serialized message
// history; the core never deletes rows.
type Conversation struct {
	ID          string
	Title       *string
	WorkspaceID string
	Context     []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store wraps the SQLite handle. Safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open initializes the database at path, creating directories and applying
// migrations as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("opened conversation store at %s", path)
	return s, nil
}

// OpenInMemory opens an ephemeral store. Used by tests and the chat command's
// throwaway sessions.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("WAL not available: %v", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		title           TEXT,
		workspace_id    TEXT NOT NULL,
		context         BLOB NOT NULL,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_workspace_created
		ON conversations(workspace_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_workspace_updated
		ON conversations(workspace_id, updated_at);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or updates a conversation. CreatedAt is preserved on
// update; UpdatedAt is always refreshed.
func (s *Store) Upsert(conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO conversations (conversation_id, title, workspace_id, context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			title = excluded.title,
			workspace_id = excluded.workspace_id,
			context = excluded.context,
			updated_at = excluded.updated_at`,
		conv.ID, conv.Title, conv.WorkspaceID, conv.Context, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", conv.ID, err)
	}
	return nil
}

// SetTitle updates only the title. Used by async title generation so a
// concurrent context write is never clobbered.
func (s *Store) SetTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE conversations SET title = ?, updated_at = ? WHERE conversation_id = ?`,
		title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set title for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get returns one conversation by id.
func (s *Store) Get(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT conversation_id, title, workspace_id, context, created_at, updated_at
		FROM conversations WHERE conversation_id = ?`, id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return conv, err
}

// List returns a workspace's conversations, most recently updated first.
func (s *Store) List(workspaceID string, limit int) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT conversation_id, title, workspace_id, context, created_at, updated_at
		FROM conversations WHERE workspace_id = ?
		ORDER BY updated_at DESC LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	if err := row.Scan(&conv.ID, &conv.Title, &conv.WorkspaceID, &conv.Context,
		&conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	return &conv, nil
}
