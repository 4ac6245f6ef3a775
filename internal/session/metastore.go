// Package session composes the transcript store and the supervisor into
// the addressable session object served to clients, and keeps the small
// operator-assigned metadata overlay (titles, stars, archive flags) that
// transcript files cannot carry.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Metadata is the operator-assigned overlay for one session.
type Metadata struct {
	SessionID   string     `db:"session_id" json:"sessionId"`
	CustomTitle string     `db:"custom_title" json:"customTitle,omitempty"`
	Starred     bool       `db:"starred" json:"starred"`
	Archived    bool       `db:"archived" json:"archived"`
	LastSeenAt  *time.Time `db:"last_seen_at" json:"lastSeenAt,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"-"`
}

// MetadataPatch carries partial updates; nil fields are untouched.
type MetadataPatch struct {
	CustomTitle *string `json:"customTitle"`
	Starred     *bool   `json:"starred"`
	Archived    *bool   `json:"archived"`
	// Seen stamps last_seen_at with the current time.
	Seen bool `json:"seen"`
}

// MetaStore persists session metadata in sqlite under the data dir.
// Everything durable here is an overlay: deleting the database loses
// titles and stars but no conversation content.
type MetaStore struct {
	db *sqlx.DB
}

// NewMetaStore opens (and if needed creates) the metadata database.
func NewMetaStore(dbPath string) (*MetaStore, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &MetaStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *MetaStore) Close() error {
	return s.db.Close()
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func (s *MetaStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_meta (
		session_id TEXT PRIMARY KEY,
		custom_title TEXT NOT NULL DEFAULT '',
		starred INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		last_seen_at DATETIME DEFAULT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the overlay for one session, or nil when none exists.
func (s *MetaStore) Get(ctx context.Context, sessionID string) (*Metadata, error) {
	var m Metadata
	err := s.db.GetContext(ctx, &m, `
		SELECT session_id, custom_title, starred, archived, last_seen_at, updated_at
		FROM session_meta WHERE session_id = ?
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// All returns every overlay row keyed by session id.
func (s *MetaStore) All(ctx context.Context) (map[string]Metadata, error) {
	var rows []Metadata
	err := s.db.SelectContext(ctx, &rows, `
		SELECT session_id, custom_title, starred, archived, last_seen_at, updated_at
		FROM session_meta
	`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Metadata, len(rows))
	for _, m := range rows {
		out[m.SessionID] = m
	}
	return out, nil
}

// Apply upserts the patch onto the session's overlay and returns the
// resulting row.
func (s *MetaStore) Apply(ctx context.Context, sessionID string, patch MetadataPatch) (*Metadata, error) {
	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = &Metadata{SessionID: sessionID}
	}
	if patch.CustomTitle != nil {
		current.CustomTitle = *patch.CustomTitle
	}
	if patch.Starred != nil {
		current.Starred = *patch.Starred
	}
	if patch.Archived != nil {
		current.Archived = *patch.Archived
	}
	if patch.Seen {
		now := time.Now().UTC()
		current.LastSeenAt = &now
	}
	current.UpdatedAt = time.Now().UTC()

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO session_meta (session_id, custom_title, starred, archived, last_seen_at, updated_at)
		VALUES (:session_id, :custom_title, :starred, :archived, :last_seen_at, :updated_at)
		ON CONFLICT(session_id) DO UPDATE SET
			custom_title = excluded.custom_title,
			starred = excluded.starred,
			archived = excluded.archived,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at
	`, current)
	if err != nil {
		return nil, err
	}
	return current, nil
}
