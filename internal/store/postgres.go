// Package store keeps document snapshots and user profiles in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chronicle/collab/internal/directory"
	"chronicle/collab/internal/documents"
	"chronicle/collab/internal/prosemirror"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Fetch returns the stored snapshot, or documents.ErrNotFound.
func (s *PostgresStore) Fetch(ctx context.Context, id string) (json.RawMessage, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM documents WHERE id=$1`, id).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, documents.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch document %s: %w", id, err)
	}
	return json.RawMessage(content), nil
}

// Store upserts a snapshot together with the title and plain text used by
// full-text search.
func (s *PostgresStore) Store(ctx context.Context, id string, content json.RawMessage) error {
	var title, plain string
	if doc, err := prosemirror.Decode(content); err == nil {
		title = prosemirror.Title(doc)
		plain = prosemirror.PlainText(doc)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, content, title, plain_text)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			content=EXCLUDED.content,
			title=EXCLUDED.title,
			plain_text=EXCLUDED.plain_text,
			revision=documents.revision + 1,
			updated_at=NOW()
	`, id, string(content), title, plain)
	if err != nil {
		return fmt.Errorf("store document %s: %w", id, err)
	}
	return nil
}

// Revision counts how many times a document has been stored.
func (s *PostgresStore) Revision(ctx context.Context, id string) (int64, error) {
	var revision int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM documents WHERE id=$1`, id).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, documents.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read revision %s: %w", id, err)
	}
	return revision, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (directory.User, error) {
	var user directory.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, avatar_url, role
		FROM users WHERE id=$1
	`, id).Scan(&user.ID, &user.FirstName, &user.LastName, &user.AvatarURL, &user.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.User{}, directory.ErrUserNotFound
	}
	if err != nil {
		return directory.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return user, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user directory.User) error {
	role := user.Role
	if role == "" {
		role = "editor"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, first_name, last_name, avatar_url, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			first_name=EXCLUDED.first_name,
			last_name=EXCLUDED.last_name,
			avatar_url=EXCLUDED.avatar_url,
			role=EXCLUDED.role
	`, user.ID, user.FirstName, user.LastName, user.AvatarURL, role)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
