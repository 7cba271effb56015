// Package history keeps a local record of successfully relayed notes.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"notebot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore records sync history in a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		channel     TEXT NOT NULL,
		chat_id     TEXT NOT NULL,
		sender_id   TEXT NOT NULL,
		memo_id     TEXT NOT NULL,
		attachments INTEGER DEFAULT 0,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sync_time ON sync_records(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record appends one sync record.
func (s *SQLiteStore) Record(ctx context.Context, rec domain.SyncRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_records (channel, chat_id, sender_id, memo_id, attachments, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Channel, rec.ChatID, rec.SenderID, rec.MemoID, rec.Attachments, rec.CreatedAt,
	)
	return err
}

// Recent returns the latest records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]domain.SyncRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, chat_id, sender_id, memo_id, attachments, created_at
		 FROM sync_records ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.SyncRecord
	for rows.Next() {
		var r domain.SyncRecord
		if err := rows.Scan(&r.ID, &r.Channel, &r.ChatID, &r.SenderID, &r.MemoID, &r.Attachments, &r.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
