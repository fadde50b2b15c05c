package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"hybrid-sync-service/internal/logger"
)

// SQLiteStorage is the durable local backend: one table holding every
// collection's documents, replaced per-collection inside a transaction.
type SQLiteStorage struct {
	db *sql.DB
}

const collectionsSchema = `CREATE TABLE IF NOT EXISTS collections (
	collection TEXT NOT NULL,
	doc_key    TEXT NOT NULL,
	doc_value  BLOB NOT NULL,
	PRIMARY KEY (collection, doc_key)
)`

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
	}

	// A single writer keeps SQLite happy; the persistence layer already
	// serializes mutations, this just enforces it at the pool level.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(collectionsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init sqlite schema: %w", err)
	}

	logger.Log.Info("Opened local storage", zap.String("path", path))
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Read(ctx context.Context, collection string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_key, doc_value FROM collections WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to read collection %s: %w", collection, err)
	}
	defer rows.Close()

	docs := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan collection %s: %w", collection, err)
		}
		docs[key] = value
	}
	return docs, rows.Err()
}

func (s *SQLiteStorage) Write(ctx context.Context, collection string, docs map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin write: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM collections WHERE collection = ?`, collection); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to clear collection %s: %w", collection, err)
	}
	for key, value := range docs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO collections (collection, doc_key, doc_value) VALUES (?, ?, ?)`,
			collection, key, value); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to write %s/%s: %w", collection, key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
