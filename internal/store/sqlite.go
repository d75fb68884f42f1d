package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/orrn/posqueue/internal/db"
)

// SQLiteBackend stores every collection in the single records table.
type SQLiteBackend struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteBackend, error) {
	conn, err := db.Open(db.Config{Path: path})
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{db: conn}, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, db.GetRecord, collection, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

func (b *SQLiteBackend) Keys(ctx context.Context, collection string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, db.ListRecordKeys, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) Commit(ctx context.Context, ops []Op) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if op.Delete {
			_, err = tx.ExecContext(ctx, db.DeleteRecord, op.Collection, op.Key)
		} else {
			_, err = tx.ExecContext(ctx, db.UpsertRecord, op.Collection, op.Key, op.Value)
		}
		if err != nil {
			return fmt.Errorf("failed to write %s/%s: %w", op.Collection, op.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
