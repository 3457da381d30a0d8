package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

// MetadataStore is the sync key/value store.
type MetadataStore struct {
	db *sql.DB
}

// NewMetadataStore creates a metadata store.
func NewMetadataStore(database *sql.DB) *MetadataStore {
	return &MetadataStore{db: database}
}

// Get returns the value for key; ok is false when the key is absent.
func (r *MetadataStore) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get metadata[%s]: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key.
func (r *MetadataStore) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata[%s]: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (r *MetadataStore) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sync_metadata WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete metadata[%s]: %w", key, err)
	}
	return nil
}

// List returns every key/value pair.
func (r *MetadataStore) List(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM sync_metadata`)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metadata row: %w", err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metadata rows: %w", err)
	}
	return result, nil
}

// Time reads a timestamp stored as epoch millis.
func (r *MetadataStore) Time(ctx context.Context, key string) (time.Time, bool, error) {
	v, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("metadata[%s] is not a timestamp: %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}

// SetTime stores t as epoch millis.
func (r *MetadataStore) SetTime(ctx context.Context, key string, t time.Time) error {
	return r.Set(ctx, key, strconv.FormatInt(t.UnixMilli(), 10))
}

// LastFullSync returns when the last full reconciliation finished.
func (r *MetadataStore) LastFullSync(ctx context.Context) (time.Time, bool, error) {
	return r.Time(ctx, models.MetaLastFullSync)
}

// SetLastFullSync records a finished full reconciliation.
func (r *MetadataStore) SetLastFullSync(ctx context.Context, t time.Time) error {
	return r.SetTime(ctx, models.MetaLastFullSync, t)
}
