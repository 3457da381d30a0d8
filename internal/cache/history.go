package cache

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

// HistoryTable is the audit log table, also used as the hub topic.
const HistoryTable = "sync_history"

// HistoryStore is the append-only audit log.
type HistoryStore struct {
	db  *sql.DB
	hub *Hub
	now func() time.Time
}

// NewHistoryStore creates the audit log store.
func NewHistoryStore(database *sql.DB, hub *Hub) *HistoryStore {
	return &HistoryStore{db: database, hub: hub, now: time.Now}
}

// Append records entry and returns its id.
func (s *HistoryStore) Append(ctx context.Context, entry models.SyncHistoryEntry) (int64, error) {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = s.now().UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history (run_id, operation, status, message, detail, affected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.Operation, entry.Status, entry.Message, entry.Detail, entry.Affected, entry.CreatedAt)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "append history", err)
	}
	s.hub.Publish(HistoryTable)
	return res.LastInsertId()
}

// List returns the newest entries first. A non-positive limit returns all.
func (s *HistoryStore) List(ctx context.Context, limit int) ([]models.SyncHistoryEntry, error) {
	q := `SELECT id, run_id, operation, status, message, detail, affected, created_at
		FROM sync_history ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list history", err)
	}
	defer rows.Close()

	var entries []models.SyncHistoryEntry
	for rows.Next() {
		var e models.SyncHistoryEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Operation, &e.Status, &e.Message, &e.Detail, &e.Affected, &e.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan history", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune keeps the newest keep entries and returns how many were removed.
func (s *HistoryStore) Prune(ctx context.Context, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_history WHERE id NOT IN (
			SELECT id FROM sync_history ORDER BY created_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "prune history", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.hub.Publish(HistoryTable)
	}
	return int(n), nil
}
