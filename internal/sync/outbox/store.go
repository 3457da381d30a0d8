// Package outbox is the durable queue of local mutations that still have to
// reach the server, and the replay loop that applies them.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/cache"
	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

// Table is the outbox table, also the hub topic.
const Table = "pending_changes"

const columns = `id, entity_type, entity_id, change_type, change_data, created_at, sync_attempts, last_error`

// Store persists pending changes.
type Store struct {
	db  *sql.DB
	hub *cache.Hub
	now func() time.Time
}

// NewStore creates an outbox store.
func NewStore(database *sql.DB, hub *cache.Hub) *Store {
	return &Store{db: database, hub: hub, now: time.Now}
}

// Stats summarises the queue for status displays.
type Stats struct {
	Total     int `json:"total"`
	Retrying  int `json:"retrying"`
	Exhausted int `json:"exhausted"`
}

// Enqueue records a change and returns its id. CreatedAt defaults to now.
func (s *Store) Enqueue(ctx context.Context, change models.PendingChange) (int64, error) {
	if change.CreatedAt == 0 {
		change.CreatedAt = s.now().UnixMilli()
	}
	var data any
	if len(change.ChangeData) > 0 {
		data = string(change.ChangeData)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_changes (entity_type, entity_id, change_type, change_data, created_at, sync_attempts)
		VALUES (?, ?, ?, ?, ?, 0)`,
		change.EntityType, change.EntityID, change.ChangeType, data, change.CreatedAt)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "enqueue change", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "enqueue change", err)
	}

	logging.Debug("outbox: enqueued", map[string]interface{}{
		"id": id, "entity_type": change.EntityType, "change_type": change.ChangeType,
	})
	s.hub.Publish(Table)
	return id, nil
}

// All returns every entry in replay order.
func (s *Store) All(ctx context.Context) ([]models.PendingChange, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM pending_changes ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list outbox", err)
	}
	defer rows.Close()

	var changes []models.PendingChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, *c)
	}
	return changes, rows.Err()
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, id int64) (*models.PendingChange, error) {
	c, err := scanChange(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM pending_changes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("outbox entry %d", id), apperrors.ErrNotFoundSentinel)
	}
	return c, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChange(row scanner) (*models.PendingChange, error) {
	var (
		c        models.PendingChange
		entityID sql.NullInt64
		data     sql.NullString
		lastErr  sql.NullString
	)
	if err := row.Scan(&c.ID, &c.EntityType, &entityID, &c.ChangeType, &data, &c.CreatedAt, &c.SyncAttempts, &lastErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan outbox entry", err)
	}
	if entityID.Valid {
		c.EntityID = &entityID.Int64
	}
	if data.Valid {
		c.ChangeData = json.RawMessage(data.String)
	}
	if lastErr.Valid {
		c.LastError = &lastErr.String
	}
	return &c, nil
}

// MarkAttempt counts a failed replay and records its cause.
func (s *Store) MarkAttempt(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_changes SET sync_attempts = sync_attempts + 1, last_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark outbox attempt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("outbox entry %d", id), apperrors.ErrNotFoundSentinel)
	}
	s.hub.Publish(Table)
	return nil
}

// Remove deletes an entry.
func (s *Store) Remove(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "remove outbox entry", err)
	}
	s.hub.Publish(Table)
	return nil
}

// ResetAttempts clears the attempt counter of the given entries, or of every
// entry when ids is empty, so the next replay tries them again.
func (s *Store) ResetAttempts(ctx context.Context, ids ...int64) (int, error) {
	q := `UPDATE pending_changes SET sync_attempts = 0, last_error = NULL WHERE sync_attempts > 0`
	args := make([]any, 0, len(ids))
	if len(ids) > 0 {
		q += ` AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "reset outbox attempts", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("outbox: reset entries for retry", map[string]interface{}{"count": n})
		s.hub.Publish(Table)
	}
	return int(n), nil
}

// Count returns the number of entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_changes`).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count outbox", err)
	}
	return n, nil
}

// PendingKeys returns the existing entities with outstanding changes.
// Reconciliation leaves these rows alone so an unsent local edit is not
// overwritten by the server copy.
func (s *Store) PendingKeys(ctx context.Context) (map[models.EntityKey]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT entity_type, entity_id FROM pending_changes WHERE entity_id IS NOT NULL`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list pending keys", err)
	}
	defer rows.Close()

	keys := make(map[models.EntityKey]bool)
	for rows.Next() {
		var k models.EntityKey
		if err := rows.Scan(&k.Type, &k.ID); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan pending key", err)
		}
		keys[k] = true
	}
	return keys, rows.Err()
}

// HasPending reports whether key has an outstanding change. A new change
// to such an entity must queue behind it.
func (s *Store) HasPending(ctx context.Context, key models.EntityKey) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_changes WHERE entity_type = ? AND entity_id = ?`,
		key.Type, key.ID).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "check pending key", err)
	}
	return n > 0, nil
}

// Stats counts entries by retry state against the attempt ceiling.
func (s *Store) Stats(ctx context.Context, ceiling int) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN sync_attempts > 0 AND sync_attempts < ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN sync_attempts >= ? THEN 1 ELSE 0 END), 0)
		FROM pending_changes`, ceiling, ceiling).Scan(&st.Total, &st.Retrying, &st.Exhausted)
	if err != nil {
		return Stats{}, apperrors.Wrap(apperrors.ErrDatabase, "outbox stats", err)
	}
	return st, nil
}
