package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/db"
	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

// deleteChunk bounds the size of IN lists.
const deleteChunk = 500

// Entity is satisfied by pointers to cached models.
type Entity[T any] interface {
	*T
	Key() int64
	Meta() *models.SyncMeta
}

// trashable entities carry a trash timestamp.
type trashable interface {
	TrashedAt() *int64
	SetTrashedAt(*int64)
}

// Table describes how a model maps onto its cache table.
type Table[T any] struct {
	Name    string
	OrderBy string
	// Columns are projected from the payload for ordering and filtering.
	Columns []string
	Project func(*T) []any
}

// Store is the cache contract for one entity type. Every read except the
// explicit trash and tracking queries hides soft-deleted rows.
type Store[T any, P Entity[T]] struct {
	db    *sql.DB
	hub   *Hub
	table Table[T]
	now   func() time.Time
}

// NewStore creates a store over table.
func NewStore[T any, P Entity[T]](database *sql.DB, hub *Hub, table Table[T]) *Store[T, P] {
	return &Store[T, P]{db: database, hub: hub, table: table, now: time.Now}
}

// Name returns the table name.
func (s *Store[T, P]) Name() string {
	return s.table.Name
}

func (s *Store[T, P]) columns() string {
	cols := append([]string{"id", "data"}, s.table.Columns...)
	return strings.Join(append(cols, "is_deleted", "deleted_at", "last_synced_at"), ", ")
}

func (s *Store[T, P]) upsertSQL(keepSynced bool) string {
	n := 5 + len(s.table.Columns)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")

	sets := []string{"data = excluded.data"}
	for _, c := range s.table.Columns {
		sets = append(sets, c+" = excluded."+c)
	}
	sets = append(sets,
		"is_deleted = excluded.is_deleted",
		"deleted_at = excluded.deleted_at")
	if !keepSynced {
		sets = append(sets, "last_synced_at = excluded.last_synced_at")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		s.table.Name, s.columns(), placeholders, strings.Join(sets, ", "))
}

// UpsertAll inserts or replaces items by id in a single transaction and
// refreshes their last_synced_at. Upserting the same id twice leaves one row.
func (s *Store[T, P]) UpsertAll(ctx context.Context, items []T) error {
	return s.upsert(ctx, items, false)
}

// Upsert stores a single item fetched from the server.
func (s *Store[T, P]) Upsert(ctx context.Context, item T) error {
	return s.UpsertAll(ctx, []T{item})
}

// UpsertLocal stores an optimistic local edit. The row keeps the
// last_synced_at of its last server copy.
func (s *Store[T, P]) UpsertLocal(ctx context.Context, item T) error {
	return s.upsert(ctx, []T{item}, true)
}

func (s *Store[T, P]) upsert(ctx context.Context, items []T, local bool) error {
	if len(items) == 0 {
		return nil
	}
	query := s.upsertSQL(local)
	now := s.now().UnixMilli()

	err := db.WithTx(ctx, s.db, func(ctx context.Context, tx db.DBTX) error {
		for i := range items {
			p := P(&items[i])
			meta := p.Meta()
			if !local || meta.LastSyncedAt == 0 {
				meta.LastSyncedAt = now
			}

			data, err := json.Marshal(p)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInternal, "encode "+s.table.Name, err)
			}

			args := []any{p.Key(), string(data)}
			if s.table.Project != nil {
				args = append(args, s.table.Project(&items[i])...)
			}
			var deletedAt *int64
			if t, ok := any(p).(trashable); ok {
				deletedAt = t.TrashedAt()
			}
			args = append(args, meta.IsDeleted, deletedAt, meta.LastSyncedAt)

			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "upsert "+s.table.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.hub.Publish(s.table.Name)
	return nil
}

// SoftDelete hides the row from normal queries. The trash timestamp is kept
// if the row was already trashed.
func (s *Store[T, P]) SoftDelete(ctx context.Context, id int64) error {
	return s.markDeleted(ctx, id, s.now().UnixMilli(), false)
}

func (s *Store[T, P]) markDeleted(ctx context.Context, id, at int64, overwrite bool) error {
	expr := "COALESCE(deleted_at, ?)"
	if overwrite {
		expr = "?"
	}
	query := fmt.Sprintf("UPDATE %s SET is_deleted = 1, deleted_at = %s WHERE id = ?", s.table.Name, expr)
	return s.execOne(ctx, query, at, id)
}

// Restore makes a soft-deleted row visible again.
func (s *Store[T, P]) Restore(ctx context.Context, id int64) error {
	query := fmt.Sprintf("UPDATE %s SET is_deleted = 0, deleted_at = NULL WHERE id = ?", s.table.Name)
	return s.execOne(ctx, query, id)
}

// HardDelete removes the row permanently.
func (s *Store[T, P]) HardDelete(ctx context.Context, id int64) error {
	_, err := s.HardDeleteByIDs(ctx, []int64{id})
	return err
}

// HardDeleteByIDs removes rows permanently and returns how many existed.
func (s *Store[T, P]) HardDeleteByIDs(ctx context.Context, ids []int64) (int, error) {
	return s.deleteIDs(ctx, ids, "")
}

// deleteIDs deletes ids in chunks; filter is an extra SQL condition ANDed
// onto the id match.
func (s *Store[T, P]) deleteIDs(ctx context.Context, ids []int64, filter string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	deleted := 0
	err := db.WithTx(ctx, s.db, func(ctx context.Context, tx db.DBTX) error {
		for start := 0; start < len(ids); start += deleteChunk {
			end := min(start+deleteChunk, len(ids))
			chunk := ids[start:end]

			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
			args := make([]any, len(chunk))
			for i, id := range chunk {
				args[i] = id
			}

			query := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", s.table.Name, placeholders)
			if filter != "" {
				query += " AND " + filter
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "delete "+s.table.Name, err)
			}
			n, _ := res.RowsAffected()
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.hub.Publish(s.table.Name)
	}
	return deleted, nil
}

func (s *Store[T, P]) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "update "+s.table.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("%s %v", s.table.Name, args[len(args)-1]), apperrors.ErrNotFoundSentinel)
	}
	s.hub.Publish(s.table.Name)
	return nil
}

// AllIDs returns the ids of visible rows.
func (s *Store[T, P]) AllIDs(ctx context.Context) ([]int64, error) {
	return s.ids(ctx, "WHERE is_deleted = 0")
}

// TrackedIDs returns every cached id, soft-deleted rows included.
func (s *Store[T, P]) TrackedIDs(ctx context.Context) ([]int64, error) {
	return s.ids(ctx, "")
}

func (s *Store[T, P]) ids(ctx context.Context, where string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT id FROM %s %s ORDER BY id", s.table.Name, where), args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list ids "+s.table.Name, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Get returns a visible row by id.
func (s *Store[T, P]) Get(ctx context.Context, id int64) (*T, error) {
	items, err := s.query(ctx, "WHERE id = ? AND is_deleted = 0", "", 0, 0, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("%s %d", s.table.Name, id), apperrors.ErrNotFoundSentinel)
	}
	return &items[0], nil
}

// GetAny returns a row by id regardless of its deletion state.
func (s *Store[T, P]) GetAny(ctx context.Context, id int64) (*T, error) {
	items, err := s.query(ctx, "WHERE id = ?", "", 0, 0, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("%s %d", s.table.Name, id), apperrors.ErrNotFoundSentinel)
	}
	return &items[0], nil
}

// List returns visible rows in table order. A non-positive limit returns all.
func (s *Store[T, P]) List(ctx context.Context, limit, offset int) ([]T, error) {
	return s.query(ctx, "WHERE is_deleted = 0", s.table.OrderBy, limit, offset)
}

// Count returns the number of visible rows.
func (s *Store[T, P]) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE is_deleted = 0", s.table.Name)).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count "+s.table.Name, err)
	}
	return n, nil
}

func (s *Store[T, P]) query(ctx context.Context, where, orderBy string, limit, offset int, args ...any) ([]T, error) {
	q := fmt.Sprintf("SELECT id, data, is_deleted, deleted_at, last_synced_at FROM %s %s", s.table.Name, where)
	if orderBy != "" {
		q += " ORDER BY " + orderBy
	}
	if limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query "+s.table.Name, err)
	}
	defer rows.Close()

	var items []T
	for rows.Next() {
		var (
			id        int64
			data      string
			isDeleted bool
			deletedAt sql.NullInt64
			syncedAt  int64
		)
		if err := rows.Scan(&id, &data, &isDeleted, &deletedAt, &syncedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan "+s.table.Name, err)
		}

		var item T
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("decode %s %d", s.table.Name, id), err)
		}
		p := P(&item)
		meta := p.Meta()
		meta.IsDeleted = isDeleted
		meta.LastSyncedAt = syncedAt
		if t, ok := any(p).(trashable); ok && deletedAt.Valid {
			at := deletedAt.Int64
			t.SetTrashedAt(&at)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Observe streams the visible rows, once immediately and again after every
// write to the table, until ctx is done. Each call is an independent
// subscription, so observation can be restarted at will.
func (s *Store[T, P]) Observe(ctx context.Context) <-chan []T {
	return s.observe(ctx, func(ctx context.Context) ([]T, error) {
		return s.List(ctx, 0, 0)
	})
}

func (s *Store[T, P]) observe(ctx context.Context, fetch func(context.Context) ([]T, error)) <-chan []T {
	out := make(chan []T)
	notify, unsubscribe := s.hub.Subscribe(s.table.Name)

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			items, err := fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.Warn("Live query failed", map[string]interface{}{
					"table": s.table.Name,
					"error": err.Error(),
				})
			} else {
				select {
				case out <- items:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
