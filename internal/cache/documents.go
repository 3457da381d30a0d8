package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

// DocumentStore adds the trash view and retention queries to the document
// cache.
type DocumentStore struct {
	*Store[models.Document, *models.Document]
}

// NewDocumentStore creates the document cache.
func NewDocumentStore(database *sql.DB, hub *Hub) *DocumentStore {
	return &DocumentStore{Store: NewStore[models.Document](database, hub, documentTable)}
}

// MarkTrashed soft-deletes a document with an explicit trash timestamp,
// typically the server's deleted_at.
func (s *DocumentStore) MarkTrashed(ctx context.Context, id int64, at time.Time) error {
	return s.markDeleted(ctx, id, at.UnixMilli(), true)
}

// Trash returns soft-deleted documents, most recently trashed first.
func (s *DocumentStore) Trash(ctx context.Context) ([]models.Document, error) {
	return s.query(ctx, "WHERE is_deleted = 1", "deleted_at DESC, id DESC", 0, 0)
}

// TrashCount returns the number of soft-deleted documents.
func (s *DocumentStore) TrashCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE is_deleted = 1").Scan(&n)
	return n, err
}

// ObserveTrash streams the trash view like Observe does for visible rows.
func (s *DocumentStore) ObserveTrash(ctx context.Context) <-chan []models.Document {
	return s.observe(ctx, s.Trash)
}

// ExpiredTrashIDs returns trashed documents whose trash timestamp is at or
// before cutoff.
func (s *DocumentStore) ExpiredTrashIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	return s.ids(ctx, "WHERE is_deleted = 1 AND deleted_at IS NOT NULL AND deleted_at <= ?", cutoff.UnixMilli())
}

// HardDeleteTrashed permanently removes those of ids that are in the
// trash, or the whole trash when ids is empty. Visible documents are never
// touched.
func (s *DocumentStore) HardDeleteTrashed(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		var err error
		if ids, err = s.ids(ctx, "WHERE is_deleted = 1"); err != nil {
			return 0, err
		}
	}
	return s.deleteIDs(ctx, ids, "is_deleted = 1")
}

// ListByTag returns visible documents carrying tagID.
func (s *DocumentStore) ListByTag(ctx context.Context, tagID int64) ([]models.Document, error) {
	return s.query(ctx,
		"WHERE is_deleted = 0 AND EXISTS (SELECT 1 FROM json_each(documents.data, '$.tags') WHERE json_each.value = ?)",
		documentTable.OrderBy, 0, 0, tagID)
}
