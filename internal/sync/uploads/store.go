// Package uploads is the durable queue of scanned documents waiting to be
// uploaded, drained strictly one item at a time.
package uploads

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

// Table is the upload queue table, also the hub topic.
const Table = "pending_uploads"

// DefaultMaxRetries is the retry ceiling for FAILED rows.
const DefaultMaxRetries = 3

// DefaultLease is how long an UPLOADING claim stays valid without renewal.
// Another drain, possibly in another process, only reclaims a row after
// its lease ran out.
const DefaultLease = 10 * time.Minute

const columns = `id, uri, additional_uris, title, tag_ids, document_type_id, correspondent_id,
	custom_fields, status, retry_count, error_message, created_at, last_attempt_at`

// Store persists pending uploads.
type Store struct {
	db  *sql.DB
	hub *cache.Hub
	now func() time.Time
}

// NewStore creates an upload queue store.
func NewStore(database *sql.DB, hub *cache.Hub) *Store {
	return &Store{db: database, hub: hub, now: time.Now}
}

// Stats counts rows per status.
type Stats map[models.UploadStatus]int

// Enqueue adds an upload in PENDING state and returns its id.
func (s *Store) Enqueue(ctx context.Context, up models.PendingUpload) (int64, error) {
	if strings.TrimSpace(up.URI) == "" {
		return 0, apperrors.New(apperrors.ErrInvalid, "upload without uri")
	}
	if up.CreatedAt == 0 {
		up.CreatedAt = s.now().UnixMilli()
	}

	additional, err := marshal(up.AdditionalURIs, "[]")
	if err != nil {
		return 0, err
	}
	tagIDs, err := marshal(up.TagIDs, "[]")
	if err != nil {
		return 0, err
	}
	fields, err := marshal(up.CustomFields, "{}")
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_uploads
			(uri, additional_uris, title, tag_ids, document_type_id, correspondent_id, custom_fields, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		up.URI, additional, up.Title, tagIDs, up.DocumentTypeID, up.CorrespondentID, fields,
		models.UploadPending, up.CreatedAt)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "enqueue upload", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "enqueue upload", err)
	}

	logging.Info("uploads: enqueued", map[string]interface{}{"id": id, "pages": len(up.AdditionalURIs) + 1})
	s.hub.Publish(Table)
	return id, nil
}

func marshal(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "encode upload field", err)
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

// Get returns one row.
func (s *Store) Get(ctx context.Context, id int64) (*models.PendingUpload, error) {
	up, err := scanUpload(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM pending_uploads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return up, err
}

// List returns every row in creation order.
func (s *Store) List(ctx context.Context) ([]models.PendingUpload, error) {
	return s.list(ctx, "")
}

// Eligible returns the rows a drain may process: PENDING, or FAILED with
// retry_count below ceiling, oldest first.
func (s *Store) Eligible(ctx context.Context, ceiling int) ([]models.PendingUpload, error) {
	return s.list(ctx, `WHERE status = ? OR (status = ? AND retry_count < ?)`,
		models.UploadPending, models.UploadFailed, ceiling)
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]models.PendingUpload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM pending_uploads `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list uploads", err)
	}
	defer rows.Close()

	var ups []models.PendingUpload
	for rows.Next() {
		up, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		ups = append(ups, *up)
	}
	return ups, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(row scanner) (*models.PendingUpload, error) {
	var (
		up                         models.PendingUpload
		additional, tagIDs, fields string
		docType, corr, lastAttempt sql.NullInt64
		errMsg                     sql.NullString
	)
	err := row.Scan(&up.ID, &up.URI, &additional, &up.Title, &tagIDs, &docType, &corr,
		&fields, &up.Status, &up.RetryCount, &errMsg, &up.CreatedAt, &lastAttempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan upload", err)
	}

	if err := json.Unmarshal([]byte(additional), &up.AdditionalURIs); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode additional_uris", err)
	}
	if err := json.Unmarshal([]byte(tagIDs), &up.TagIDs); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode tag_ids", err)
	}
	if err := json.Unmarshal([]byte(fields), &up.CustomFields); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode custom_fields", err)
	}
	if len(up.AdditionalURIs) == 0 {
		up.AdditionalURIs = nil
	}
	if len(up.TagIDs) == 0 {
		up.TagIDs = nil
	}
	if len(up.CustomFields) == 0 {
		up.CustomFields = nil
	}
	if docType.Valid {
		up.DocumentTypeID = &docType.Int64
	}
	if corr.Valid {
		up.CorrespondentID = &corr.Int64
	}
	if errMsg.Valid {
		up.ErrorMessage = &errMsg.String
	}
	if lastAttempt.Valid {
		up.LastAttemptAt = &lastAttempt.Int64
	}
	return &up, nil
}

// MarkUploading claims a row for the drain. A row that is already
// UPLOADING is refused with ErrUploadInFlight, so the same row is never
// uploaded twice at once.
func (s *Store) MarkUploading(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_uploads SET status = ?, last_attempt_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.UploadUploading, s.now().UnixMilli(), id, models.UploadPending, models.UploadFailed)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "claim upload", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		up, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if up.Status == models.UploadUploading {
			return fmt.Errorf("upload %d: %w", id, apperrors.ErrUploadInFlight)
		}
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("upload %d is %s", id, up.Status))
	}
	s.hub.Publish(Table)
	return nil
}

// MarkFailed records a failed attempt.
func (s *Store) MarkFailed(ctx context.Context, id int64, message string) error {
	return s.exec(ctx, id, `
		UPDATE pending_uploads SET status = ?, retry_count = retry_count + 1, error_message = ?
		WHERE id = ?`, models.UploadFailed, message, id)
}

// MarkCompleted keeps a finished row, for callers that want to show it
// before removal.
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	return s.exec(ctx, id, `UPDATE pending_uploads SET status = ?, error_message = NULL WHERE id = ?`,
		models.UploadCompleted, id)
}

// Delete removes a row.
func (s *Store) Delete(ctx context.Context, id int64) error {
	return s.exec(ctx, id, `DELETE FROM pending_uploads WHERE id = ?`, id)
}

// Requeue resets FAILED rows (all of them when ids is empty) to PENDING
// with a fresh retry budget.
func (s *Store) Requeue(ctx context.Context, ids ...int64) (int, error) {
	q := `UPDATE pending_uploads SET status = ?, retry_count = 0, error_message = NULL WHERE status = ?`
	args := []any{models.UploadPending, models.UploadFailed}
	if len(ids) > 0 {
		q += ` AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	return s.update(ctx, "requeue uploads", q, args...)
}

// RenewLease extends the claim on a row that is still UPLOADING.
func (s *Store) RenewLease(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_uploads SET last_attempt_at = ? WHERE id = ? AND status = ?`,
		s.now().UnixMilli(), id, models.UploadUploading)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "renew upload lease", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

// RecoverStale turns UPLOADING rows whose claim was not renewed within
// lease into FAILED attempts. Those were left by an interrupted process;
// rows with a live lease are untouched.
func (s *Store) RecoverStale(ctx context.Context, lease time.Duration) (int, error) {
	return s.update(ctx, "recover uploads", `
		UPDATE pending_uploads SET status = ?, retry_count = retry_count + 1,
			error_message = 'interrupted before completion'
		WHERE status = ? AND (last_attempt_at IS NULL OR last_attempt_at < ?)`,
		models.UploadFailed, models.UploadUploading, s.now().Add(-lease).UnixMilli())
}

// Stats counts rows per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_uploads GROUP BY status`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "upload stats", err)
	}
	defer rows.Close()

	st := Stats{}
	for rows.Next() {
		var status models.UploadStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan upload stats", err)
		}
		st[status] = n
	}
	return st, rows.Err()
}

func (s *Store) exec(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "update upload", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	s.hub.Publish(Table)
	return nil
}

func (s *Store) update(ctx context.Context, what, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, what, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.hub.Publish(Table)
	}
	return int(n), nil
}

func notFound(id int64) error {
	return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("upload %d", id), apperrors.ErrNotFoundSentinel)
}
