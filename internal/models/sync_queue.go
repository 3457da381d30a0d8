package models

import "time"

// UploadStatus is the lifecycle state of a queued upload.
type UploadStatus string

const (
	UploadPending   UploadStatus = "PENDING"
	UploadUploading UploadStatus = "UPLOADING"
	UploadCompleted UploadStatus = "COMPLETED"
	UploadFailed    UploadStatus = "FAILED"
)

// PendingUpload is a scanned document waiting to be uploaded.
type PendingUpload struct {
	ID  int64  `db:"id" json:"id"`
	URI string `db:"uri" json:"uri"`
	// AdditionalURIs holds further pages of a multi-page scan.
	AdditionalURIs  []string         `db:"additional_uris" json:"additional_uris,omitempty"`
	Title           string           `db:"title" json:"title"`
	TagIDs          []int64          `db:"tag_ids" json:"tag_ids,omitempty"`
	DocumentTypeID  *int64           `db:"document_type_id" json:"document_type_id,omitempty"`
	CorrespondentID *int64           `db:"correspondent_id" json:"correspondent_id,omitempty"`
	CustomFields    map[int64]string `db:"custom_fields" json:"custom_fields,omitempty"`
	Status          UploadStatus     `db:"status" json:"status"`
	RetryCount      int              `db:"retry_count" json:"retry_count"`
	ErrorMessage    *string          `db:"error_message" json:"error_message,omitempty"`
	CreatedAt       int64            `db:"created_at" json:"created_at"`
	LastAttemptAt   *int64           `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
}

// TableName returns the table name for PendingUpload.
func (PendingUpload) TableName() string {
	return "pending_uploads"
}

// AllURIs returns the primary page followed by the additional pages.
func (p *PendingUpload) AllURIs() []string {
	return append([]string{p.URI}, p.AdditionalURIs...)
}

// MultiPage reports whether the upload must be assembled into a PDF.
func (p *PendingUpload) MultiPage() bool {
	return len(p.AdditionalURIs) > 0
}

// Eligible reports whether a drain may pick the row up.
func (p *PendingUpload) Eligible(ceiling int) bool {
	switch p.Status {
	case UploadPending:
		return true
	case UploadFailed:
		return p.RetryCount < ceiling
	default:
		return false
	}
}

// CreatedAtTime returns CreatedAt as time.Time.
func (p *PendingUpload) CreatedAtTime() time.Time {
	return time.UnixMilli(p.CreatedAt)
}
