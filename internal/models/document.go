package models

import (
	"encoding/json"
	"time"
)

// CustomFieldValue is a custom field instance attached to a document.
type CustomFieldValue struct {
	Field int64           `json:"field"`
	Value json.RawMessage `json:"value"`
}

// Document mirrors a server document.
type Document struct {
	SyncMeta
	ID                  int64              `db:"id" json:"id"`
	Title               string             `db:"title" json:"title"`
	Content             string             `json:"content,omitempty"`
	Correspondent       *int64             `json:"correspondent"`
	DocumentType        *int64             `json:"document_type"`
	StoragePath         *int64             `json:"storage_path"`
	Tags                []int64            `json:"tags"`
	Created             string             `db:"created" json:"created"`
	Modified            string             `json:"modified"`
	Added               string             `db:"added" json:"added"`
	ArchiveSerialNumber *int64             `json:"archive_serial_number"`
	OriginalFileName    string             `json:"original_file_name"`
	CustomFields        []CustomFieldValue `json:"custom_fields,omitempty"`
	Notes               []json.RawMessage  `json:"notes,omitempty"`
	// DeletedAt is the epoch millis the document entered the trash.
	DeletedAt *int64 `db:"deleted_at" json:"-"`
}

// TableName returns the table name for Document.
func (Document) TableName() string {
	return "documents"
}

// Key returns the server-assigned id.
func (d *Document) Key() int64 {
	return d.ID
}

// TrashedAt exposes DeletedAt to generic stores.
func (d *Document) TrashedAt() *int64 {
	return d.DeletedAt
}

// SetTrashedAt sets DeletedAt from a generic store.
func (d *Document) SetTrashedAt(at *int64) {
	d.DeletedAt = at
}

// HasTag reports whether the document carries tagID.
func (d *Document) HasTag(tagID int64) bool {
	for _, id := range d.Tags {
		if id == tagID {
			return true
		}
	}
	return false
}

// NoteCount returns the number of cached notes.
func (d *Document) NoteCount() int {
	return len(d.Notes)
}

// RetentionExpired reports whether a trashed document has outlived the
// retention window at now.
func (d *Document) RetentionExpired(now time.Time, retention time.Duration) bool {
	if !d.IsDeleted || d.DeletedAt == nil {
		return false
	}
	return !time.UnixMilli(*d.DeletedAt).Add(retention).After(now)
}
