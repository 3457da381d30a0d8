package models

// HistoryOperation names the operation an audit entry records.
type HistoryOperation string

const (
	OpSync      HistoryOperation = "sync"
	OpUpload    HistoryOperation = "upload"
	OpOutbox    HistoryOperation = "outbox"
	OpTrash     HistoryOperation = "trash"
	OpReconcile HistoryOperation = "reconcile"
)

// HistoryStatus is the outcome of an audited operation.
type HistoryStatus string

const (
	StatusSuccess HistoryStatus = "success"
	StatusPartial HistoryStatus = "partial"
	StatusFailure HistoryStatus = "failure"
)

// SyncHistoryEntry is one append-only audit record.
type SyncHistoryEntry struct {
	ID        int64            `db:"id" json:"id"`
	RunID     UUID             `db:"run_id" json:"run_id"`
	Operation HistoryOperation `db:"operation" json:"operation"`
	Status    HistoryStatus    `db:"status" json:"status"`
	// Message is user-facing, Detail is the technical cause.
	Message   string `db:"message" json:"message"`
	Detail    string `db:"detail" json:"detail,omitempty"`
	Affected  int    `db:"affected" json:"affected"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for SyncHistoryEntry.
func (SyncHistoryEntry) TableName() string {
	return "sync_history"
}

// Sync metadata keys.
const (
	MetaLastFullSync    = "last_full_sync"
	MetaAuthToken       = "auth_token"
	MetaLastUploadDrain = "last_upload_drain"
)
