package models

import (
	"encoding/json"
	"time"
)

// EntityType discriminates outbox entries.
type EntityType string

const (
	EntityDocument      EntityType = "document"
	EntityTag           EntityType = "tag"
	EntityCorrespondent EntityType = "correspondent"
	EntityDocumentType  EntityType = "document_type"
	EntityTrash         EntityType = "trash"
)

// ChangeType is the kind of mutation recorded in the outbox.
type ChangeType string

const (
	ChangeCreate  ChangeType = "create"
	ChangeUpdate  ChangeType = "update"
	ChangeDelete  ChangeType = "delete"
	ChangeRestore ChangeType = "restore"
)

// PendingChange is an outbox entry: a mutation made while offline or while
// the remote call failed transiently.
type PendingChange struct {
	ID         int64      `db:"id" json:"id"`
	EntityType EntityType `db:"entity_type" json:"entity_type"`
	// EntityID is nil for entities not yet created on the server.
	EntityID     *int64          `db:"entity_id" json:"entity_id,omitempty"`
	ChangeType   ChangeType      `db:"change_type" json:"change_type"`
	ChangeData   json.RawMessage `db:"change_data" json:"change_data,omitempty"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	SyncAttempts int             `db:"sync_attempts" json:"sync_attempts"`
	LastError    *string         `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for PendingChange.
func (PendingChange) TableName() string {
	return "pending_changes"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (p *PendingChange) CreatedAtTime() time.Time {
	return time.UnixMilli(p.CreatedAt)
}

// Exhausted reports whether the entry reached the attempt ceiling.
func (p *PendingChange) Exhausted(ceiling int) bool {
	return ceiling > 0 && p.SyncAttempts >= ceiling
}

// EntityKey identifies the entity an entry targets, used to keep per-entity
// ordering during replay. Creates have no id and never collide.
type EntityKey struct {
	Type EntityType
	ID   int64
}

// Key returns the entity key and whether the entry targets an existing id.
func (p *PendingChange) Key() (EntityKey, bool) {
	if p.EntityID == nil {
		return EntityKey{}, false
	}
	return EntityKey{Type: p.EntityType, ID: *p.EntityID}, true
}
