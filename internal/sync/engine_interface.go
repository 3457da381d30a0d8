// Package sync orchestrates the synchronization core: upload drains, outbox
// replay and reconciliation, plus the local-first mutations that feed them.
package sync

import (
	"context"
	"time"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/uploads"
)

// SyncEngineInterface is what the scheduler drives.
type SyncEngineInterface interface {
	// Sync replays the outbox and then reconciles every cached type.
	Sync(ctx context.Context) (*SyncResult, error)

	// DrainUploads sends queued documents.
	DrainUploads(ctx context.Context) (*uploads.DrainResult, error)

	// SetEventHandler sets the handler notified around sync runs.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns when the last complete sync finished.
	LastSync() *time.Time

	// PendingChanges returns the number of unsent outbox entries.
	PendingChanges() int

	// LastError returns the error of the last sync, if it failed.
	LastError() error
}
