package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/outbox"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/reconcile"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/uploads"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/uuid"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// ErrSyncInProgress is returned when Sync is called during a run.
var ErrSyncInProgress = apperrors.New(apperrors.ErrSyncFailed, "sync already in progress")

// SyncEventType classifies engine notifications.
type SyncEventType string

const (
	EventSyncStarted  SyncEventType = "sync_started"
	EventSyncFinished SyncEventType = "sync_finished"
	EventSyncFailed   SyncEventType = "sync_failed"
)

// SyncEvent is delivered to the event handler.
type SyncEvent struct {
	Type   SyncEventType
	Result *SyncResult
}

// SyncEventHandler receives engine notifications. It is called on the
// syncing goroutine and must not block.
type SyncEventHandler func(SyncEvent)

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	RunID     string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Replay    *outbox.ReplayResult
	Reconcile *reconcile.Result
	Error     string
}

// Replayed is the number of outbox entries applied.
func (r *SyncResult) Replayed() int {
	if r.Replay == nil {
		return 0
	}
	return r.Replay.Applied
}

// Reconciled is the number of cache rows written or removed.
func (r *SyncResult) Reconciled() int {
	if r.Reconcile == nil {
		return 0
	}
	return r.Reconcile.Changed()
}

// Replayer applies the outbox.
type Replayer interface {
	Replay(ctx context.Context) (*outbox.ReplayResult, error)
}

// Reconciler aligns the cache with the server.
type Reconciler interface {
	Run(ctx context.Context) (*reconcile.Result, error)
}

// UploadDrainer sends queued uploads.
type UploadDrainer interface {
	Drain(ctx context.Context) (*uploads.DrainResult, error)
}

// PendingCounter counts outbox entries.
type PendingCounter interface {
	Count(ctx context.Context) (int, error)
}

// SyncClock persists the completion time of full syncs.
type SyncClock interface {
	LastFullSync(ctx context.Context) (time.Time, bool, error)
	SetLastFullSync(ctx context.Context, t time.Time) error
}

// Auditor records audit entries.
type Auditor interface {
	Append(ctx context.Context, entry models.SyncHistoryEntry) (int64, error)
}

// Config wires the engine's collaborators.
type Config struct {
	Replayer   Replayer
	Reconciler Reconciler
	Uploads    UploadDrainer
	Outbox     PendingCounter
	Clock      SyncClock
	Audit      Auditor
}

// SyncEngine runs sync passes. At most one Sync runs at a time.
type SyncEngine struct {
	cfg Config
	now func() time.Time

	mu       stdsync.RWMutex
	status   SyncStatus
	lastSync *time.Time
	pending  int
	lastErr  error
	handler  SyncEventHandler
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(cfg Config) *SyncEngine {
	return &SyncEngine{
		cfg:    cfg,
		now:    time.Now,
		status: SyncStatusIdle,
	}
}

// Load restores the last sync time and pending count from storage.
func (e *SyncEngine) Load(ctx context.Context) error {
	last, ok, err := e.cfg.Clock.LastFullSync(ctx)
	if err != nil {
		return err
	}
	pending, err := e.cfg.Outbox.Count(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		e.lastSync = &last
	}
	e.pending = pending
	return nil
}

// SetEventHandler sets the event handler for sync notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the timestamp of the last complete sync.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// PendingChanges returns the number of pending changes to sync.
func (e *SyncEngine) PendingChanges() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending
}

// LastError returns the last sync error.
func (e *SyncEngine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// DrainUploads sends queued documents.
func (e *SyncEngine) DrainUploads(ctx context.Context) (*uploads.DrainResult, error) {
	return e.cfg.Uploads.Drain(ctx)
}

func (e *SyncEngine) emit(ev SyncEvent) {
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// Sync replays the outbox and then reconciles. A replay failure skips
// reconciliation; a partial reconciliation keeps the previous sync time.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	e.mu.Lock()
	if e.status == SyncStatusSyncing {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.status = SyncStatusSyncing
	e.mu.Unlock()

	result := &SyncResult{RunID: uuid.New(), StartTime: e.now()}
	e.emit(SyncEvent{Type: EventSyncStarted, Result: result})

	err := e.run(ctx, result)

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if err != nil {
		result.Error = err.Error()
	}
	pending, cerr := e.cfg.Outbox.Count(context.WithoutCancel(ctx))

	e.mu.Lock()
	e.lastErr = err
	if cerr == nil {
		e.pending = pending
	}
	if err != nil {
		e.status = SyncStatusFailed
	} else {
		e.status = SyncStatusIdle
		end := result.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	e.record(ctx, result, err)
	if err != nil {
		e.emit(SyncEvent{Type: EventSyncFailed, Result: result})
		return result, err
	}
	e.emit(SyncEvent{Type: EventSyncFinished, Result: result})
	return result, nil
}

func (e *SyncEngine) run(ctx context.Context, result *SyncResult) error {
	// Step 1: send local changes
	replay, err := e.cfg.Replayer.Replay(ctx)
	result.Replay = replay
	if err != nil {
		return fmt.Errorf("outbox replay: %w", err)
	}

	// Step 2: pull the server state
	rec, err := e.cfg.Reconciler.Run(ctx)
	result.Reconcile = rec
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	// Step 3: only a complete pass counts as a full sync
	if err := e.cfg.Clock.SetLastFullSync(ctx, e.now()); err != nil {
		return err
	}
	return nil
}

func (e *SyncEngine) record(ctx context.Context, result *SyncResult, err error) {
	fields := map[string]interface{}{
		"run_id":      result.RunID,
		"replayed":    result.Replayed(),
		"reconciled":  result.Reconciled(),
		"duration_ms": result.Duration.Milliseconds(),
	}
	entry := models.SyncHistoryEntry{
		RunID:     models.UUID(result.RunID),
		Operation: models.OpSync,
		Status:    models.StatusSuccess,
		Message:   "Sync completed",
		Affected:  result.Replayed() + result.Reconciled(),
	}
	if err != nil {
		logging.ErrorWithCode("sync failed", string(apperrors.ErrSyncFailed), err, fields)
		entry.Status = models.StatusFailure
		entry.Message = apperrors.UserMessage(err)
		entry.Detail = err.Error()
		if result.Reconcile != nil && len(result.Reconcile.Failed()) < len(result.Reconcile.Types) {
			entry.Status = models.StatusPartial
		}
	} else {
		logging.Info("sync completed", fields)
	}

	if e.cfg.Audit == nil {
		return
	}
	if _, aerr := e.cfg.Audit.Append(context.WithoutCancel(ctx), entry); aerr != nil {
		logging.Error("sync: audit write failed", aerr)
	}
}
