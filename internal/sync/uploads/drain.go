package uploads

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/api"
	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/uuid"
)

// Uploader is the remote side of the drain.
type Uploader interface {
	UploadDocument(ctx context.Context, req api.UploadRequest, progress api.ProgressFunc) (string, error)
	TaskByUUID(ctx context.Context, taskID string) (*models.Task, error)
}

// TaskCache receives the server task created by an upload.
type TaskCache interface {
	Upsert(ctx context.Context, task models.Task) error
}

// Auditor records audit entries.
type Auditor interface {
	Append(ctx context.Context, entry models.SyncHistoryEntry) (int64, error)
}

// MetaWriter records when the queue was last drained.
type MetaWriter interface {
	SetTime(ctx context.Context, key string, t time.Time) error
}

// Progress reports upload progress of one row.
type Progress struct {
	UploadID int64
	Sent     int64
	Total    int64
}

// DrainResult counts what one drain did.
type DrainResult struct {
	RunID    string
	Uploaded int
	Failed   int
	Dropped  int
	// Stopped is set when the drain ended early because connectivity was
	// lost or the context ended.
	Stopped bool
	TaskIDs []string
	// DocumentIDs lists documents the server had already created by the
	// time their task was fetched.
	DocumentIDs []int64
}

// DrainerConfig wires a Drainer.
type DrainerConfig struct {
	Store     *Store
	Assembler *Assembler
	Uploader  Uploader
	Tasks     TaskCache
	Audit     Auditor
	Meta      MetaWriter
	// Online gates each item; nil means always online.
	Online     func() bool
	MaxRetries int
	// Lease bounds how long a claim survives without renewal; zero means
	// DefaultLease.
	Lease      time.Duration
	OnProgress func(Progress)
}

// Drainer uploads queued documents one at a time.
type Drainer struct {
	cfg DrainerConfig
	mu  sync.Mutex
}

// NewDrainer creates a drainer.
func NewDrainer(cfg DrainerConfig) *Drainer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Assembler == nil {
		cfg.Assembler = NewAssembler()
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	return &Drainer{cfg: cfg}
}

func (d *Drainer) online() bool {
	return d.cfg.Online == nil || d.cfg.Online()
}

// Drain processes eligible rows in creation order. Only one drain runs at
// a time per Drainer; a concurrent call returns ErrUploadInFlight. Drainers
// sharing a database never take the same row: claims are leases renewed
// while the upload runs.
func (d *Drainer) Drain(ctx context.Context) (*DrainResult, error) {
	if !d.mu.TryLock() {
		return nil, apperrors.ErrUploadInFlight
	}
	defer d.mu.Unlock()

	result := &DrainResult{RunID: uuid.New()}

	if n, err := d.cfg.Store.RecoverStale(ctx, d.cfg.Lease); err != nil {
		return result, err
	} else if n > 0 {
		logging.Warn("uploads: recovered interrupted uploads", map[string]interface{}{"count": n})
	}

	rows, err := d.cfg.Store.Eligible(ctx, d.cfg.MaxRetries)
	if err != nil {
		return result, err
	}

	for _, up := range rows {
		if ctx.Err() != nil || !d.online() {
			result.Stopped = true
			break
		}
		if stop := d.process(ctx, up, result); stop {
			result.Stopped = true
			break
		}
	}

	d.summarize(ctx, result)
	if result.Stopped && ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// process uploads one row and reports whether the drain must stop.
func (d *Drainer) process(ctx context.Context, up models.PendingUpload, result *DrainResult) bool {
	store := d.cfg.Store
	if err := store.MarkUploading(ctx, up.ID); err != nil {
		if !errors.Is(err, apperrors.ErrUploadInFlight) {
			logging.Error("uploads: claim failed", err, map[string]interface{}{"id": up.ID})
		}
		return false
	}

	payload, err := d.cfg.Assembler.Assemble(up)
	if err != nil {
		d.drop(ctx, up, result, err)
		return false
	}

	req := api.UploadRequest{
		FileName:        payload.FileName,
		ContentType:     payload.MIME,
		Content:         payload.Data,
		Title:           up.Title,
		TagIDs:          up.TagIDs,
		DocumentTypeID:  up.DocumentTypeID,
		CorrespondentID: up.CorrespondentID,
		CustomFields:    up.CustomFields,
	}
	var progress api.ProgressFunc
	if d.cfg.OnProgress != nil {
		progress = func(sent, total int64) {
			d.cfg.OnProgress(Progress{UploadID: up.ID, Sent: sent, Total: total})
		}
	}

	start := time.Now()
	release := d.holdClaim(ctx, up.ID)
	taskID, err := d.cfg.Uploader.UploadDocument(ctx, req, progress)
	release()
	if err != nil {
		if apperrors.Retryable(err) || ctx.Err() != nil {
			// The row must not stay UPLOADING, even when ctx is gone.
			if mErr := store.MarkFailed(context.WithoutCancel(ctx), up.ID, apperrors.UserMessage(err)); mErr != nil {
				logging.Error("uploads: mark failed", mErr, map[string]interface{}{"id": up.ID})
			}
			result.Failed++
			logging.Warn("uploads: upload failed, will retry", map[string]interface{}{
				"id": up.ID, "retry_count": up.RetryCount + 1, "error": err.Error(),
			})
			if up.RetryCount+1 >= d.cfg.MaxRetries {
				d.record(ctx, result.RunID, models.StatusFailure, "Upload failed. Tap to retry.", up, err)
			}
			return errors.Is(err, apperrors.ErrOffline) || ctx.Err() != nil || !d.online()
		}
		d.drop(ctx, up, result, err)
		return false
	}

	if err := store.Delete(ctx, up.ID); err != nil {
		logging.Error("uploads: remove finished row", err, map[string]interface{}{"id": up.ID})
	}
	result.Uploaded++
	result.TaskIDs = append(result.TaskIDs, taskID)
	logging.Info("uploads: uploaded", map[string]interface{}{
		"id": up.ID, "task_id": taskID, "pages": payload.Pages, "bytes": len(payload.Data),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	d.record(ctx, result.RunID, models.StatusSuccess, fmt.Sprintf("Uploaded %q", payload.FileName), up, nil)
	d.cacheTask(ctx, taskID, result)
	return false
}

// holdClaim renews the lease on id until the returned release is called.
func (d *Drainer) holdClaim(ctx context.Context, id int64) (release func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(d.cfg.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.cfg.Store.RenewLease(ctx, id); err != nil && ctx.Err() == nil {
					logging.Warn("uploads: lease renewal failed", map[string]interface{}{"id": id, "error": err.Error()})
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// drop removes a row that cannot succeed by retrying and audits why.
func (d *Drainer) drop(ctx context.Context, up models.PendingUpload, result *DrainResult, cause error) {
	if err := d.cfg.Store.Delete(ctx, up.ID); err != nil {
		logging.Error("uploads: remove rejected row", err, map[string]interface{}{"id": up.ID})
	}
	result.Dropped++
	d.record(ctx, result.RunID, models.StatusFailure, apperrors.UserMessage(cause), up, cause)
}

func (d *Drainer) cacheTask(ctx context.Context, taskID string, result *DrainResult) {
	if d.cfg.Tasks == nil {
		return
	}
	task, err := d.cfg.Uploader.TaskByUUID(ctx, taskID)
	if err != nil {
		logging.Debug("uploads: task not available yet", map[string]interface{}{"task_id": taskID, "error": err.Error()})
		return
	}
	if err := d.cfg.Tasks.Upsert(ctx, *task); err != nil {
		logging.Error("uploads: cache task", err, map[string]interface{}{"task_id": taskID})
	}
	if docID, ok := task.RelatedDocumentID(); ok {
		result.DocumentIDs = append(result.DocumentIDs, docID)
		logging.Debug("uploads: document created", map[string]interface{}{"task_id": taskID, "document_id": docID})
	}
}

func (d *Drainer) record(ctx context.Context, runID string, status models.HistoryStatus, message string, up models.PendingUpload, cause error) {
	if d.cfg.Audit == nil {
		return
	}
	detail := fmt.Sprintf("upload %d (%s, %d pages)", up.ID, up.URI, len(up.AdditionalURIs)+1)
	if cause != nil {
		detail += ": " + cause.Error()
	}
	_, err := d.cfg.Audit.Append(context.WithoutCancel(ctx), models.SyncHistoryEntry{
		RunID:     models.UUID(runID),
		Operation: models.OpUpload,
		Status:    status,
		Message:   message,
		Detail:    detail,
		Affected:  1,
	})
	if err != nil {
		logging.Error("uploads: audit write failed", err)
	}
}

func (d *Drainer) summarize(ctx context.Context, result *DrainResult) {
	if d.cfg.Meta != nil {
		if err := d.cfg.Meta.SetTime(context.WithoutCancel(ctx), models.MetaLastUploadDrain, time.Now()); err != nil {
			logging.Error("uploads: record drain time", err)
		}
	}
	if result.Uploaded+result.Failed+result.Dropped == 0 {
		return
	}
	logging.Info("uploads: drain finished", map[string]interface{}{
		"run_id": result.RunID, "uploaded": result.Uploaded, "failed": result.Failed,
		"dropped": result.Dropped, "stopped": result.Stopped,
	})
}
