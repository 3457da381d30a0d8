package outbox

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/uuid"
)

// DefaultMaxAttempts is the attempt ceiling after which an entry waits for
// a manual retry.
const DefaultMaxAttempts = 3

// Auditor records audit entries.
type Auditor interface {
	Append(ctx context.Context, entry models.SyncHistoryEntry) (int64, error)
}

// ReplayResult counts what one replay pass did.
type ReplayResult struct {
	RunID     string
	Applied   int
	Retrying  int
	Dropped   int
	Exhausted int
	// Deferred entries target an entity whose earlier change did not go
	// through in this pass.
	Deferred int
}

// Remaining reports whether entries are left for a later pass.
func (r *ReplayResult) Remaining() int {
	return r.Retrying + r.Exhausted + r.Deferred
}

// Replayer applies outbox entries in FIFO order.
type Replayer struct {
	store       *Store
	appliers    map[models.EntityType]Applier
	audit       Auditor
	maxAttempts int
}

// NewReplayer creates a replayer. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewReplayer(store *Store, audit Auditor, maxAttempts int) *Replayer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Replayer{
		store:       store,
		appliers:    make(map[models.EntityType]Applier),
		audit:       audit,
		maxAttempts: maxAttempts,
	}
}

// Register sets the applier for an entity type.
func (r *Replayer) Register(entity models.EntityType, a Applier) {
	r.appliers[entity] = a
}

// Replay runs one pass over the outbox. A failing entry never blocks
// independent entries behind it; it only holds back later changes to the
// same entity. The pass stops early when connectivity is lost, leaving the
// remaining entries untouched.
func (r *Replayer) Replay(ctx context.Context) (*ReplayResult, error) {
	result := &ReplayResult{RunID: uuid.New()}

	changes, err := r.store.All(ctx)
	if err != nil {
		return result, err
	}
	if len(changes) == 0 {
		return result, nil
	}

	blocked := make(map[models.EntityKey]bool)
	block := func(c models.PendingChange) {
		if k, ok := c.Key(); ok {
			blocked[k] = true
		}
	}

	for i, change := range changes {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if change.Exhausted(r.maxAttempts) {
			result.Exhausted++
			block(change)
			continue
		}
		if k, ok := change.Key(); ok && blocked[k] {
			result.Deferred++
			continue
		}

		err := r.apply(ctx, change)
		switch {
		case err == nil:
			if err := r.store.Remove(ctx, change.ID); err != nil {
				return result, err
			}
			result.Applied++

		case errors.Is(err, apperrors.ErrOffline):
			logging.Info("outbox: offline, replay paused", map[string]interface{}{"remaining": len(changes) - i})
			r.summarize(ctx, result)
			return result, err

		case apperrors.Retryable(err):
			if err := r.store.MarkAttempt(ctx, change.ID, err); err != nil {
				return result, err
			}
			block(change)
			result.Retrying++
			if change.SyncAttempts+1 >= r.maxAttempts {
				r.record(ctx, result.RunID, models.StatusFailure, change,
					"Change could not be sent after several attempts. Tap to retry.", err)
			} else {
				logging.Warn("outbox: change failed, will retry", map[string]interface{}{
					"id": change.ID, "attempt": change.SyncAttempts + 1, "error": err.Error(),
				})
			}

		default:
			if err := r.store.Remove(ctx, change.ID); err != nil {
				return result, err
			}
			result.Dropped++
			r.record(ctx, result.RunID, models.StatusFailure, change, apperrors.UserMessage(err), err)
		}
	}

	r.summarize(ctx, result)
	return result, nil
}

func (r *Replayer) apply(ctx context.Context, change models.PendingChange) error {
	a, ok := r.appliers[change.EntityType]
	if !ok {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("no applier for %s", change.EntityType))
	}
	return a.Apply(ctx, change)
}

func (r *Replayer) record(ctx context.Context, runID string, status models.HistoryStatus, change models.PendingChange, message string, cause error) {
	detail := fmt.Sprintf("%s %s", change.ChangeType, change.EntityType)
	if change.EntityID != nil {
		detail += fmt.Sprintf(" %d", *change.EntityID)
	}
	if cause != nil {
		detail += ": " + cause.Error()
	}
	logging.Error("outbox: "+message, cause, map[string]interface{}{"id": change.ID, "detail": detail})
	r.append(ctx, models.SyncHistoryEntry{
		RunID:     models.UUID(runID),
		Operation: models.OpOutbox,
		Status:    status,
		Message:   message,
		Detail:    detail,
		Affected:  1,
	})
}

func (r *Replayer) summarize(ctx context.Context, result *ReplayResult) {
	if result.Applied == 0 && result.Dropped == 0 && result.Retrying == 0 {
		return
	}
	status := models.StatusSuccess
	switch {
	case result.Applied == 0:
		status = models.StatusFailure
	case result.Dropped > 0 || result.Remaining() > 0:
		status = models.StatusPartial
	}
	r.append(ctx, models.SyncHistoryEntry{
		RunID:     models.UUID(result.RunID),
		Operation: models.OpOutbox,
		Status:    status,
		Message:   fmt.Sprintf("%d pending changes sent", result.Applied),
		Detail: fmt.Sprintf("applied=%d retrying=%d dropped=%d exhausted=%d deferred=%d",
			result.Applied, result.Retrying, result.Dropped, result.Exhausted, result.Deferred),
		Affected: result.Applied,
	})
}

func (r *Replayer) append(ctx context.Context, entry models.SyncHistoryEntry) {
	if r.audit == nil {
		return
	}
	if _, err := r.audit.Append(ctx, entry); err != nil {
		logging.Error("outbox: audit write failed", err)
	}
}
