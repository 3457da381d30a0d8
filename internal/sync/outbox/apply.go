package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/api"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/cache"
	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

// Applier sends one pending change to the server and writes the resulting
// server state into the cache.
type Applier interface {
	Apply(ctx context.Context, change models.PendingChange) error
}

// Remote is the server side of a standard entity endpoint.
type Remote[T any] interface {
	Create(ctx context.Context, body any) (*T, error)
	Update(ctx context.Context, id int64, patch any) (*T, error)
	Delete(ctx context.Context, id int64) error
}

// Local is the cache side of a standard entity.
type Local[T any] interface {
	Upsert(ctx context.Context, item T) error
	HardDelete(ctx context.Context, id int64) error
}

// ResourceApplier replays tag, correspondent and document type changes.
type ResourceApplier[T any] struct {
	Remote Remote[T]
	Cache  Local[T]
}

// Apply implements Applier.
func (a ResourceApplier[T]) Apply(ctx context.Context, change models.PendingChange) error {
	switch change.ChangeType {
	case models.ChangeCreate:
		created, err := a.Remote.Create(ctx, change.ChangeData)
		if err != nil {
			return err
		}
		return a.Cache.Upsert(ctx, *created)

	case models.ChangeUpdate:
		id, err := requireID(change)
		if err != nil {
			return err
		}
		updated, err := a.Remote.Update(ctx, id, change.ChangeData)
		if err != nil {
			return err
		}
		return a.Cache.Upsert(ctx, *updated)

	case models.ChangeDelete:
		id, err := requireID(change)
		if err != nil {
			return err
		}
		if err := a.Remote.Delete(ctx, id); err != nil {
			return err
		}
		return ignoreNotFound(a.Cache.HardDelete(ctx, id))
	}
	return unsupported(change)
}

// DocumentApplier replays document edits, trashing and restoring.
type DocumentApplier struct {
	API   *api.Client
	Cache *cache.DocumentStore
}

// Apply implements Applier.
func (a DocumentApplier) Apply(ctx context.Context, change models.PendingChange) error {
	id, err := requireID(change)
	if err != nil {
		return err
	}

	switch change.ChangeType {
	case models.ChangeUpdate:
		updated, err := a.API.Documents.Update(ctx, id, change.ChangeData)
		if err != nil {
			return err
		}
		return a.Cache.Upsert(ctx, *updated)

	case models.ChangeDelete:
		if err := a.API.Documents.Delete(ctx, id); err != nil {
			return err
		}
		// Already soft-deleted locally when the change was recorded.
		return ignoreNotFound(a.Cache.MarkTrashed(ctx, id, change.CreatedAtTime()))

	case models.ChangeRestore:
		if err := a.API.TrashAction(ctx, []int64{id}, api.TrashRestore); err != nil {
			return err
		}
		return ignoreNotFound(a.Cache.Restore(ctx, id))
	}
	return unsupported(change)
}

// TrashPayload is the change data of a trash entry.
type TrashPayload struct {
	Documents []int64 `json:"documents"`
}

// TrashApplier replays permanent deletion from the trash. An empty document
// list empties the whole trash.
type TrashApplier struct {
	API   *api.Client
	Cache *cache.DocumentStore
}

// Apply implements Applier.
func (a TrashApplier) Apply(ctx context.Context, change models.PendingChange) error {
	if change.ChangeType != models.ChangeDelete {
		return unsupported(change)
	}
	var payload TrashPayload
	if len(change.ChangeData) > 0 {
		if err := json.Unmarshal(change.ChangeData, &payload); err != nil {
			return apperrors.Content("decode trash change", err)
		}
	}

	if err := a.API.TrashAction(ctx, payload.Documents, api.TrashEmpty); err != nil {
		return err
	}

	_, err := a.Cache.HardDeleteTrashed(ctx, payload.Documents)
	return err
}

func requireID(change models.PendingChange) (int64, error) {
	if change.EntityID == nil {
		return 0, apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("%s %s without entity id", change.EntityType, change.ChangeType))
	}
	return *change.EntityID, nil
}

func unsupported(change models.PendingChange) error {
	return apperrors.New(apperrors.ErrInvalid,
		fmt.Sprintf("unsupported change %s on %s", change.ChangeType, change.EntityType))
}

// ignoreNotFound treats a cache row that is already gone as applied.
func ignoreNotFound(err error) error {
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}
