package sync

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/api"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/cache"
	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/outbox"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/uploads"
)

// Outcome tells the caller whether a mutation reached the server.
type Outcome int

const (
	// Applied means the server accepted the change and the cache holds the
	// server's copy.
	Applied Outcome = iota
	// Queued means the change was recorded in the outbox and applied
	// optimistically to the cache.
	Queued
)

func (o Outcome) String() string {
	if o == Queued {
		return "queued"
	}
	return "applied"
}

// deferrable errors are recorded in the outbox instead of being returned.
func deferrable(err error) bool {
	return errors.Is(err, apperrors.ErrOffline) || apperrors.Retryable(err)
}

// Collection is the local-first write path for one standard entity type.
type Collection[T any, P cache.Entity[T]] struct {
	entity models.EntityType
	remote outbox.Remote[T]
	local  *cache.Store[T, P]
	outbox *outbox.Store
	// trashes is set for documents, which the server moves to its trash.
	trashes bool
	// notify runs after a change was queued.
	notify func()
}

func (c *Collection[T, P]) key(id int64) models.EntityKey {
	return models.EntityKey{Type: c.entity, ID: id}
}

// mustQueue reports whether id already has unsent changes; new changes
// then go behind them to keep per-entity order.
func (c *Collection[T, P]) mustQueue(ctx context.Context, id int64) (bool, error) {
	return c.outbox.HasPending(ctx, c.key(id))
}

func (c *Collection[T, P]) enqueue(ctx context.Context, id *int64, change models.ChangeType, data any) error {
	pc := models.PendingChange{EntityType: c.entity, EntityID: id, ChangeType: change}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "encode change", err)
		}
		pc.ChangeData = raw
	}
	if _, err := c.outbox.Enqueue(ctx, pc); err != nil {
		return err
	}
	logging.Info("mutation queued", map[string]interface{}{"entity": c.entity, "change": change})
	if c.notify != nil {
		c.notify()
	}
	return nil
}

// Create creates an entity. When the server is unreachable the create is
// queued and nil is returned with Queued; the cache gains the entity once
// the outbox is replayed.
func (c *Collection[T, P]) Create(ctx context.Context, body any) (*T, Outcome, error) {
	created, err := c.remote.Create(ctx, body)
	switch {
	case err == nil:
		return created, Applied, c.local.Upsert(ctx, *created)
	case deferrable(err):
		return nil, Queued, c.enqueue(ctx, nil, models.ChangeCreate, body)
	default:
		return nil, Applied, err
	}
}

// Update applies a partial update.
func (c *Collection[T, P]) Update(ctx context.Context, id int64, patch any) (Outcome, error) {
	queue, err := c.mustQueue(ctx, id)
	if err != nil {
		return Applied, err
	}
	if !queue {
		updated, err := c.remote.Update(ctx, id, patch)
		switch {
		case err == nil:
			return Applied, c.local.Upsert(ctx, *updated)
		case !deferrable(err):
			return Applied, err
		}
	}

	if err := c.patchLocal(ctx, id, patch); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return Queued, err
	}
	return Queued, c.enqueue(ctx, &id, models.ChangeUpdate, patch)
}

// patchLocal merges patch into the cached copy.
func (c *Collection[T, P]) patchLocal(ctx context.Context, id int64, patch any) error {
	current, err := c.local.Get(ctx, id)
	if err != nil {
		return err
	}
	merged, err := mergePatch(*current, patch)
	if err != nil {
		return err
	}
	return c.local.UpsertLocal(ctx, merged)
}

func mergePatch[T any](item T, patch any) (T, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return item, apperrors.Wrap(apperrors.ErrInvalid, "encode patch", err)
	}
	// Unmarshal into a populated value overwrites only the patched fields.
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, apperrors.Wrap(apperrors.ErrInvalid, "apply patch", err)
	}
	return item, nil
}

// Delete removes an entity. Documents move to the trash.
func (c *Collection[T, P]) Delete(ctx context.Context, id int64) (Outcome, error) {
	queue, err := c.mustQueue(ctx, id)
	if err != nil {
		return Applied, err
	}
	if !queue {
		err := c.remote.Delete(ctx, id)
		switch {
		case err == nil || apperrors.Is(err, apperrors.ErrNotFound):
			if c.trashes && err == nil {
				return Applied, c.local.SoftDelete(ctx, id)
			}
			return Applied, ignoreNotFound(c.local.HardDelete(ctx, id))
		case !deferrable(err):
			return Applied, err
		}
	}

	if err := c.local.SoftDelete(ctx, id); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return Queued, err
	}
	return Queued, c.enqueue(ctx, &id, models.ChangeDelete, nil)
}

func ignoreNotFound(err error) error {
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}

// Mutations is the local-first write API used by presentation code.
type Mutations struct {
	Tags           *Collection[models.Tag, *models.Tag]
	Correspondents *Collection[models.Correspondent, *models.Correspondent]
	DocumentTypes  *Collection[models.DocumentType, *models.DocumentType]
	Documents      *Collection[models.Document, *models.Document]

	api     *api.Client
	docs    *cache.DocumentStore
	outbox  *outbox.Store
	uploads *uploads.Store
	// OnQueued is called after a change or upload was recorded locally so
	// the scheduler can pick it up.
	OnQueued func()
}

// MutationStores are the caches and queues mutations write to.
type MutationStores struct {
	Documents      *cache.DocumentStore
	Tags           *cache.TagStore
	Correspondents *cache.CorrespondentStore
	DocumentTypes  *cache.DocumentTypeStore
	Outbox         *outbox.Store
	Uploads        *uploads.Store
}

// NewMutations wires the write path.
func NewMutations(client *api.Client, s MutationStores) *Mutations {
	m := &Mutations{
		api:     client,
		docs:    s.Documents,
		outbox:  s.Outbox,
		uploads: s.Uploads,
	}
	m.Tags = &Collection[models.Tag, *models.Tag]{
		entity: models.EntityTag, remote: client.Tags, local: s.Tags, outbox: s.Outbox, notify: m.notify,
	}
	m.Correspondents = &Collection[models.Correspondent, *models.Correspondent]{
		entity: models.EntityCorrespondent, remote: client.Correspondents, local: s.Correspondents, outbox: s.Outbox, notify: m.notify,
	}
	m.DocumentTypes = &Collection[models.DocumentType, *models.DocumentType]{
		entity: models.EntityDocumentType, remote: client.DocumentTypes, local: s.DocumentTypes, outbox: s.Outbox, notify: m.notify,
	}
	m.Documents = &Collection[models.Document, *models.Document]{
		entity: models.EntityDocument, remote: client.Documents, local: s.Documents.Store, outbox: s.Outbox, notify: m.notify, trashes: true,
	}
	return m
}

func (m *Mutations) notify() {
	if m.OnQueued != nil {
		m.OnQueued()
	}
}

// UpdateDocument patches document metadata.
func (m *Mutations) UpdateDocument(ctx context.Context, id int64, patch any) (Outcome, error) {
	return m.Documents.Update(ctx, id, patch)
}

// TrashDocument moves a document to the trash.
func (m *Mutations) TrashDocument(ctx context.Context, id int64) (Outcome, error) {
	return m.Documents.Delete(ctx, id)
}

// RestoreDocument takes a document out of the trash.
func (m *Mutations) RestoreDocument(ctx context.Context, id int64) (Outcome, error) {
	queue, err := m.Documents.mustQueue(ctx, id)
	if err != nil {
		return Applied, err
	}
	if !queue {
		err := m.api.TrashAction(ctx, []int64{id}, api.TrashRestore)
		switch {
		case err == nil:
			return Applied, ignoreNotFound(m.docs.Restore(ctx, id))
		case !deferrable(err):
			return Applied, err
		}
	}

	if err := m.docs.Restore(ctx, id); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return Queued, err
	}
	return Queued, m.Documents.enqueue(ctx, &id, models.ChangeRestore, nil)
}

// EmptyTrash permanently deletes the given trashed documents, or the whole
// trash when ids is empty.
func (m *Mutations) EmptyTrash(ctx context.Context, ids []int64) (Outcome, error) {
	purge := func() error {
		_, err := m.docs.HardDeleteTrashed(ctx, ids)
		return err
	}

	err := m.api.TrashAction(ctx, ids, api.TrashEmpty)
	switch {
	case err == nil:
		return Applied, purge()
	case !deferrable(err):
		return Applied, err
	}

	if err := purge(); err != nil {
		return Queued, err
	}
	raw, err := json.Marshal(outbox.TrashPayload{Documents: ids})
	if err != nil {
		return Queued, apperrors.Wrap(apperrors.ErrInvalid, "encode change", err)
	}
	if _, err := m.outbox.Enqueue(ctx, models.PendingChange{
		EntityType: models.EntityTrash,
		ChangeType: models.ChangeDelete,
		ChangeData: raw,
	}); err != nil {
		return Queued, err
	}
	m.notify()
	return Queued, nil
}

// QueueUpload records a scan for upload. Uploads always go through the
// queue so a capture never waits on the network.
func (m *Mutations) QueueUpload(ctx context.Context, up models.PendingUpload) (int64, error) {
	id, err := m.uploads.Enqueue(ctx, up)
	if err != nil {
		return 0, err
	}
	logging.Info("upload queued", map[string]interface{}{"id": id, "pages": len(up.AllURIs())})
	m.notify()
	return id, nil
}
