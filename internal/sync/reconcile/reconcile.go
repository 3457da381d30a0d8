// Package reconcile aligns the local cache with the server's current entity
// sets: a complete fetch per type, orphan pruning, upsert, and the trash
// retention sweep.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/api"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/cache"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/uuid"
)

// DefaultRetention mirrors the server's trash retention.
const DefaultRetention = 30 * 24 * time.Hour

// PendingSource lists entities with unsent local changes.
type PendingSource interface {
	PendingKeys(ctx context.Context) (map[models.EntityKey]bool, error)
}

// Auditor records audit entries.
type Auditor interface {
	Append(ctx context.Context, entry models.SyncHistoryEntry) (int64, error)
}

// TypeResult describes the pass over one entity type.
type TypeResult struct {
	Fetched  int   `json:"fetched"`
	Upserted int   `json:"upserted"`
	Pruned   int   `json:"pruned"`
	Shadowed int   `json:"shadowed"`
	Expired  int   `json:"expired,omitempty"`
	Err      error `json:"-"`
}

// Result is the outcome of a full pass.
type Result struct {
	RunID string
	Types map[string]TypeResult
}

// Changed sums rows written or removed.
func (r *Result) Changed() int {
	n := 0
	for _, t := range r.Types {
		n += t.Upserted + t.Pruned + t.Expired
	}
	return n
}

// Failed returns the names of types whose pass failed, sorted.
func (r *Result) Failed() []string {
	var names []string
	for name, t := range r.Types {
		if t.Err != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// typePass reconciles one entity type.
type typePass interface {
	name() string
	entityType() models.EntityType
	run(ctx context.Context, shadow map[int64]bool) TypeResult
}

// Engine runs reconciliation passes.
type Engine struct {
	passes    []typePass
	pending   PendingSource
	audit     Auditor
	retention time.Duration
	now       func() time.Time
}

// Stores are the caches reconciliation writes to.
type Stores struct {
	Documents      *cache.DocumentStore
	Tags           *cache.TagStore
	Correspondents *cache.CorrespondentStore
	DocumentTypes  *cache.DocumentTypeStore
	Tasks          *cache.TaskStore
}

// New builds an engine reconciling every cached type against client.
func New(client *api.Client, stores Stores, pending PendingSource, audit Auditor, retention time.Duration) *Engine {
	if retention <= 0 {
		retention = DefaultRetention
	}
	e := &Engine{pending: pending, audit: audit, retention: retention, now: time.Now}
	e.passes = []typePass{
		&entityPass[models.Tag, *models.Tag]{entity: models.EntityTag, fetch: client.Tags.ListAll, store: stores.Tags},
		&entityPass[models.Correspondent, *models.Correspondent]{entity: models.EntityCorrespondent, fetch: client.Correspondents.ListAll, store: stores.Correspondents},
		&entityPass[models.DocumentType, *models.DocumentType]{entity: models.EntityDocumentType, fetch: client.DocumentTypes.ListAll, store: stores.DocumentTypes},
		&entityPass[models.Task, *models.Task]{fetch: client.Tasks, store: stores.Tasks},
		&documentPass{
			fetch:      client.Documents.ListAll,
			fetchTrash: client.ListTrash,
			store:      stores.Documents,
			retention:  retention,
			now:        func() time.Time { return e.now() },
		},
	}
	return e
}

// Run reconciles all types concurrently. A failed fetch aborts only its own
// type; the errors of all failed types are joined.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	result := &Result{RunID: uuid.New(), Types: make(map[string]TypeResult, len(e.passes))}

	pending := map[models.EntityKey]bool{}
	if e.pending != nil {
		var err error
		if pending, err = e.pending.PendingKeys(ctx); err != nil {
			return result, err
		}
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, p := range e.passes {
		g.Go(func() error {
			tr := p.run(ctx, shadowFor(p, pending))
			mu.Lock()
			defer mu.Unlock()
			result.Types[p.name()] = tr
			if tr.Err != nil {
				errs = append(errs, fmt.Errorf("reconcile %s: %w", p.name(), tr.Err))
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	e.record(ctx, result, err)
	return result, err
}

// shadowFor collects the ids of p's type with unsent local changes; the
// server copy must not overwrite them yet.
func shadowFor(p typePass, pending map[models.EntityKey]bool) map[int64]bool {
	entity := p.entityType()
	shadow := make(map[int64]bool)
	for k := range pending {
		if entity != "" && k.Type == entity {
			shadow[k.ID] = true
		}
	}
	return shadow
}

func (e *Engine) record(ctx context.Context, result *Result, err error) {
	status := models.StatusSuccess
	failed := result.Failed()
	switch {
	case len(failed) == len(e.passes):
		status = models.StatusFailure
	case len(failed) > 0:
		status = models.StatusPartial
	}

	names := make([]string, 0, len(result.Types))
	for name := range result.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		t := result.Types[name]
		if t.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: failed (%v)", name, t.Err))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: fetched=%d upserted=%d pruned=%d shadowed=%d expired=%d",
			name, t.Fetched, t.Upserted, t.Pruned, t.Shadowed, t.Expired))
	}

	ctxFields := map[string]interface{}{"run_id": result.RunID, "changed": result.Changed()}
	if err != nil {
		logging.Error("reconcile: pass finished with errors", err, ctxFields)
	} else {
		logging.Info("reconcile: pass finished", ctxFields)
	}

	if e.audit == nil {
		return
	}
	message := fmt.Sprintf("Synchronized %d changes from the server", result.Changed())
	if status != models.StatusSuccess {
		message = "Some data could not be synchronized: " + strings.Join(failed, ", ")
	}
	if _, aerr := e.audit.Append(context.WithoutCancel(ctx), models.SyncHistoryEntry{
		RunID:     models.UUID(result.RunID),
		Operation: models.OpReconcile,
		Status:    status,
		Message:   message,
		Detail:    strings.Join(parts, "; "),
		Affected:  result.Changed(),
	}); aerr != nil {
		logging.Error("reconcile: audit write failed", aerr)
	}
}

// entityPass is fetch, prune, upsert for a plain cached type.
type entityPass[T any, P cache.Entity[T]] struct {
	entity models.EntityType
	fetch  func(ctx context.Context) ([]T, error)
	store  *cache.Store[T, P]
}

func (p *entityPass[T, P]) name() string                  { return p.store.Name() }
func (p *entityPass[T, P]) entityType() models.EntityType { return p.entity }

func (p *entityPass[T, P]) run(ctx context.Context, shadow map[int64]bool) TypeResult {
	var tr TypeResult
	items, err := p.fetch(ctx)
	if err != nil {
		tr.Err = err
		return tr
	}
	tr.Fetched = len(items)

	server := make(map[int64]bool, len(items))
	for i := range items {
		server[P(&items[i]).Key()] = true
	}
	if tr.Pruned, err = prune(ctx, p.store, server); err != nil {
		tr.Err = err
		return tr
	}

	fresh := make([]T, 0, len(items))
	for _, item := range items {
		if shadow[P(&item).Key()] {
			tr.Shadowed++
			continue
		}
		fresh = append(fresh, item)
	}
	if err := p.store.UpsertAll(ctx, fresh); err != nil {
		tr.Err = err
		return tr
	}
	tr.Upserted = len(fresh)
	return tr
}

type prunable interface {
	TrackedIDs(ctx context.Context) ([]int64, error)
	HardDeleteByIDs(ctx context.Context, ids []int64) (int, error)
}

// prune hard-deletes cached rows, visible or soft-deleted, that are absent
// from the complete server identity set.
func prune(ctx context.Context, store prunable, server map[int64]bool) (int, error) {
	tracked, err := store.TrackedIDs(ctx)
	if err != nil {
		return 0, err
	}
	var orphans []int64
	for _, id := range tracked {
		if !server[id] {
			orphans = append(orphans, id)
		}
	}
	return store.HardDeleteByIDs(ctx, orphans)
}

// documentPass treats the active listing and the trash listing together
// as the server's document set.
type documentPass struct {
	fetch      func(ctx context.Context) ([]models.Document, error)
	fetchTrash func(ctx context.Context) ([]api.TrashedDocument, error)
	store      *cache.DocumentStore
	retention  time.Duration
	now        func() time.Time
}

func (p *documentPass) name() string                  { return p.store.Name() }
func (p *documentPass) entityType() models.EntityType { return models.EntityDocument }

func (p *documentPass) run(ctx context.Context, shadow map[int64]bool) TypeResult {
	var (
		tr     TypeResult
		active []models.Document
		trash  []api.TrashedDocument
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { active, err = p.fetch(gctx); return err })
	g.Go(func() (err error) { trash, err = p.fetchTrash(gctx); return err })
	if err := g.Wait(); err != nil {
		tr.Err = err
		return tr
	}
	tr.Fetched = len(active) + len(trash)

	server := make(map[int64]bool, tr.Fetched)
	for _, d := range active {
		server[d.ID] = true
	}
	for _, d := range trash {
		server[d.ID] = true
	}
	var err error
	if tr.Pruned, err = prune(ctx, p.store, server); err != nil {
		tr.Err = err
		return tr
	}

	now := p.now()
	fresh := make([]models.Document, 0, tr.Fetched)
	for _, d := range active {
		if shadow[d.ID] {
			tr.Shadowed++
			continue
		}
		fresh = append(fresh, d)
	}
	for _, t := range trash {
		if shadow[t.ID] {
			tr.Shadowed++
			continue
		}
		d := t.Cached()
		if d.RetentionExpired(now, p.retention) {
			continue
		}
		fresh = append(fresh, d)
	}
	if err := p.store.UpsertAll(ctx, fresh); err != nil {
		tr.Err = err
		return tr
	}
	tr.Upserted = len(fresh)

	tr.Expired, tr.Err = Sweep(ctx, p.store, now, p.retention)
	return tr
}

// Sweep permanently deletes cached trash whose retention has elapsed.
func Sweep(ctx context.Context, store *cache.DocumentStore, now time.Time, retention time.Duration) (int, error) {
	ids, err := store.ExpiredTrashIDs(ctx, now.Add(-retention))
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	n, err := store.HardDeleteByIDs(ctx, ids)
	if err == nil {
		logging.Info("reconcile: purged expired trash", map[string]interface{}{"count": n})
	}
	return n, err
}
