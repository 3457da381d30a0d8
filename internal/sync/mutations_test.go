package sync

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/api"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/api/apitest"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/cache"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/db"
	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/outbox"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/uploads"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/transport"
)

type mutationEnv struct {
	srv      *apitest.Server
	online   bool
	nudges   int
	tags     *cache.TagStore
	docs     *cache.DocumentStore
	outbox   *outbox.Store
	uploads  *uploads.Store
	m        *Mutations
	replayer *outbox.Replayer
}

func setupMutations(t *testing.T) *mutationEnv {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	srv := apitest.New()
	t.Cleanup(srv.Close)

	e := &mutationEnv{srv: srv, online: true}
	client, err := api.New(srv.URL, transport.NewHTTPClient(transport.Options{
		Policy: transport.Policy{MaxRetries: 0, InitialDelay: time.Millisecond},
		Online: func() bool { return e.online },
		Base:   http.DefaultTransport,
	}), 50)
	require.NoError(t, err)

	hub := cache.NewHub()
	e.tags = cache.NewTagStore(database.DB, hub)
	e.docs = cache.NewDocumentStore(database.DB, hub)
	e.outbox = outbox.NewStore(database.DB, hub)
	e.uploads = uploads.NewStore(database.DB, hub)
	e.m = NewMutations(client, MutationStores{
		Documents:      e.docs,
		Tags:           e.tags,
		Correspondents: cache.NewCorrespondentStore(database.DB, hub),
		DocumentTypes:  cache.NewDocumentTypeStore(database.DB, hub),
		Outbox:         e.outbox,
		Uploads:        e.uploads,
	})
	e.m.OnQueued = func() { e.nudges++ }

	e.replayer = outbox.NewReplayer(e.outbox, nil, outbox.DefaultMaxAttempts)
	e.replayer.Register(models.EntityTag, outbox.ResourceApplier[models.Tag]{Remote: client.Tags, Cache: e.tags})
	e.replayer.Register(models.EntityDocument, outbox.DocumentApplier{API: client, Cache: e.docs})
	e.replayer.Register(models.EntityTrash, outbox.TrashApplier{API: client, Cache: e.docs})
	return e
}

func (e *mutationEnv) pending(t *testing.T) []models.PendingChange {
	t.Helper()
	all, err := e.outbox.All(context.Background())
	require.NoError(t, err)
	return all
}

// =====================================================
// Create Tests
// =====================================================

func TestCreate_online(t *testing.T) {
	e := setupMutations(t)
	ctx := context.Background()

	tag, outcome, err := e.m.Tags.Create(ctx, map[string]any{"name": "Receipts"})
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	require.NotNil(t, tag)

	cached, err := e.tags.Get(ctx, tag.ID)
	require.NoError(t, err)
	assert.Equal(t, "Receipts", cached.Name)
	assert.Empty(t, e.pending(t))
	assert.Zero(t, e.nudges)
}

func TestCreate_offlineIsQueued(t *testing.T) {
	e := setupMutations(t)
	ctx := context.Background()
	e.online = false

	tag, outcome, err := e.m.Tags.Create(ctx, map[string]any{"name": "Receipts"})
	require.NoError(t, err)
	assert.Equal(t, Queued, outcome)
	assert.Nil(t, tag)
	assert.Equal(t, 1, e.nudges)

	pending := e.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ChangeCreate, pending[0].ChangeType)
	assert.Nil(t, pending[0].EntityID)
	assert.JSONEq(t, `{"name":"Receipts"}`, string(pending[0].ChangeData))
	assert.Empty(t, e.srv.Calls(), "offline writes never touch the network")

	e.online = true
	res, err := e.replayer.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	n, err := e.tags.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreate_permanentFailureNotQueued(t *testing.T) {
	e := setupMutations(t)

	_, _, err := e.m.Tags.Create(context.Background(), map[string]any{"name": ""})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindClient, apperrors.KindOf(err))
	assert.Empty(t, e.pending(t))
}

func TestCreate_serverErrorIsQueued(t *testing.T) {
	e := setupMutations(t)
	e.srv.Fail(http.MethodPost, "/api/tags/", http.StatusServiceUnavailable)

	_, outcome, err := e.m.Tags.Create(context.Background(), map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, Queued, outcome)
	assert.Len(t, e.pending(t), 1)
}

// =====================================================
// Update and Delete Tests
// =====================================================

func TestUpdate_offlinePatchesCache(t *testing.T) {
	e := setupMutations(t)
	ctx := context.Background()
	id := e.srv.AddTag("Old")
	require.NoError(t, e.tags.Upsert(ctx, models.Tag{ID: id, Name: "Old", Color: "#ff0000"}))
	before, err := e.tags.Get(ctx, id)
	require.NoError(t, err)
	e.online = false
	time.Sleep(5 * time.Millisecond)

	outcome, err := e.m.Tags.Update(ctx, id, map[string]any{"name": "New"})
	require.NoError(t, err)
	assert.Equal(t, Queued, outcome)

	tag, err := e.tags.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "New", tag.Name)
	assert.Equal(t, "#ff0000", tag.Color, "unpatched fields survive")
	assert.Equal(t, before.LastSyncedAt, tag.LastSyncedAt, "a local edit is not a sync")
}

func TestUpdate_queuesBehindPendingChange(t *testing.T) {
	e := setupMutations(t)
	ctx := context.Background()
	id := e.srv.AddTag("Old")
	require.NoError(t, e.tags.Upsert(ctx, models.Tag{ID: id, Name: "Old"}))

	e.online = false
	_, err := e.m.Tags.Update(ctx, id, map[string]any{"name": "First"})
	require.NoError(t, err)

	e.online = true
	outcome, err := e.m.Tags.Update(ctx, id, map[string]any{"name": "Second"})
	require.NoError(t, err)
	assert.Equal(t, Queued, outcome, "must not overtake the queued edit")
	assert.Zero(t, e.srv.CallCount(http.MethodPatch, fmt.Sprintf("/api/tags/%d/", id)))

	_, err = e.replayer.Replay(ctx)
	require.NoError(t, err)
	var server models.Tag
	require.True(t, e.srv.Get(apitest.Tags, id, &server))
	assert.Equal(t, "Second", server.Name)
}

func TestDelete_onlineRemovesFromCache(t *testing.T) {
	e := setupMutations(t)
	ctx := context.Background()
	id := e.srv.AddTag("gone")
	require.NoError(t, e.tags.Upsert(ctx, models.Tag{ID: id, Name: "gone"}))

	outcome, err := e.m.Tags.Delete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)

	tracked, err := e.tags.TrackedIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, tracked)
	assert.Empty(t, e.srv.IDs(apitest.Tags))
}

func TestDelete_offlineSoftDeletes(t *testing.T) {
	e := setupMutations(t)
	ctx := context.Background()
	id := e.srv.AddTag("gone")
	require.NoError(t, e.tags.Upsert(ctx, models.Tag{ID: id, Name: "gone"}))
	e.online = false

	outcome, err := e.m.Tags.Delete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Queued, outcome)

	_, err = e.tags.Get(ctx, id)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "hidden from reads at once")
	tracked, err := e.tags.TrackedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, tracked)

	e.online = true
	_, err = e.replayer.Replay(ctx)
	require.NoError(t, err)
	assert.Empty(t, e.srv.IDs(apitest.Tags))
}

// =====================================================
// Trash Tests
// =====================================================

func TestTrashAndRestore_online(t *testing.T) {
	e := setupMutations(t)
	ctx := context.Background()
	id := e.srv.AddDocument("Lease")
	require.NoError(t, e.docs.Upsert(ctx, models.Document{ID: id, Title: "Lease", Tags: []int64{}}))

	outcome, err := e.m.TrashDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, []int64{id}, e.srv.TrashIDs())

	trash, err := e.docs.Trash(ctx)
	require.NoError(t, err)
	require.Len(t, trash, 1)

	outcome, err = e.m.RestoreDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Empty(t, e.srv.TrashIDs())
	_, err = e.docs.Get(ctx, id)
	assert.NoError(t, err)
}

func TestTrashAndRestore_offline(t *testing.T) {
	e := setupMutations(t)
	ctx := context.Background()
	id := e.srv.AddDocument("Lease")
	require.NoError(t, e.docs.Upsert(ctx, models.Document{ID: id, Title: "Lease", Tags: []int64{}}))
	e.online = false

	_, err := e.m.TrashDocument(ctx, id)
	require.NoError(t, err)
	outcome, err := e.m.RestoreDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Queued, outcome)

	pending := e.pending(t)
	require.Len(t, pending, 2)
	assert.Equal(t, models.ChangeDelete, pending[0].ChangeType)
	assert.Equal(t, models.ChangeRestore, pending[1].ChangeType)
	assert.Equal(t, 2, e.nudges)

	e.online = true
	res, err := e.replayer.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, []int64{id}, e.srv.IDs(apitest.Documents))
}

func TestEmptyTrash_offline(t *testing.T) {
	e := setupMutations(t)
	ctx := context.Background()
	a := e.srv.AddDocument("a")
	b := e.srv.AddDocument("b")
	e.srv.TrashDocument(a, time.Now())
	e.srv.TrashDocument(b, time.Now())
	require.NoError(t, e.docs.UpsertAll(ctx, []models.Document{{ID: a, Tags: []int64{}}, {ID: b, Tags: []int64{}}}))
	require.NoError(t, e.docs.MarkTrashed(ctx, a, time.Now()))
	require.NoError(t, e.docs.MarkTrashed(ctx, b, time.Now()))
	e.online = false

	outcome, err := e.m.EmptyTrash(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, Queued, outcome)

	n, err := e.docs.TrashCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.online = true
	_, err = e.replayer.Replay(ctx)
	require.NoError(t, err)
	assert.Empty(t, e.srv.TrashIDs())
}

func TestEmptyTrash_offlineKeepsActiveDocuments(t *testing.T) {
	e := setupMutations(t)
	ctx := context.Background()
	active := e.srv.AddDocument("active")
	trashed := e.srv.AddDocument("trashed")
	e.srv.TrashDocument(trashed, time.Now())
	require.NoError(t, e.docs.UpsertAll(ctx, []models.Document{{ID: active, Tags: []int64{}}, {ID: trashed, Tags: []int64{}}}))
	require.NoError(t, e.docs.MarkTrashed(ctx, trashed, time.Now()))
	e.online = false

	outcome, err := e.m.EmptyTrash(ctx, []int64{active, trashed})
	require.NoError(t, err)
	assert.Equal(t, Queued, outcome)

	doc, err := e.docs.GetAny(ctx, active)
	require.NoError(t, err, "a document outside the trash survives")
	assert.Equal(t, active, doc.ID)
	_, err = e.docs.GetAny(ctx, trashed)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// =====================================================
// Upload Tests
// =====================================================

func TestQueueUpload(t *testing.T) {
	e := setupMutations(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "scan.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n"), 0o600))

	id, err := e.m.QueueUpload(ctx, models.PendingUpload{URI: path, Title: "Scan"})
	require.NoError(t, err)
	assert.Equal(t, 1, e.nudges)

	up, err := e.uploads.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.UploadPending, up.Status)
	assert.Empty(t, e.srv.Uploads(), "uploads never bypass the queue")
}
