package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/api"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/api/apitest"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/cache"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/db"
	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

type env struct {
	dir     string
	store   *Store
	tasks   *cache.TaskStore
	history *cache.HistoryStore
	meta    *cache.MetadataStore
}

func setupQueue(t *testing.T) *env {
	t.Helper()
	database, err := db.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	hub := cache.NewHub()
	return &env{
		dir:     t.TempDir(),
		store:   NewStore(database.DB, hub),
		tasks:   cache.NewTaskStore(database.DB, hub),
		history: cache.NewHistoryStore(database.DB, hub),
		meta:    cache.NewMetadataStore(database.DB),
	}
}

// writeImage writes a small solid image in the given format.
func (e *env) writeImage(t *testing.T, name string, format imaging.Format) string {
	t.Helper()
	img := imaging.New(40, 60, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, format))
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func (e *env) enqueue(t *testing.T, up models.PendingUpload) int64 {
	t.Helper()
	id, err := e.store.Enqueue(context.Background(), up)
	require.NoError(t, err)
	return id
}

func (e *env) drainer(uploader Uploader, online func() bool) *Drainer {
	return NewDrainer(DrainerConfig{
		Store:    e.store,
		Uploader: uploader,
		Tasks:    e.tasks,
		Audit:    e.history,
		Meta:     e.meta,
		Online:   online,
	})
}

func newAPI(t *testing.T) (*apitest.Server, *api.Client) {
	t.Helper()
	srv := apitest.New()
	t.Cleanup(srv.Close)
	c, err := api.New(srv.URL, http.DefaultClient, 50)
	require.NoError(t, err)
	return srv, c
}

// =====================================================
// Store Tests
// =====================================================

func TestStore_roundTrip(t *testing.T) {
	e := setupQueue(t)
	docType := int64(4)
	id := e.enqueue(t, models.PendingUpload{
		URI:            "file:///scans/1.jpg",
		AdditionalURIs: []string{"file:///scans/2.jpg"},
		Title:          "Lease",
		TagIDs:         []int64{1, 2},
		DocumentTypeID: &docType,
		CustomFields:   map[int64]string{7: "2024"},
	})

	up, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.UploadPending, up.Status)
	assert.Equal(t, []string{"file:///scans/2.jpg"}, up.AdditionalURIs)
	assert.Equal(t, []int64{1, 2}, up.TagIDs)
	assert.Equal(t, map[int64]string{7: "2024"}, up.CustomFields)
	require.NotNil(t, up.DocumentTypeID)
	assert.Equal(t, docType, *up.DocumentTypeID)
	assert.Nil(t, up.CorrespondentID)
	assert.NotZero(t, up.CreatedAt)

	_, err = e.store.Enqueue(context.Background(), models.PendingUpload{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestStore_EligibleRespectsCeiling(t *testing.T) {
	e := setupQueue(t)
	ctx := context.Background()
	twice := e.enqueue(t, models.PendingUpload{URI: "a", CreatedAt: 1})
	thrice := e.enqueue(t, models.PendingUpload{URI: "b", CreatedAt: 2})
	pending := e.enqueue(t, models.PendingUpload{URI: "c", CreatedAt: 3})

	for i := 0; i < 2; i++ {
		require.NoError(t, e.store.MarkFailed(ctx, twice, "boom"))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, e.store.MarkFailed(ctx, thrice, "boom"))
	}

	eligible, err := e.store.Eligible(ctx, 3)
	require.NoError(t, err)
	var ids []int64
	for _, up := range eligible {
		ids = append(ids, up.ID)
	}
	assert.Equal(t, []int64{twice, pending}, ids)

	n, err := e.store.Requeue(ctx, thrice)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	up, err := e.store.Get(ctx, thrice)
	require.NoError(t, err)
	assert.Equal(t, models.UploadPending, up.Status)
	assert.Zero(t, up.RetryCount)
}

func TestStore_RenewLease(t *testing.T) {
	e := setupQueue(t)
	ctx := context.Background()
	id := e.enqueue(t, models.PendingUpload{URI: "a"})

	assert.Error(t, e.store.RenewLease(ctx, id), "a PENDING row holds no lease")

	base := time.Now()
	e.store.now = func() time.Time { return base }
	require.NoError(t, e.store.MarkUploading(ctx, id))

	e.store.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, e.store.RenewLease(ctx, id))
	n, err := e.store.RecoverStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	up, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.UploadUploading, up.Status)
}

func TestStore_MarkUploadingIsExclusive(t *testing.T) {
	e := setupQueue(t)
	ctx := context.Background()
	id := e.enqueue(t, models.PendingUpload{URI: "a"})

	require.NoError(t, e.store.MarkUploading(ctx, id))
	err := e.store.MarkUploading(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrUploadInFlight)

	n, err := e.store.RecoverStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "a live claim is not recovered")

	e.store.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = e.store.RecoverStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	up, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.UploadFailed, up.Status)
	assert.Equal(t, 1, up.RetryCount)

	require.NoError(t, e.store.MarkCompleted(ctx, id))
	assert.Error(t, e.store.MarkUploading(ctx, id))

	st, err := e.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{models.UploadCompleted: 1}, st)
}

// =====================================================
// Assembler Tests
// =====================================================

func TestAssemble_singleFile(t *testing.T) {
	e := setupQueue(t)
	path := e.writeImage(t, "receipt.png", imaging.PNG)

	p, err := NewAssembler().Assemble(models.PendingUpload{URI: "file://" + path})
	require.NoError(t, err)
	assert.Equal(t, "receipt.png", p.FileName)
	assert.Equal(t, "image/png", p.MIME)
	assert.Equal(t, 1, p.Pages)
}

func TestAssemble_multiPagePDF(t *testing.T) {
	e := setupQueue(t)
	pages := []string{
		e.writeImage(t, "1.jpg", imaging.JPEG),
		e.writeImage(t, "2.png", imaging.PNG),
		e.writeImage(t, "3.tiff", imaging.TIFF),
	}

	p, err := NewAssembler().Assemble(models.PendingUpload{
		URI: pages[0], AdditionalURIs: pages[1:], Title: "Tax/2024",
	})
	require.NoError(t, err)
	assert.Equal(t, "Tax_2024.pdf", p.FileName)
	assert.Equal(t, "application/pdf", p.MIME)
	assert.Equal(t, 3, p.Pages)
	assert.True(t, bytes.HasPrefix(p.Data, []byte("%PDF-")))
	assert.Equal(t, 3, bytes.Count(p.Data, []byte("<</Type /Page\n")))
}

func TestAssemble_contentErrors(t *testing.T) {
	e := setupQueue(t)
	text := filepath.Join(e.dir, "notes.txt")
	require.NoError(t, os.WriteFile(text, []byte("just text"), 0o600))
	empty := filepath.Join(e.dir, "empty.jpg")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	pdf := filepath.Join(e.dir, "doc.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4\n%%EOF"), 0o600))
	img := e.writeImage(t, "page.png", imaging.PNG)

	cases := map[string]models.PendingUpload{
		"missing":     {URI: filepath.Join(e.dir, "nope.jpg")},
		"empty":       {URI: empty},
		"unsupported": {URI: text},
		"pdf as page": {URI: img, AdditionalURIs: []string{pdf}},
	}
	for name, up := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewAssembler().Assemble(up)
			require.Error(t, err)
			assert.Equal(t, apperrors.KindContent, apperrors.KindOf(err))
		})
	}

	a := NewAssembler()
	a.MaxFileSize = 8
	_, err := a.Assemble(models.PendingUpload{URI: img})
	assert.Equal(t, apperrors.KindContent, apperrors.KindOf(err))
}

// =====================================================
// Drain Tests
// =====================================================

func TestDrain_uploadsOldestFirst(t *testing.T) {
	e := setupQueue(t)
	srv, client := newAPI(t)
	ctx := context.Background()

	single := e.writeImage(t, "a.png", imaging.PNG)
	p1, p2 := e.writeImage(t, "p1.jpg", imaging.JPEG), e.writeImage(t, "p2.jpg", imaging.JPEG)
	e.enqueue(t, models.PendingUpload{URI: p1, AdditionalURIs: []string{p2}, Title: "Contract", TagIDs: []int64{3}, CreatedAt: 2})
	e.enqueue(t, models.PendingUpload{URI: single, CreatedAt: 1})

	var progressCalls int32
	d := e.drainer(client, nil)
	d.cfg.OnProgress = func(Progress) { atomic.AddInt32(&progressCalls, 1) }

	res, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	assert.False(t, res.Stopped)
	assert.Positive(t, atomic.LoadInt32(&progressCalls))

	ups := srv.Uploads()
	require.Len(t, ups, 2)
	assert.Equal(t, "a.png", ups[0].FileName)
	assert.Equal(t, "Contract.pdf", ups[1].FileName)
	assert.Equal(t, []string{"3"}, ups[1].Tags)

	left, err := e.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)

	n, err := e.tasks.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := e.meta.Time(ctx, models.MetaLastUploadDrain)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDrain_serverErrorMarksFailed(t *testing.T) {
	e := setupQueue(t)
	srv, client := newAPI(t)
	ctx := context.Background()
	id := e.enqueue(t, models.PendingUpload{URI: e.writeImage(t, "a.png", imaging.PNG)})
	srv.Fail(http.MethodPost, "/api/documents/post_document/", http.StatusInternalServerError)

	res, err := e.drainer(client, nil).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	up, err := e.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.UploadFailed, up.Status)
	assert.Equal(t, 1, up.RetryCount)
	require.NotNil(t, up.ErrorMessage)

	res, err = e.drainer(client, nil).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Len(t, srv.Uploads(), 1)
}

func TestDrain_contentErrorDroppedAndAudited(t *testing.T) {
	e := setupQueue(t)
	_, client := newAPI(t)
	ctx := context.Background()
	e.enqueue(t, models.PendingUpload{URI: filepath.Join(e.dir, "vanished.jpg")})

	res, err := e.drainer(client, nil).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)

	left, err := e.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)

	entries, err := e.history.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OpUpload, entries[0].Operation)
	assert.Equal(t, models.StatusFailure, entries[0].Status)
	assert.Equal(t, apperrors.UserMessage(apperrors.Content("x", nil)), entries[0].Message)
	assert.Contains(t, entries[0].Detail, "vanished.jpg")
}

// fakeUploader scripts UploadDocument.
type fakeUploader struct {
	upload func(ctx context.Context, req api.UploadRequest) (string, error)
	task   *models.Task
}

func (f *fakeUploader) UploadDocument(ctx context.Context, req api.UploadRequest, _ api.ProgressFunc) (string, error) {
	return f.upload(ctx, req)
}

func (f *fakeUploader) TaskByUUID(context.Context, string) (*models.Task, error) {
	if f.task == nil {
		return nil, apperrors.ErrNotFoundSentinel
	}
	return f.task, nil
}

func TestDrain_reportsCreatedDocument(t *testing.T) {
	e := setupQueue(t)
	ctx := context.Background()
	e.enqueue(t, models.PendingUpload{URI: e.writeImage(t, "1.png", imaging.PNG)})

	const taskID = "5f0c3a4e-1b2d-4c3e-9f00-112233445566"
	uploader := &fakeUploader{
		upload: func(context.Context, api.UploadRequest) (string, error) { return taskID, nil },
		task: &models.Task{
			ID: 9, TaskID: taskID, Status: models.TaskSuccess,
			RelatedDocument: json.RawMessage(`"42"`),
		},
	}

	res, err := e.drainer(uploader, nil).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, res.DocumentIDs)

	uploader.task.RelatedDocument = json.RawMessage(`null`)
	e.enqueue(t, models.PendingUpload{URI: e.writeImage(t, "2.png", imaging.PNG)})
	res, err = e.drainer(uploader, nil).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Empty(t, res.DocumentIDs, "a task without a document reports none")
}

func TestDrain_connectivityLostMidDrain(t *testing.T) {
	e := setupQueue(t)
	ctx := context.Background()
	first := e.enqueue(t, models.PendingUpload{URI: e.writeImage(t, "1.png", imaging.PNG), CreatedAt: 1})
	second := e.enqueue(t, models.PendingUpload{URI: e.writeImage(t, "2.png", imaging.PNG), CreatedAt: 2})

	var online atomic.Bool
	online.Store(true)
	calls := 0
	uploader := &fakeUploader{upload: func(context.Context, api.UploadRequest) (string, error) {
		calls++
		online.Store(false)
		return "", apperrors.Network("POST /api/documents/post_document/", apperrors.ErrOffline)
	}}

	res, err := e.drainer(uploader, online.Load).Drain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, 1, calls)

	up, err := e.store.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.UploadFailed, up.Status, "in-flight item must not stay UPLOADING")

	up, err = e.store.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.UploadPending, up.Status)
	assert.Zero(t, up.RetryCount)
}

func TestDrain_cancelledUploadMarkedFailed(t *testing.T) {
	e := setupQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	id := e.enqueue(t, models.PendingUpload{URI: e.writeImage(t, "1.png", imaging.PNG)})

	uploader := &fakeUploader{upload: func(ctx context.Context, _ api.UploadRequest) (string, error) {
		cancel()
		return "", ctx.Err()
	}}

	_, err := e.drainer(uploader, nil).Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	up, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.UploadFailed, up.Status)
}

func TestDrain_singleFlight(t *testing.T) {
	e := setupQueue(t)
	e.enqueue(t, models.PendingUpload{URI: e.writeImage(t, "1.png", imaging.PNG)})

	started, release := make(chan struct{}), make(chan struct{})
	uploader := &fakeUploader{upload: func(context.Context, api.UploadRequest) (string, error) {
		close(started)
		<-release
		return "5f0c3a4e-1b2d-4c3e-9f00-112233445566", nil
	}}
	d := e.drainer(uploader, nil)

	done := make(chan error, 1)
	go func() {
		_, err := d.Drain(context.Background())
		done <- err
	}()
	<-started

	_, err := d.Drain(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrUploadInFlight)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish")
	}
}

func TestDrain_twoDrainersShareQueue(t *testing.T) {
	e := setupQueue(t)
	id := e.enqueue(t, models.PendingUpload{URI: e.writeImage(t, "1.png", imaging.PNG)})

	var calls atomic.Int32
	started, release := make(chan struct{}), make(chan struct{})
	uploader := &fakeUploader{upload: func(context.Context, api.UploadRequest) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return "5f0c3a4e-1b2d-4c3e-9f00-112233445566", nil
	}}
	first, second := e.drainer(uploader, nil), e.drainer(uploader, nil)

	done := make(chan error, 1)
	go func() {
		_, err := first.Drain(context.Background())
		done <- err
	}()
	<-started

	res, err := second.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Uploaded)
	assert.Equal(t, int32(1), calls.Load(), "the claimed row is not uploaded twice")

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish")
	}
	_, err = e.store.Get(context.Background(), id)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}
