package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/api/apitest"
	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/transport"
)

func setupServer(t *testing.T, pageSize int) (*apitest.Server, *Client) {
	t.Helper()
	srv := apitest.New()
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", http.DefaultClient, pageSize)
	require.NoError(t, err)
	return srv, c
}

// =====================================================
// Listing Tests
// =====================================================

func TestListAll_shortListingIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count": 5, "next": null, "results": [{"id": 1, "name": "a"}, {"id": 2, "name": "b"}]}`))
	}))
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, http.DefaultClient, 10)
	require.NoError(t, err)

	_, err = c.Tags.ListAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindParse, apperrors.KindOf(err))
}

func TestListAll_followsPages(t *testing.T) {
	srv, c := setupServer(t, 3)
	for i := 0; i < 7; i++ {
		srv.AddTag("tag")
	}

	tags, err := c.Tags.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, tags, 7)
	assert.Equal(t, 3, srv.CallCount(http.MethodGet, "/api/tags/"))
}

func TestListAll_emptyCollection(t *testing.T) {
	_, c := setupServer(t, 10)

	docs, err := c.Documents.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestTasks_bareArray(t *testing.T) {
	srv, c := setupServer(t, 10)
	taskID, err := c.UploadDocument(context.Background(), UploadRequest{
		FileName: "a.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4"),
	}, nil)
	require.NoError(t, err)

	tasks, err := c.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	task, err := c.TaskByUUID(context.Background(), taskID)
	require.NoError(t, err)
	assert.True(t, task.Done())
	docID, ok := task.RelatedDocumentID()
	require.True(t, ok)
	assert.Equal(t, srv.Uploads()[0].DocumentID, docID)

	_, err = c.TaskByUUID(context.Background(), "00000000-0000-4000-8000-000000000000")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// =====================================================
// Status Mapping Tests
// =====================================================

func TestStatusMapping(t *testing.T) {
	srv, c := setupServer(t, 10)
	ctx := context.Background()

	_, err := c.Tags.Get(ctx, 999)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.Equal(t, apperrors.KindClient, apperrors.KindOf(err))
	assert.False(t, apperrors.Retryable(err))

	srv.Fail(http.MethodGet, "/api/tags/", http.StatusBadGateway)
	_, err = c.Tags.ListAll(ctx)
	assert.Equal(t, apperrors.KindServer, apperrors.KindOf(err))
	assert.True(t, apperrors.Retryable(err))
	assert.Equal(t, http.StatusBadGateway, apperrors.StatusOf(err))

	_, err = c.Tags.Create(ctx, map[string]string{})
	assert.True(t, apperrors.Is(err, apperrors.ErrClient))
	assert.Contains(t, err.Error(), "This field is required")
}

func TestNetworkFailure(t *testing.T) {
	srv, c := setupServer(t, 10)
	srv.Close()

	_, err := c.Tags.ListAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNetwork, apperrors.KindOf(err))
}

func TestCustomFields_featureDetection(t *testing.T) {
	srv, c := setupServer(t, 10)

	_, err := c.CustomFields(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrFeatureUnavailable))

	srv.CustomFields = true
	fields, err := c.CustomFields(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestNew_invalidURL(t *testing.T) {
	_, err := New("paperless.local", nil, 0)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// =====================================================
// Auth Tests
// =====================================================

func TestLogin(t *testing.T) {
	_, c := setupServer(t, 10)

	token, err := c.Login(context.Background(), "admin", "secret")
	require.NoError(t, err)
	assert.Equal(t, "test-token", token)

	_, err = c.Login(context.Background(), "admin", "wrong")
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthFailed))
}

type memMeta map[string]string

func (m memMeta) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func TestStoredToken_authorizesRequests(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)
	srv.RequireToken = true
	srv.AddTag("Inbox")

	meta := memMeta{}
	u, _ := url.Parse(srv.URL)
	httpClient := transport.NewHTTPClient(transport.Options{
		Policy: transport.Policy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Host:   u.Host,
		Tokens: StoredToken{Meta: meta},
		Base:   http.DefaultTransport,
	})
	c, err := New(srv.URL, httpClient, 10)
	require.NoError(t, err)

	_, err = c.Tags.ListAll(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthFailed))

	meta[models.MetaAuthToken] = "test-token"
	tags, err := c.Tags.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, tags, 1)
}

// =====================================================
// Upload Tests
// =====================================================

func TestUploadDocument(t *testing.T) {
	srv, c := setupServer(t, 10)
	docType, corr := int64(3), int64(9)

	var lastSent, total int64
	taskID, err := c.UploadDocument(context.Background(), UploadRequest{
		FileName:        "scan.pdf",
		ContentType:     "application/pdf",
		Content:         []byte("%PDF-1.4 test"),
		Title:           "Invoice",
		TagIDs:          []int64{1, 2},
		DocumentTypeID:  &docType,
		CorrespondentID: &corr,
		CustomFields:    map[int64]string{5: "42"},
	}, func(sent, all int64) {
		lastSent, total = sent, all
	})
	require.NoError(t, err)

	assert.False(t, strings.Contains(taskID, `"`), "quotes must be stripped")
	assert.Positive(t, total)
	assert.Equal(t, total, lastSent)

	ups := srv.Uploads()
	require.Len(t, ups, 1)
	up := ups[0]
	assert.Equal(t, taskID, up.TaskID)
	assert.Equal(t, "scan.pdf", up.FileName)
	assert.Equal(t, "application/pdf", up.ContentType)
	assert.Equal(t, "Invoice", up.Title)
	assert.Equal(t, []string{"1", "2"}, up.Tags)
	assert.Equal(t, "3", up.DocumentType)
	assert.Equal(t, "9", up.Correspondent)
	assert.JSONEq(t, `{"5":"42"}`, up.CustomFields)
}

func TestUploadDocument_bareTaskID(t *testing.T) {
	srv, c := setupServer(t, 10)
	srv.QuoteTaskID = false

	taskID, err := c.UploadDocument(context.Background(), UploadRequest{FileName: "a.png", Content: []byte{1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, srv.Uploads()[0].TaskID, taskID)
}

func TestUploadDocument_replayedAfterServerError(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)
	srv.Fail(http.MethodPost, "/api/documents/post_document/", http.StatusServiceUnavailable)

	httpClient := transport.NewHTTPClient(transport.Options{
		Policy: transport.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Base:   http.DefaultTransport,
	})
	c, err := New(srv.URL, httpClient, 10)
	require.NoError(t, err)

	_, err = c.UploadDocument(context.Background(), UploadRequest{FileName: "a.pdf", Content: []byte("%PDF-1.4 body")}, nil)
	require.NoError(t, err)

	ups := srv.Uploads()
	require.Len(t, ups, 1)
	assert.Equal(t, "%PDF-1.4 body", string(ups[0].Data))
	assert.Equal(t, 2, srv.CallCount(http.MethodPost, "/api/documents/post_document/"))
}

// =====================================================
// Trash Tests
// =====================================================

func TestTrash(t *testing.T) {
	srv, c := setupServer(t, 10)
	ctx := context.Background()
	a, b := srv.AddDocument("a"), srv.AddDocument("b")
	deletedAt := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	srv.TrashDocument(a, deletedAt)
	srv.TrashDocument(b, deletedAt)

	trash, err := c.ListTrash(ctx)
	require.NoError(t, err)
	require.Len(t, trash, 2)
	cached := trash[0].Cached()
	assert.True(t, cached.IsDeleted)
	require.NotNil(t, cached.DeletedAt)
	assert.Equal(t, deletedAt.UnixMilli(), *cached.DeletedAt)

	require.NoError(t, c.TrashAction(ctx, []int64{a}, TrashRestore))
	assert.Equal(t, []int64{a}, srv.IDs(apitest.Documents))

	require.NoError(t, c.TrashAction(ctx, nil, TrashEmpty))
	assert.Empty(t, srv.TrashIDs())

	err = c.TrashAction(ctx, []int64{a}, "shred")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
