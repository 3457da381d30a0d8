package app

import (
	"bytes"
	"context"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/api/apitest"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/config"
	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
	syncpkg "github.com/napoleonmm83/paperless-scanner-sub008/internal/sync"
)

func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.URL = serverURL
	cfg.Server.PageSize = 2
	cfg.Storage.DataDir = t.TempDir()
	cfg.Transport.MaxRetries = 1
	cfg.Transport.InitialDelay = time.Millisecond
	cfg.Transport.MaxDelay = 2 * time.Millisecond
	cfg.Sync.ProbeInterval = 20 * time.Millisecond
	return cfg
}

func openApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := Open(context.Background(), cfg, Options{
		Logger: logging.New(logging.Options{Level: logging.LevelError, Out: io.Discard}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func writePage(t *testing.T, dir, name string) string {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(30, 40, color.NRGBA{R: 20, G: 120, B: 200, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestOpen_invalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()

	_, err := Open(context.Background(), cfg, Options{})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestLogin_storesToken(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)
	srv.RequireToken = true
	srv.AddTag("Inbox")

	a := openApp(t, testConfig(t, srv.URL))
	ctx := context.Background()

	require.Error(t, a.Login(ctx, "admin", "wrong"))
	require.NoError(t, a.Login(ctx, "admin", "secret"))

	token, ok, err := a.Metadata.Get(ctx, models.MetaAuthToken)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "test-token", token)

	// Later calls carry the stored token.
	_, result, err := a.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Reconcile.Failed())

	n, err := a.Tags.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncOnce_unreachable(t *testing.T) {
	srv := apitest.New()
	url := srv.URL
	srv.Close()

	a := openApp(t, testConfig(t, url))
	_, _, err := a.SyncOnce(context.Background())
	require.Error(t, err)
	assert.False(t, a.Monitor.Online())
}

// An offline tag delete and a two-page scan are replayed when the server
// becomes reachable; reconciliation then agrees with the server.
func TestOfflineRoundTrip(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)
	tagID := srv.AddTag("Obsolete")
	keep := srv.AddTag("Keep")
	srv.AddDocument("Existing", keep)

	a := openApp(t, testConfig(t, srv.URL))
	ctx := context.Background()

	_, _, err := a.SyncOnce(ctx)
	require.NoError(t, err)
	_, err = a.Tags.Get(ctx, tagID)
	require.NoError(t, err)

	// Offline edits.
	a.Monitor.Report(false)

	outcome, err := a.Mutations.Tags.Delete(ctx, tagID)
	require.NoError(t, err)
	assert.Equal(t, syncpkg.Queued, outcome)

	dir := t.TempDir()
	_, err = a.Mutations.QueueUpload(ctx, models.PendingUpload{
		URI:            writePage(t, dir, "page-1.png"),
		AdditionalURIs: []string{writePage(t, dir, "page-2.png")},
		Title:          "Scan",
	})
	require.NoError(t, err)

	pending, err := a.Outbox.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Empty(t, srv.Uploads(), "nothing reaches the server while offline")

	// Back online.
	drained, result, err := a.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained.Uploaded)
	assert.Equal(t, 1, result.Replayed())

	require.Len(t, srv.Uploads(), 1)
	up := srv.Uploads()[0]
	assert.Equal(t, "Scan", up.Title)
	assert.Equal(t, "application/pdf", up.ContentType)
	assert.NotContains(t, srv.IDs(apitest.Tags), tagID)

	_, err = a.Tags.Get(ctx, tagID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	docs, err := a.Documents.List(ctx, 0, 0)
	require.NoError(t, err)
	titles := make([]string, 0, len(docs))
	for _, d := range docs {
		titles = append(titles, d.Title)
	}
	assert.ElementsMatch(t, []string{"Existing", "Scan"}, titles)

	pending, err = a.Outbox.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	last, ok, err := a.Metadata.LastFullSync(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), last, time.Minute)

	history, err := a.History.List(ctx, 0)
	require.NoError(t, err)
	ops := map[models.HistoryOperation]bool{}
	for _, e := range history {
		ops[e.Operation] = true
	}
	assert.True(t, ops[models.OpSync])
	assert.True(t, ops[models.OpReconcile])
}

func TestRun_syncsOnConnect(t *testing.T) {
	srv := apitest.New()
	t.Cleanup(srv.Close)
	srv.AddTag("Inbox")

	cfg := testConfig(t, srv.URL)
	cfg.Sync.InboxDir = t.TempDir()
	a := openApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, ok, err := a.Metadata.LastFullSync(context.Background())
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)

	writePage(t, cfg.Sync.InboxDir, "letter.png")
	assert.Eventually(t, func() bool { return len(srv.Uploads()) == 1 }, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
