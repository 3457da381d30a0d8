package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

type recorder struct {
	mu   sync.Mutex
	ups  []models.PendingUpload
	fail bool
}

func (r *recorder) QueueUpload(_ context.Context, up models.PendingUpload) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return 0, errors.New("disk full")
	}
	r.ups = append(r.ups, up)
	return int64(len(r.ups)), nil
}

func (r *recorder) uploads() []models.PendingUpload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PendingUpload(nil), r.ups...)
}

var pdf = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

func startWatcher(t *testing.T, dir string, rec *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWatcher(dir, rec, 20*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, QueuedDir))
		return err == nil
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
}

func TestWatcher_queuesNewFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, rec)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Tax 2024.pdf"), pdf, 0o600))

	require.Eventually(t, func() bool { return len(rec.uploads()) == 1 }, 2*time.Second, 5*time.Millisecond)
	up := rec.uploads()[0]
	assert.Equal(t, "Tax 2024", up.Title)
	assert.Equal(t, filepath.Join(dir, QueuedDir, "Tax 2024.pdf"), up.URI)

	_, err := os.Stat(filepath.Join(dir, "Tax 2024.pdf"))
	assert.True(t, os.IsNotExist(err), "queued files leave the inbox")
}

func TestWatcher_picksUpExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.pdf"), pdf, 0o600))
	rec := &recorder{}
	startWatcher(t, dir, rec)

	require.Eventually(t, func() bool { return len(rec.uploads()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWatcher_ignoresUnsupportedAndHidden(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, rec)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial.pdf"), pdf, 0o600))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, rec.uploads())
	_, err := os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err)
}

func TestWatcher_debouncesWrites(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, rec)

	path := filepath.Join(dir, "growing.pdf")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.Write(pdf)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(rec.uploads()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.uploads(), 1)
}

func TestWatcher_queueFailureLeavesFile(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{fail: true}
	startWatcher(t, dir, rec)

	path := filepath.Join(dir, "scan.pdf")
	require.NoError(t, os.WriteFile(path, pdf, 0o600))

	time.Sleep(150 * time.Millisecond)
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
