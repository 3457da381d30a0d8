// Package inbox watches a directory for scans dropped by other tools and
// queues them for upload.
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/uploads"
)

// QueuedDir is the subdirectory files move into once queued, so a restart
// does not queue them twice.
const QueuedDir = "queued"

// DefaultDebounce is how long a file must stay unchanged before it is
// picked up.
const DefaultDebounce = 2 * time.Second

// Enqueuer records an upload.
type Enqueuer interface {
	QueueUpload(ctx context.Context, up models.PendingUpload) (int64, error)
}

// Watcher moves finished files from the inbox into the upload queue.
type Watcher struct {
	dir      string
	debounce time.Duration
	queue    Enqueuer

	mu     sync.Mutex
	timers map[string]*time.Timer
	ready  chan string
	done   chan struct{}
	// failed files are left for the next start.
	failed map[string]bool
}

// NewWatcher creates a watcher over dir.
func NewWatcher(dir string, queue Enqueuer, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		queue:    queue,
		timers:   make(map[string]*time.Timer),
		failed:   make(map[string]bool),
		ready:    make(chan string, 64),
	}
}

// Run watches until ctx is done. Files already present are queued first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, QueuedDir), 0o755); err != nil {
		return fmt.Errorf("failed to prepare inbox %s: %w", w.dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", w.dir, err)
	}
	w.mu.Lock()
	w.done = make(chan struct{})
	w.mu.Unlock()
	defer w.stopTimers()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(w.dir, e.Name()))
		}
	}

	logging.Info("inbox: watching", map[string]interface{}{"dir": w.dir})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(event.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logging.Error("inbox: watch error", err)

		case path := <-w.ready:
			w.process(ctx, path)
		}
	}
}

// schedule (re)starts the quiet-period timer for path.
func (w *Watcher) schedule(path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed[path] {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	done := w.done
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-done:
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.done)
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	fields := map[string]interface{}{"file": filepath.Base(path)}

	ok, err := uploads.Uploadable(path)
	if err != nil {
		logging.Error("inbox: cannot read file", err, fields)
		return
	}
	if !ok {
		logging.Warn("inbox: ignoring unsupported file", fields)
		return
	}

	target := filepath.Join(w.dir, QueuedDir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		logging.Error("inbox: cannot move file", err, fields)
		return
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	id, err := w.queue.QueueUpload(ctx, models.PendingUpload{URI: target, Title: title})
	if err != nil {
		logging.Error("inbox: queueing failed", err, fields)
		// Put it back so the next start retries.
		w.mu.Lock()
		w.failed[path] = true
		w.mu.Unlock()
		_ = os.Rename(target, path)
		return
	}
	fields["upload_id"] = id
	logging.Info("inbox: file queued", fields)
}
