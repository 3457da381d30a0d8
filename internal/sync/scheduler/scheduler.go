// Package scheduler decides when uploads are drained and full syncs run.
// All work goes through one worker consuming a coalescing task queue, so a
// burst of triggers never starts parallel or duplicate runs.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
	syncpkg "github.com/napoleonmm83/paperless-scanner-sub008/internal/sync"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/connectivity"
)

// TaskKind is a unit of scheduled work.
type TaskKind string

const (
	TaskDrainUploads TaskKind = "drain_uploads"
	TaskFullSync     TaskKind = "full_sync"
)

// Connectivity is the monitor the scheduler reacts to.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan connectivity.Event, func())
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	FullSyncInterval time.Duration // Maximum age of the last full sync (default: 6 hours)
	CheckInterval    time.Duration // How often that age is checked (default: 1 minute)
	TaskTimeout      time.Duration // Upper bound for one task (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		FullSyncInterval: 6 * time.Hour,
		CheckInterval:    1 * time.Minute,
		TaskTimeout:      5 * time.Minute,
	}
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine syncpkg.SyncEngineInterface
	conn   Connectivity
	config SchedulerConfig
	now    func() time.Time

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	isRunning bool
	queue     []TaskKind
	queued    map[TaskKind]bool
	current   TaskKind
	waiters   map[TaskKind][]chan error
	lastRun   map[TaskKind]time.Time
	lastErr   map[TaskKind]error
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, conn Connectivity, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.FullSyncInterval <= 0 {
		cfg.FullSyncInterval = defaults.FullSyncInterval
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaults.TaskTimeout
	}

	return &Scheduler{
		engine:  engine,
		conn:    conn,
		config:  cfg,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		queued:  make(map[TaskKind]bool),
		waiters: make(map[TaskKind][]chan error),
		lastRun: make(map[TaskKind]time.Time),
		lastErr: make(map[TaskKind]error),
	}
}

// Start starts the worker and the trigger loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	events, unsubscribe := s.conn.Subscribe()
	// The monitor may have gone online before we subscribed. An edge that
	// lands after Subscribe repeats this state and is skipped by the loop.
	online := s.conn.Online()

	s.wg.Add(2)
	go s.worker(ctx)
	go s.triggerLoop(ctx, events, unsubscribe, online)

	if online {
		s.onOnline()
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"full_sync_interval": s.config.FullSyncInterval.String(),
	})
}

// Stop stops the scheduler and waits for the running task to finish.
// Tasks still queued are dropped; their waiters receive context.Canceled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for _, kind := range s.queue {
		s.finish(kind, context.Canceled)
	}
	s.queue = nil
	s.queued = make(map[TaskKind]bool)
	s.mu.Unlock()

	logging.Info("Background sync scheduler stopped", nil)
}

// triggerLoop turns connectivity edges and the periodic check into tasks.
// online is the state already acted on; events repeating it are ignored.
func (s *Scheduler) triggerLoop(ctx context.Context, events <-chan connectivity.Event, unsubscribe func(), online bool) {
	defer s.wg.Done()
	defer unsubscribe()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Online == online {
				continue
			}
			online = ev.Online
			if ev.Online {
				s.onOnline()
			} else {
				logging.Info("Offline, background sync paused", nil)
			}
		case <-ticker.C:
			s.periodicCheck()
		}
	}
}

// onOnline handles an offline to online edge: queued documents first, then
// a full sync.
func (s *Scheduler) onOnline() {
	s.enqueue(TaskDrainUploads)
	s.enqueue(TaskFullSync)
}

func (s *Scheduler) periodicCheck() {
	if !s.conn.Online() {
		return
	}
	if last := s.engine.LastSync(); last != nil && s.now().Sub(*last) < s.config.FullSyncInterval {
		return
	}
	logging.Debug("Full sync is due", nil)
	s.enqueue(TaskFullSync)
}

// enqueue adds kind unless it is already waiting. It reports whether a new
// task was queued.
func (s *Scheduler) enqueue(kind TaskKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(kind)
}

func (s *Scheduler) enqueueLocked(kind TaskKind) bool {
	if s.queued[kind] {
		return false
	}
	s.queued[kind] = true
	s.queue = append(s.queue, kind)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// next pops the oldest task together with its waiters. Waiters registered
// later wait for the next run of that kind.
func (s *Scheduler) next() (TaskKind, []chan error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", nil, false
	}
	kind := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, kind)
	s.current = kind
	waiters := s.waiters[kind]
	delete(s.waiters, kind)
	return kind, waiters, true
}

// finish releases the waiters of kind. Callers hold s.mu.
func (s *Scheduler) finish(kind TaskKind, err error) {
	for _, ch := range s.waiters[kind] {
		ch <- err
	}
	delete(s.waiters, kind)
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
		}

		for {
			kind, waiters, ok := s.next()
			if !ok {
				break
			}

			err := s.run(ctx, kind)

			s.mu.Lock()
			s.current = ""
			s.lastRun[kind] = s.now()
			s.lastErr[kind] = err
			s.mu.Unlock()
			for _, ch := range waiters {
				ch <- err
			}

			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context, kind TaskKind) error {
	if !s.conn.Online() {
		logging.Debug("Skipping task - offline", map[string]interface{}{"task": kind})
		return apperrors.ErrOffline
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
	defer cancel()

	switch kind {
	case TaskDrainUploads:
		result, err := s.engine.DrainUploads(ctx)
		if errors.Is(err, apperrors.ErrUploadInFlight) {
			return nil
		}
		if err != nil {
			logging.ErrorWithCode("Upload drain failed", string(apperrors.ErrUploadFailed), err)
			return err
		}
		logging.Info("Upload drain completed", map[string]interface{}{
			"uploaded": result.Uploaded, "failed": result.Failed, "dropped": result.Dropped,
		})
		return nil

	case TaskFullSync:
		result, err := s.engine.Sync(ctx)
		if errors.Is(err, syncpkg.ErrSyncInProgress) {
			return nil
		}
		if err != nil {
			logging.ErrorWithCode("Full sync failed", string(apperrors.ErrSyncFailed), err)
			return err
		}
		logging.Info("Full sync completed", map[string]interface{}{
			"replayed":   result.Replayed(),
			"reconciled": result.Reconciled(),
		})
		return nil
	}
	return apperrors.New(apperrors.ErrInvalid, "unknown task "+string(kind))
}

// TriggerSync queues a full sync. Returns false if one is already queued.
func (s *Scheduler) TriggerSync() bool {
	return s.enqueue(TaskFullSync)
}

// TriggerDrain queues an upload drain. Returns false if one is already
// queued.
func (s *Scheduler) TriggerDrain() bool {
	return s.enqueue(TaskDrainUploads)
}

// SyncNow queues a full sync, joining one already queued, and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	return s.runAndWait(ctx, TaskFullSync)
}

// DrainNow queues an upload drain and waits for it.
func (s *Scheduler) DrainNow(ctx context.Context) error {
	return s.runAndWait(ctx, TaskDrainUploads)
}

func (s *Scheduler) runAndWait(ctx context.Context, kind TaskKind) error {
	done := make(chan error, 1)
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrSyncFailed, "scheduler is not running")
	}
	s.waiters[kind] = append(s.waiters[kind], done)
	s.enqueueLocked(kind)
	s.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	Current        TaskKind
	Queued         []TaskKind
	LastSyncTime   *time.Time
	LastDrainTime  *time.Time
	LastSyncError  error
	PendingChanges int
	EngineStatus   syncpkg.SyncStatus
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.Lock()
	status := SchedulerStatus{
		IsRunning:     s.isRunning,
		Current:       s.current,
		Queued:        append([]TaskKind(nil), s.queue...),
		LastSyncError: s.lastErr[TaskFullSync],
	}
	if t, ok := s.lastRun[TaskDrainUploads]; ok {
		status.LastDrainTime = &t
	}
	s.mu.Unlock()

	status.IsOnline = s.conn.Online()
	status.LastSyncTime = s.engine.LastSync()
	status.PendingChanges = s.engine.PendingChanges()
	status.EngineStatus = s.engine.Status()
	return status
}

// IsOnline returns whether the device has validated connectivity.
func (s *Scheduler) IsOnline() bool {
	return s.conn.Online()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
