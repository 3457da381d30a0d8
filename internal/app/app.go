// Package app wires the synchronization core from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/api"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/cache"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/config"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/db"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
	syncpkg "github.com/napoleonmm83/paperless-scanner-sub008/internal/sync"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/connectivity"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/inbox"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/outbox"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/reconcile"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/scheduler"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/uploads"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/transport"
)

// HistoryKeep bounds the audit log.
const HistoryKeep = 1000

// App holds every component of a running instance.
type App struct {
	Config *config.Config
	Logger *logging.Logger
	DB     *db.DB
	Hub    *cache.Hub

	Documents      *cache.DocumentStore
	Tags           *cache.TagStore
	Correspondents *cache.CorrespondentStore
	DocumentTypes  *cache.DocumentTypeStore
	Tasks          *cache.TaskStore
	Metadata       *cache.MetadataStore
	History        *cache.HistoryStore
	Outbox         *outbox.Store
	Uploads        *uploads.Store

	Client     *api.Client
	Monitor    *connectivity.Monitor
	Replayer   *outbox.Replayer
	Reconciler *reconcile.Engine
	Drainer    *uploads.Drainer
	Engine     *syncpkg.SyncEngine
	Mutations  *syncpkg.Mutations
	Scheduler  *scheduler.Scheduler
}

// Options adjusts Open for embedding and tests.
type Options struct {
	// Base replaces the network transport of API calls and probes.
	Base http.RoundTripper
	// Logger replaces the logger built from the config.
	Logger *logging.Logger
}

// Open builds the application. The caller must Close it.
func Open(ctx context.Context, cfg *config.Config, opts Options) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a = &App{Config: cfg, Logger: opts.Logger}
	if a.Logger == nil {
		a.Logger = logging.New(logging.Options{
			Level:      logging.ParseLevel(cfg.Log.Level),
			Out:        os.Stderr,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
	}
	logging.SetGlobal(a.Logger)

	a.DB, err = db.Open(ctx, cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = a.DB.Close()
		}
	}()

	a.openStores()
	if err := a.openRemote(opts.Base); err != nil {
		return nil, err
	}
	a.openSync()

	if err := a.Engine.Load(ctx); err != nil {
		return nil, err
	}
	if _, err := a.History.Prune(ctx, HistoryKeep); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) openStores() {
	sqlDB := a.DB.DB
	a.Hub = cache.NewHub()
	a.Documents = cache.NewDocumentStore(sqlDB, a.Hub)
	a.Tags = cache.NewTagStore(sqlDB, a.Hub)
	a.Correspondents = cache.NewCorrespondentStore(sqlDB, a.Hub)
	a.DocumentTypes = cache.NewDocumentTypeStore(sqlDB, a.Hub)
	a.Tasks = cache.NewTaskStore(sqlDB, a.Hub)
	a.Metadata = cache.NewMetadataStore(sqlDB)
	a.History = cache.NewHistoryStore(sqlDB, a.Hub)
	a.Outbox = outbox.NewStore(sqlDB, a.Hub)
	a.Uploads = uploads.NewStore(sqlDB, a.Hub)
}

func (a *App) openRemote(base http.RoundTripper) error {
	cfg := a.Config
	trust := transport.NewTrustPolicy(cfg.Server.TrustedHosts)

	probeURL := cfg.Server.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Server.URL + "/api/"
	}
	// Probes bypass the connectivity gate and the retry policy.
	probeClient := transport.NewHTTPClient(transport.Options{
		Policy:  transport.Policy{InitialDelay: time.Second},
		Trust:   trust,
		Timeout: cfg.Server.Timeout,
		Base:    base,
	})
	a.Monitor = connectivity.NewMonitor(&connectivity.HTTPProber{
		Client:       probeClient,
		URL:          probeURL,
		ExpectStatus: cfg.Server.ProbeExpectStatus,
		Timeout:      cfg.Server.Timeout,
	}, cfg.Sync.ProbeInterval)

	httpClient := transport.NewHTTPClient(transport.Options{
		Policy: transport.Policy{
			MaxRetries:   cfg.Transport.MaxRetries,
			InitialDelay: cfg.Transport.InitialDelay,
			MaxDelay:     cfg.Transport.MaxDelay,
		},
		Trust:   trust,
		Host:    cfg.ServerHost(),
		Tokens:  api.StoredToken{Meta: a.Metadata},
		Online:  a.Monitor.Online,
		Timeout: cfg.Server.Timeout,
		Base:    base,
	})
	var err error
	a.Client, err = api.New(cfg.Server.URL, httpClient, cfg.Server.PageSize)
	return err
}

func (a *App) openSync() {
	cfg := a.Config

	a.Replayer = outbox.NewReplayer(a.Outbox, a.History, cfg.Sync.OutboxMaxAttempts)
	a.Replayer.Register(models.EntityTag, outbox.ResourceApplier[models.Tag]{Remote: a.Client.Tags, Cache: a.Tags})
	a.Replayer.Register(models.EntityCorrespondent, outbox.ResourceApplier[models.Correspondent]{Remote: a.Client.Correspondents, Cache: a.Correspondents})
	a.Replayer.Register(models.EntityDocumentType, outbox.ResourceApplier[models.DocumentType]{Remote: a.Client.DocumentTypes, Cache: a.DocumentTypes})
	a.Replayer.Register(models.EntityDocument, outbox.DocumentApplier{API: a.Client, Cache: a.Documents})
	a.Replayer.Register(models.EntityTrash, outbox.TrashApplier{API: a.Client, Cache: a.Documents})

	a.Reconciler = reconcile.New(a.Client, reconcile.Stores{
		Documents:      a.Documents,
		Tags:           a.Tags,
		Correspondents: a.Correspondents,
		DocumentTypes:  a.DocumentTypes,
		Tasks:          a.Tasks,
	}, a.Outbox, a.History, cfg.Sync.TrashRetention)

	a.Drainer = uploads.NewDrainer(uploads.DrainerConfig{
		Store:      a.Uploads,
		Assembler:  uploads.NewAssembler(),
		Uploader:   a.Client,
		Tasks:      a.Tasks,
		Audit:      a.History,
		Meta:       a.Metadata,
		Online:     a.Monitor.Online,
		MaxRetries: cfg.Sync.UploadMaxRetries,
	})

	a.Engine = syncpkg.NewSyncEngine(syncpkg.Config{
		Replayer:   a.Replayer,
		Reconciler: a.Reconciler,
		Uploads:    a.Drainer,
		Outbox:     a.Outbox,
		Clock:      a.Metadata,
		Audit:      a.History,
	})

	a.Mutations = syncpkg.NewMutations(a.Client, syncpkg.MutationStores{
		Documents:      a.Documents,
		Tags:           a.Tags,
		Correspondents: a.Correspondents,
		DocumentTypes:  a.DocumentTypes,
		Outbox:         a.Outbox,
		Uploads:        a.Uploads,
	})

	a.Scheduler = scheduler.NewScheduler(a.Engine, a.Monitor, &scheduler.SchedulerConfig{
		FullSyncInterval: cfg.Sync.FullSyncInterval,
		CheckInterval:    cfg.Sync.CheckInterval,
	})
	a.Mutations.OnQueued = func() {
		if a.Monitor.Online() {
			a.Scheduler.TriggerDrain()
			a.Scheduler.TriggerSync()
		}
	}
}

// Connect probes the server once so one-shot commands do not wait for the
// monitor's first tick. It reports whether the server is reachable.
func (a *App) Connect(ctx context.Context) bool {
	return a.Monitor.Check(ctx)
}

// Login exchanges credentials for a token and stores it.
func (a *App) Login(ctx context.Context, username, password string) error {
	if !a.Connect(ctx) {
		return fmt.Errorf("login: server %s is not reachable", a.Config.Server.URL)
	}
	token, err := a.Client.Login(ctx, username, password)
	if err != nil {
		return err
	}
	return a.Metadata.Set(ctx, models.MetaAuthToken, token)
}

// SyncOnce drains uploads and runs a full sync, as a connectivity edge
// would.
func (a *App) SyncOnce(ctx context.Context) (*uploads.DrainResult, *syncpkg.SyncResult, error) {
	if !a.Connect(ctx) {
		return nil, nil, fmt.Errorf("sync: server %s is not reachable", a.Config.Server.URL)
	}
	drained, err := a.Engine.DrainUploads(ctx)
	if err != nil {
		return drained, nil, err
	}
	result, err := a.Engine.Sync(ctx)
	return drained, result, err
}

// Run starts the monitor, the scheduler and, when configured, the inbox
// watcher, and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Monitor.Run(ctx) })

	a.Scheduler.Start(ctx)
	defer a.Scheduler.Stop()

	if dir := a.Config.Sync.InboxDir; dir != "" {
		w := inbox.NewWatcher(dir, a.Mutations, 0)
		g.Go(func() error { return w.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the database and flushes logs.
func (a *App) Close() error {
	err := a.DB.Close()
	if a.Logger != nil {
		_ = a.Logger.Close()
	}
	return err
}
