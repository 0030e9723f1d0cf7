// Package offline is the composition root of the offline sync layer. It owns
// every component and hands them to each other explicitly.
package offline

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/psconsult/offline/internal/cache"
	"github.com/psconsult/offline/internal/config"
	"github.com/psconsult/offline/internal/connectivity"
	"github.com/psconsult/offline/internal/db"
	apperrors "github.com/psconsult/offline/internal/errors"
	"github.com/psconsult/offline/internal/intercept"
	"github.com/psconsult/offline/internal/logging"
	syncpkg "github.com/psconsult/offline/internal/sync"
	"github.com/psconsult/offline/internal/sync/queue"
	"github.com/psconsult/offline/internal/sync/scheduler"
)

var errStoreOnly = apperrors.New(apperrors.ErrInvalid, "offline layer opened without the response cache")

// Options carries collaborators supplied by the caller.
type Options struct {
	Notifier     connectivity.Notifier    // Receives connectivity and pass results (optional)
	EventHandler syncpkg.SyncEventHandler // Receives reconciler events (optional)
	Transport    http.RoundTripper        // Network used by the interceptor (default: http.DefaultTransport)
	Transmitter  syncpkg.Transmitter      // Overrides the HTTP transmitter (optional)
	InMemory     bool                     // Keep the store and the response cache in memory
}

// App holds one fully wired offline sync layer.
type App struct {
	Config      *config.Config
	DB          *db.DB
	Store       *db.Repository
	Queue       *queue.WorkQueue
	Reconciler  *syncpkg.Reconciler
	Transmitter syncpkg.Transmitter
	Refresher   *syncpkg.Refresher
	Cache       *cache.Store
	Interceptor *intercept.Interceptor
	Bus         *connectivity.Bus
	Monitor     *connectivity.Monitor
	Prober      *connectivity.Prober
	Scheduler   *scheduler.Scheduler

	log       *logging.Logger
	closeOnce sync.Once
}

// New opens the stores and wires every component. The work queue is rebuilt
// from the store before New returns.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a, err := newCore(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	if opts.InMemory {
		a.Cache, err = cache.OpenMemory()
	} else {
		a.Cache, err = cache.Open(cfg.DataDir)
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	timeout := cfg.API.RequestTimeout.Std()

	a.Bus = connectivity.NewBus(connectivity.DefaultBusSize)
	a.Interceptor, err = intercept.New(a.Cache, opts.Transport, a.Bus, intercept.Config{
		Origin:          cfg.Origin,
		BuildVersion:    cfg.BuildVersion,
		APIPrefix:       cfg.API.Prefix,
		ShellManifest:   cfg.Intercept.ShellManifest,
		ImageExtensions: cfg.Intercept.ImageExtensions,
		AssetExtensions: cfg.Intercept.AssetExtensions,
		DiscoverAssets:  cfg.Intercept.DiscoverAssets,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Monitor = connectivity.NewMonitor(a.Bus, a.Reconciler, a.Transmitter, connectivity.MonitorConfig{
		Notifier:    opts.Notifier,
		Refresher:   a.Refresher,
		PassTimeout: cfg.Sync.PassTimeout.Std(),
	})
	a.Prober = connectivity.NewProber(a.Bus, cfg.Origin, cfg.API.HealthPath, cfg.Sync.ProbeInterval.Std(), timeout)
	a.Scheduler = scheduler.NewScheduler(a.Bus, a.Monitor, a.Refresher, &scheduler.SchedulerConfig{
		WakeInterval:    cfg.Sync.WakeInterval.Std(),
		RefreshInterval: cfg.Sync.RefreshInterval.Std(),
	})

	a.log.Info("Offline layer ready", map[string]interface{}{
		"origin":        cfg.Origin,
		"build_version": cfg.BuildVersion,
		"queued":        a.Queue.Len(),
	})
	return a, nil
}

// OpenStore wires the store, the reconciler and the refresher without the
// response cache, the interceptor or the connectivity loop. The response cache
// is locked by one process at a time, so one-shot commands use OpenStore to run
// next to a serving instance.
func OpenStore(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a, err := newCore(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	a.log.Debug("Store opened", map[string]interface{}{"queued": a.Queue.Len()})
	return a, nil
}

func newCore(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, log: logging.For("app")}

	var err error
	if opts.InMemory {
		a.DB, err = db.OpenPath(":memory:")
	} else {
		a.DB, err = db.Open(cfg.DataDir)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open store", err)
	}

	a.Store = db.NewRepository(a.DB.DB)
	a.Queue = queue.NewWorkQueue()
	a.Reconciler = syncpkg.NewReconciler(a.Store, a.Queue, &syncpkg.ReconcilerConfig{
		RetentionDays: cfg.Sync.RetentionDays,
	})
	if opts.EventHandler != nil {
		a.Reconciler.SetEventHandler(opts.EventHandler)
	}

	timeout := cfg.API.RequestTimeout.Std()
	a.Transmitter = opts.Transmitter
	if a.Transmitter == nil {
		a.Transmitter = syncpkg.NewHTTPTransmitter(cfg.Origin, cfg.API.SubmitPath, timeout).
			SetHeaders(cfg.API.Headers)
	}
	a.Refresher = syncpkg.NewRefresher(a.Store, syncpkg.RefresherConfig{
		BaseURL:      cfg.Origin,
		ConsultsPath: cfg.API.ConsultsPath,
		SchedulePath: cfg.API.SchedulePath,
		Timeout:      timeout,
		Headers:      cfg.API.Headers,
	})

	if _, err := a.Reconciler.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Precache installs the shell for the configured build and activates the
// interceptor. It returns the namespaces removed by activation.
func (a *App) Precache(ctx context.Context) ([]string, error) {
	if a.Interceptor == nil {
		return nil, errStoreOnly
	}
	if err := a.Interceptor.Install(ctx); err != nil {
		return nil, err
	}
	return a.Interceptor.Activate()
}

// Prepare is the lenient form of Precache used at start-up. A failed install
// keeps a shell installed earlier for the same build; without one the
// interceptor stays in pass-through mode.
func (a *App) Prepare(ctx context.Context) {
	if a.Interceptor == nil {
		return
	}
	if err := a.Interceptor.Install(ctx); err != nil {
		a.log.Warn("Shell install failed, trying installed shell", map[string]interface{}{"error": err.Error()})
	}
	if _, err := a.Interceptor.Activate(); err != nil {
		a.log.Warn("Interceptor not activated, passing requests through", map[string]interface{}{"error": err.Error()})
	}
}

// Run starts the prober, the scheduler and the dispatcher loop and blocks
// until ctx is cancelled. Passes in flight finish before Run returns.
func (a *App) Run(ctx context.Context) error {
	if a.Monitor == nil {
		return errStoreOnly
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Prober.Run(ctx)
	}()
	a.Scheduler.Start(ctx)

	err := a.Monitor.Run(ctx)

	// closing the bus first releases producers blocked in Publish
	a.Bus.Close()
	a.Scheduler.Stop()
	wg.Wait()
	a.Interceptor.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SyncOnce runs one reconciliation pass through the guarded entry point.
func (a *App) SyncOnce(ctx context.Context) (*syncpkg.SyncResult, error) {
	return a.Reconciler.Reconcile(ctx, a.Transmitter)
}

// Close closes the response cache, when opened, and the store.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.Bus != nil {
			a.Bus.Close()
		}
		if a.Cache != nil {
			err = a.Cache.Close()
		}
		if derr := a.DB.Close(); derr != nil && err == nil {
			err = derr
		}
	})
	return err
}
