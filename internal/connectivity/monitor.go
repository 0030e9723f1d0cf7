package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/psconsult/offline/internal/logging"
	syncpkg "github.com/psconsult/offline/internal/sync"
)

// Notifier receives the transitions and results reported to the user-facing layer.
type Notifier interface {
	OnConnectivity(online bool)
	OnSyncResult(result *syncpkg.SyncResult)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

// OnConnectivity implements Notifier.
func (NopNotifier) OnConnectivity(bool) {}

// OnSyncResult implements Notifier.
func (NopNotifier) OnSyncResult(*syncpkg.SyncResult) {}

// CacheRefresher reloads the server read cache.
type CacheRefresher interface {
	RefreshAll(ctx context.Context) (map[string]int, error)
}

// MonitorConfig holds monitor configuration.
type MonitorConfig struct {
	Notifier        Notifier
	Refresher       CacheRefresher // Refreshed after a pass triggered by BecameOnline (optional)
	PassTimeout     time.Duration  // Upper bound for one pass (default: 5 minutes)
	InitiallyOnline bool
}

// Monitor is the single dispatcher over the event bus.
// It performs no I/O itself; passes run on their own goroutines through the
// reconciler's guarded entry point.
type Monitor struct {
	bus         *Bus
	engine      syncpkg.Engine
	transmitter syncpkg.Transmitter
	notifier    Notifier
	refresher   CacheRefresher
	passTimeout time.Duration
	log         *logging.Logger

	mu     sync.RWMutex
	online bool

	wg sync.WaitGroup
}

// NewMonitor creates a Monitor dispatching bus events to engine.
func NewMonitor(bus *Bus, engine syncpkg.Engine, transmitter syncpkg.Transmitter, config MonitorConfig) *Monitor {
	if config.Notifier == nil {
		config.Notifier = NopNotifier{}
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = 5 * time.Minute
	}

	return &Monitor{
		bus:         bus,
		engine:      engine,
		transmitter: transmitter,
		notifier:    config.Notifier,
		refresher:   config.Refresher,
		passTimeout: config.PassTimeout,
		log:         logging.For("monitor"),
		online:      config.InitiallyOnline,
	}
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Run dispatches events until ctx is cancelled or the bus is closed,
// then waits for passes already started.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("Connectivity monitor started", map[string]interface{}{"online": m.Online()})
	defer m.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.bus.Done():
			return nil
		case ev := <-m.bus.Events():
			m.handle(ctx, ev)
		}
	}
}

// Wait blocks until every pass started by the monitor has finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) handle(ctx context.Context, ev Event) {
	m.log.Debug("Event received", map[string]interface{}{"event": ev.String()})

	switch ev.Type {
	case BecameOnline:
		m.setOnline(true)
		m.notifier.OnConnectivity(true)
		m.trigger(ctx, ev, true)
	case BecameOffline:
		m.setOnline(false)
		m.notifier.OnConnectivity(false)
	case WakeSync:
		m.trigger(ctx, ev, false)
	default:
		m.log.Warn("Unknown event dropped", map[string]interface{}{"type": string(ev.Type)})
	}
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if was != online {
		m.log.Info("Online status changed", map[string]interface{}{
			"was_online": was,
			"is_online":  online,
		})
	}
}

// trigger starts a pass unless one is in flight. Dropped triggers are not queued.
func (m *Monitor) trigger(ctx context.Context, ev Event, refresh bool) {
	if m.engine.InProgress() {
		m.log.Debug("Pass in flight, trigger dropped", map[string]interface{}{"event": ev.String()})
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		passCtx, cancel := context.WithTimeout(ctx, m.passTimeout)
		defer cancel()

		result, started := m.engine.TryReconcile(passCtx, m.transmitter)
		if !started {
			return
		}
		if result != nil {
			m.notifier.OnSyncResult(result)
		}

		if refresh && m.refresher != nil {
			if _, err := m.refresher.RefreshAll(passCtx); err != nil {
				m.log.Warn("Read cache refresh failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
}
