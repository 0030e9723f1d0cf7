package connectivity

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/psconsult/offline/internal/errors"
	"github.com/psconsult/offline/internal/models"
	syncpkg "github.com/psconsult/offline/internal/sync"
)

// fakeEngine counts passes; a non-nil gate blocks each pass until closed.
type fakeEngine struct {
	passes  atomic.Int32
	running atomic.Bool
	gate    chan struct{}
	started chan struct{}
}

func (e *fakeEngine) Enqueue(context.Context, json.RawMessage) (*models.SubmissionRef, error) {
	return nil, nil
}
func (e *fakeEngine) Requeue(context.Context, int64) error { return nil }
func (e *fakeEngine) SetEventHandler(syncpkg.SyncEventHandler) {}
func (e *fakeEngine) InProgress() bool { return e.running.Load() }
func (e *fakeEngine) Status() syncpkg.SyncStatus { return syncpkg.SyncStatusIdle }
func (e *fakeEngine) LastSync() *time.Time { return nil }
func (e *fakeEngine) LastError() error { return nil }
func (e *fakeEngine) LastResult() *syncpkg.SyncResult { return nil }
func (e *fakeEngine) Pending() int { return 0 }

func (e *fakeEngine) Reconcile(ctx context.Context, t syncpkg.Transmitter) (*syncpkg.SyncResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "busy")
	}
	defer e.running.Store(false)

	n := e.passes.Add(1)
	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.gate != nil {
		<-e.gate
	}
	return &syncpkg.SyncResult{Synced: int(n)}, nil
}

func (e *fakeEngine) TryReconcile(ctx context.Context, t syncpkg.Transmitter) (*syncpkg.SyncResult, bool) {
	result, err := e.Reconcile(ctx, t)
	if err != nil {
		return nil, false
	}
	return result, true
}

// recordingNotifier records notifications in order.
type recordingNotifier struct {
	mu           sync.Mutex
	connectivity []bool
	results      []*syncpkg.SyncResult
}

func (n *recordingNotifier) OnConnectivity(online bool) {
	n.mu.Lock()
	n.connectivity = append(n.connectivity, online)
	n.mu.Unlock()
}

func (n *recordingNotifier) OnSyncResult(result *syncpkg.SyncResult) {
	n.mu.Lock()
	n.results = append(n.results, result)
	n.mu.Unlock()
}

func (n *recordingNotifier) snapshot() ([]bool, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]bool(nil), n.connectivity...), len(n.results)
}

type countingRefresher struct {
	calls atomic.Int32
}

func (r *countingRefresher) RefreshAll(ctx context.Context) (map[string]int, error) {
	r.calls.Add(1)
	return nil, nil
}

func startMonitor(t *testing.T, engine syncpkg.Engine, config MonitorConfig) (*Bus, *Monitor, func()) {
	t.Helper()
	bus := NewBus(8)
	m := NewMonitor(bus, engine, nil, config)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	stop := func() {
		bus.Close()
		<-done
		cancel()
	}
	return bus, m, stop
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestMonitor_online verifies BecameOnline notifies and runs one pass.
func TestMonitor_online(t *testing.T) {
	engine := &fakeEngine{}
	notifier := &recordingNotifier{}
	refresher := &countingRefresher{}
	bus, m, stop := startMonitor(t, engine, MonitorConfig{Notifier: notifier, Refresher: refresher})

	bus.Publish(Online())
	waitFor(t, func() bool {
		_, results := notifier.snapshot()
		return results == 1
	})
	m.Wait()
	stop()

	states, _ := notifier.snapshot()
	if len(states) != 1 || !states[0] {
		t.Errorf("connectivity notifications = %v, want [true]", states)
	}
	if !m.Online() {
		t.Error("Online() = false after BecameOnline")
	}
	if engine.passes.Load() != 1 {
		t.Errorf("passes = %d, want 1", engine.passes.Load())
	}
	if refresher.calls.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", refresher.calls.Load())
	}
}

// TestMonitor_offline verifies BecameOffline notifies without a pass.
func TestMonitor_offline(t *testing.T) {
	engine := &fakeEngine{}
	notifier := &recordingNotifier{}
	bus, m, stop := startMonitor(t, engine, MonitorConfig{Notifier: notifier, InitiallyOnline: true})

	bus.Publish(Offline())
	waitFor(t, func() bool {
		states, _ := notifier.snapshot()
		return len(states) == 1
	})
	stop()

	if m.Online() {
		t.Error("Online() = true after BecameOffline")
	}
	if engine.passes.Load() != 0 {
		t.Errorf("passes = %d, want 0", engine.passes.Load())
	}
}

// TestMonitor_wake verifies WakeSync runs a pass without a cache refresh.
func TestMonitor_wake(t *testing.T) {
	engine := &fakeEngine{}
	refresher := &countingRefresher{}
	bus, m, stop := startMonitor(t, engine, MonitorConfig{Refresher: refresher})

	bus.Publish(Wake(SyncTag))
	waitFor(t, func() bool { return engine.passes.Load() == 1 })
	m.Wait()
	stop()

	if refresher.calls.Load() != 0 {
		t.Errorf("refreshes = %d, want 0", refresher.calls.Load())
	}
}

// TestMonitor_dropsWhileInFlight verifies triggers during a pass are not queued.
func TestMonitor_dropsWhileInFlight(t *testing.T) {
	engine := &fakeEngine{gate: make(chan struct{}), started: make(chan struct{}, 4)}
	notifier := &recordingNotifier{}
	bus, m, stop := startMonitor(t, engine, MonitorConfig{Notifier: notifier})

	bus.Publish(Wake(SyncTag))
	<-engine.started

	bus.Publish(Wake(SyncTag))
	bus.Publish(Online())
	bus.Publish(Offline())
	waitFor(t, func() bool {
		states, _ := notifier.snapshot()
		return len(states) == 2
	})

	close(engine.gate)
	m.Wait()
	stop()

	if got := engine.passes.Load(); got != 1 {
		t.Errorf("passes = %d, want 1", got)
	}
}

// TestMonitor_stopsOnCancel verifies Run returns when its context is cancelled.
func TestMonitor_stopsOnCancel(t *testing.T) {
	m := NewMonitor(NewBus(1), &fakeEngine{}, nil, MonitorConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
