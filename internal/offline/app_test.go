package offline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/psconsult/offline/internal/cache"
	"github.com/psconsult/offline/internal/config"
	apperrors "github.com/psconsult/offline/internal/errors"
	"github.com/psconsult/offline/internal/models"
)

// =====================================================
// Test Helpers
// =====================================================

// remote fakes the consult web application and its API.
type remote struct {
	mu       sync.Mutex
	received []map[string]interface{}
	server   *httptest.Server
}

func newRemote(t *testing.T) *remote {
	t.Helper()
	r := &remote{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/api/consults/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPost {
			var body map[string]interface{}
			json.NewDecoder(req.Body).Decode(&body)
			r.mu.Lock()
			r.received = append(r.received, body)
			r.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id":1}`)
			return
		}
		io.WriteString(w, `{"total":1,"page":1,"per_page":20,"consults":[{"id":7,"consult_id":"PS-0007","created_at":"2024-06-01T08:00:00"}]}`)
	})
	mux.HandleFunc("/api/schedule/", func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, `[{"id":1,"service_type":"clinic"}]`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, "shell:"+req.URL.Path)
	})
	r.server = httptest.NewServer(mux)
	t.Cleanup(r.server.Close)
	return r
}

func (r *remote) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func testConfig(origin string) *config.Config {
	c := config.Default()
	c.Origin = origin
	c.BuildVersion = "v2"
	c.API.RequestTimeout = config.Duration(2 * time.Second)
	c.Sync.ProbeInterval = config.Duration(50 * time.Millisecond)
	return c
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, Options{InMemory: true})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =====================================================
// Tests
// =====================================================

// TestNew verifies every component is wired.
func TestNew(t *testing.T) {
	r := newRemote(t)
	a := newTestApp(t, testConfig(r.server.URL))

	if a.Store == nil || a.Reconciler == nil || a.Interceptor == nil || a.Monitor == nil ||
		a.Prober == nil || a.Scheduler == nil || a.Refresher == nil || a.Bus == nil {
		t.Fatalf("New() left components unset: %+v", a)
	}
	if a.Reconciler.Queue() != a.Queue {
		t.Error("reconciler does not drain the app work queue")
	}
	if a.Interceptor.Active() {
		t.Error("interceptor active before activation")
	}
}

// TestNew_invalidConfig verifies configuration is validated.
func TestNew_invalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Origin = "not a url"

	if _, err := New(context.Background(), cfg, Options{InMemory: true}); !apperrors.Is(err, apperrors.ErrConfigInvalid) {
		t.Errorf("New() error = %v, want CONFIG_INVALID", err)
	}
}

// TestSyncOnce verifies a pass transmits queued submissions with their client token.
func TestSyncOnce(t *testing.T) {
	r := newRemote(t)
	a := newTestApp(t, testConfig(r.server.URL))
	ctx := context.Background()

	ref, err := a.Reconciler.Enqueue(ctx, json.RawMessage(`{"patient_name":"A"}`))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	result, err := a.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce() failed: %v", err)
	}
	if result.Synced != 1 || result.Failed != 0 {
		t.Errorf("SyncOnce() = %+v", result)
	}
	if r.count() != 1 || r.received[0][models.ClientIDField] != ref.ClientID {
		t.Errorf("remote received %v", r.received)
	}
	if pending, _ := a.Store.ListPending(ctx); len(pending) != 0 {
		t.Errorf("ListPending() = %d entries", len(pending))
	}
}

// TestNew_reloadsQueue verifies queued submissions survive a restart.
func TestNew_reloadsQueue(t *testing.T) {
	r := newRemote(t)
	cfg := testConfig(r.server.URL)
	cfg.DataDir = t.TempDir()
	ctx := context.Background()

	a, err := New(ctx, cfg, Options{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	a.Reconciler.Enqueue(ctx, json.RawMessage(`{"patient_name":"A"}`))
	a.Reconciler.Enqueue(ctx, json.RawMessage(`{"patient_name":"B"}`))
	a.Close()

	a, err = New(ctx, cfg, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer a.Close()

	if a.Queue.Len() != 2 {
		t.Errorf("Queue.Len() = %d, want 2", a.Queue.Len())
	}
}

// TestOpenStore_nextToServingApp verifies a store-only handle works while a
// full App holds the response cache, and that its writes reach the App.
func TestOpenStore_nextToServingApp(t *testing.T) {
	r := newRemote(t)
	cfg := testConfig(r.server.URL)
	cfg.DataDir = t.TempDir()
	ctx := context.Background()

	serving, err := New(ctx, cfg, Options{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer serving.Close()

	cmd, err := OpenStore(ctx, cfg, Options{})
	if err != nil {
		t.Fatalf("OpenStore() next to a running App failed: %v", err)
	}
	ref, err := cmd.Reconciler.Enqueue(ctx, json.RawMessage(`{"patient_name":"C"}`))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if stats, err := cmd.Store.Stats(ctx); err != nil || stats.Pending != 1 {
		t.Errorf("Stats() = %+v, %v", stats, err)
	}
	if _, err := cmd.Precache(ctx); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Precache() on store-only handle error = %v", err)
	}
	if err := cmd.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	result, err := serving.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce() failed: %v", err)
	}
	if result.Synced != 1 || r.count() != 1 {
		t.Errorf("synced %d, remote received %d; want 1/1", result.Synced, r.count())
	}
	sub, _ := serving.Store.GetSubmission(ctx, ref.LocalID)
	if sub == nil || sub.Status != models.StatusSynced {
		t.Errorf("submission = %+v, want synced", sub)
	}
}

// TestPrecache verifies install and activation through the app.
func TestPrecache(t *testing.T) {
	r := newRemote(t)
	a := newTestApp(t, testConfig(r.server.URL))

	stale, _ := a.Cache.Open("static-shell-v1")
	stale.Put(http.MethodGet, "/", &cache.Entry{Status: http.StatusOK, Body: []byte("old")})

	deleted, err := a.Precache(context.Background())
	if err != nil {
		t.Fatalf("Precache() failed: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "static-shell-v1" {
		t.Errorf("deleted = %v", deleted)
	}
	if !a.Interceptor.Active() {
		t.Error("interceptor not active after Precache()")
	}
}

// TestRun verifies the first probe brings the layer online and drains the queue.
func TestRun(t *testing.T) {
	r := newRemote(t)
	a := newTestApp(t, testConfig(r.server.URL))
	ctx, cancel := context.WithCancel(context.Background())

	a.Reconciler.Enqueue(ctx, json.RawMessage(`{"patient_name":"A"}`))

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "queued submission to sync", func() bool { return r.count() == 1 })
	waitFor(t, "read cache refresh", func() bool {
		records, _ := a.Store.ReadServerCache(context.Background(), models.NamespaceConsults)
		return len(records) == 1
	})
	if !a.Monitor.Online() {
		t.Error("monitor offline after successful probe")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
