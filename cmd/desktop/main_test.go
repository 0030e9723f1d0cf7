// Package main tests for server routing, the event stream and the command line.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psconsult/offline/internal/config"
	"github.com/psconsult/offline/internal/models"
	"github.com/psconsult/offline/internal/offline"
	syncpkg "github.com/psconsult/offline/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

// newRemote fakes the consult web application.
func newRemote(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var posted atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/api/consults/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posted.Add(1)
			w.WriteHeader(http.StatusCreated)
			return
		}
		io.WriteString(w, `{"consults":[]}`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "page:"+r.URL.Path)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &posted
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

// dialHub connects a client to hub and waits for registration.
func dialHub(t *testing.T, hub *WSHub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(HandleWebSocket(hub))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, "client registration", func() bool { return hub.ClientCount() == 1 })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() failed: %v", err)
	}
	return msg
}

// =====================================================
// WebSocket Tests
// =====================================================

func TestLoopbackOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:8090", true},
		{"http://127.0.0.1:3000", true},
		{"http://[::1]:8090", true},
		{"https://consult.example.org", false},
		{"http://192.168.1.20:8090", false},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := loopbackOrigin(r); got != tt.want {
			t.Errorf("loopbackOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

// TestWSHub_broadcast verifies notifications reach connected clients.
func TestWSHub_broadcast(t *testing.T) {
	hub := NewWSHub()
	defer hub.Close()
	conn := dialHub(t, hub)

	hub.OnConnectivity(false)
	msg := readEnvelope(t, conn)
	if msg["type"] != EventConnectivityChanged {
		t.Fatalf("type = %v", msg["type"])
	}
	if data := msg["data"].(map[string]interface{}); data["online"] != false {
		t.Errorf("data = %v", data)
	}

	hub.OnSyncEvent(syncpkg.SyncEvent{
		Type:   syncpkg.SyncEventCompleted,
		Result: &syncpkg.SyncResult{Synced: 3, Failed: 1},
	})
	msg = readEnvelope(t, conn)
	data := msg["data"].(map[string]interface{})
	if msg["type"] != EventSyncCompleted || data["synced"] != float64(3) || data["failed"] != float64(1) {
		t.Errorf("message = %v", msg)
	}
}

// TestWSHub_subscribe verifies subscribed clients only receive chosen events.
func TestWSHub_subscribe(t *testing.T) {
	hub := NewWSHub()
	defer hub.Close()
	conn := dialHub(t, hub)

	conn.WriteJSON(map[string]interface{}{"action": "subscribe", "events": []string{EventSyncResult}})
	if ack := readEnvelope(t, conn); ack["action"] != "subscribe_ack" {
		t.Fatalf("ack = %v", ack)
	}

	hub.OnConnectivity(true)
	hub.OnSyncResult(&syncpkg.SyncResult{Synced: 2})

	msg := readEnvelope(t, conn)
	if msg["type"] != EventSyncResult {
		t.Errorf("type = %v, want %s", msg["type"], EventSyncResult)
	}

	conn.WriteJSON(map[string]interface{}{"action": "ping"})
	if pong := readEnvelope(t, conn); pong["action"] != "pong" {
		t.Errorf("pong = %v", pong)
	}
}

// TestWSHub_close verifies Close disconnects clients and later broadcasts are dropped.
func TestWSHub_close(t *testing.T) {
	hub := NewWSHub()
	conn := dialHub(t, hub)

	hub.Close()
	waitFor(t, "client removal", func() bool { return hub.ClientCount() == 0 })

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after Close()")
	}
	hub.OnConnectivity(true)
}

// =====================================================
// Routing Tests
// =====================================================

func TestNewMux(t *testing.T) {
	remote, _ := newRemote(t)
	cfg := config.Default()
	cfg.Origin = remote.URL

	a, err := offline.New(context.Background(), cfg, offline.Options{InMemory: true})
	if err != nil {
		t.Fatalf("offline.New() failed: %v", err)
	}
	defer a.Close()
	hub := NewWSHub()
	defer hub.Close()

	mux := newMux(a, hub)

	tests := []struct {
		method string
		target string
		code   int
		body   string
	}{
		{http.MethodGet, "/offline/stats", http.StatusOK, `"submissions"`},
		{http.MethodGet, "/offline/sync", http.StatusNotFound, ""},
		{http.MethodGet, "/offline/unknown", http.StatusNotFound, ""},
		{http.MethodGet, "/consults/new", http.StatusOK, "page:/consults/new"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(tt.method, tt.target, nil))
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d", w.Code, tt.code)
			}
			if tt.body != "" && !strings.Contains(w.Body.String(), tt.body) {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.body)
			}
		})
	}
}

// =====================================================
// Command Line Tests
// =====================================================

// runCLI runs the command line with a configuration file pointing at origin.
func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = io.Discard

	err := app.Run(append([]string{"psconsult-offline", "--config", configPath}, args...))
	return out.String(), err
}

func writeConfig(t *testing.T, origin string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "offline.yaml")
	data := "data_dir: " + filepath.Join(dir, "data") + "\norigin: " + origin + "\nbuild_version: test\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestCLI_enqueueAndSync(t *testing.T) {
	remote, posted := newRemote(t)
	cfgPath := writeConfig(t, remote.URL)

	payload := filepath.Join(t.TempDir(), "consult.json")
	os.WriteFile(payload, []byte(`{"patient_name":"A","ward":"5B"}`), 0o644)

	out, err := runCLI(t, cfgPath, "enqueue", payload)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	var ref models.SubmissionRef
	if err := json.Unmarshal([]byte(out), &ref); err != nil || ref.ClientID == "" {
		t.Fatalf("enqueue output %q: %v", out, err)
	}

	out, err = runCLI(t, cfgPath, "pending")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	var subs []*models.PendingSubmission
	json.Unmarshal([]byte(out), &subs)
	if len(subs) != 1 || subs[0].LocalID != ref.LocalID {
		t.Errorf("pending output = %s", out)
	}

	out, err = runCLI(t, cfgPath, "sync")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	var result syncpkg.SyncResult
	json.Unmarshal([]byte(out), &result)
	if result.Synced != 1 || posted.Load() != 1 {
		t.Errorf("sync result = %+v, posted %d", result, posted.Load())
	}

	out, err = runCLI(t, cfgPath, "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	var stats models.SubmissionStats
	json.Unmarshal([]byte(out), &stats)
	if stats.Synced != 1 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestCLI_nextToServe verifies store commands run while a serving instance
// holds the data directory, and that the instance sends what they enqueue.
func TestCLI_nextToServe(t *testing.T) {
	remote, posted := newRemote(t)
	cfgPath := writeConfig(t, remote.URL)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	serving, err := offline.New(context.Background(), cfg, offline.Options{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer serving.Close()

	payload := filepath.Join(t.TempDir(), "consult.json")
	os.WriteFile(payload, []byte(`{"patient_name":"B","ward":"ICU"}`), 0o644)
	if _, err := runCLI(t, cfgPath, "enqueue", payload); err != nil {
		t.Fatalf("enqueue next to serve failed: %v", err)
	}
	for _, args := range [][]string{{"stats"}, {"pending"}, {"log"}, {"sweep"}} {
		if _, err := runCLI(t, cfgPath, args...); err != nil {
			t.Errorf("%v next to serve failed: %v", args, err)
		}
	}
	if _, err := runCLI(t, cfgPath, "precache"); err == nil {
		t.Error("precache should fail while the response cache is held")
	}

	result, err := serving.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce() failed: %v", err)
	}
	if result.Synced != 1 || posted.Load() != 1 {
		t.Errorf("serving pass synced %d, posted %d; want 1/1", result.Synced, posted.Load())
	}
}

func TestCLI_errors(t *testing.T) {
	remote, _ := newRemote(t)
	cfgPath := writeConfig(t, remote.URL)

	tests := [][]string{
		{"enqueue"},
		{"enqueue", filepath.Join(t.TempDir(), "missing.json")},
		{"requeue", "abc"},
		{"requeue", "42"},
		{"pending", "--status", "unknown"},
	}
	for _, args := range tests {
		if _, err := runCLI(t, cfgPath, args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}

	if _, err := runCLI(t, filepath.Join(t.TempDir(), "missing.yaml"), "stats"); err == nil {
		t.Error("missing config file: expected error")
	}
}
