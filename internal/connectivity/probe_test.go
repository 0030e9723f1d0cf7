package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type recordingPublisher struct {
	events []Event
}

func (p *recordingPublisher) Publish(ev Event) bool {
	p.events = append(p.events, ev)
	return true
}

// TestProber_transitions verifies only state changes are published.
func TestProber_transitions(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultHealthPath {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	pub := &recordingPublisher{}
	p := NewProber(pub, server.URL, "", time.Minute, time.Second)
	ctx := context.Background()

	if !p.Probe(ctx) {
		t.Error("Probe() = false for healthy origin")
	}
	p.Probe(ctx)
	healthy.Store(false)
	if p.Probe(ctx) {
		t.Error("Probe() = true for 502 origin")
	}
	p.Probe(ctx)
	healthy.Store(true)
	p.Probe(ctx)

	want := []EventType{BecameOnline, BecameOffline, BecameOnline}
	if len(pub.events) != len(want) {
		t.Fatalf("published %d events, want %d: %v", len(pub.events), len(want), pub.events)
	}
	for i, typ := range want {
		if pub.events[i].Type != typ {
			t.Errorf("event %d = %s, want %s", i, pub.events[i].Type, typ)
		}
	}
}

// TestProber_unreachable verifies a closed origin is reported offline.
func TestProber_unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	pub := &recordingPublisher{}
	p := NewProber(pub, url, "/health", time.Minute, 200*time.Millisecond)
	if p.Probe(context.Background()) {
		t.Error("Probe() = true for closed origin")
	}
	if len(pub.events) != 1 || pub.events[0].Type != BecameOffline {
		t.Errorf("events = %v, want [became_offline]", pub.events)
	}
}

// TestProber_clientErrorIsOnline verifies a 4xx answer still means reachable.
func TestProber_clientErrorIsOnline(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	p := NewProber(&recordingPublisher{}, server.URL, "", time.Minute, time.Second)
	if !p.Probe(context.Background()) {
		t.Error("Probe() = false for 404 origin")
	}
}

// TestProber_Run verifies Run probes at start and stops on cancel.
func TestProber_Run(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	bus := NewBus(4)
	p := NewProber(bus, server.URL, "", 20*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-bus.Events():
		if ev.Type != BecameOnline {
			t.Errorf("first event = %s, want became_online", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	time.Sleep(70 * time.Millisecond)
	cancel()
	<-done

	if hits.Load() < 2 {
		t.Errorf("probes = %d, want at least 2", hits.Load())
	}
}
