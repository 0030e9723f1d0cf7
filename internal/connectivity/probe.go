package connectivity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/psconsult/offline/internal/logging"
)

// DefaultHealthPath is the origin endpoint polled for reachability.
const DefaultHealthPath = "/api/health"

// Publisher accepts events for the dispatcher.
type Publisher interface {
	Publish(ev Event) bool
}

// Prober polls the origin and publishes BecameOnline and BecameOffline on transitions.
type Prober struct {
	http     *resty.Client
	path     string
	interval time.Duration
	bus      Publisher
	log      *logging.Logger

	mu    sync.Mutex
	known bool
	last  bool
}

// NewProber creates a Prober for the origin at baseURL.
func NewProber(bus Publisher, baseURL, path string, interval, timeout time.Duration) *Prober {
	if path == "" {
		path = DefaultHealthPath
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout)

	return &Prober{
		http:     c,
		path:     path,
		interval: interval,
		bus:      bus,
		log:      logging.For("prober"),
	}
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe checks the origin once and publishes a transition if the state changed.
// The first probe always publishes. Any HTTP answer below 500 counts as online.
func (p *Prober) Probe(ctx context.Context) bool {
	online := false
	rr, err := p.http.R().SetContext(ctx).Get(p.path)
	if err == nil && rr.StatusCode() < 500 {
		online = true
	}
	if ctx.Err() != nil {
		return online
	}
	p.Observe(online)
	return online
}

// Observe records an externally obtained connectivity state.
func (p *Prober) Observe(online bool) {
	p.mu.Lock()
	changed := !p.known || p.last != online
	p.known = true
	p.last = online
	p.mu.Unlock()

	if !changed {
		return
	}

	p.log.Info("Connectivity transition", map[string]interface{}{"online": online})
	if online {
		p.bus.Publish(Online())
	} else {
		p.bus.Publish(Offline())
	}
}
