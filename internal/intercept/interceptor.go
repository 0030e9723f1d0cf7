package intercept

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/psconsult/offline/internal/cache"
	"github.com/psconsult/offline/internal/connectivity"
	apperrors "github.com/psconsult/offline/internal/errors"
	"github.com/psconsult/offline/internal/logging"
)

// =====================================================
// Namespaces
// =====================================================

const (
	ShellRole  = "static-shell"
	APIRole    = "api-responses"
	ImagesRole = "images"
)

// NamespaceName returns the versioned namespace name for role.
func NamespaceName(role, version string) string {
	return role + "-" + version
}

// ExpectedNamespaces returns every namespace name kept for version.
func ExpectedNamespaces(version string) []string {
	return []string{
		NamespaceName(ShellRole, version),
		NamespaceName(APIRole, version),
		NamespaceName(ImagesRole, version),
	}
}

// DefaultShellManifest is the set of shell URLs primed at install time.
// The first entry is the shell document served to offline navigations.
var DefaultShellManifest = []string{
	"/",
	"/manifest.json",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

// offlineBody is returned for API requests with no network and no cached response.
const offlineBody = `{"offline":true,"error":"offline","message":"You are offline. Showing cached data."}`

// OfflineHeader marks synthesized responses.
const OfflineHeader = "X-Offline"

// =====================================================
// Interceptor
// =====================================================

// Config holds interceptor configuration.
type Config struct {
	Origin          string   // Application origin, scheme://host[:port]
	BuildVersion    string   // Version tag appended to namespace names
	APIPrefix       string   // Path prefix for network-first requests (default: /api/)
	ShellManifest   []string // URLs primed by Install (default: DefaultShellManifest)
	ImageExtensions []string
	AssetExtensions []string
	DiscoverAssets  bool // Also prime same-origin assets referenced by the shell document
}

// Interceptor applies caching strategies to requests on their way to the origin.
// It implements http.RoundTripper. Until Activate succeeds every request goes
// straight to the network.
type Interceptor struct {
	next       http.RoundTripper
	store      *cache.Store
	bus        connectivity.Publisher
	origin     *url.URL
	version    string
	classifier *Classifier
	manifest   []string
	discover   bool
	now        func() time.Time
	log        *logging.Logger

	mu     sync.RWMutex
	active bool
	tags   map[string]struct{}

	revalidating sync.WaitGroup
}

// New creates an Interceptor. next defaults to http.DefaultTransport and bus may be nil.
func New(store *cache.Store, next http.RoundTripper, bus connectivity.Publisher, config Config) (*Interceptor, error) {
	origin, err := url.Parse(config.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, apperrors.Newf(apperrors.ErrConfigInvalid, "invalid origin %q", config.Origin)
	}
	if config.BuildVersion == "" {
		return nil, apperrors.New(apperrors.ErrConfigInvalid, "build version is required")
	}
	if next == nil {
		next = http.DefaultTransport
	}
	if len(config.ShellManifest) == 0 {
		config.ShellManifest = DefaultShellManifest
	}
	manifest, err := normalizeManifest(config.ShellManifest)
	if err != nil {
		return nil, err
	}

	return &Interceptor{
		next:       next,
		store:      store,
		bus:        bus,
		origin:     origin,
		version:    config.BuildVersion,
		classifier: NewClassifier(origin, config.APIPrefix, config.ImageExtensions, config.AssetExtensions),
		manifest:   manifest,
		discover:   config.DiscoverAssets,
		now:        time.Now,
		tags:       make(map[string]struct{}),
		log:        logging.For("interceptor"),
	}, nil
}

// Origin returns the application origin.
func (i *Interceptor) Origin() *url.URL {
	return i.origin
}

// Classifier returns the request classifier.
func (i *Interceptor) Classifier() *Classifier {
	return i.classifier
}

// Active reports whether cached strategies are being served.
func (i *Interceptor) Active() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.active
}

// Wait blocks until every background revalidation has finished.
func (i *Interceptor) Wait() {
	i.revalidating.Wait()
}

// PendingTags returns the background sync tags waiting for the next successful round trip.
func (i *Interceptor) PendingTags() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	tags := make([]string, 0, len(i.tags))
	for t := range i.tags {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	strategy := i.classifier.Classify(req)
	if strategy == PassThrough || !i.Active() {
		return i.fetch(req)
	}

	switch strategy {
	case NetworkFirst:
		return i.networkFirst(req)
	case CacheFirst:
		return i.cacheFirst(req, NamespaceName(ImagesRole, i.version))
	case StaleWhileRevalidate:
		return i.staleWhileRevalidate(req)
	case NavigationFallback:
		return i.navigation(req)
	default:
		return i.cacheFirst(req, NamespaceName(ShellRole, i.version))
	}
}

// =====================================================
// Network
// =====================================================

// fetch sends req to the network. A network-level failure of a same-origin API
// write registers the sync tag; the next successful round trip fires every
// registered tag as a WakeSync.
func (i *Interceptor) fetch(req *http.Request) (*http.Response, error) {
	resp, err := i.next.RoundTrip(req)
	if err != nil {
		if req.Method != http.MethodGet && req.Method != http.MethodHead &&
			i.classifier.SameOrigin(req.URL) && i.classifier.IsAPI(req.URL.Path) {
			i.registerTag(connectivity.SyncTag)
		}
		return nil, err
	}
	i.fireTags()
	return resp, nil
}

func (i *Interceptor) registerTag(tag string) {
	i.mu.Lock()
	_, exists := i.tags[tag]
	i.tags[tag] = struct{}{}
	i.mu.Unlock()

	if !exists {
		i.log.Info("Background sync registered", map[string]interface{}{"tag": tag})
	}
}

func (i *Interceptor) fireTags() {
	i.mu.Lock()
	if len(i.tags) == 0 {
		i.mu.Unlock()
		return
	}
	tags := make([]string, 0, len(i.tags))
	for t := range i.tags {
		tags = append(tags, t)
	}
	i.tags = make(map[string]struct{})
	i.mu.Unlock()

	sort.Strings(tags)
	for _, t := range tags {
		if i.bus == nil || !i.bus.Publish(connectivity.Wake(t)) {
			i.log.Warn("Background sync dropped", map[string]interface{}{"tag": t})
			continue
		}
		i.log.Info("Background sync fired", map[string]interface{}{"tag": t})
	}
}

// fetchAndStore fetches req and stores a 2xx response under each of keys in ns.
// The returned response carries a rewound body.
func (i *Interceptor) fetchAndStore(req *http.Request, ns string, keys ...string) (*http.Response, error) {
	resp, err := i.fetch(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := cache.NewEntry(resp, body, i.now())
	if len(keys) == 0 {
		keys = []string{requestKey(req)}
	}
	for _, k := range keys {
		i.put(ns, k, entry)
	}
	return resp, nil
}

// =====================================================
// Strategies
// =====================================================

func (i *Interceptor) networkFirst(req *http.Request) (*http.Response, error) {
	ns := NamespaceName(APIRole, i.version)
	resp, err := i.fetchAndStore(req, ns)
	if err == nil {
		return resp, nil
	}

	if entry, ok := i.lookup(requestKey(req), ns); ok {
		i.log.Debug("Serving cached API response", map[string]interface{}{"url": req.URL.RequestURI()})
		return entry.Response(req), nil
	}
	return offlineAPIResponse(req), nil
}

func (i *Interceptor) cacheFirst(req *http.Request, ns string) (*http.Response, error) {
	namespaces := []string{ns}
	if shell := NamespaceName(ShellRole, i.version); ns != shell {
		namespaces = append(namespaces, shell)
	}
	if entry, ok := i.lookup(requestKey(req), namespaces...); ok {
		return entry.Response(req), nil
	}

	resp, err := i.fetchAndStore(req, ns)
	if err != nil {
		return offlinePlaceholder(req), nil
	}
	return resp, nil
}

func (i *Interceptor) staleWhileRevalidate(req *http.Request) (*http.Response, error) {
	ns := NamespaceName(ShellRole, i.version)
	entry, ok := i.lookup(requestKey(req), ns)
	if !ok {
		return i.fetchAndStore(req, ns)
	}

	bg := req.Clone(context.WithoutCancel(req.Context()))
	i.revalidating.Add(1)
	go func() {
		defer i.revalidating.Done()
		resp, err := i.fetchAndStore(bg, ns)
		if err != nil {
			i.log.Debug("Revalidation failed", map[string]interface{}{
				"url":   bg.URL.RequestURI(),
				"error": err.Error(),
			})
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	return entry.Response(req), nil
}

func (i *Interceptor) navigation(req *http.Request) (*http.Response, error) {
	ns := NamespaceName(ShellRole, i.version)
	doc := i.shellDocument()

	resp, err := i.fetchAndStore(req, ns, doc)
	if err == nil {
		return resp, nil
	}

	if entry, ok := i.lookup(doc, ns); ok {
		i.log.Debug("Serving cached shell", map[string]interface{}{"url": req.URL.RequestURI()})
		return entry.Response(req), nil
	}
	return offlinePlaceholder(req), nil
}

// =====================================================
// Cache access
// =====================================================

// lookup returns the first entry found for key in namespaces, in order.
// Cache read errors count as misses.
func (i *Interceptor) lookup(key string, namespaces ...string) (*cache.Entry, bool) {
	for _, name := range namespaces {
		entry, ok, err := i.store.Namespace(name).Get(http.MethodGet, key)
		if err != nil {
			i.log.Warn("Cache read failed", map[string]interface{}{"namespace": name, "error": err.Error()})
			continue
		}
		if ok {
			return entry, true
		}
	}
	return nil, false
}

func (i *Interceptor) put(name, key string, entry *cache.Entry) {
	ns, err := i.store.Open(name)
	if err == nil {
		err = ns.Put(http.MethodGet, key, entry)
	}
	if err != nil {
		i.log.Warn("Cache write failed", map[string]interface{}{"namespace": name, "key": key, "error": err.Error()})
	}
}

func (i *Interceptor) shellDocument() string {
	return i.manifest[0]
}

// requestKey is the cache identity of a same-origin request.
func requestKey(req *http.Request) string {
	return req.URL.RequestURI()
}

// =====================================================
// Synthesized responses
// =====================================================

func offlineAPIResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return synthesize(req, http.StatusServiceUnavailable, header, []byte(offlineBody))
}

func offlinePlaceholder(req *http.Request) *http.Response {
	return synthesize(req, http.StatusServiceUnavailable, make(http.Header), nil)
}

func synthesize(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	header.Set(OfflineHeader, "1")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
