// Package intercept implements the caching request interceptor that sits between
// the consult web application and the network.
package intercept

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Strategy is the caching strategy applied to one request.
type Strategy int

const (
	// PassThrough sends the request to the network untouched.
	PassThrough Strategy = iota
	// NetworkFirst tries the network and falls back to api-responses.
	NetworkFirst
	// CacheFirst serves images from the images namespace.
	CacheFirst
	// StaleWhileRevalidate serves build assets from cache and refreshes them behind the caller.
	StaleWhileRevalidate
	// NavigationFallback tries the network and falls back to the cached shell document.
	NavigationFallback
	// ShellCacheFirst serves everything else from the static shell namespace.
	ShellCacheFirst
)

func (s Strategy) String() string {
	switch s {
	case PassThrough:
		return "pass-through"
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case NavigationFallback:
		return "navigation"
	case ShellCacheFirst:
		return "shell-cache-first"
	default:
		return "unknown"
	}
}

// DefaultAPIPrefix is the path prefix routed to NetworkFirst.
const DefaultAPIPrefix = "/api/"

// DefaultImageExtensions lists extensions routed to CacheFirst.
var DefaultImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico"}

// DefaultAssetExtensions lists hashed build asset extensions routed to StaleWhileRevalidate.
var DefaultAssetExtensions = []string{".js", ".mjs", ".css", ".woff", ".woff2", ".ttf"}

// Classifier maps requests to strategies by URL shape. The first matching rule wins.
type Classifier struct {
	origin    *url.URL
	apiPrefix string
	images    map[string]bool
	assets    map[string]bool
}

// NewClassifier creates a Classifier for same-origin requests to origin.
// Empty arguments take their defaults.
func NewClassifier(origin *url.URL, apiPrefix string, images, assets []string) *Classifier {
	if apiPrefix == "" {
		apiPrefix = DefaultAPIPrefix
	}
	if len(images) == 0 {
		images = DefaultImageExtensions
	}
	if len(assets) == 0 {
		assets = DefaultAssetExtensions
	}
	return &Classifier{
		origin:    origin,
		apiPrefix: apiPrefix,
		images:    extensionSet(images),
		assets:    extensionSet(assets),
	}
}

func extensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

// SameOrigin reports whether u points at the classifier's origin.
func (c *Classifier) SameOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

// IsAPI reports whether p is under the API prefix.
func (c *Classifier) IsAPI(p string) bool {
	return strings.HasPrefix(p, c.apiPrefix)
}

// Classify returns the strategy for req.
func (c *Classifier) Classify(req *http.Request) Strategy {
	if req.Method != http.MethodGet || !c.SameOrigin(req.URL) {
		return PassThrough
	}

	p := req.URL.Path
	ext := strings.ToLower(path.Ext(p))
	switch {
	case c.IsAPI(p):
		return NetworkFirst
	case c.images[ext]:
		return CacheFirst
	case c.assets[ext]:
		return StaleWhileRevalidate
	case isNavigation(req):
		return NavigationFallback
	default:
		return ShellCacheFirst
	}
}

// isNavigation reports whether req is a top-level page load.
func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
