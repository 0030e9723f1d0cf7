package intercept

import (
	"bytes"
	"context"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/psconsult/offline/internal/cache"
)

// linkRels are the <link rel> values whose target belongs to the shell.
var linkRels = map[string]bool{
	"stylesheet":       true,
	"icon":             true,
	"apple-touch-icon": true,
	"manifest":         true,
	"modulepreload":    true,
	"preload":          true,
}

// DiscoverAssets returns the request keys of same-origin scripts, stylesheets,
// icons, images and the web manifest referenced by an HTML document, in
// document order without duplicates. base resolves relative references.
func DiscoverAssets(doc []byte, base *url.URL) []string {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var keys []string
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(ref, "data:") {
			return
		}
		u, err := url.Parse(ref)
		if err != nil {
			return
		}
		u = base.ResolveReference(u)
		if !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
			return
		}
		u.Fragment = ""
		key := u.RequestURI()
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script":
				add(attr(n, "src"))
			case "img":
				add(attr(n, "src"))
			case "link":
				for _, rel := range strings.Fields(strings.ToLower(attr(n, "rel"))) {
					if linkRels[rel] {
						add(attr(n, "href"))
						break
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return keys
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// primeDiscovered fetches the assets referenced by the shell document that are
// not already in the manifest. Failures are logged and skipped.
func (i *Interceptor) primeDiscovered(ctx context.Context, shell *cache.Entry) []cache.Item {
	mediaType, _, _ := mime.ParseMediaType(shell.Header.Get("Content-Type"))
	if mediaType != "text/html" {
		return nil
	}

	listed := make(map[string]bool, len(i.manifest))
	for _, key := range i.manifest {
		listed[key] = true
	}

	var items []cache.Item
	for _, key := range DiscoverAssets(shell.Body, i.origin) {
		if listed[key] {
			continue
		}
		entry, err := i.prime(ctx, key)
		if err != nil {
			i.log.Warn("Shell asset skipped", map[string]interface{}{"url": key, "error": err.Error()})
			continue
		}
		items = append(items, cache.Item{Method: http.MethodGet, URL: key, Entry: entry})
	}
	return items
}
