package intercept

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/psconsult/offline/internal/cache"
	apperrors "github.com/psconsult/offline/internal/errors"
)

// normalizeManifest turns manifest URLs into request keys.
func normalizeManifest(manifest []string) ([]string, error) {
	keys := make([]string, 0, len(manifest))
	for _, p := range manifest {
		u, err := url.Parse(p)
		if err != nil || u.IsAbs() {
			return nil, apperrors.Newf(apperrors.ErrConfigInvalid, "invalid shell manifest entry %q", p)
		}
		keys = append(keys, u.RequestURI())
	}
	return keys, nil
}

// Install primes the static shell namespace for the current build with every
// manifest URL. Nothing is written unless every URL was fetched successfully.
func (i *Interceptor) Install(ctx context.Context) error {
	items := make([]cache.Item, 0, len(i.manifest))
	for _, key := range i.manifest {
		entry, err := i.prime(ctx, key)
		if err != nil {
			i.log.ErrorWithCode("Shell precache failed", string(apperrors.ErrPrecache), err,
				map[string]interface{}{"url": key, "version": i.version})
			return apperrors.Wrap(apperrors.ErrPrecache, "failed to precache "+key, err)
		}
		items = append(items, cache.Item{Method: http.MethodGet, URL: key, Entry: entry})
	}
	if i.discover {
		items = append(items, i.primeDiscovered(ctx, items[0].Entry)...)
	}

	ns, err := i.store.Open(NamespaceName(ShellRole, i.version))
	if err == nil {
		err = ns.PutAll(items)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPrecache, "failed to store shell", err)
	}

	i.log.Info("Shell precached", map[string]interface{}{
		"namespace": ns.Name(),
		"urls":      len(items),
	})
	return nil
}

func (i *Interceptor) prime(ctx context.Context, key string) (*cache.Entry, error) {
	ref, err := url.Parse(key)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.origin.ResolveReference(ref).String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := i.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return cache.NewEntry(resp, body, i.now()), nil
}

// Installed reports whether the shell namespace for the current build holds
// every manifest URL.
func (i *Interceptor) Installed() (bool, error) {
	shell := i.store.Namespace(NamespaceName(ShellRole, i.version))
	for _, key := range i.manifest {
		ok, err := shell.Has(http.MethodGet, key)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Activate deletes every namespace that does not belong to the current build
// and starts serving cached strategies. It fails while the shell is not installed.
func (i *Interceptor) Activate() ([]string, error) {
	installed, err := i.Installed()
	if err != nil {
		return nil, err
	}
	if !installed {
		return nil, apperrors.Newf(apperrors.ErrNotActivated, "shell for build %s is not installed", i.version)
	}

	names, err := i.store.Namespaces()
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool)
	for _, n := range ExpectedNamespaces(i.version) {
		keep[n] = true
	}

	var deleted []string
	for _, name := range names {
		if keep[name] {
			continue
		}
		if err := i.store.DeleteNamespace(name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, name)
	}

	i.mu.Lock()
	i.active = true
	i.mu.Unlock()

	i.log.Info("Interceptor activated", map[string]interface{}{
		"version": i.version,
		"deleted": deleted,
	})
	return deleted, nil
}
