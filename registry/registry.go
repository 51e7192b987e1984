// Package registry implements the Workflow Registry: resolution of
// (namespace, name, version) to a loaded Workflow Document, `latest`
// version resolution by semver, and memoized loading of catalog-hosted
// function definitions (file:// and https:// catalogs rooted at a
// directory of {function-name}/{version}/function.yaml paths).
//
// This mirrors the reference engine's try_load_catalog_function, which
// resolves a bare "name:version" reference against a catalog's endpoint
// URI and loads the target function.yaml on first use; the registry adds
// the in-process (namespace,name,version) map and `latest` resolution the
// core scheduler needs for nested workflow Run tasks.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"flowcore/domain"

	"github.com/Masterminds/semver/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"
)

// Loader fetches raw workflow document bytes for a resolved URL. The
// default implementation supports file:// and http(s):// schemes; tests
// substitute an in-memory double.
type Loader interface {
	Load(ctx context.Context, url string) ([]byte, error)
}

// Registry resolves Workflow Document references. Documents registered
// directly via Register take precedence over catalog-loaded ones; catalog
// entries are loaded lazily on first reference and memoized in an LRU for
// the registry's lifetime.
type Registry struct {
	mu   sync.RWMutex
	docs map[string]*domain.WorkflowDocument // key: namespace/name@version

	catalogs map[string]string // catalog name -> endpoint URI, seeded via Use
	loader   Loader
	cache    *lru.Cache[string, *domain.WorkflowDocument]
}

// New returns a Registry backed by an HTTP+file loader and an LRU catalog
// cache holding up to cacheSize resolved documents.
func New(cacheSize int) *Registry {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, *domain.WorkflowDocument](cacheSize)
	if err != nil {
		// Only errors on a non-positive size, guarded above.
		panic(err)
	}
	return &Registry{
		docs:     make(map[string]*domain.WorkflowDocument),
		catalogs: make(map[string]string),
		loader:   defaultLoader{},
		cache:    cache,
	}
}

// WithLoader overrides the transport used for catalog fetches, e.g. with an
// in-memory double in tests.
func (r *Registry) WithLoader(loader Loader) *Registry {
	r.loader = loader
	return r
}

// Register adds doc under its own (namespace, name, version) key, making it
// resolvable by Resolve including via the reserved "latest" version.
func (r *Registry) Register(doc *domain.WorkflowDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := doc.Ref()
	r.docs[registryKey(ref.Namespace, ref.Name, ref.Version)] = doc
}

// RegisterCatalog seeds a named catalog endpoint, mirroring a document's
// use.catalogs block so subsequent nested references can be resolved
// without re-parsing that document.
func (r *Registry) RegisterCatalog(name, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogs[name] = endpoint
}

// Resolve looks up ref, resolving Version == "latest" to the
// highest-semver registered version for (namespace, name). It never
// consults a catalog itself: LoadFromCatalog is the entry point for
// catalog-addressed references (bare "name:version", file://, https://).
func (r *Registry) Resolve(ctx context.Context, ref domain.Ref) (*domain.WorkflowDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ref.Version != "latest" {
		doc, ok := r.docs[registryKey(ref.Namespace, ref.Name, ref.Version)]
		if !ok {
			return nil, fmt.Errorf("workflow registry: no document registered for %s", ref.String())
		}
		return doc, nil
	}

	best, bestVersion := (*domain.WorkflowDocument)(nil), (*semver.Version)(nil)
	prefix := registryKey(ref.Namespace, ref.Name, "")
	for key, doc := range r.docs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		v, err := semver.NewVersion(doc.Document.Version)
		if err != nil {
			continue
		}
		if bestVersion == nil || v.GreaterThan(bestVersion) {
			best, bestVersion = doc, v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("workflow registry: no versions registered for %s/%s", ref.Namespace, ref.Name)
	}
	return best, nil
}

// LoadFromCatalog resolves a `use.functions`/Call-style function reference
// against the registered catalogs, loading and memoizing the target
// function.yaml on first use. It returns (nil, nil) when reference does
// not address a catalog function at all (an ordinary Call transport URL).
func (r *Registry) LoadFromCatalog(ctx context.Context, reference string) (*domain.WorkflowDocument, error) {
	url, ok := r.resolveCatalogURL(reference)
	if !ok {
		return nil, nil
	}

	if cached, ok := r.cache.Get(url); ok {
		return cached, nil
	}

	data, err := r.loader.Load(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("workflow registry: failed to load catalog function %s: %w", reference, err)
	}

	var doc domain.WorkflowDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("workflow registry: failed to parse catalog function %s: %w", reference, err)
	}

	r.cache.Add(url, &doc)
	return &doc, nil
}

// resolveCatalogURL mirrors try_load_catalog_function's reference parsing:
// a direct file:// or http(s):// URL naming a function.yaml passes through
// unchanged, and any other direct URL is not a catalog reference; a bare
// "name:version" reference is expanded against the first registered
// catalog's endpoint as {endpoint}/{name}/{version}/function.yaml.
func (r *Registry) resolveCatalogURL(reference string) (string, bool) {
	if strings.HasPrefix(reference, "http://") || strings.HasPrefix(reference, "https://") || strings.HasPrefix(reference, "file://") {
		if strings.HasSuffix(reference, "/function.yaml") {
			return reference, true
		}
		return "", false
	}
	name, version, ok := strings.Cut(reference, ":")
	if !ok {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.catalogs) == 0 {
		return "", false
	}
	var endpoint string
	for _, e := range r.catalogs {
		endpoint = e
		break
	}
	endpoint = strings.TrimSuffix(endpoint, "/")
	switch {
	case strings.HasPrefix(endpoint, "file://"):
		return fmt.Sprintf("%s/%s/%s/function.yaml", endpoint, name, version), true
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		return fmt.Sprintf("%s/%s/%s/function.yaml", endpoint, name, version), true
	default:
		return "", false
	}
}

func registryKey(namespace, name, version string) string {
	return namespace + "/" + name + "@" + version
}

// defaultLoader fetches file:// paths from disk and http(s):// URLs over a
// short-timeout client, matching the reference engine's tokio::fs /
// reqwest split.
type defaultLoader struct{}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func (defaultLoader) Load(ctx context.Context, url string) ([]byte, error) {
	if path, ok := strings.CutPrefix(url, "file://"); ok {
		return os.ReadFile(path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("catalog fetch %s: HTTP %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
