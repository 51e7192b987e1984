package registry

import (
	"context"
	"errors"
	"testing"

	"flowcore/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(namespace, name, version string) *domain.WorkflowDocument {
	return &domain.WorkflowDocument{
		Document: domain.DocumentMeta{Namespace: namespace, Name: name, Version: version},
		Do:       domain.NewTaskList(),
	}
}

func TestResolveExactVersion(t *testing.T) {
	r := New(8)
	r.Register(doc("default", "add-numbers", "1.0.0"))

	got, err := r.Resolve(context.Background(), domain.Ref{Namespace: "default", Name: "add-numbers", Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Document.Version)
}

func TestResolveLatestPicksHighestSemver(t *testing.T) {
	r := New(8)
	r.Register(doc("default", "add-numbers", "1.0.0"))
	r.Register(doc("default", "add-numbers", "2.1.0"))
	r.Register(doc("default", "add-numbers", "1.9.0"))

	got, err := r.Resolve(context.Background(), domain.Ref{Namespace: "default", Name: "add-numbers", Version: "latest"})
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", got.Document.Version)
}

func TestResolveUnknownReturnsError(t *testing.T) {
	r := New(8)
	_, err := r.Resolve(context.Background(), domain.Ref{Namespace: "default", Name: "missing", Version: "1.0.0"})
	assert.Error(t, err)
}

type fakeLoader struct {
	body []byte
	err  error
	gets int
}

func (f *fakeLoader) Load(ctx context.Context, url string) ([]byte, error) {
	f.gets++
	return f.body, f.err
}

func TestLoadFromCatalogMemoizesAcrossCalls(t *testing.T) {
	loader := &fakeLoader{body: []byte("document:\n  namespace: default\n  name: add-numbers\n  version: 1.0.0\ndo: []\n")}
	r := New(8).WithLoader(loader)
	r.RegisterCatalog("main", "file:///catalog")

	doc1, err := r.LoadFromCatalog(context.Background(), "add-numbers:1.0.0")
	require.NoError(t, err)
	require.NotNil(t, doc1)

	doc2, err := r.LoadFromCatalog(context.Background(), "add-numbers:1.0.0")
	require.NoError(t, err)
	assert.Same(t, doc1, doc2)
	assert.Equal(t, 1, loader.gets, "second lookup should hit the memoized cache, not the loader again")
}

func TestLoadFromCatalogNonCatalogReferenceReturnsNil(t *testing.T) {
	r := New(8)
	doc, err := r.LoadFromCatalog(context.Background(), "http://example.com/service")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestLoadFromCatalogPropagatesLoaderError(t *testing.T) {
	loader := &fakeLoader{err: errors.New("boom")}
	r := New(8).WithLoader(loader)
	r.RegisterCatalog("main", "file:///catalog")

	_, err := r.LoadFromCatalog(context.Background(), "add-numbers:1.0.0")
	assert.Error(t, err)
}
