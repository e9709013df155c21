// Package cache provides the per-tenant cache pool. Each repository gets an
// isolated set of category caches created at tenant activation; lookups for
// unknown repositories degrade to a no-op cache so callers fall through to
// the backend instead of failing.
package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is one tenant's view of the pool.
type Cache interface {
	Get(cat Category, key string) (any, bool)
	Put(cat Category, key string, value any)
	Delete(cat Category, key string)
	Purge()
}

// nullCache is handed out for unknown repositories and when caching is
// globally disabled. Every operation is a no-op.
type nullCache struct{}

func (nullCache) Get(Category, string) (any, bool) { return nil, false }
func (nullCache) Put(Category, string, any)        {}
func (nullCache) Delete(Category, string)          {}
func (nullCache) Purge()                           {}

// Null returns the shared no-op cache.
func Null() Cache { return nullCache{} }

type tenantCache struct {
	caches map[Category]*expirable.LRU[string, any]
}

func newTenantCache(cfg Config) *tenantCache {
	t := &tenantCache{caches: make(map[Category]*expirable.LRU[string, any], len(Categories))}
	for _, cat := range Categories {
		s := cfg.Resolve(cat)
		if !s.enabled() {
			continue
		}
		t.caches[cat] = expirable.NewLRU[string, any](s.maxEntries(), nil, s.ttl())
	}
	return t
}

func (t *tenantCache) Get(cat Category, key string) (any, bool) {
	c, ok := t.caches[cat]
	if !ok {
		return nil, false
	}
	return c.Get(key)
}

func (t *tenantCache) Put(cat Category, key string, value any) {
	if c, ok := t.caches[cat]; ok {
		c.Add(key, value)
	}
}

func (t *tenantCache) Delete(cat Category, key string) {
	if c, ok := t.caches[cat]; ok {
		c.Remove(key)
	}
}

func (t *tenantCache) Purge() {
	for _, c := range t.caches {
		c.Purge()
	}
}

// Pool owns one tenant cache per active repository.
type Pool struct {
	cfg Config

	mu      sync.RWMutex
	tenants map[string]*tenantCache
}

func NewPool(cfg Config) *Pool {
	return &Pool{cfg: cfg, tenants: make(map[string]*tenantCache)}
}

// Add activates caching for a repository. Re-adding an active repository
// replaces its caches with fresh empty ones.
func (p *Pool) Add(repositoryID string) {
	if p.cfg.Disabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tenants[repositoryID] = newTenantCache(p.cfg)
}

// Remove deactivates caching for a repository.
func (p *Pool) Remove(repositoryID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tenants, repositoryID)
}

// Get returns the repository's cache, or the no-op cache when the repository
// is unknown or caching is disabled.
func (p *Pool) Get(repositoryID string) Cache {
	if p.cfg.Disabled {
		return nullCache{}
	}
	p.mu.RLock()
	t, ok := p.tenants[repositoryID]
	p.mu.RUnlock()
	if !ok {
		return nullCache{}
	}
	return t
}

// Clear drops every entry of one repository's caches.
func (p *Pool) Clear(repositoryID string) {
	p.mu.RLock()
	t, ok := p.tenants[repositoryID]
	p.mu.RUnlock()
	if ok {
		t.Purge()
	}
}

// ClearAll drops every entry of every tenant.
func (p *Pool) ClearAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.tenants {
		t.Purge()
	}
}
