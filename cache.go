package ixkv

import (
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// IndexCache is the per-process cache of index sets, one entry per tenant
// and data source. It is an explicit service object with its own lifecycle: construct
// it at process start, inject it into the engine, evict or refresh entries as
// validation dictates. There is no ambient singleton.
//
// Entries are immutable once stored and the whole entry pointer is swapped
// atomically, so a concurrent cache hit can never observe a half-updated
// entry. An entry is only ever stored with a version that was read inside the
// transaction populating it.
type IndexCache struct {
	entries *xsync.MapOf[string, *CachedIndexSet]

	set    *metrics.Set
	hits   *metrics.Counter
	misses *metrics.Counter
	stales *metrics.Counter
	age    *metrics.Histogram
}

// CachedIndexSet is the index set of one data source as of Version.
// FetchedAt feeds staleness telemetry only; correctness comes solely from the
// version validation protocol.
type CachedIndexSet struct {
	Version   uint64
	Indexes   []*IndexDefinition
	FetchedAt time.Time
}

func NewIndexCache() *IndexCache {
	set := metrics.NewSet()
	return &IndexCache{
		entries: xsync.NewMapOf[string, *CachedIndexSet](),
		set:     set,
		hits:    set.NewCounter("ixkv_index_cache_hits_total"),
		misses:  set.NewCounter("ixkv_index_cache_misses_total"),
		stales:  set.NewCounter("ixkv_index_cache_stale_total"),
		age:     set.NewHistogram("ixkv_index_cache_age_seconds"),
	}
}

// Metrics exposes the cache's telemetry set for scraping.
func (c *IndexCache) Metrics() *metrics.Set {
	return c.set
}

// cacheKey scopes entries per tenant: tenants migrate independently, so the
// same source may be at different schema versions across tenants.
func cacheKey(tenant, source string) string {
	return tenant + "\x00" + source
}

func (c *IndexCache) get(tenant, source string) (*CachedIndexSet, bool) {
	e, ok := c.entries.Load(cacheKey(tenant, source))
	if ok {
		c.hits.Inc()
		c.age.Update(time.Since(e.FetchedAt).Seconds())
	} else {
		c.misses.Inc()
	}
	return e, ok
}

func (c *IndexCache) put(tenant, source string, e *CachedIndexSet) {
	c.entries.Store(cacheKey(tenant, source), e)
}

// Evict drops the entry for source within tenant. Called on validation
// failure, and by migrations that know they just changed the index set.
func (c *IndexCache) Evict(tenant, source string) {
	c.entries.Delete(cacheKey(tenant, source))
}

func (c *IndexCache) markStale(tenant, source string) {
	c.stales.Inc()
	c.Evict(tenant, source)
}
