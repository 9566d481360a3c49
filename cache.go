package rbac

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// DECISION CACHE
// ============================================================================

const (
	DefaultDecisionCacheTTL = 300 * time.Second
	DefaultStoreTimeout     = 100 * time.Millisecond
)

// CacheKey identifies a cached decision. The resource ID is deliberately absent:
// decisions depend only on the resource type.
type CacheKey struct {
	SubjectID    string
	Action       string
	ResourceType string
	TenantID     string
	ClientID     string
}

// KeyFor derives the cache key of a request.
func KeyFor(req CheckRequest) CacheKey {
	return CacheKey{
		SubjectID:    req.Subject,
		Action:       strings.TrimSpace(req.Action),
		ResourceType: req.ResourceType(),
		TenantID:     req.Context.TenantID,
		ClientID:     req.Context.ClientID,
	}
}

// String encodes the key with a length prefix per field, so no two distinct keys
// share an encoding whatever characters the IDs contain.
func (k CacheKey) String() string {
	var b strings.Builder
	for _, f := range [...]string{k.SubjectID, k.Action, k.ResourceType, k.TenantID, k.ClientID} {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	return b.String()
}

// CacheConfig tunes the underlying ristretto cache.
type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration
	// FillTimeout bounds a shared fill, which runs detached from any one caller.
	FillTimeout time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		NumCounters: 100_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
		TTL:         DefaultDecisionCacheTTL,
		FillTimeout: DefaultStoreTimeout,
	}
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Fills         uint64 `json:"fills"`
	SharedFills   uint64 `json:"shared_fills"`
	Invalidations uint64 `json:"invalidations"`
	StaleRejected uint64 `json:"stale_rejected"`
}

type cacheEntry struct {
	decision Decision
	gen      uint64
}

// DecisionCache memoizes decisions per CacheKey.
//
// Every subject owns a generation counter. Entries remember the generation that
// was current when their evaluation began, and InvalidateSubject bumps it, so once
// InvalidateSubject returns no Get can observe an entry computed before the call.
type DecisionCache struct {
	store       *ristretto.Cache
	gens        sync.Map // subjectID -> *atomic.Uint64
	group       singleflight.Group
	ttl         time.Duration
	fillTimeout time.Duration

	hits, misses, fills, shared, invalidations, stale atomic.Uint64
}

func NewDecisionCache(cfg CacheConfig) (*DecisionCache, error) {
	def := DefaultCacheConfig()
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = def.NumCounters
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = def.MaxCost
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = def.BufferItems
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = def.FillTimeout
	}
	// every entry costs 1, so MaxCost is an entry count
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.NumCounters,
		MaxCost:            cfg.MaxCost,
		BufferItems:        cfg.BufferItems,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("decision cache: %w", err)
	}
	return &DecisionCache{store: store, ttl: cfg.TTL, fillTimeout: cfg.FillTimeout}, nil
}

// TTL returns the default entry lifetime.
func (c *DecisionCache) TTL() time.Duration { return c.ttl }

func (c *DecisionCache) counter(subjectID string) *atomic.Uint64 {
	if v, ok := c.gens.Load(subjectID); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := c.gens.LoadOrStore(subjectID, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// generation reads the subject's counter without creating one; subjects that were
// never invalidated sit at 0.
func (c *DecisionCache) generation(subjectID string) uint64 {
	if v, ok := c.gens.Load(subjectID); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

// Get returns a live entry for key.
func (c *DecisionCache) Get(key CacheKey) (Decision, bool) {
	k := key.String()
	v, ok := c.store.Get(k)
	if !ok {
		c.misses.Add(1)
		return Decision{}, false
	}
	entry := v.(cacheEntry)
	if entry.gen != c.generation(key.SubjectID) {
		c.store.Del(k)
		c.stale.Add(1)
		c.misses.Add(1)
		return Decision{}, false
	}
	c.hits.Add(1)
	return entry.decision, true
}

// Put stores d under the subject's current generation. Transient decisions are
// ignored. A non-positive ttl uses the cache default.
func (c *DecisionCache) Put(key CacheKey, d Decision, ttl time.Duration) {
	c.putAt(key, d, ttl, c.generation(key.SubjectID))
}

func (c *DecisionCache) putAt(key CacheKey, d Decision, ttl time.Duration, gen uint64) {
	if !d.Cacheable() {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	// an invalidation landed while the decision was being computed
	if gen != c.generation(key.SubjectID) {
		c.stale.Add(1)
		return
	}
	c.store.SetWithTTL(key.String(), cacheEntry{decision: d, gen: gen}, 1, ttl)
}

// InvalidateSubject makes every existing entry of subjectID unreachable.
func (c *DecisionCache) InvalidateSubject(subjectID string) {
	c.counter(subjectID).Add(1)
	c.invalidations.Add(1)
}

// Fill returns the cached decision for key or computes it with fn.
//
// Concurrent misses on the same key and generation share one call to fn. The
// shared call runs on a context detached from ctx and bounded by the fill
// timeout; each caller still returns store_unavailable when its own ctx ends.
// A panic in fn is recovered and reported as an error with a store_unavailable
// decision. The bool result reports a cache hit.
func (c *DecisionCache) Fill(ctx context.Context, key CacheKey, ttl time.Duration, fn func(context.Context) Decision) (Decision, bool, error) {
	if d, ok := c.Get(key); ok {
		return d, true, nil
	}
	if err := ctx.Err(); err != nil {
		return Deny(ReasonStoreUnavailable), false, err
	}
	gen := c.generation(key.SubjectID)
	flight := key.String() + "#" + strconv.FormatUint(gen, 10)

	ch := c.group.DoChan(flight, func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				v, err = Deny(ReasonStoreUnavailable), fmt.Errorf("decision evaluation panicked: %v", r)
			}
		}()
		c.fills.Add(1)
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fillTimeout)
		defer cancel()
		d := fn(fillCtx)
		c.putAt(key, d, ttl, gen)
		return d, nil
	})
	select {
	case <-ctx.Done():
		return Deny(ReasonStoreUnavailable), false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		return res.Val.(Decision), false, res.Err
	}
}

// Wait blocks until buffered writes are applied.
func (c *DecisionCache) Wait() { c.store.Wait() }

// Clear drops every entry.
func (c *DecisionCache) Clear() { c.store.Clear() }

func (c *DecisionCache) Close() { c.store.Close() }

func (c *DecisionCache) Stats() CacheStats {
	return CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Fills:         c.fills.Load(),
		SharedFills:   c.shared.Load(),
		Invalidations: c.invalidations.Load(),
		StaleRejected: c.stale.Load(),
	}
}
