package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/types"
)

// DefaultTTL is the default snapshot freshness window.
const DefaultTTL = 5 * time.Minute

// StatusSource produces a full snapshot from one data-source tier. An error
// means the tier is unavailable and the cache falls through to the next.
type StatusSource interface {
	Name() string
	FetchStatus(ctx context.Context) (*types.StatusSnapshot, error)
}

// SnapshotCache is the tiered fallback cache over the status sources. Its
// slot is in one of three states: Fresh (age within TTL, served directly),
// Stale (recompute, fall back to the stale copy on failure), or Absent
// (recompute, fall back to an optimistic all-ACTIVE default on failure).
// Concurrent refreshes for the slot collapse into one upstream computation.
type SnapshotCache struct {
	sources    []StatusSource
	ttl        time.Duration
	totalCount int
	store      *FileStore
	now        func() time.Time

	mu       sync.Mutex
	snapshot *types.StatusSnapshot
	inflight *refresh
}

// refresh is one in-progress recomputation shared by all waiting callers.
type refresh struct {
	done   chan struct{}
	result *types.StatusSnapshot
	err    error
}

// SnapshotCacheConfig holds configuration for the snapshot cache.
type SnapshotCacheConfig struct {
	// Sources are tried in order on every recompute. Required, at least one.
	Sources []StatusSource

	// TTL is the freshness window. Default: 5 minutes.
	TTL time.Duration

	// TotalCount is the collection size, used for the optimistic default.
	// Required.
	TotalCount int

	// Store optionally persists the snapshot across restarts.
	Store *FileStore

	// Now overrides the clock for tests.
	Now func() time.Time
}

// NewSnapshotCache creates a cache, seeding the slot from the file store
// when one is configured.
func NewSnapshotCache(cfg *SnapshotCacheConfig) (*SnapshotCache, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if len(cfg.Sources) == 0 {
		return nil, errors.New("at least one status source is required")
	}
	if cfg.TotalCount <= 0 {
		return nil, errors.New("total count must be positive")
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &SnapshotCache{
		sources:    cfg.Sources,
		ttl:        ttl,
		totalCount: cfg.TotalCount,
		store:      cfg.Store,
		now:        now,
	}

	if cfg.Store != nil {
		if snapshot, err := cfg.Store.Load(); err == nil && snapshot != nil {
			c.snapshot = snapshot
		}
	}

	return c, nil
}

// GetStatus returns the current snapshot. With forceRefresh false a Fresh
// slot is served with zero downstream calls; otherwise the sources are tried
// in order and the result replaces the slot. On total failure the previous
// snapshot is served marked stale, or the optimistic default if the slot was
// Absent. The returned snapshot is always an error-free private copy.
func (c *SnapshotCache) GetStatus(ctx context.Context, forceRefresh bool) (*types.StatusSnapshot, error) {
	c.mu.Lock()

	if !forceRefresh && c.snapshot != nil && c.snapshot.Age(c.now()) < c.ttl {
		snapshot := c.snapshot.Copy()
		c.mu.Unlock()
		snapshot.ServedFromCache = true
		return snapshot, nil
	}

	// Join an in-progress refresh rather than starting a second one.
	if c.inflight != nil {
		r := c.inflight
		c.mu.Unlock()
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.err == nil {
			return r.result.Copy(), nil
		}
		return c.fallback(ctx)
	}

	r := &refresh{done: make(chan struct{})}
	c.inflight = r
	c.mu.Unlock()

	snapshot, err := c.recompute(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err == nil {
		c.snapshot = snapshot
	}
	c.mu.Unlock()

	r.result = snapshot
	r.err = err
	close(r.done)

	if err == nil {
		if c.store != nil {
			if saveErr := c.store.Save(snapshot); saveErr != nil {
				logging.FromContext(ctx).WithError(saveErr).Warn("failed to persist snapshot")
			}
		}
		return snapshot.Copy(), nil
	}
	return c.fallback(ctx)
}

// recompute tries each source in order and returns the first snapshot.
func (c *SnapshotCache) recompute(ctx context.Context) (*types.StatusSnapshot, error) {
	log := logging.FromContext(ctx).WithField("component", "snapshot_cache")

	var lastErr error
	for _, source := range c.sources {
		snapshot, err := source.FetchStatus(ctx)
		if err != nil {
			log.WithError(err).Warnf("status source %s failed, falling through", source.Name())
			lastErr = err
			continue
		}
		return snapshot, nil
	}
	return nil, lastErr
}

// fallback serves the best degraded answer after a failed recompute: the
// previous snapshot marked stale, or the documented optimistic default when
// nothing was ever computed. Never an error; the catalog must always render.
func (c *SnapshotCache) fallback(ctx context.Context) (*types.StatusSnapshot, error) {
	log := logging.FromContext(ctx).WithField("component", "snapshot_cache")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot != nil {
		log.Warn("recompute failed, serving stale snapshot")
		snapshot := c.snapshot.Copy()
		snapshot.ServedFromCache = true
		snapshot.ServedStale = true
		return snapshot, nil
	}

	// The optimistic default is deliberately not stored: the next request
	// retries the sources instead of treating the guess as fresh data.
	log.Warn("recompute failed with no prior snapshot, serving optimistic default")
	return types.NewOptimisticSnapshot(c.totalCount, c.now()), nil
}

// Snapshot returns the currently cached snapshot copy without triggering a
// refresh, or nil when the slot is Absent.
func (c *SnapshotCache) Snapshot() *types.StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.Copy()
}
