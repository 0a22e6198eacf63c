package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collection-scanner/internal/types"
)

type stubSource struct {
	mu       sync.Mutex
	name     string
	snapshot *types.StatusSnapshot
	err      error
	delay    time.Duration
	calls    int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FetchStatus(ctx context.Context) (*types.StatusSnapshot, error) {
	s.mu.Lock()
	s.calls++
	snapshot, err, delay := s.snapshot, s.err, s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return snapshot.Copy(), nil
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot, s.err = nil, err
}

// makeSnapshot builds a valid snapshot with the given tokens sold.
func makeSnapshot(total int, soldIDs []int64, capturedAt time.Time) *types.StatusSnapshot {
	statuses := make(map[int64]types.TokenStatus, total)
	for id := int64(0); id < int64(total); id++ {
		statuses[id] = types.StatusActive
	}
	for _, id := range soldIDs {
		statuses[id] = types.StatusSold
	}
	return &types.StatusSnapshot{
		TotalCount: total,
		LiveCount:  total - len(soldIDs),
		SoldCount:  len(soldIDs),
		Statuses:   statuses,
		CapturedAt: capturedAt,
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSnapshotCacheGetStatus(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	t.Run("fresh snapshot is served with zero downstream calls", func(t *testing.T) {
		clock := &testClock{now: base}
		source := &stubSource{name: "ledger", snapshot: makeSnapshot(10, []int64{3}, base)}
		cache, err := NewSnapshotCache(&SnapshotCacheConfig{
			Sources:    []StatusSource{source},
			TTL:        5 * time.Minute,
			TotalCount: 10,
			Now:        clock.Now,
		})
		require.NoError(t, err)

		first, err := cache.GetStatus(ctx, false)
		require.NoError(t, err)
		second, err := cache.GetStatus(ctx, false)
		require.NoError(t, err)

		assert.Equal(t, 1, source.callCount(), "second read within TTL must not hit a source")
		assert.False(t, first.ServedFromCache)
		assert.True(t, second.ServedFromCache)
		assert.False(t, second.ServedStale)
		assert.Equal(t, first.Statuses, second.Statuses)
		assert.Equal(t, first.CapturedAt, second.CapturedAt)
	})

	t.Run("stale snapshot triggers recompute and replaces the slot", func(t *testing.T) {
		clock := &testClock{now: base}
		source := &stubSource{name: "ledger", snapshot: makeSnapshot(10, []int64{3}, base)}
		cache, err := NewSnapshotCache(&SnapshotCacheConfig{
			Sources:    []StatusSource{source},
			TTL:        5 * time.Minute,
			TotalCount: 10,
			Now:        clock.Now,
		})
		require.NoError(t, err)

		_, err = cache.GetStatus(ctx, false)
		require.NoError(t, err)

		clock.Advance(6 * time.Minute)
		source.mu.Lock()
		source.snapshot = makeSnapshot(10, []int64{3, 4}, clock.Now())
		source.mu.Unlock()

		snap, err := cache.GetStatus(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, 2, snap.SoldCount)
		assert.Equal(t, 2, source.callCount())
		assert.False(t, snap.ServedStale)
	})

	t.Run("failed recompute serves the stale snapshot marked stale", func(t *testing.T) {
		clock := &testClock{now: base}
		source := &stubSource{name: "ledger", snapshot: makeSnapshot(100, make42(), base)}
		cache, err := NewSnapshotCache(&SnapshotCacheConfig{
			Sources:    []StatusSource{source},
			TTL:        5 * time.Minute,
			TotalCount: 100,
			Now:        clock.Now,
		})
		require.NoError(t, err)

		_, err = cache.GetStatus(ctx, false)
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)
		source.fail(errors.New("event scan failed"))

		snap, err := cache.GetStatus(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, 42, snap.SoldCount, "must serve the cached count, not a recomputed or zeroed one")
		assert.True(t, snap.ServedStale)
	})

	t.Run("absent slot with failing sources serves the optimistic default", func(t *testing.T) {
		clock := &testClock{now: base}
		source := &stubSource{name: "ledger", err: errors.New("total outage")}
		cache, err := NewSnapshotCache(&SnapshotCacheConfig{
			Sources:    []StatusSource{source},
			TotalCount: 7777,
			Now:        clock.Now,
		})
		require.NoError(t, err)

		snap, err := cache.GetStatus(ctx, false)
		require.NoError(t, err, "degraded response, never an error")
		assert.Equal(t, 7777, snap.LiveCount)
		assert.Equal(t, 0, snap.SoldCount)

		// The default is not cached; the next request retries the sources.
		_, err = cache.GetStatus(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, 2, source.callCount())
	})

	t.Run("tiers fall through in order", func(t *testing.T) {
		clock := &testClock{now: base}
		indexer := &stubSource{name: "indexer", err: errors.New("indexer down")}
		ledger := &stubSource{name: "ledger", snapshot: makeSnapshot(5, nil, base)}
		cache, err := NewSnapshotCache(&SnapshotCacheConfig{
			Sources:    []StatusSource{indexer, ledger},
			TotalCount: 5,
			Now:        clock.Now,
		})
		require.NoError(t, err)

		snap, err := cache.GetStatus(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, 5, snap.LiveCount)
		assert.Equal(t, 1, indexer.callCount())
		assert.Equal(t, 1, ledger.callCount())
	})

	t.Run("force refresh bypasses the freshness window", func(t *testing.T) {
		clock := &testClock{now: base}
		source := &stubSource{name: "ledger", snapshot: makeSnapshot(5, nil, base)}
		cache, err := NewSnapshotCache(&SnapshotCacheConfig{
			Sources:    []StatusSource{source},
			TTL:        time.Hour,
			TotalCount: 5,
			Now:        clock.Now,
		})
		require.NoError(t, err)

		_, err = cache.GetStatus(ctx, false)
		require.NoError(t, err)
		_, err = cache.GetStatus(ctx, true)
		require.NoError(t, err)

		assert.Equal(t, 2, source.callCount())
	})

	t.Run("concurrent refreshes collapse into one computation", func(t *testing.T) {
		clock := &testClock{now: base}
		source := &stubSource{name: "ledger", snapshot: makeSnapshot(5, nil, base), delay: 50 * time.Millisecond}
		cache, err := NewSnapshotCache(&SnapshotCacheConfig{
			Sources:    []StatusSource{source},
			TotalCount: 5,
			Now:        clock.Now,
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				snap, err := cache.GetStatus(ctx, false)
				assert.NoError(t, err)
				assert.Equal(t, 5, snap.LiveCount)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, source.callCount())
	})
}

func TestSnapshotCachePersistence(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	t.Run("snapshot survives a restart through the file store", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "snapshot.json")
		store, err := NewFileStore(path)
		require.NoError(t, err)

		clock := &testClock{now: base}
		source := &stubSource{name: "ledger", snapshot: makeSnapshot(10, []int64{1}, base)}
		cache, err := NewSnapshotCache(&SnapshotCacheConfig{
			Sources:    []StatusSource{source},
			TTL:        time.Hour,
			TotalCount: 10,
			Store:      store,
			Now:        clock.Now,
		})
		require.NoError(t, err)

		_, err = cache.GetStatus(ctx, false)
		require.NoError(t, err)

		// A second cache over the same file starts with the slot populated.
		reopened, err := NewSnapshotCache(&SnapshotCacheConfig{
			Sources:    []StatusSource{&stubSource{name: "ledger", err: errors.New("down")}},
			TTL:        time.Hour,
			TotalCount: 10,
			Store:      store,
			Now:        clock.Now,
		})
		require.NoError(t, err)

		snap, err := reopened.GetStatus(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, 1, snap.SoldCount)
		assert.False(t, snap.ServedStale, "persisted snapshot is still fresh")
	})
}

// make42 returns 42 token ids for the stale-count scenario.
func make42() []int64 {
	ids := make([]int64, 42)
	for i := range ids {
		ids[i] = int64(i)
	}
	return ids
}
