package resultcache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/fleetpool/resultcache"
)

// memStore is a map-backed KeyedStore standing in for a real persistent
// tier.
type memStore struct {
	mu   sync.Mutex
	recs map[string]resultcache.Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]resultcache.Record)}
}

func (s *memStore) Get(_ context.Context, key string) (resultcache.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	return rec, ok, nil
}

func (s *memStore) Put(_ context.Context, rec resultcache.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.CacheKey] = rec
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, key)
	return nil
}

func (s *memStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.recs))
	for k := range s.recs {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func TestKey_IsStableAndRoundsQuality(t *testing.T) {
	k1 := resultcache.Key("img-1", 800, 600, 0.851, "webp", true)
	k2 := resultcache.Key("img-1", 800, 600, 0.8511, "webp", true)
	assert.Equal(t, k1, k2, "quality rounds to two decimals")

	k3 := resultcache.Key("img-1", 800, 600, 0.86, "webp", true)
	assert.NotEqual(t, k1, k3)
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	c, err := resultcache.New(resultcache.Options{})
	require.NoError(t, err)

	key := resultcache.Key("img-1", 100, 100, 0.9, "png", false)
	c.Put(context.Background(), key, "processed-bytes")

	got, ok := c.Get(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, "processed-bytes", got)

	_, ok = c.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestCache_PromotesFromStoreOnLRUMiss(t *testing.T) {
	store := newMemStore()
	c, err := resultcache.New(resultcache.Options{MemorySize: 1, Store: store})
	require.NoError(t, err)

	ctx := context.Background()
	c.Put(ctx, "a", 1)
	c.Put(ctx, "b", 2) // evicts "a" from the single-slot LRU

	got, ok := c.Get(ctx, "a")
	require.True(t, ok, "a should be found in the store tier")
	assert.Equal(t, 1, got)
}

func TestCache_ExpiredRecordEvictedOnAccess(t *testing.T) {
	store := newMemStore()
	c, err := resultcache.New(resultcache.Options{Expiry: 10 * time.Millisecond, Store: store})
	require.NoError(t, err)

	ctx := context.Background()
	c.Put(ctx, "k", "v")
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok, "expired record is a miss")
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, store.len(), "expiry on access evicts both tiers")
}

func TestCache_PeriodicCleanupEvictsExpired(t *testing.T) {
	store := newMemStore()
	c, err := resultcache.New(resultcache.Options{
		Expiry:          10 * time.Millisecond,
		CleanupInterval: 5 * time.Millisecond,
		Store:           store,
	})
	require.NoError(t, err)

	ctx := context.Background()
	c.Put(ctx, "k1", "v1")
	c.Put(ctx, "k2", "v2")

	c.StartCleanup(ctx)
	defer c.Stop()

	assert.Eventually(t, func() bool {
		return c.Len() == 0 && store.len() == 0
	}, time.Second, 5*time.Millisecond, "cleanup should evict expired records without any access")
}
