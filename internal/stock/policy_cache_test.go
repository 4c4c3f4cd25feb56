package stock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockroom/internal/shared"
	"github.com/odyssey-erp/stockroom/internal/stock"
)

type countingLoader struct {
	calls  atomic.Int32
	policy stock.LockPolicy
	err    error
	delay  time.Duration
}

func (l *countingLoader) GetPolicy(_ context.Context, _ int64) (stock.LockPolicy, error) {
	l.calls.Add(1)
	time.Sleep(l.delay)
	return l.policy, l.err
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestPolicyCacheHitAndInvalidate(t *testing.T) {
	mr, client := newRedis(t)
	loader := &countingLoader{policy: stock.LockPolicy{OrganizationID: 3, Enabled: true, MaxThreshold: 40}}
	cache := stock.NewPolicyCache(client, loader, time.Minute)
	ctx := context.Background()

	p, err := cache.Get(ctx, 3)
	require.NoError(t, err)
	require.True(t, p.Enabled)
	p, err = cache.Get(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 40, p.MaxThreshold)
	require.EqualValues(t, 1, loader.calls.Load())
	require.True(t, mr.Exists(shared.StockPolicyCacheKey(3)))

	require.NoError(t, cache.Invalidate(ctx, 3))
	require.False(t, mr.Exists(shared.StockPolicyCacheKey(3)))
	_, err = cache.Get(ctx, 3)
	require.NoError(t, err)
	require.EqualValues(t, 2, loader.calls.Load())
}

func TestPolicyCacheExpires(t *testing.T) {
	mr, client := newRedis(t)
	loader := &countingLoader{policy: stock.LockPolicy{OrganizationID: 3}}
	cache := stock.NewPolicyCache(client, loader, time.Second)

	_, err := cache.Get(context.Background(), 3)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	_, err = cache.Get(context.Background(), 3)
	require.NoError(t, err)
	require.EqualValues(t, 2, loader.calls.Load())
}

func TestPolicyCacheDoesNotCacheMissingSettings(t *testing.T) {
	mr, client := newRedis(t)
	loader := &countingLoader{err: stock.ErrSettingsNotFound}
	cache := stock.NewPolicyCache(client, loader, time.Minute)

	_, err := cache.Get(context.Background(), 9)
	require.ErrorIs(t, err, stock.ErrSettingsNotFound)
	require.False(t, mr.Exists(shared.StockPolicyCacheKey(9)))
}

func TestPolicyCacheCollapsesConcurrentMisses(t *testing.T) {
	_, client := newRedis(t)
	loader := &countingLoader{policy: stock.LockPolicy{OrganizationID: 5}, delay: 50 * time.Millisecond}
	cache := stock.NewPolicyCache(client, loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), 5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, loader.calls.Load())
}

func TestPolicyCacheWithoutRedis(t *testing.T) {
	loader := &countingLoader{policy: stock.LockPolicy{OrganizationID: 1}}
	cache := stock.NewPolicyCache(nil, loader, 0)
	_, err := cache.Get(context.Background(), 1)
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, loader.calls.Load())
	require.NoError(t, cache.Invalidate(context.Background(), 1))
}

type gatedLoader struct {
	mu      sync.Mutex
	policy  stock.LockPolicy
	started chan struct{}
	release chan struct{}
}

func (l *gatedLoader) GetPolicy(_ context.Context, _ int64) (stock.LockPolicy, error) {
	l.mu.Lock()
	policy := l.policy
	l.mu.Unlock()
	if l.started != nil {
		close(l.started)
		l.started = nil
		<-l.release
	}
	return policy, nil
}

func (l *gatedLoader) set(p stock.LockPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy = p
}

func TestPolicyCacheInvalidateDuringLoadKeepsStaleValueOut(t *testing.T) {
	mr, client := newRedis(t)
	loader := &gatedLoader{
		policy:  stock.LockPolicy{OrganizationID: 9, Enabled: true, MaxThreshold: 30},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	started := loader.started
	cache := stock.NewPolicyCache(client, loader, time.Minute)

	done := make(chan stock.LockPolicy)
	go func() {
		policy, err := cache.Get(context.Background(), 9)
		assert.NoError(t, err)
		done <- policy
	}()
	<-started

	loader.set(stock.LockPolicy{OrganizationID: 9, Enabled: false, MaxThreshold: 30})
	require.NoError(t, cache.Invalidate(context.Background(), 9))
	close(loader.release)

	stale := <-done
	assert.True(t, stale.Enabled)
	assert.False(t, mr.Exists(shared.StockPolicyCacheKey(9)))

	fresh, err := cache.Get(context.Background(), 9)
	require.NoError(t, err)
	assert.False(t, fresh.Enabled)
}
