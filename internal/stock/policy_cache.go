package stock

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockroom/internal/shared"
)

// PolicyLoader reads the authoritative policy.
type PolicyLoader interface {
	GetPolicy(ctx context.Context, orgID int64) (LockPolicy, error)
}

// PolicyProvider hands the service the lock policy once per request.
type PolicyProvider interface {
	Get(ctx context.Context, orgID int64) (LockPolicy, error)
	Invalidate(ctx context.Context, orgID int64) error
}

// PolicyCache keeps lock policies in Redis and collapses concurrent misses.
// It serves read endpoints only; stock mutations read the policy row inside
// their own transaction.
type PolicyCache struct {
	client *redis.Client
	loader PolicyLoader
	ttl    time.Duration
	group  singleflight.Group

	mu          sync.Mutex
	generations map[int64]uint64
}

// NewPolicyCache builds the cache. A nil client reads straight from loader.
func NewPolicyCache(client *redis.Client, loader PolicyLoader, ttl time.Duration) *PolicyCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PolicyCache{client: client, loader: loader, ttl: ttl, generations: make(map[int64]uint64)}
}

func (c *PolicyCache) generation(orgID int64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[orgID]
}

// Get returns the cached policy, loading it on a miss.
func (c *PolicyCache) Get(ctx context.Context, orgID int64) (LockPolicy, error) {
	if c.client == nil {
		return c.loader.GetPolicy(ctx, orgID)
	}
	key := shared.StockPolicyCacheKey(orgID)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var policy LockPolicy
		if err := json.Unmarshal(payload, &policy); err == nil {
			return policy, nil
		}
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return c.loader.GetPolicy(ctx, orgID)
	}

	v, err, _ := c.group.Do(strconv.FormatInt(orgID, 10), func() (interface{}, error) {
		gen := c.generation(orgID)
		policy, err := c.loader.GetPolicy(ctx, orgID)
		if err != nil {
			return LockPolicy{}, err
		}
		raw, err := json.Marshal(policy)
		if err != nil {
			return policy, nil
		}
		// an invalidation during the load means policy may predate the write
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generations[orgID] == gen {
			_ = c.client.Set(ctx, key, raw, c.ttl).Err()
		}
		return policy, nil
	})
	if err != nil {
		return LockPolicy{}, err
	}
	return v.(LockPolicy), nil
}

// Invalidate drops the cached policy of orgID and keeps loads already in
// flight from writing their result back.
func (c *PolicyCache) Invalidate(ctx context.Context, orgID int64) error {
	if c.client == nil {
		return nil
	}
	c.mu.Lock()
	c.generations[orgID]++
	c.mu.Unlock()
	c.group.Forget(strconv.FormatInt(orgID, 10))
	return c.client.Del(ctx, shared.StockPolicyCacheKey(orgID)).Err()
}
