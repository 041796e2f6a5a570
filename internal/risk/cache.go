package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dunning/internal/ledger/models"
	"dunning/pkg/domain"
)

// Cache holds assessments until they expire. Get reports a miss with a nil
// assessment and nil error.
type Cache interface {
	Get(ctx context.Context, buyerID domain.BuyerID) (*models.RiskAssessment, error)
	Set(ctx context.Context, buyerID domain.BuyerID, a models.RiskAssessment) error
	Delete(ctx context.Context, buyerID domain.BuyerID) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[domain.BuyerID]models.RiskAssessment
	clock   func() time.Time
}

func NewMemoryCache(clock func() time.Time) *MemoryCache {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryCache{entries: make(map[domain.BuyerID]models.RiskAssessment), clock: clock}
}

func (c *MemoryCache) Get(_ context.Context, buyerID domain.BuyerID) (*models.RiskAssessment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[buyerID]
	if !ok || !a.IsFresh(c.clock()) {
		return nil, nil
	}
	return &a, nil
}

func (c *MemoryCache) Set(_ context.Context, buyerID domain.BuyerID, a models.RiskAssessment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[buyerID] = a
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, buyerID domain.BuyerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, buyerID)
	return nil
}

const riskKeyPrefix = "risk:buyer:"

// RedisCache shares assessments between instances. Keys expire with the
// assessment's validity window.
type RedisCache struct {
	client redis.Cmdable
	clock  func() time.Time
}

func NewRedisCache(client redis.Cmdable, clock func() time.Time) *RedisCache {
	if clock == nil {
		clock = time.Now
	}
	return &RedisCache{client: client, clock: clock}
}

func (c *RedisCache) Get(ctx context.Context, buyerID domain.BuyerID) (*models.RiskAssessment, error) {
	raw, err := c.client.Get(ctx, riskKeyPrefix+buyerID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get risk assessment: %w", err)
	}
	var a models.RiskAssessment
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode risk assessment: %w", err)
	}
	if !a.IsFresh(c.clock()) {
		return nil, nil
	}
	return &a, nil
}

func (c *RedisCache) Set(ctx context.Context, buyerID domain.BuyerID, a models.RiskAssessment) error {
	ttl := a.ValidUntil.Sub(c.clock())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode risk assessment: %w", err)
	}
	return c.client.Set(ctx, riskKeyPrefix+buyerID.String(), raw, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, buyerID domain.BuyerID) error {
	return c.client.Del(ctx, riskKeyPrefix+buyerID.String()).Err()
}
