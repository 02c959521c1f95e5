package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// BalanceCache is the read-model cache for customer misc balances. It is
// never consulted to gate a debit; the store recomputes the balance inside
// the write transaction. The cache only serves balance lookups.
type BalanceCache interface {
	Get(customerID string) (decimal.Decimal, bool)
	Set(customerID string, balance decimal.Decimal)
	Invalidate(customerID string)
}

const balanceKeyPrefix = "miscbalance:"

type RedisBalanceCache struct {
	client *redis.Client
	ctx    context.Context
	ttl    time.Duration
}

func NewRedisBalanceCache(addr string) *RedisBalanceCache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &RedisBalanceCache{
		client: rdb,
		ctx:    context.Background(),
		ttl:    5 * time.Minute,
	}
}

func (r *RedisBalanceCache) Get(customerID string) (decimal.Decimal, bool) {
	val, err := r.client.Get(r.ctx, balanceKeyPrefix+customerID).Result()
	if err != nil {
		return decimal.Zero, false
	}
	balance, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false
	}
	return balance, true
}

func (r *RedisBalanceCache) Set(customerID string, balance decimal.Decimal) {
	r.client.Set(r.ctx, balanceKeyPrefix+customerID, balance.String(), r.ttl)
}

func (r *RedisBalanceCache) Invalidate(customerID string) {
	r.client.Del(r.ctx, balanceKeyPrefix+customerID)
}

// MemoryBalanceCache is the in-process fallback used when no Redis address
// is configured, and in tests.
type MemoryBalanceCache struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
}

func NewMemoryBalanceCache() *MemoryBalanceCache {
	return &MemoryBalanceCache{balances: make(map[string]decimal.Decimal)}
}

func (m *MemoryBalanceCache) Get(customerID string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	balance, ok := m.balances[customerID]
	return balance, ok
}

func (m *MemoryBalanceCache) Set(customerID string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[customerID] = balance
}

func (m *MemoryBalanceCache) Invalidate(customerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.balances, customerID)
}
