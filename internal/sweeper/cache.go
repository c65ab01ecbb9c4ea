package sweeper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BalanceCache 记录每个 (钱包, 资产) 上一次已处理完毕的余额，
// 用于在余额未变化时跳过重复归集。
type BalanceCache interface {
	Get(ctx context.Context, wallet, asset string) (float64, bool)
	Set(ctx context.Context, wallet, asset string, balance float64)
}

// MemoryCache 是进程内的余额缓存。
type MemoryCache struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewMemoryCache 创建内存余额缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{values: make(map[string]float64)}
}

func cacheKey(wallet, asset string) string {
	return wallet + ":" + asset
}

// Get 返回上一次记录的余额。
func (c *MemoryCache) Get(_ context.Context, wallet, asset string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[cacheKey(wallet, asset)]
	return v, ok
}

// Set 记录新的余额。
func (c *MemoryCache) Set(_ context.Context, wallet, asset string, balance float64) {
	c.mu.Lock()
	c.values[cacheKey(wallet, asset)] = balance
	c.mu.Unlock()
}

// RedisCache 把余额缓存放在 Redis 中，归集器重启后不会对
// 未变化的余额重复触发归集。
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache 连接 Redis 并返回缓存实例。
func NewRedisCache(addr, password string, db int) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    7 * 24 * time.Hour,
	}
}

func redisKey(wallet, asset string) string {
	return fmt.Sprintf("citadel:sweeper:last:%s:%s", wallet, asset)
}

// Get 返回上一次记录的余额。Redis 故障视为缓存未命中。
func (c *RedisCache) Get(ctx context.Context, wallet, asset string) (float64, bool) {
	raw, err := c.client.Get(ctx, redisKey(wallet, asset)).Result()
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Set 记录新的余额，写失败只降级不报错。
func (c *RedisCache) Set(ctx context.Context, wallet, asset string, balance float64) {
	_ = c.client.Set(ctx, redisKey(wallet, asset),
		strconv.FormatFloat(balance, 'f', -1, 64), c.ttl).Err()
}

// Close 释放 Redis 连接。
func (c *RedisCache) Close() error {
	return c.client.Close()
}
