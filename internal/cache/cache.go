package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"price-radar/internal/metrics"

	"github.com/redis/go-redis/v9"
)

const scanCount = 100

// Cache 是带 TTL 的键值缓存，支持按前缀批量失效。
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Stats() Stats
}

// Config 定义 Redis 连接配置。
type Config struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// Stats 是缓存命中统计快照。
type Stats struct {
	Backend  string  `json:"backend"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	Sets     uint64  `json:"sets"`
	Deletes  uint64  `json:"deletes"`
	Errors   uint64  `json:"errors"`
	HitRatio float64 `json:"hit_ratio"`
}

type counters struct {
	hits, misses, sets, deletes, errors atomic.Uint64
}

func (c *counters) snapshot(backend string) Stats {
	s := Stats{
		Backend: backend,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	return s
}

// RedisCache 以 JSON 形式把值存入 Redis。
type RedisCache struct {
	client *redis.Client
	prefix string
	stats  counters
	logger *log.Logger
}

// NewRedis 基于已有客户端创建缓存，所有键都会加上 prefix。
func NewRedis(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
		logger: log.New(os.Stdout, "[cache] ", log.LstdFlags),
	}
}

// Open 按配置连接 Redis；未启用时返回 Noop。连接失败时同样退化为 Noop 并记录日志。
func Open(ctx context.Context, cfg Config) (Cache, func() error) {
	logger := log.New(os.Stdout, "[cache] ", log.LstdFlags)
	if !cfg.Enabled {
		logger.Printf("redis disabled, caching off")
		return Noop{}, func() error { return nil }
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pricecomparator:"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Printf("redis %s unreachable, caching off: %v", addr, err)
		_ = client.Close()
		return Noop{}, func() error { return nil }
	}
	logger.Printf("redis connected addr=%s db=%d", addr, cfg.DB)
	return NewRedis(client, prefix), client.Close
}

// Get 读取并反序列化到 dest，未命中返回 false, nil。
func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.stats.misses.Add(1)
			metrics.RecordCache("get", "miss")
			return false, nil
		}
		c.stats.errors.Add(1)
		metrics.RecordCache("get", "error")
		return false, fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.stats.errors.Add(1)
		metrics.RecordCache("get", "error")
		return false, fmt.Errorf("cache decode: %w", err)
	}
	c.stats.hits.Add(1)
	metrics.RecordCache("get", "hit")
	return true, nil
}

// Set 序列化并写入。
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		c.stats.errors.Add(1)
		metrics.RecordCache("set", "error")
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		c.stats.errors.Add(1)
		metrics.RecordCache("set", "error")
		return fmt.Errorf("cache set: %w", err)
	}
	c.stats.sets.Add(1)
	metrics.RecordCache("set", "ok")
	return nil
}

// DeletePrefix 用 SCAN 找出前缀匹配的键并删除，返回删除数量。
func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := c.prefix + prefix + "*"
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			c.stats.errors.Add(1)
			metrics.RecordCache("invalidate", "error")
			return deleted, fmt.Errorf("cache scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				c.stats.errors.Add(1)
				metrics.RecordCache("invalidate", "error")
				return deleted, fmt.Errorf("cache delete: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	c.stats.deletes.Add(uint64(deleted))
	metrics.RecordCache("invalidate", "ok")
	c.logf("invalidated prefix=%s keys=%d", prefix, deleted)
	return deleted, nil
}

// Stats 返回统计快照。
func (c *RedisCache) Stats() Stats {
	return c.stats.snapshot("redis")
}

func (c *RedisCache) logf(format string, args ...any) {
	if c.logger == nil {
		c.logger = log.New(os.Stdout, "[cache] ", log.LstdFlags)
	}
	c.logger.Printf(format, args...)
}

// Noop 是未配置 Redis 时使用的空缓存，读取总是未命中。
type Noop struct{}

func (Noop) Get(context.Context, string, any) (bool, error) { return false, nil }
func (Noop) Set(context.Context, string, any, time.Duration) error { return nil }
func (Noop) DeletePrefix(context.Context, string) (int, error) { return 0, nil }
func (Noop) Stats() Stats { return Stats{Backend: "none"} }
