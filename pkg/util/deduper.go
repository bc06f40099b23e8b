package util

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper 基于 redis SETNX 的一次性处理锁
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeduper creates a deduper. logger may be nil.
func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// AcquireOnce tries to acquire a dedup lock for a given scope + id
// returns true if this is the FIRST time processing
// returns false if it's a duplicate
func (d *Deduper) AcquireOnce(ctx context.Context, scope, id string) bool {
	key := "dedup:" + scope + ":" + id

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		// Redis 不可用时不阻止处理，返回 true（下游 upsert 仍然是幂等的）
		if d.logger != nil {
			d.logger.Warn("Redis dedup check failed, allowing processing",
				zap.String("scope", scope),
				zap.String("id", id),
				zap.Error(err),
			)
		}
		return true
	}

	if !ok && d.logger != nil {
		d.logger.Info("Skipped duplicated event",
			zap.String("scope", scope),
			zap.String("id", id),
			zap.String("dedup_key", key),
		)
	}

	return ok
}

// Release 处理失败时释放锁，让上游重试可以再次处理
func (d *Deduper) Release(ctx context.Context, scope, id string) {
	if err := d.rdb.Del(ctx, "dedup:"+scope+":"+id).Err(); err != nil && d.logger != nil {
		d.logger.Warn("Failed to release dedup key", zap.String("scope", scope), zap.String("id", id), zap.Error(err))
	}
}

// MemoryDeduper 进程内的 TTL 去重集合，单实例部署时使用
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

func (d *MemoryDeduper) AcquireOnce(_ context.Context, scope, id string) bool {
	key := scope + ":" + id
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.seen[key]; ok && now.Before(expiry) {
		return false
	}
	d.seen[key] = now.Add(d.ttl)

	// 顺带清理过期项，避免无限增长
	if len(d.seen) > 10000 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	return true
}

func (d *MemoryDeduper) Release(_ context.Context, scope, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, scope+":"+id)
}
