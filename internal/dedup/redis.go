package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger
//   - dedup:<scope>:id:<external_id>    SETNX，不过期
//   - dedup:<scope>:hash:<hash>         ZSET，按 first_seen 排序，整体随保留期过期
//   - dedup:<scope>:sender:<sender>     ZSET，近似重复扫描
//   - dedup:<scope>:stats               HASH
type RedisLedger struct {
	rdb       *redis.Client
	retention time.Duration
	owned     bool
}

// NewRedisLedger 使用外部传入的客户端，Close 不会关闭它
func NewRedisLedger(rdb *redis.Client, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = DefaultConfig().Retention
	}
	return &RedisLedger{rdb: rdb, retention: retention}
}

func (r *RedisLedger) Backend() string { return "redis" }

func (r *RedisLedger) Close() error {
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}

func idKey(scope, id string) string         { return "dedup:" + scope + ":id:" + id }
func hashKey(scope, hash string) string     { return "dedup:" + scope + ":hash:" + hash }
func senderKey(scope, sender string) string { return "dedup:" + scope + ":sender:" + sender }
func statsKey(scope string) string          { return "dedup:" + scope + ":stats" }

func (r *RedisLedger) ByExternalID(ctx context.Context, scope, externalID string) (Entry, bool, error) {
	raw, err := r.rdb.Get(ctx, idKey(scope, externalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode ledger entry: %w", err)
	}
	return e, true, nil
}

func (r *RedisLedger) ByContentHash(ctx context.Context, scope, hash string, since time.Time) ([]Entry, error) {
	return r.rangeSince(ctx, hashKey(scope, hash), since)
}

func (r *RedisLedger) BySender(ctx context.Context, scope, sender string, since time.Time) ([]Entry, error) {
	return r.rangeSince(ctx, senderKey(scope, sender), since)
}

func (r *RedisLedger) rangeSince(ctx context.Context, key string, since time.Time) ([]Entry, error) {
	members, err := r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}

	out := make([]Entry, 0, len(members))
	for _, m := range members {
		var e Entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, fmt.Errorf("decode ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisLedger) Append(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	score := float64(e.FirstSeenAt.UnixNano())
	cutoff := strconv.FormatInt(e.FirstSeenAt.Add(-r.retention).UnixNano(), 10)

	pipe := r.rdb.TxPipeline()
	if e.ExternalID != "" {
		pipe.SetNX(ctx, idKey(e.IntegrationID, e.ExternalID), body, 0)
	}
	var zsets []string
	if e.ContentHash != "" {
		zsets = append(zsets, hashKey(e.IntegrationID, e.ContentHash))
	}
	if e.Sender != "" {
		zsets = append(zsets, senderKey(e.IntegrationID, e.Sender))
	}
	for _, key := range zsets {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: body})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
		pipe.Expire(ctx, key, r.retention)
	}

	sk := statsKey(e.IntegrationID)
	ts := e.FirstSeenAt.UTC().Format(time.RFC3339Nano)
	pipe.HIncrBy(ctx, sk, "entries", 1)
	pipe.HSetNX(ctx, sk, "oldest", ts)
	pipe.HSet(ctx, sk, "newest", ts)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append: %w", err)
	}
	return nil
}

func (r *RedisLedger) Stats(ctx context.Context, scope string) (LedgerStats, error) {
	vals, err := r.rdb.HGetAll(ctx, statsKey(scope)).Result()
	if err != nil {
		return LedgerStats{}, fmt.Errorf("redis hgetall: %w", err)
	}

	var st LedgerStats
	if v, ok := vals["entries"]; ok {
		st.Entries, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["oldest"]; ok {
		st.Oldest, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := vals["newest"]; ok {
		st.Newest, _ = time.Parse(time.RFC3339Nano, v)
	}
	return st, nil
}
