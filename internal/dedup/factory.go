package dedup

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"ticketsync/pkg/db"
	redisclient "ticketsync/pkg/redis"
)

// OpenLedger 按 DSN scheme 选择后端，只在启动时调用一次：
// memory:// | redis://host:6379/0 | postgres://... | sqlite:///var/lib/ticketsync/ledger.db
func OpenLedger(ctx context.Context, dsn string, retention time.Duration, logger *zap.Logger) (Ledger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryLedger().WithRetention(retention), nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid ledger dsn: %w", err)
	}

	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem":
		return NewMemoryLedger().WithRetention(retention), nil

	case "redis", "rediss":
		rdb, err := redisclient.NewRedisClientFromURL(ctx, dsn)
		if err != nil {
			return nil, err
		}
		l := NewRedisLedger(rdb, retention)
		l.owned = true
		return l, nil

	case "postgres", "postgresql":
		pool, err := db.NewConnectionFromDSN(ctx, dsn, 5, logger)
		if err != nil {
			return nil, err
		}
		l := NewPostgresLedger(pool)
		l.owned = true
		if err := l.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return l, nil

	case "sqlite", "sqlite3", "file":
		path := sqlitePath(parsed)
		if path == "" {
			return nil, fmt.Errorf("sqlite ledger dsn requires a path: %s", dsn)
		}
		return NewSQLiteLedger(path)

	default:
		return nil, fmt.Errorf("unsupported ledger scheme: %s", scheme)
	}
}

// sqlitePath sqlite:///abs/path 和 sqlite://relative/path 都支持
func sqlitePath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}
