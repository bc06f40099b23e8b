package dedup

import (
	"context"
	"time"
)

// Entry 指纹账本中的一条记录，只追加
type Entry struct {
	IntegrationID     string    `json:"integration_id"`
	ExternalID        string    `json:"external_id,omitempty"`
	ContentHash       string    `json:"content_hash,omitempty"`
	NormalizedSubject string    `json:"normalized_subject,omitempty"`
	Sender            string    `json:"sender,omitempty"`
	OriginalAt        time.Time `json:"original_at"`
	FirstSeenAt       time.Time `json:"first_seen_at"`
}

type LedgerStats struct {
	Entries int64     `json:"entries"`
	Oldest  time.Time `json:"oldest"`
	Newest  time.Time `json:"newest"`
}

// Ledger 所有查询都按 integration scope 隔离
type Ledger interface {
	// ByExternalID 精确 id 匹配，永不过期
	ByExternalID(ctx context.Context, scope, externalID string) (Entry, bool, error)
	// ByContentHash 返回 first_seen_at 不早于 since 的同 hash 记录
	ByContentHash(ctx context.Context, scope, hash string, since time.Time) ([]Entry, error)
	// BySender 返回 first_seen_at 不早于 since 的同发件人记录
	BySender(ctx context.Context, scope, sender string, since time.Time) ([]Entry, error)
	Append(ctx context.Context, e Entry) error
	Stats(ctx context.Context, scope string) (LedgerStats, error)
	Backend() string
	Close() error
}
