package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dedup_fingerprints (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	integration_id     TEXT    NOT NULL,
	external_id        TEXT    NOT NULL DEFAULT '',
	content_hash       TEXT    NOT NULL DEFAULT '',
	normalized_subject TEXT    NOT NULL DEFAULT '',
	sender             TEXT    NOT NULL DEFAULT '',
	original_at        INTEGER NOT NULL DEFAULT 0,
	first_seen_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dedup_fp_external ON dedup_fingerprints (integration_id, external_id);
CREATE INDEX IF NOT EXISTS idx_dedup_fp_hash ON dedup_fingerprints (integration_id, content_hash, first_seen_at);
CREATE INDEX IF NOT EXISTS idx_dedup_fp_sender ON dedup_fingerprints (integration_id, sender, first_seen_at);
`

// SQLiteLedger 单节点部署的持久化账本，时间以 unix 纳秒存储
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create dedup_fingerprints: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (s *SQLiteLedger) Backend() string { return "sqlite" }
func (s *SQLiteLedger) Close() error    { return s.db.Close() }

func (s *SQLiteLedger) ByExternalID(ctx context.Context, scope, externalID string) (Entry, bool, error) {
	entries, err := s.query(ctx, `
		SELECT `+pgColumns+`
		FROM dedup_fingerprints
		WHERE integration_id = ? AND external_id = ?
		ORDER BY first_seen_at ASC
		LIMIT 1
	`, scope, externalID)
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

func (s *SQLiteLedger) ByContentHash(ctx context.Context, scope, hash string, since time.Time) ([]Entry, error) {
	return s.query(ctx, `
		SELECT `+pgColumns+`
		FROM dedup_fingerprints
		WHERE integration_id = ? AND content_hash = ? AND first_seen_at >= ?
		ORDER BY first_seen_at ASC
	`, scope, hash, since.UnixNano())
}

func (s *SQLiteLedger) BySender(ctx context.Context, scope, sender string, since time.Time) ([]Entry, error) {
	return s.query(ctx, `
		SELECT `+pgColumns+`
		FROM dedup_fingerprints
		WHERE integration_id = ? AND sender = ? AND first_seen_at >= ?
		ORDER BY first_seen_at ASC
	`, scope, sender, since.UnixNano())
}

func (s *SQLiteLedger) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var originalAt, firstSeen int64
		if err := rows.Scan(&e.IntegrationID, &e.ExternalID, &e.ContentHash, &e.NormalizedSubject, &e.Sender, &originalAt, &firstSeen); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		e.OriginalAt = fromUnixNano(originalAt)
		e.FirstSeenAt = fromUnixNano(firstSeen)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteLedger) Append(ctx context.Context, e Entry) error {
	var originalAt int64
	if !e.OriginalAt.IsZero() {
		originalAt = e.OriginalAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_fingerprints (`+pgColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.IntegrationID, e.ExternalID, e.ContentHash, e.NormalizedSubject, e.Sender, originalAt, e.FirstSeenAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	return nil
}

func (s *SQLiteLedger) Stats(ctx context.Context, scope string) (LedgerStats, error) {
	var st LedgerStats
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(first_seen_at), MAX(first_seen_at)
		FROM dedup_fingerprints WHERE integration_id = ?
	`, scope).Scan(&st.Entries, &oldest, &newest)
	if err != nil {
		return LedgerStats{}, fmt.Errorf("query ledger stats: %w", err)
	}
	if oldest.Valid {
		st.Oldest = fromUnixNano(oldest.Int64)
	}
	if newest.Valid {
		st.Newest = fromUnixNano(newest.Int64)
	}
	return st, nil
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
