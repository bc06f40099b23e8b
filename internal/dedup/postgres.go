package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ticketsync/pkg/otel"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS dedup_fingerprints (
	id                 BIGSERIAL PRIMARY KEY,
	integration_id     TEXT        NOT NULL,
	external_id        TEXT        NOT NULL DEFAULT '',
	content_hash       TEXT        NOT NULL DEFAULT '',
	normalized_subject TEXT        NOT NULL DEFAULT '',
	sender             TEXT        NOT NULL DEFAULT '',
	original_at        TIMESTAMPTZ,
	first_seen_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dedup_fp_external ON dedup_fingerprints (integration_id, external_id);
CREATE INDEX IF NOT EXISTS idx_dedup_fp_hash ON dedup_fingerprints (integration_id, content_hash, first_seen_at);
CREATE INDEX IF NOT EXISTS idx_dedup_fp_sender ON dedup_fingerprints (integration_id, sender, first_seen_at);
`

const pgColumns = `integration_id, external_id, content_hash, normalized_subject, sender, original_at, first_seen_at`

// PostgresLedger 多实例部署共享的持久化账本
type PostgresLedger struct {
	pool  *pgxpool.Pool
	owned bool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// EnsureSchema 建表（幂等）
func (p *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("failed to create dedup_fingerprints: %w", err)
	}
	return nil
}

func (p *PostgresLedger) Backend() string { return "postgres" }

func (p *PostgresLedger) Close() error {
	if p.owned {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresLedger) ByExternalID(ctx context.Context, scope, externalID string) (Entry, bool, error) {
	var e Entry
	err := otel.WithDBSpan(ctx, "postgresql", "SELECT", "dedup_fingerprints", func(ctx context.Context) error {
		row := p.pool.QueryRow(ctx, `
			SELECT `+pgColumns+`
			FROM dedup_fingerprints
			WHERE integration_id = $1 AND external_id = $2
			ORDER BY first_seen_at ASC
			LIMIT 1
		`, scope, externalID)
		return scanPGEntry(row, &e)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("query fingerprint by external id: %w", err)
	}
	return e, true, nil
}

func (p *PostgresLedger) ByContentHash(ctx context.Context, scope, hash string, since time.Time) ([]Entry, error) {
	return p.query(ctx, `
		SELECT `+pgColumns+`
		FROM dedup_fingerprints
		WHERE integration_id = $1 AND content_hash = $2 AND first_seen_at >= $3
		ORDER BY first_seen_at ASC
	`, scope, hash, since)
}

func (p *PostgresLedger) BySender(ctx context.Context, scope, sender string, since time.Time) ([]Entry, error) {
	return p.query(ctx, `
		SELECT `+pgColumns+`
		FROM dedup_fingerprints
		WHERE integration_id = $1 AND sender = $2 AND first_seen_at >= $3
		ORDER BY first_seen_at ASC
	`, scope, sender, since)
}

func (p *PostgresLedger) query(ctx context.Context, sql string, args ...any) ([]Entry, error) {
	var out []Entry
	err := otel.WithDBSpan(ctx, "postgresql", "SELECT", "dedup_fingerprints", func(ctx context.Context) error {
		rows, err := p.pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			if err := scanPGEntry(rows, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	return out, nil
}

func (p *PostgresLedger) Append(ctx context.Context, e Entry) error {
	var originalAt *time.Time
	if !e.OriginalAt.IsZero() {
		originalAt = &e.OriginalAt
	}
	return otel.WithDBSpan(ctx, "postgresql", "INSERT", "dedup_fingerprints", func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO dedup_fingerprints (`+pgColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.IntegrationID, e.ExternalID, e.ContentHash, e.NormalizedSubject, e.Sender, originalAt, e.FirstSeenAt)
		if err != nil {
			return fmt.Errorf("insert fingerprint: %w", err)
		}
		return nil
	})
}

func (p *PostgresLedger) Stats(ctx context.Context, scope string) (LedgerStats, error) {
	var st LedgerStats
	var oldest, newest *time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*), MIN(first_seen_at), MAX(first_seen_at)
		FROM dedup_fingerprints WHERE integration_id = $1
	`, scope).Scan(&st.Entries, &oldest, &newest)
	if err != nil {
		return LedgerStats{}, fmt.Errorf("query ledger stats: %w", err)
	}
	if oldest != nil {
		st.Oldest = *oldest
	}
	if newest != nil {
		st.Newest = *newest
	}
	return st, nil
}

func scanPGEntry(row pgx.Row, e *Entry) error {
	var originalAt *time.Time
	if err := row.Scan(&e.IntegrationID, &e.ExternalID, &e.ContentHash, &e.NormalizedSubject, &e.Sender, &originalAt, &e.FirstSeenAt); err != nil {
		return err
	}
	if originalAt != nil {
		e.OriginalAt = *originalAt
	}
	return nil
}
