package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ticketsync/internal/model"
	"ticketsync/pkg/otel"
)

const ticketSchema = `
CREATE TABLE IF NOT EXISTS tickets (
	id                  TEXT PRIMARY KEY,
	integration_id      TEXT        NOT NULL,
	external_id         TEXT        NOT NULL,
	title               TEXT        NOT NULL DEFAULT '',
	description         TEXT        NOT NULL DEFAULT '',
	status              TEXT        NOT NULL DEFAULT 'open',
	priority            TEXT        NOT NULL DEFAULT 'medium',
	category            TEXT        NOT NULL DEFAULT '',
	customer_email      TEXT        NOT NULL DEFAULT '',
	customer_name       TEXT        NOT NULL DEFAULT '',
	source_channel      TEXT        NOT NULL DEFAULT '',
	metadata            JSONB,
	upstream_updated_at TIMESTAMPTZ NOT NULL,
	classification      JSONB,
	sentiment           JSONB,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	UNIQUE (integration_id, external_id)
);
CREATE TABLE IF NOT EXISTS ticket_comments (
	id          TEXT PRIMARY KEY,
	ticket_id   TEXT        NOT NULL REFERENCES tickets (id),
	external_id TEXT        NOT NULL DEFAULT '',
	author      JSONB,
	body        TEXT        NOT NULL DEFAULT '',
	internal    BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_ticket_comments_external
	ON ticket_comments (ticket_id, external_id) WHERE external_id <> '';
`

const ticketColumns = `
	id, integration_id, external_id, title, description, status, priority, category,
	customer_email, customer_name, source_channel, metadata, upstream_updated_at,
	classification, sentiment, created_at, updated_at`

// PostgresTicketStore tickets / ticket_comments 表
type PostgresTicketStore struct {
	db *pgxpool.Pool
}

func NewPostgresTicketStore(db *pgxpool.Pool) *PostgresTicketStore {
	return &PostgresTicketStore{db: db}
}

func (r *PostgresTicketStore) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, ticketSchema); err != nil {
		return fmt.Errorf("failed to create ticket tables: %w", err)
	}
	return nil
}

func (r *PostgresTicketStore) GetByExternalID(ctx context.Context, integrationID, externalID string) (*model.Ticket, bool, error) {
	query := `SELECT ` + ticketColumns + `
        FROM tickets
        WHERE integration_id = $1 AND external_id = $2
    `
	return r.getOne(ctx, query, integrationID, externalID)
}

func (r *PostgresTicketStore) GetByID(ctx context.Context, id string) (*model.Ticket, bool, error) {
	query := `SELECT ` + ticketColumns + `
        FROM tickets
        WHERE id = $1
    `
	return r.getOne(ctx, query, id)
}

func (r *PostgresTicketStore) getOne(ctx context.Context, query string, args ...any) (*model.Ticket, bool, error) {
	var t model.Ticket
	err := otel.WithDBSpan(ctx, "postgresql", "SELECT", "tickets", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query, args...).Scan(
			&t.ID,
			&t.IntegrationID,
			&t.ExternalID,
			&t.Title,
			&t.Description,
			&t.Status,
			&t.Priority,
			&t.Category,
			&t.CustomerEmail,
			&t.CustomerName,
			&t.SourceChannel,
			&t.Metadata,
			&t.UpstreamUpdatedAt,
			&t.Classification,
			&t.Sentiment,
			&t.CreatedAt,
			&t.UpdatedAt,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query ticket: %w", err)
	}
	return &t, true, nil
}

// Create 冲突时不报数据库错误，返回 ErrDuplicateExternalID
func (r *PostgresTicketStore) Create(ctx context.Context, t *model.Ticket) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	query := `
        INSERT INTO tickets (` + ticketColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
        ON CONFLICT (integration_id, external_id) DO NOTHING
    `
	var inserted int64
	err := otel.WithDBSpan(ctx, "postgresql", "INSERT", "tickets", func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, query,
			t.ID, t.IntegrationID, t.ExternalID, t.Title, t.Description, t.Status, t.Priority, t.Category,
			t.CustomerEmail, t.CustomerName, string(t.SourceChannel), t.Metadata, t.UpstreamUpdatedAt,
			t.Classification, t.Sentiment, t.CreatedAt, t.UpdatedAt,
		)
		inserted = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	if inserted == 0 {
		return ErrDuplicateExternalID
	}
	return nil
}

func (r *PostgresTicketStore) Update(ctx context.Context, t *model.Ticket) error {
	t.UpdatedAt = time.Now().UTC()
	query := `
        UPDATE tickets
        SET title = $2, description = $3, status = $4, priority = $5, category = $6,
            customer_email = $7, customer_name = $8, source_channel = $9, metadata = $10,
            upstream_updated_at = $11, classification = $12, sentiment = $13, updated_at = $14
        WHERE id = $1
    `
	var updated int64
	err := otel.WithDBSpan(ctx, "postgresql", "UPDATE", "tickets", func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, query,
			t.ID, t.Title, t.Description, t.Status, t.Priority, t.Category,
			t.CustomerEmail, t.CustomerName, string(t.SourceChannel), t.Metadata,
			t.UpstreamUpdatedAt, t.Classification, t.Sentiment, t.UpdatedAt,
		)
		updated = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update ticket %s: %w", t.ID, err)
	}
	if updated == 0 {
		return ErrTicketNotFound
	}
	return nil
}

// AppendComment 依赖部分唯一索引保证 (ticket_id, external_id) 幂等
func (r *PostgresTicketStore) AppendComment(ctx context.Context, c *model.Comment) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	query := `
        INSERT INTO ticket_comments (id, ticket_id, external_id, author, body, internal, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (ticket_id, external_id) WHERE external_id <> '' DO NOTHING
    `
	var inserted int64
	err := otel.WithDBSpan(ctx, "postgresql", "INSERT", "ticket_comments", func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, query, c.ID, c.TicketID, c.ExternalID, c.Author, c.Body, c.Internal, c.CreatedAt)
		inserted = tag.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("insert comment for ticket %s: %w", c.TicketID, err)
	}
	return inserted > 0, nil
}

func (r *PostgresTicketStore) ListComments(ctx context.Context, ticketID string) ([]model.Comment, error) {
	query := `
        SELECT id, ticket_id, external_id, author, body, internal, created_at
        FROM ticket_comments
        WHERE ticket_id = $1
        ORDER BY created_at ASC
    `
	rows, err := r.db.Query(ctx, query, ticketID)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	comments := []model.Comment{}
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.ID, &c.TicketID, &c.ExternalID, &c.Author, &c.Body, &c.Internal, &c.CreatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS sync_cursors (
	integration_id  TEXT        NOT NULL,
	channel         TEXT        NOT NULL,
	last_synced_at  TIMESTAMPTZ NOT NULL,
	resume_token    TEXT        NOT NULL DEFAULT '',
	mode            TEXT        NOT NULL DEFAULT 'incremental',
	last_success_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (integration_id, channel)
);
ALTER TABLE sync_cursors ADD COLUMN IF NOT EXISTS resume_since TIMESTAMPTZ;
CREATE TABLE IF NOT EXISTS integration_status (
	integration_id TEXT PRIMARY KEY,
	status         TEXT        NOT NULL,
	last_error     TEXT        NOT NULL DEFAULT '',
	updated_at     TIMESTAMPTZ NOT NULL
);
`

// PostgresStateStore sync_cursors / integration_status 表
type PostgresStateStore struct {
	db *pgxpool.Pool
}

func NewPostgresStateStore(db *pgxpool.Pool) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

func (r *PostgresStateStore) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, stateSchema); err != nil {
		return fmt.Errorf("failed to create sync state tables: %w", err)
	}
	return nil
}

func (r *PostgresStateStore) GetCursor(ctx context.Context, integrationID, channel string) (model.SyncCursor, bool, error) {
	query := `
        SELECT integration_id, channel, last_synced_at, resume_token, resume_since, mode, last_success_at
        FROM sync_cursors
        WHERE integration_id = $1 AND channel = $2
    `
	var c model.SyncCursor
	var resumeSince *time.Time
	err := r.db.QueryRow(ctx, query, integrationID, channel).Scan(
		&c.IntegrationID,
		&c.Channel,
		&c.LastSyncedAt,
		&c.ResumeToken,
		&resumeSince,
		&c.Mode,
		&c.LastSuccessAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SyncCursor{}, false, nil
	}
	if err != nil {
		return model.SyncCursor{}, false, fmt.Errorf("query cursor: %w", err)
	}
	if resumeSince != nil {
		c.ResumeSince = resumeSince.UTC()
	}
	return c, true, nil
}

// SaveCursor GREATEST 保证 last_synced_at 不回退
func (r *PostgresStateStore) SaveCursor(ctx context.Context, c model.SyncCursor) error {
	query := `
        INSERT INTO sync_cursors (integration_id, channel, last_synced_at, resume_token, resume_since, mode, last_success_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (integration_id, channel) DO UPDATE
        SET last_synced_at  = GREATEST(sync_cursors.last_synced_at, EXCLUDED.last_synced_at),
            resume_token    = EXCLUDED.resume_token,
            resume_since    = EXCLUDED.resume_since,
            mode            = EXCLUDED.mode,
            last_success_at = GREATEST(sync_cursors.last_success_at, EXCLUDED.last_success_at)
    `
	var resumeSince *time.Time
	if !c.ResumeSince.IsZero() {
		resumeSince = &c.ResumeSince
	}
	err := otel.WithDBSpan(ctx, "postgresql", "UPSERT", "sync_cursors", func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query, c.IntegrationID, c.Channel, c.LastSyncedAt, c.ResumeToken, resumeSince, string(c.Mode), c.LastSuccessAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("save cursor %s/%s: %w", c.IntegrationID, c.Channel, err)
	}
	return nil
}

func (r *PostgresStateStore) GetStatus(ctx context.Context, integrationID string) (model.IntegrationStatus, bool, error) {
	query := `
        SELECT integration_id, status, last_error, updated_at
        FROM integration_status
        WHERE integration_id = $1
    `
	var s model.IntegrationStatus
	err := r.db.QueryRow(ctx, query, integrationID).Scan(&s.IntegrationID, &s.Status, &s.LastError, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IntegrationStatus{}, false, nil
	}
	if err != nil {
		return model.IntegrationStatus{}, false, fmt.Errorf("query integration status: %w", err)
	}
	return s, true, nil
}

func (r *PostgresStateStore) SetStatus(ctx context.Context, s model.IntegrationStatus) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	query := `
        INSERT INTO integration_status (integration_id, status, last_error, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (integration_id) DO UPDATE
        SET status = EXCLUDED.status, last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at
    `
	if _, err := r.db.Exec(ctx, query, s.IntegrationID, s.Status, s.LastError, s.UpdatedAt); err != nil {
		return fmt.Errorf("save integration status: %w", err)
	}
	return nil
}
