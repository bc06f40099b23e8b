package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ErrEventNotFound 事件不存在
var ErrEventNotFound = errors.New("outbox event not found")

// Event 表示一个待发布的事件
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	RoutingKey    string
	Payload       json.RawMessage
	Status        string
	RetryCount    int
	NextRetryAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Execer 同时被 *pgxpool.Pool 和 pgx.Tx 满足，方便在业务事务中写入
type Execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository 提供 Outbox 操作
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository 创建新的 Outbox Repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS job_outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_type TEXT        NOT NULL,
	aggregate_id   TEXT        NOT NULL,
	routing_key    TEXT        NOT NULL,
	payload        JSONB       NOT NULL,
	status         TEXT        NOT NULL DEFAULT 'pending',
	retry_count    INT         NOT NULL DEFAULT 0,
	next_retry_at  TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_job_outbox_pending ON job_outbox (status, next_retry_at);
`

// EnsureSchema 建表（幂等）
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create job_outbox: %w", err)
	}
	return nil
}

// Insert 写入一个事件；q 可以是连接池或事务
func (r *Repository) Insert(ctx context.Context, q Execer, aggregateType, aggregateID, routingKey string, payload any) (*Event, error) {
	if q == nil {
		q = r.db
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	event := &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       body,
		Status:        StatusPending,
	}

	err = q.QueryRow(ctx, `
		INSERT INTO job_outbox (aggregate_type, aggregate_id, routing_key, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, event.AggregateType, event.AggregateID, event.RoutingKey, event.Payload, event.Status,
	).Scan(&event.ID, &event.CreatedAt, &event.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return event, nil
}

const selectColumns = `id, aggregate_type, aggregate_id, routing_key, payload, status,
	retry_count, next_retry_at, created_at, updated_at`

// GetPendingEvents 获取待发送的事件（用于 Dispatcher）
func (r *Repository) GetPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM job_outbox
		WHERE status = 'pending'
		AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	return scanEvents(rows)
}

// GetFailedEvents 获取所有失败的事件
func (r *Repository) GetFailedEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM job_outbox
		WHERE status = 'failed'
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.RoutingKey, &e.Payload, &e.Status,
			&e.RetryCount, &e.NextRetryAt, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// MarkAsSent 标记事件为已发送
func (r *Repository) MarkAsSent(ctx context.Context, eventID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE job_outbox SET status = 'sent', updated_at = NOW() WHERE id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	return nil
}

// MarkAsFailed 增加重试次数；达到上限后标记为 failed
func (r *Repository) MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error {
	var retryCount int
	err := r.db.QueryRow(ctx, `SELECT retry_count FROM job_outbox WHERE id = $1`, eventID).Scan(&retryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEventNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get retry count: %w", err)
	}

	retryCount++
	status, nextRetryAt := nextAttempt(retryCount, maxRetries, time.Now())

	_, err = r.db.Exec(ctx, `
		UPDATE job_outbox
		SET status = $1, retry_count = $2, next_retry_at = $3, updated_at = NOW()
		WHERE id = $4
	`, status, retryCount, nextRetryAt, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	return nil
}

// nextAttempt 指数退避：5s, 10s, 20s ...
func nextAttempt(retryCount, maxRetries int, now time.Time) (string, *time.Time) {
	if retryCount >= maxRetries {
		return StatusFailed, nil
	}
	delay := 5 * time.Second << (retryCount - 1)
	next := now.Add(delay)
	return StatusPending, &next
}

// ReplayFailed 把失败的事件重置为 pending，返回重置数量
func (r *Repository) ReplayFailed(ctx context.Context, limit int) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE job_outbox
		SET status = 'pending', retry_count = 0, next_retry_at = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM job_outbox WHERE status = 'failed' ORDER BY created_at ASC LIMIT $1
		)
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to replay events: %w", err)
	}
	return tag.RowsAffected(), nil
}
