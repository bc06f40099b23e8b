package repository

import (
	"context"
	"errors"

	"ticketsync/internal/model"
)

var (
	// ErrDuplicateExternalID Create 撞上 (integration_id, external_id) 唯一约束
	ErrDuplicateExternalID = errors.New("ticket with this external id already exists")
	ErrTicketNotFound      = errors.New("ticket not found")
)

// TicketStore 工单持久化。找不到不是错误，通过 found 返回
type TicketStore interface {
	GetByExternalID(ctx context.Context, integrationID, externalID string) (*model.Ticket, bool, error)
	GetByID(ctx context.Context, id string) (*model.Ticket, bool, error)
	Create(ctx context.Context, t *model.Ticket) error
	Update(ctx context.Context, t *model.Ticket) error
	// AppendComment 同一工单下 external id 已存在时返回 false
	AppendComment(ctx context.Context, c *model.Comment) (bool, error)
	ListComments(ctx context.Context, ticketID string) ([]model.Comment, error)
}

// CursorStore 每个 integration+channel 一份同步游标
type CursorStore interface {
	GetCursor(ctx context.Context, integrationID, channel string) (model.SyncCursor, bool, error)
	SaveCursor(ctx context.Context, c model.SyncCursor) error
}

type StatusStore interface {
	GetStatus(ctx context.Context, integrationID string) (model.IntegrationStatus, bool, error)
	SetStatus(ctx context.Context, s model.IntegrationStatus) error
}
