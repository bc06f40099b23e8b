package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ticketsync/internal/model"
	"ticketsync/internal/repository"
)

// Outcome 一次 upsert 的结果
type Outcome string

const (
	Created   Outcome = "created"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
)

// ErrParentNotFound 回复找不到所属工单
var ErrParentNotFound = errors.New("parent ticket not found")

type Result struct {
	Ticket  *model.Ticket
	Outcome Outcome
}

// Gateway 所有工单写入都经过这里：轮询同步和 webhook 共用同一套身份规则
type Gateway struct {
	store  repository.TicketStore
	logger *zap.Logger
}

func New(store repository.TicketStore, logger *zap.Logger) *Gateway {
	return &Gateway{store: store, logger: logger}
}

// Upsert 不存在则创建；存在时只有上游 updated_at 更新才覆盖
func (g *Gateway) Upsert(ctx context.Context, integrationID, externalID string, fields model.TicketFields) (Result, error) {
	if externalID == "" {
		return Result{}, fmt.Errorf("upsert ticket: external id is required")
	}

	existing, found, err := g.store.GetByExternalID(ctx, integrationID, externalID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup ticket %s: %w", externalID, err)
	}

	if !found {
		t := newTicket(integrationID, externalID, fields)
		err := g.store.Create(ctx, t)
		if err == nil {
			g.logger.Debug("Ticket created",
				zap.String("integration_id", integrationID),
				zap.String("external_id", externalID),
				zap.String("ticket_id", t.ID),
			)
			return Result{Ticket: t, Outcome: Created}, nil
		}
		if !errors.Is(err, repository.ErrDuplicateExternalID) {
			return Result{}, fmt.Errorf("create ticket %s: %w", externalID, err)
		}

		// 并发创建输了，重新读取后按更新处理
		existing, found, err = g.store.GetByExternalID(ctx, integrationID, externalID)
		if err != nil {
			return Result{}, fmt.Errorf("reload ticket %s: %w", externalID, err)
		}
		if !found {
			return Result{}, fmt.Errorf("ticket %s vanished after duplicate create", externalID)
		}
		g.logger.Info("Lost create race, falling back to update",
			zap.String("integration_id", integrationID),
			zap.String("external_id", externalID),
		)
	}

	return g.updateIfNewer(ctx, existing, fields)
}

// UpdateIfExists 只更新不创建，found=false 表示工单不存在
func (g *Gateway) UpdateIfExists(ctx context.Context, integrationID, externalID string, fields model.TicketFields) (Result, bool, error) {
	existing, found, err := g.store.GetByExternalID(ctx, integrationID, externalID)
	if err != nil {
		return Result{}, false, fmt.Errorf("lookup ticket %s: %w", externalID, err)
	}
	if !found {
		return Result{}, false, nil
	}
	res, err := g.updateIfNewer(ctx, existing, fields)
	return res, true, err
}

func (g *Gateway) updateIfNewer(ctx context.Context, existing *model.Ticket, fields model.TicketFields) (Result, error) {
	if !fields.UpdatedAt.After(existing.UpstreamUpdatedAt) {
		return Result{Ticket: existing, Outcome: Unchanged}, nil
	}

	fields.Apply(existing)
	if err := g.store.Update(ctx, existing); err != nil {
		return Result{}, fmt.Errorf("update ticket %s: %w", existing.ExternalID, err)
	}
	return Result{Ticket: existing, Outcome: Updated}, nil
}

// Modify 不看 updated_at 直接修改，用于删除标记、reaction 等没有版本号的事件。
// fn 返回 false 表示没有变化
func (g *Gateway) Modify(ctx context.Context, integrationID, externalID string, fn func(t *model.Ticket) bool) (Result, bool, error) {
	existing, found, err := g.store.GetByExternalID(ctx, integrationID, externalID)
	if err != nil {
		return Result{}, false, fmt.Errorf("lookup ticket %s: %w", externalID, err)
	}
	if !found {
		return Result{}, false, nil
	}
	if !fn(existing) {
		return Result{Ticket: existing, Outcome: Unchanged}, true, nil
	}
	if err := g.store.Update(ctx, existing); err != nil {
		return Result{}, true, fmt.Errorf("update ticket %s: %w", externalID, err)
	}
	return Result{Ticket: existing, Outcome: Updated}, true, nil
}

// AppendComment 按父工单的 external id 追加评论；评论 external id 重复时 appended=false
func (g *Gateway) AppendComment(ctx context.Context, integrationID, parentExternalID string, c model.Comment) (*model.Ticket, bool, error) {
	parent, found, err := g.store.GetByExternalID(ctx, integrationID, parentExternalID)
	if err != nil {
		return nil, false, fmt.Errorf("lookup parent %s: %w", parentExternalID, err)
	}
	if !found {
		return nil, false, ErrParentNotFound
	}

	c.TicketID = parent.ID
	appended, err := g.store.AppendComment(ctx, &c)
	if err != nil {
		return nil, false, fmt.Errorf("append comment to %s: %w", parentExternalID, err)
	}
	if !appended {
		g.logger.Debug("Comment already present",
			zap.String("integration_id", integrationID),
			zap.String("external_id", parentExternalID),
			zap.String("comment_external_id", c.ExternalID),
		)
	}
	return parent, appended, nil
}

// Enrich 写入分类和情感结果
func (g *Gateway) Enrich(ctx context.Context, ticketID string, cls *model.Classification, sentiment *model.Sentiment) error {
	t, found, err := g.store.GetByID(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("lookup ticket %s: %w", ticketID, err)
	}
	if !found {
		return repository.ErrTicketNotFound
	}
	if cls != nil {
		t.Classification = cls
	}
	if sentiment != nil {
		t.Sentiment = sentiment
	}
	return g.store.Update(ctx, t)
}

func newTicket(integrationID, externalID string, fields model.TicketFields) *model.Ticket {
	t := &model.Ticket{
		IntegrationID: integrationID,
		ExternalID:    externalID,
		Status:        model.StatusOpen,
		Priority:      model.PriorityMedium,
	}
	fields.Apply(t)
	return t
}
