package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ticketsync/internal/dedup"
	"ticketsync/internal/gateway"
	"ticketsync/internal/integration"
	"ticketsync/internal/model"
	"ticketsync/pkg/metrics"
)

// Outcome 单条记录的处理结果
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeComment   Outcome = "comment"
)

type RecordResult struct {
	Outcome  Outcome
	Tier     dedup.MatchTier
	TicketID string
}

// ProcessRecord 去重并写入一条记录。轮询和 webhook 都走这里，保证身份规则一致。
// 回复不经过去重，直接追加评论；父工单不存在时返回包装了 gateway.ErrParentNotFound 的 PermanentRecordError
func (o *Orchestrator) ProcessRecord(ctx context.Context, rec *model.InboundRecord) (RecordResult, error) {
	return o.processRecord(ctx, rec, nil)
}

func (o *Orchestrator) processRecord(ctx context.Context, rec *model.InboundRecord, setState func(State)) (RecordResult, error) {
	if setState == nil {
		setState = func(State) {}
	}

	setState(StateNormalizing)
	if err := validate(rec); err != nil {
		return RecordResult{}, err
	}

	if rec.IsReply() {
		setState(StateUpserting)
		return o.appendReply(ctx, rec)
	}

	setState(StateDeduplicating)
	verdict, err := o.index.Check(ctx, rec)
	if err != nil {
		return RecordResult{}, err
	}
	if verdict.Duplicate {
		if verdict.Tier != dedup.TierExternalID {
			return RecordResult{Outcome: OutcomeDuplicate, Tier: verdict.Tier}, nil
		}
		// 同一个 external id 再次出现：上游有更新时才覆盖
		setState(StateUpserting)
		res, found, err := o.gateway.UpdateIfExists(ctx, rec.IntegrationID, rec.ExternalID, rec.TicketFields())
		if err != nil {
			return RecordResult{}, err
		}
		if found && res.Outcome == gateway.Updated {
			return RecordResult{Outcome: OutcomeUpdated, Tier: verdict.Tier, TicketID: res.Ticket.ID}, nil
		}
		out := RecordResult{Outcome: OutcomeDuplicate, Tier: verdict.Tier}
		if found {
			out.TicketID = res.Ticket.ID
		}
		return out, nil
	}

	setState(StateUpserting)
	res, err := o.gateway.Upsert(ctx, rec.IntegrationID, rec.ExternalID, rec.TicketFields())
	if err != nil {
		return RecordResult{}, err
	}

	if err := o.index.MarkProcessed(ctx, rec); err != nil {
		// 工单已经写入，账本缺一条只会让后续的内容去重失效
		metrics.IncrementDedupMarkFailure(o.index.Backend())
		o.logger.Error("Failed to record fingerprint",
			zap.String("integration_id", rec.IntegrationID),
			zap.String("external_id", rec.ExternalID),
			zap.Error(err),
		)
	}

	out := RecordResult{TicketID: res.Ticket.ID}
	switch res.Outcome {
	case gateway.Created:
		out.Outcome = OutcomeCreated
		o.enrich(ctx, res.Ticket)
	case gateway.Updated:
		out.Outcome = OutcomeUpdated
	default:
		out.Outcome = OutcomeDuplicate
	}
	return out, nil
}

func (o *Orchestrator) appendReply(ctx context.Context, rec *model.InboundRecord) (RecordResult, error) {
	comment := model.Comment{
		ExternalID: rec.ExternalID,
		Author:     rec.Sender,
		Body:       rec.Body,
		CreatedAt:  rec.Timestamp,
	}
	parent, appended, err := o.gateway.AppendComment(ctx, rec.IntegrationID, rec.ParentExternalID, comment)
	if errors.Is(err, gateway.ErrParentNotFound) {
		return RecordResult{}, &integration.PermanentRecordError{
			ExternalID: rec.ExternalID,
			Reason:     "parent ticket " + rec.ParentExternalID + " not found",
			Err:        err,
		}
	}
	if err != nil {
		return RecordResult{}, err
	}
	if !appended {
		return RecordResult{Outcome: OutcomeDuplicate, Tier: dedup.TierExternalID, TicketID: parent.ID}, nil
	}
	return RecordResult{Outcome: OutcomeComment, TicketID: parent.ID}, nil
}

// enrich 分类失败只记日志
func (o *Orchestrator) enrich(ctx context.Context, t *model.Ticket) {
	if o.classifier == nil {
		return
	}
	text := strings.TrimSpace(t.Title + "\n" + t.Description)
	if text == "" {
		return
	}

	cls, err := o.classifier.Classify(ctx, text)
	if err != nil {
		o.logger.Warn("Classification unavailable, ticket left unenriched",
			zap.String("ticket_id", t.ID),
			zap.Error(err),
		)
	}
	sentiment, err := o.classifier.Sentiment(ctx, text)
	if err != nil {
		o.logger.Warn("Sentiment unavailable, ticket left unenriched",
			zap.String("ticket_id", t.ID),
			zap.Error(err),
		)
	}
	if cls == nil && sentiment == nil {
		return
	}
	if err := o.gateway.Enrich(ctx, t.ID, cls, sentiment); err != nil {
		o.logger.Warn("Failed to store enrichment", zap.String("ticket_id", t.ID), zap.Error(err))
	}
}

func validate(rec *model.InboundRecord) error {
	if rec == nil {
		return &integration.PermanentRecordError{Reason: "nil record"}
	}
	if rec.ExternalID == "" {
		return &integration.PermanentRecordError{Reason: "record has no external id"}
	}
	if rec.IntegrationID == "" {
		return &integration.PermanentRecordError{ExternalID: rec.ExternalID, Reason: "record has no integration id"}
	}
	if !rec.IsReply() && strings.TrimSpace(rec.Subject) == "" && strings.TrimSpace(rec.Body) == "" {
		return &integration.PermanentRecordError{ExternalID: rec.ExternalID, Reason: fmt.Sprintf("empty %s record", rec.Channel)}
	}
	return nil
}
