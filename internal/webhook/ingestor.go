package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"ticketsync/internal/channel/chat"
	"ticketsync/internal/channel/vendorrest"
	"ticketsync/internal/gateway"
	"ticketsync/internal/integration"
	"ticketsync/internal/jobs"
	"ticketsync/internal/model"
	"ticketsync/internal/service/syncer"
	"ticketsync/pkg/logger"
	"ticketsync/pkg/metrics"
	"ticketsync/pkg/otel"
)

// 响应中的 status
const (
	StatusOK                 = "ok"
	StatusAcceptedUnverified = "accepted_unverified"
)

// 响应中的 action
const (
	ActionChallenge       = "challenge"
	ActionDuplicateEvent  = "duplicate_event"
	ActionTicketCreated   = "ticket_created"
	ActionTicketUpdated   = "ticket_updated"
	ActionTicketUnchanged = "ticket_unchanged"
	ActionTicketDeleted   = "ticket_deleted"
	ActionTicketNotFound  = "ticket_not_found"
	ActionCommentAdded    = "comment_added"
	ActionParentNotFound  = "parent_not_found"
	ActionReactionAdded   = "reaction_added"
	ActionReactionRemoved = "reaction_removed"
	ActionMembership      = "membership_logged"
	ActionResyncScheduled = "resync_scheduled"
	ActionIgnored         = "ignored"
)

// DeletedSuffix 上游删除的工单标记为 closed 并在描述后追加
const DeletedSuffix = "[Ticket deleted upstream]"

const eventDedupTTL = 24 * time.Hour

// Request 原始请求：headers 和未解析的 body，签名基于原始字节计算
type Request struct {
	Headers http.Header
	RawBody []byte
}

// Result 序列化为 {status, action, ticket_id?}；challenge 请求只返回 {challenge}
type Result struct {
	Status    string `json:"status,omitempty"`
	Action    string `json:"action,omitempty"`
	TicketID  string `json:"ticket_id,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Verified  bool   `json:"-"`
}

// RecordProcessor 由 *syncer.Orchestrator 实现，和轮询走同一条去重/写入路径
type RecordProcessor interface {
	ProcessRecord(ctx context.Context, rec *model.InboundRecord) (syncer.RecordResult, error)
}

// EventDeduper 由 util.Deduper（redis SETNX）和 util.MemoryDeduper 实现
type EventDeduper interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string)
}

// MessageMapper 由 *chat.Adapter 实现
type MessageMapper interface {
	MapMessage(ctx context.Context, channelID string, m chat.Message, parentExternalID string) (*model.InboundRecord, error)
}

// Ingestor 校验、去重并分发 webhook 事件
type Ingestor struct {
	processor RecordProcessor
	gateway   *gateway.Gateway
	jobs      jobs.Scheduler
	deduper   EventDeduper
	now       func() time.Time
	logger    *zap.Logger
}

func NewIngestor(processor RecordProcessor, gw *gateway.Gateway, scheduler jobs.Scheduler, deduper EventDeduper, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		processor: processor,
		gateway:   gw,
		jobs:      scheduler,
		deduper:   deduper,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock 测试用
func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// EventDedupTTL 事件 id 的保留时间，构造 util.Deduper 时使用
func EventDedupTTL() time.Duration { return eventDedupTTL }

// Handle 签名失败返回 *integration.SignatureVerificationError，调用方应返回 401
func (i *Ingestor) Handle(ctx context.Context, in *integration.Integration, req Request) (Result, error) {
	vendor := in.Config.Vendor
	ctx, span := otel.StartSpan(ctx, "webhook.handle",
		attribute.String("integration_id", in.Config.ID),
		attribute.String("vendor", vendor),
	)
	res, err := i.handle(ctx, in, req)
	otel.EndSpan(span, err)

	action := res.Action
	switch {
	case integration.IsSignature(err):
		action = "rejected"
	case err != nil:
		action = "error"
	}
	metrics.IncrementWebhookEvent(vendor, action)
	return res, err
}

func (i *Ingestor) handle(ctx context.Context, in *integration.Integration, req Request) (Result, error) {
	log := logger.WithTrace(ctx, logger.ForIntegration(i.logger, in.Config.ID, ""))

	verified := false
	var signature string
	if secret := in.Config.WebhookSecret; secret != "" {
		var err error
		switch in.Config.Vendor {
		case integration.VendorZendesk:
			signature, err = verifyZendesk(secret, req.Headers, req.RawBody)
		case integration.VendorSlack:
			signature, err = verifySlack(secret, req.Headers, req.RawBody, i.now())
		default:
			return Result{}, fmt.Errorf("webhooks for vendor %q: %w", in.Config.Vendor, integration.ErrNotConfigured)
		}
		if err != nil {
			log.Warn("Webhook signature rejected", zap.Error(err))
			return Result{}, err
		}
		verified = true
	} else {
		log.Warn("Webhook secret not configured, signature verification skipped")
	}

	var (
		e   *Event
		err error
	)
	switch in.Config.Vendor {
	case integration.VendorZendesk:
		e, err = parseZendesk(req.RawBody)
	case integration.VendorSlack:
		e, err = parseSlack(req.RawBody)
	default:
		return Result{}, fmt.Errorf("webhooks for vendor %q: %w", in.Config.Vendor, integration.ErrNotConfigured)
	}
	if err != nil {
		return Result{}, &integration.PermanentRecordError{Reason: "malformed webhook payload", Err: err}
	}
	e.Verified = verified
	e.Signature = signature

	if e.Kind == KindChallenge {
		return Result{Challenge: e.Challenge, Action: ActionChallenge, Verified: verified}, nil
	}

	res := Result{Status: StatusOK, Verified: verified}
	if !verified {
		res.Status = StatusAcceptedUnverified
	}

	log = log.With(
		zap.String("event_id", e.ID),
		zap.String("event_type", e.RawType),
		zap.Bool("verified", verified),
	)
	scope := "webhook:" + in.Config.ID
	if !i.deduper.AcquireOnce(ctx, scope, e.ID) {
		log.Info("Duplicate webhook delivery")
		res.Action = ActionDuplicateEvent
		return res, nil
	}

	action, ticketID, err := i.dispatch(ctx, in, e)
	if err != nil {
		// 供应商会重新投递
		i.deduper.Release(ctx, scope, e.ID)
		log.Error("Webhook dispatch failed", zap.Error(err))
		return res, err
	}
	res.Action = action
	res.TicketID = ticketID
	log.Info("Webhook processed", zap.String("action", action), zap.String("ticket_id", ticketID))
	return res, nil
}

func (i *Ingestor) dispatch(ctx context.Context, in *integration.Integration, e *Event) (string, string, error) {
	switch e.Kind {
	case KindTicketCreated, KindTicketUpdated:
		return i.upsertTicket(ctx, in, e)
	case KindTicketDeleted:
		return i.markDeleted(ctx, in, e)
	case KindCommentCreated:
		return i.addVendorComment(ctx, in, e)
	case KindMessage:
		return i.chatMessage(ctx, in, e)
	case KindReactionAdded, KindReactionRemoved:
		return i.updateReactions(ctx, in, e)
	case KindMembership:
		// 成员变动不引用任何工单，只记录
		i.logger.Info("Channel membership changed",
			zap.String("integration_id", in.Config.ID),
			zap.String("event_type", e.RawType),
			zap.String("user", e.Chat.User),
			zap.String("channel", e.Chat.Channel),
		)
		return ActionMembership, "", nil
	}

	if e.TicketExternalID != "" {
		return i.scheduleResync(ctx, in, e)
	}
	return ActionIgnored, "", nil
}

func (i *Ingestor) upsertTicket(ctx context.Context, in *integration.Integration, e *Event) (string, string, error) {
	if len(e.Ticket) == 0 {
		return i.scheduleResync(ctx, in, e)
	}
	rec, err := vendorrest.MapTicket(in.Config.ID, e.Ticket, nil)
	if err != nil {
		// 新格式事件只带部分字段，拉取完整工单
		if e.TicketExternalID != "" {
			return i.scheduleResync(ctx, in, e)
		}
		return "", "", err
	}

	res, err := i.processor.ProcessRecord(ctx, rec)
	if err != nil {
		return "", "", err
	}
	switch res.Outcome {
	case syncer.OutcomeCreated:
		return ActionTicketCreated, res.TicketID, nil
	case syncer.OutcomeUpdated:
		return ActionTicketUpdated, res.TicketID, nil
	default:
		return ActionTicketUnchanged, res.TicketID, nil
	}
}

func (i *Ingestor) markDeleted(ctx context.Context, in *integration.Integration, e *Event) (string, string, error) {
	if e.TicketExternalID == "" {
		return ActionIgnored, "", nil
	}
	res, found, err := i.gateway.Modify(ctx, in.Config.ID, e.TicketExternalID, func(t *model.Ticket) bool {
		if t.Status == model.StatusClosed && strings.HasSuffix(t.Description, DeletedSuffix) {
			return false
		}
		t.Status = model.StatusClosed
		t.Description = strings.TrimRight(t.Description, "\n") + "\n\n" + DeletedSuffix
		return true
	})
	if err != nil {
		return "", "", err
	}
	if !found {
		return ActionTicketNotFound, "", nil
	}
	return ActionTicketDeleted, res.Ticket.ID, nil
}

func (i *Ingestor) addVendorComment(ctx context.Context, in *integration.Integration, e *Event) (string, string, error) {
	if e.TicketExternalID == "" {
		return ActionIgnored, "", nil
	}
	if e.Comment == nil || (e.Comment.ID == "" && e.Comment.Body == "") {
		return i.scheduleResync(ctx, in, e)
	}

	externalID := ""
	if e.Comment.ID != "" {
		externalID = "zendesk_comment_" + string(e.Comment.ID)
	} else {
		// 没有评论 id 时用事件 id，重复投递仍然幂等
		externalID = "zendesk_event_" + e.ID
	}
	createdAt := i.now().UTC()
	if t, err := time.Parse(time.RFC3339, e.Comment.CreatedAt); err == nil {
		createdAt = t
	}

	c := model.Comment{
		ExternalID: externalID,
		Author:     model.Sender{Name: e.Comment.Author.Name, Email: e.Comment.Author.Email},
		Body:       e.Comment.Body,
		Internal:   e.Comment.internal(),
		CreatedAt:  createdAt,
	}
	parent, appended, err := i.gateway.AppendComment(ctx, in.Config.ID, e.TicketExternalID, c)
	if errors.Is(err, gateway.ErrParentNotFound) {
		// 工单还没同步过，先拉取工单
		if _, _, serr := i.scheduleResync(ctx, in, e); serr != nil {
			return "", "", serr
		}
		return ActionParentNotFound, "", nil
	}
	if err != nil {
		return "", "", err
	}
	if !appended {
		return ActionTicketUnchanged, parent.ID, nil
	}
	return ActionCommentAdded, parent.ID, nil
}

func (i *Ingestor) chatMessage(ctx context.Context, in *integration.Integration, e *Event) (string, string, error) {
	m := e.Chat.message()
	if chat.ShouldSkip(m) {
		return ActionIgnored, "", nil
	}
	mapper := messageMapper(in, e.Chat.Channel)
	if mapper == nil {
		return ActionIgnored, "", nil
	}

	parent := ""
	if m.ThreadTS != "" && m.ThreadTS != m.TS {
		parent = chat.ExternalID(m.ThreadTS, e.Chat.Channel)
	}
	rec, err := mapper.MapMessage(ctx, e.Chat.Channel, m, parent)
	if err != nil {
		return "", "", err
	}

	res, err := i.processor.ProcessRecord(ctx, rec)
	if errors.Is(err, gateway.ErrParentNotFound) {
		return ActionParentNotFound, "", nil
	}
	if err != nil {
		return "", "", err
	}
	switch res.Outcome {
	case syncer.OutcomeCreated:
		return ActionTicketCreated, res.TicketID, nil
	case syncer.OutcomeUpdated:
		return ActionTicketUpdated, res.TicketID, nil
	case syncer.OutcomeComment:
		return ActionCommentAdded, res.TicketID, nil
	default:
		return ActionTicketUnchanged, res.TicketID, nil
	}
}

// messageMapper 找到监控该频道的 chat 适配器；频道未被监控时返回 nil
func messageMapper(in *integration.Integration, channelID string) MessageMapper {
	for _, ch := range in.Config.Channels {
		if ch.Kind != model.ChannelChat || ch.Chat == nil {
			continue
		}
		if len(ch.Chat.ChannelIDs) > 0 && !slices.Contains(ch.Chat.ChannelIDs, channelID) {
			continue
		}
		for _, a := range in.Adapters {
			if m, ok := a.(MessageMapper); ok && a.Name() == ch.Label() {
				return m
			}
		}
	}
	return nil
}

type reaction struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

func (i *Ingestor) updateReactions(ctx context.Context, in *integration.Integration, e *Event) (string, string, error) {
	if e.TicketExternalID == "" || e.Chat.Reaction == "" {
		return ActionIgnored, "", nil
	}
	added := e.Kind == KindReactionAdded
	user := e.Chat.User

	res, found, err := i.gateway.Modify(ctx, in.Config.ID, e.TicketExternalID, func(t *model.Ticket) bool {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		reactions := decodeReactions(t.Metadata["reactions"])
		idx := slices.IndexFunc(reactions, func(r reaction) bool { return r.Name == e.Chat.Reaction })

		switch {
		case added && idx < 0:
			reactions = append(reactions, reaction{Name: e.Chat.Reaction, Count: 1, Users: []string{user}})
		case added:
			if slices.Contains(reactions[idx].Users, user) {
				return false
			}
			reactions[idx].Users = append(reactions[idx].Users, user)
			reactions[idx].Count = len(reactions[idx].Users)
		case idx < 0:
			return false
		default:
			before := len(reactions[idx].Users)
			users := slices.DeleteFunc(reactions[idx].Users, func(u string) bool { return u == user })
			if len(users) == before {
				return false
			}
			reactions[idx].Users = users
			reactions[idx].Count = len(users)
			if len(users) == 0 {
				reactions = slices.Delete(reactions, idx, idx+1)
			}
		}
		t.Metadata["reactions"] = encodeReactions(reactions)
		return true
	})
	if err != nil {
		return "", "", err
	}
	if !found {
		return ActionIgnored, "", nil
	}

	action := ActionReactionRemoved
	if added {
		action = ActionReactionAdded
	}
	return action, res.Ticket.ID, nil
}

// decodeReactions metadata 从数据库读回时是 []any / map[string]any
func decodeReactions(v any) []reaction {
	switch rs := v.(type) {
	case []reaction:
		return slices.Clone(rs)
	case []any:
		out := make([]reaction, 0, len(rs))
		for _, item := range rs {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			r := reaction{}
			r.Name, _ = m["name"].(string)
			if users, ok := m["users"].([]any); ok {
				for _, u := range users {
					if s, ok := u.(string); ok {
						r.Users = append(r.Users, s)
					}
				}
			}
			r.Count = len(r.Users)
			if r.Name != "" {
				out = append(out, r)
			}
		}
		return out
	}
	return nil
}

func encodeReactions(rs []reaction) []any {
	out := make([]any, 0, len(rs))
	for _, r := range rs {
		users := make([]any, 0, len(r.Users))
		for _, u := range r.Users {
			users = append(users, u)
		}
		out = append(out, map[string]any{"name": r.Name, "count": r.Count, "users": users})
	}
	return out
}

func (i *Ingestor) scheduleResync(ctx context.Context, in *integration.Integration, e *Event) (string, string, error) {
	if i.jobs == nil || e.TicketExternalID == "" {
		return ActionIgnored, "", nil
	}
	if err := i.jobs.EnqueueResync(ctx, in.Config.ID, e.TicketExternalID, e.RawType); err != nil {
		return "", "", fmt.Errorf("schedule resync of %s: %w", e.TicketExternalID, err)
	}
	return ActionResyncScheduled, "", nil
}
