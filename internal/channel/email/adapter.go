package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ticketsync/internal/channel"
	"ticketsync/internal/dedup"
	"ticketsync/internal/integration"
	"ticketsync/internal/model"
)

const (
	defaultBatchSize = 50
	defaultDaysBack  = 30
)

// Adapter 邮件渠道，按配置的邮箱顺序逐个拉取
type Adapter struct {
	integrationID string
	name          string
	cfg           integration.EmailConfig
	mailbox       Mailbox
	logger        *zap.Logger
	now           func() time.Time
}

func New(integrationID string, ch integration.ChannelConfig, mailbox Mailbox, logger *zap.Logger) *Adapter {
	cfg := *ch.Email
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.DaysBack <= 0 {
		cfg.DaysBack = defaultDaysBack
	}
	if len(cfg.Mailboxes) == 0 {
		// IMAP 文件夹和 Gmail label id 都叫 INBOX
		cfg.Mailboxes = []string{"INBOX"}
	}
	return &Adapter{
		integrationID: integrationID,
		name:          ch.Label(),
		cfg:           cfg,
		mailbox:       mailbox,
		logger:        logger.With(zap.String("integration_id", integrationID), zap.String("channel", ch.Label())),
		now:           time.Now,
	}
}

// WithClock 测试用
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

func (a *Adapter) Kind() model.ChannelKind { return model.ChannelEmail }
func (a *Adapter) Name() string            { return a.name }

// FetchBatch since 为零时回看 DaysBack 天
func (a *Adapter) FetchBatch(ctx context.Context, since time.Time, cursor string) (channel.Batch, error) {
	idx, token, err := channel.DecodeCursor(cursor)
	if err != nil {
		return channel.Batch{}, err
	}
	if idx >= len(a.cfg.Mailboxes) {
		return channel.Batch{EndOfStream: true}, nil
	}
	mbox := a.cfg.Mailboxes[idx]
	if since.IsZero() {
		since = a.now().AddDate(0, 0, -a.cfg.DaysBack)
	}

	page, err := a.mailbox.Fetch(ctx, mbox, since, token, a.cfg.BatchSize)
	if err != nil {
		return channel.Batch{}, fmt.Errorf("fetch %s mailbox %s: %w", a.mailbox.Source(), mbox, err)
	}

	batch := channel.Batch{}
	for _, raw := range page.Messages {
		rec, skip, err := a.mapMessage(mbox, raw)
		switch {
		case err != nil:
			batch.Errors = append(batch.Errors, err)
		case skip:
			batch.Skipped++
		default:
			batch.Records = append(batch.Records, rec)
		}
	}

	switch {
	case page.NextToken != "":
		batch.NextCursor = channel.EncodeCursor(idx, page.NextToken)
	case idx+1 < len(a.cfg.Mailboxes):
		batch.NextCursor = channel.EncodeCursor(idx+1, "")
	default:
		batch.EndOfStream = true
	}

	a.logger.Debug("Fetched email batch",
		zap.String("mailbox", mbox),
		zap.Int("messages", len(page.Messages)),
		zap.Int("records", len(batch.Records)),
		zap.Int("skipped", batch.Skipped),
		zap.Int("errors", len(batch.Errors)),
	)
	return batch, nil
}

// mapMessage 自动回复和系统邮件跳过；无法解析的邮件返回 PermanentRecordError
func (a *Adapter) mapMessage(mbox string, raw RawMessage) (*model.InboundRecord, bool, error) {
	fallbackID := fmt.Sprintf("email_%s_%s", mbox, raw.UID)
	if raw.Err != nil {
		return nil, false, &integration.PermanentRecordError{ExternalID: fallbackID, Reason: "message unavailable", Err: raw.Err}
	}

	p, err := Parse(raw.Raw)
	if err != nil {
		return nil, false, &integration.PermanentRecordError{ExternalID: fallbackID, Reason: "unparseable message", Err: err}
	}
	if p.Type == model.MessageAutoReply || p.Type == model.MessageSystem {
		a.logger.Debug("Skipping non-support email",
			zap.String("uid", raw.UID),
			zap.String("type", p.Type),
			zap.String("from", p.From.Email),
		)
		return nil, true, nil
	}

	externalID := p.MessageID
	if externalID == "" {
		externalID = fallbackID
	}
	ts := p.Date
	if ts.IsZero() {
		ts = raw.InternalDate
	}
	if ts.IsZero() {
		ts = a.now().UTC()
	}

	subject := strings.TrimSpace(p.Subject)
	if subject == "" {
		subject = "(no subject)"
	}
	body := p.MainContent
	if body == "" {
		body = p.BodyText
	}

	metadata := map[string]any{
		"mailbox":       mbox,
		"uid":           raw.UID,
		"source":        a.mailbox.Source(),
		"clean_subject": p.CleanSubject,
		"preview":       p.Preview,
		"keywords":      p.Keywords,
	}
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	if p.InReplyTo != "" {
		metadata["in_reply_to"] = p.InReplyTo
	}
	if len(p.References) > 0 {
		metadata["references"] = p.References
	}
	if len(p.To) > 0 {
		metadata["to"] = senderEmails(p.To)
	}
	if len(p.Cc) > 0 {
		metadata["cc"] = senderEmails(p.Cc)
	}

	return &model.InboundRecord{
		Channel:       model.ChannelEmail,
		IntegrationID: a.integrationID,
		ExternalID:    externalID,
		ContentHash:   dedup.ContentHash(p.CleanSubject, p.MainContent, p.From.Email),
		Sender:        p.From,
		Subject:       subject,
		Body:          body,
		Timestamp:     ts,
		UpdatedAt:     ts,
		ThreadID:      threadID(p),
		Attachments:   p.Attachments,
		Status:        model.StatusOpen,
		Priority:      p.Priority,
		Category:      p.Category,
		MessageType:   p.Type,
		Metadata:      metadata,
	}, false, nil
}

// threadID 会话的第一封邮件：References 的首项，其次 In-Reply-To，最后是自身
func threadID(p *Parsed) string {
	if len(p.References) > 0 {
		return p.References[0]
	}
	if p.InReplyTo != "" {
		return p.InReplyTo
	}
	return p.MessageID
}

func senderEmails(list []model.Sender) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.Email)
	}
	return out
}
