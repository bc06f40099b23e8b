package chat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ticketsync/internal/apiclient"
	"ticketsync/internal/channel"
	"ticketsync/internal/dedup"
	"ticketsync/internal/integration"
	"ticketsync/internal/model"
)

const (
	defaultLimit = 200
	maxLimit     = 1000
	vendor       = "slack"
)

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (e envelope) result() (bool, string) { return e.OK, e.Error }

type apiResult interface {
	result() (bool, string)
}

type historyResponse struct {
	envelope
	Messages         []Message `json:"messages"`
	HasMore          bool      `json:"has_more"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// Adapter Slack Web API 渠道，按配置的频道顺序逐个拉取历史消息
type Adapter struct {
	integrationID string
	name          string
	cfg           integration.ChatConfig
	client        *apiclient.Client
	logger        *zap.Logger

	users    sync.Map // user id -> *User
	channels sync.Map // channel id -> name
}

func New(integrationID string, ch integration.ChannelConfig, client *apiclient.Client, logger *zap.Logger) *Adapter {
	cfg := *ch.Chat
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	if cfg.Limit > maxLimit {
		cfg.Limit = maxLimit
	}
	return &Adapter{
		integrationID: integrationID,
		name:          ch.Label(),
		cfg:           cfg,
		client:        client,
		logger:        logger.With(zap.String("integration_id", integrationID), zap.String("channel", ch.Label())),
	}
}

// BaseURL 默认 https://slack.com
func BaseURL(cfg integration.ChatConfig) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	return "https://slack.com"
}

func Authenticator(cfg integration.ChatConfig) apiclient.Authenticator {
	return apiclient.BearerToken(cfg.BotToken)
}

func (a *Adapter) Kind() model.ChannelKind { return model.ChannelChat }
func (a *Adapter) Name() string            { return a.name }

// FetchBatch cursor 形如 "<频道序号>|<slack cursor>"，一个频道翻完后进入下一个
func (a *Adapter) FetchBatch(ctx context.Context, since time.Time, cursor string) (channel.Batch, error) {
	idx, token, err := channel.DecodeCursor(cursor)
	if err != nil {
		return channel.Batch{}, err
	}
	if idx >= len(a.cfg.ChannelIDs) {
		return channel.Batch{EndOfStream: true}, nil
	}
	channelID := a.cfg.ChannelIDs[idx]

	q := url.Values{}
	q.Set("channel", channelID)
	q.Set("limit", strconv.Itoa(a.cfg.Limit))
	if token != "" {
		q.Set("cursor", token)
	}
	if !since.IsZero() && since.Unix() > 0 {
		q.Set("oldest", strconv.FormatInt(since.Unix(), 10))
	}

	var page historyResponse
	if err := a.call(ctx, "conversations.history", q, &page); err != nil {
		return channel.Batch{}, fmt.Errorf("fetch history of %s: %w", channelID, err)
	}

	batch := channel.Batch{}
	messages := page.Messages
	for _, m := range page.Messages {
		if m.ReplyCount == 0 || (m.ThreadTS != "" && m.ThreadTS != m.TS) {
			continue
		}
		replies, err := a.replies(ctx, channelID, m.TS)
		if err != nil {
			if !integration.IsPermanent(err) {
				return channel.Batch{}, err
			}
			batch.Errors = append(batch.Errors, &integration.PermanentRecordError{
				ExternalID: ExternalID(m.TS, channelID),
				Reason:     "thread replies unavailable",
				Err:        err,
			})
			continue
		}
		messages = append(messages, replies...)
	}

	threads, skipped := groupThreads(messages)
	batch.Skipped = skipped
	for _, t := range threads {
		parent := ""
		if !t.hasRoot() {
			// 根消息不在本页，全部作为回复
			parent = ExternalID(t.key, channelID)
		}
		for i, m := range t.messages {
			if i > 0 && parent == "" {
				parent = ExternalID(t.key, channelID)
			}
			rec, err := a.MapMessage(ctx, channelID, m, parent)
			if err != nil {
				if integration.IsAuthentication(err) {
					return channel.Batch{}, err
				}
				batch.Errors = append(batch.Errors, err)
				continue
			}
			batch.Records = append(batch.Records, rec)
		}
	}

	switch {
	case page.HasMore && page.ResponseMetadata.NextCursor != "":
		batch.NextCursor = channel.EncodeCursor(idx, page.ResponseMetadata.NextCursor)
	case idx+1 < len(a.cfg.ChannelIDs):
		batch.NextCursor = channel.EncodeCursor(idx+1, "")
	default:
		batch.EndOfStream = true
	}

	a.logger.Debug("Fetched chat history page",
		zap.String("chat_channel", channelID),
		zap.Int("messages", len(page.Messages)),
		zap.Int("threads", len(threads)),
		zap.Int("skipped", skipped),
		zap.Bool("end_of_stream", batch.EndOfStream),
	)
	return batch, nil
}

func (a *Adapter) replies(ctx context.Context, channelID, ts string) ([]Message, error) {
	q := url.Values{}
	q.Set("channel", channelID)
	q.Set("ts", ts)
	q.Set("limit", strconv.Itoa(a.cfg.Limit))

	var resp historyResponse
	if err := a.call(ctx, "conversations.replies", q, &resp); err != nil {
		return nil, fmt.Errorf("fetch replies of %s: %w", ts, err)
	}
	return resp.Messages, nil
}

// MapMessage 把一条消息映射为记录；parentExternalID 非空时生成回复记录。webhook 也会调用
func (a *Adapter) MapMessage(ctx context.Context, channelID string, m Message, parentExternalID string) (*model.InboundRecord, error) {
	if m.TS == "" {
		return nil, &integration.PermanentRecordError{Reason: "message has no ts"}
	}

	u, err := a.UserInfo(ctx, m.User)
	if err != nil {
		if integration.IsAuthentication(err) {
			return nil, err
		}
		a.logger.Warn("Failed to resolve chat user", zap.String("user", m.User), zap.Error(err))
	}
	channelName := a.ChannelName(ctx, channelID)

	sender := model.Sender{Name: m.User}
	if u != nil {
		sender = model.Sender{Name: u.Display(), Email: u.Profile.Email}
		if at := strings.LastIndex(sender.Email, "@"); at >= 0 {
			sender.Domain = strings.ToLower(sender.Email[at+1:])
		}
	}

	updatedAt := ParseTS(m.TS)
	if m.Edited != nil && m.Edited.TS != "" {
		updatedAt = ParseTS(m.Edited.TS)
	}

	rec := &model.InboundRecord{
		Channel:          model.ChannelChat,
		IntegrationID:    a.integrationID,
		ExternalID:       ExternalID(m.TS, channelID),
		Sender:           sender,
		Body:             FormatMessage(m, channelName, u),
		Timestamp:        ParseTS(m.TS),
		UpdatedAt:        updatedAt,
		ThreadID:         threadKey(m),
		ParentExternalID: parentExternalID,
		MessageType:      model.MessageSupportRequest,
		Metadata: map[string]any{
			"slack_channel":      channelID,
			"slack_channel_name": channelName,
			"slack_message_ts":   m.TS,
			"slack_thread_ts":    m.ThreadTS,
			"slack_user":         m.User,
			"has_files":          len(m.Files) > 0,
			"reply_count":        m.ReplyCount,
		},
	}
	if u != nil {
		rec.Metadata["slack_user_name"] = u.Display()
		rec.Metadata["slack_user_email"] = u.Profile.Email
	}
	for _, f := range m.Files {
		rec.Attachments = append(rec.Attachments, model.Attachment{
			Filename:    f.Name,
			ContentType: f.Mimetype,
			Size:        f.Size,
		})
	}

	if parentExternalID == "" {
		rec.Subject = Title(m, channelName, u)
		rec.Status = model.StatusOpen
		rec.Priority = DeterminePriority(m.Text)
	}

	senderKey := sender.Email
	if senderKey == "" {
		senderKey = m.User
	}
	rec.ContentHash = dedup.ContentHash(channelName+" "+rec.Subject, m.Text, senderKey)
	return rec, nil
}

// UserInfo users.info，结果按 adapter 缓存
func (a *Adapter) UserInfo(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, nil
	}
	if cached, ok := a.users.Load(userID); ok {
		return cached.(*User), nil
	}

	var resp struct {
		envelope
		User User `json:"user"`
	}
	if err := a.call(ctx, "users.info", url.Values{"user": {userID}}, &resp); err != nil {
		return nil, err
	}
	u := resp.User
	a.users.Store(userID, &u)
	return &u, nil
}

// ChannelName conversations.info 取频道名，失败时退回频道 id
func (a *Adapter) ChannelName(ctx context.Context, channelID string) string {
	if cached, ok := a.channels.Load(channelID); ok {
		return cached.(string)
	}

	var resp struct {
		envelope
		Channel struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"channel"`
	}
	if err := a.call(ctx, "conversations.info", url.Values{"channel": {channelID}}, &resp); err != nil || resp.Channel.Name == "" {
		if err != nil {
			a.logger.Debug("Failed to resolve channel name", zap.String("chat_channel", channelID), zap.Error(err))
		}
		a.channels.Store(channelID, channelID)
		return channelID
	}
	a.channels.Store(channelID, resp.Channel.Name)
	return resp.Channel.Name
}

// call Slack 的错误在 200 响应体里，ok=false 时按错误码分类
func (a *Adapter) call(ctx context.Context, method string, q url.Values, out apiResult) error {
	if err := a.client.GetJSON(ctx, apiclient.Request{Path: "/api/" + method, Query: q}, out); err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	if ok, code := out.result(); !ok {
		return APIError(code)
	}
	return nil
}

// APIError 把 Slack 错误码映射到错误分类
func APIError(code string) error {
	cause := errors.New(code)
	switch code {
	case "invalid_auth", "account_inactive", "token_revoked", "not_authed":
		return &integration.AuthenticationError{Vendor: vendor, Err: cause}
	case "ratelimited":
		return &integration.RateLimitError{Vendor: vendor, RetryAfter: time.Minute, Err: cause}
	default:
		return &integration.PermanentError{Vendor: vendor, Status: 200, Body: code}
	}
}
