package model

import "time"

// ChannelKind 渠道类型
type ChannelKind string

const (
	ChannelEmail      ChannelKind = "email"
	ChannelVendorRest ChannelKind = "vendor_rest"
	ChannelChat       ChannelKind = "chat"
)

// Canonical status / priority vocabulary
const (
	StatusOpen    = "open"
	StatusPending = "pending"
	StatusClosed  = "closed"

	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Message types produced by the email classifier
const (
	MessageAutoReply      = "auto_reply"
	MessageSystem         = "system"
	MessageNewsletter     = "newsletter"
	MessageSupportRequest = "support_request"
	MessageGeneral        = "general"
)

type Sender struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Domain string `json:"domain,omitempty"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// InboundRecord 是渠道适配器产出的规范化记录，抓取后不再修改
type InboundRecord struct {
	Channel          ChannelKind    `json:"channel"`
	IntegrationID    string         `json:"integration_id"`
	ExternalID       string         `json:"external_id"`
	ContentHash      string         `json:"content_hash,omitempty"`
	Sender           Sender         `json:"sender"`
	Subject          string         `json:"subject"`
	Body             string         `json:"body"`
	Timestamp        time.Time      `json:"timestamp"`
	UpdatedAt        time.Time      `json:"updated_at"`
	ThreadID         string         `json:"thread_id,omitempty"`
	ParentExternalID string         `json:"parent_external_id,omitempty"`
	Attachments      []Attachment   `json:"attachments,omitempty"`
	Status           string         `json:"status,omitempty"`
	Priority         string         `json:"priority,omitempty"`
	Category         string         `json:"category,omitempty"`
	MessageType      string         `json:"message_type,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// IsReply 回复只会追加为评论
func (r *InboundRecord) IsReply() bool {
	return r.ParentExternalID != ""
}

// TicketFields 把记录映射为 gateway 使用的字段
func (r *InboundRecord) TicketFields() TicketFields {
	return TicketFields{
		Title:         r.Subject,
		Description:   r.Body,
		Status:        r.Status,
		Priority:      r.Priority,
		Category:      r.Category,
		CustomerEmail: r.Sender.Email,
		CustomerName:  r.Sender.Name,
		SourceChannel: r.Channel,
		Metadata:      r.Metadata,
		UpdatedAt:     r.UpdatedAt,
	}
}

// SyncMode full 或 incremental
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
)

// SyncCursor 每个 integration+channel 一份，只会向前推进
type SyncCursor struct {
	IntegrationID string    `json:"integration_id"`
	Channel       string    `json:"channel"`
	LastSyncedAt  time.Time `json:"last_synced_at"`
	ResumeToken   string    `json:"resume_token,omitempty"`
	// ResumeSince 生成 ResumeToken 时使用的 since。token 只在同一个查询下有效，续传时必须沿用
	ResumeSince   time.Time `json:"resume_since,omitempty"`
	Mode          SyncMode  `json:"mode"`
	LastSuccessAt time.Time `json:"last_success_at"`
}

// Advance 返回推进后的 cursor，时间戳不会回退
func (c SyncCursor) Advance(syncedAt time.Time, token string) SyncCursor {
	next := c
	if syncedAt.After(next.LastSyncedAt) {
		next.LastSyncedAt = syncedAt
	}
	next.ResumeToken = token
	return next
}

// ClearResume 丢弃续传点
func (c *SyncCursor) ClearResume() {
	c.ResumeToken = ""
	c.ResumeSince = time.Time{}
}
