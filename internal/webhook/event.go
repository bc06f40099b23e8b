package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"ticketsync/internal/channel/chat"
	"ticketsync/internal/channel/vendorrest"
	"ticketsync/internal/integration"
)

// Kind 归一化后的事件类型
type Kind string

const (
	KindChallenge       Kind = "challenge"
	KindTicketCreated   Kind = "ticket.created"
	KindTicketUpdated   Kind = "ticket.updated"
	KindTicketDeleted   Kind = "ticket.deleted"
	KindCommentCreated  Kind = "comment.created"
	KindReactionAdded   Kind = "reaction.added"
	KindReactionRemoved Kind = "reaction.removed"
	KindMembership      Kind = "membership.changed"
	KindMessage         Kind = "message"
	KindOther           Kind = "other"
)

// Event 一次 webhook 投递解析后的结果
type Event struct {
	ID        string
	Vendor    string
	Kind      Kind
	RawType   string
	Signature string
	Verified  bool
	Raw       []byte

	// TicketExternalID 事件引用的工单（已加前缀），没有时为空
	TicketExternalID string
	Ticket           json.RawMessage
	Comment          *vendorComment

	Challenge string
	Chat      *chatEvent
}

// flexID 兼容 JSON 中的数字和字符串 id
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type vendorComment struct {
	ID       flexID `json:"id"`
	Body     string `json:"body"`
	IsPublic *bool  `json:"is_public"`
	Public   *bool  `json:"public"`
	Author   struct {
		ID    flexID `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"author"`
	CreatedAt string `json:"created_at"`
}

func (c *vendorComment) internal() bool {
	switch {
	case c.IsPublic != nil:
		return !*c.IsPublic
	case c.Public != nil:
		return !*c.Public
	}
	return false
}

type zendeskPayload struct {
	// 2022-11 之后的事件格式
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Subject  string          `json:"subject"`
	TicketID flexID          `json:"ticket_id"`
	Detail   json.RawMessage `json:"detail"`
	Event    struct {
		Comment *vendorComment `json:"comment"`
	} `json:"event"`

	// 旧格式一：ticket_event
	TicketEvent *struct {
		ID       flexID          `json:"id"`
		Type     string          `json:"type"`
		TicketID flexID          `json:"ticket_id"`
		Current  json.RawMessage `json:"current"`
		Comment  *vendorComment  `json:"comment"`
	} `json:"ticket_event"`

	// 旧格式二：ticket + action
	Ticket  json.RawMessage `json:"ticket"`
	Action  string          `json:"action"`
	Comment *vendorComment  `json:"comment"`
}

const zendeskEventPrefix = "zen:event-type:"

func parseZendesk(body []byte) (*Event, error) {
	var p zendeskPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode zendesk webhook: %w", err)
	}

	e := &Event{Vendor: integration.VendorZendesk, Raw: body}
	var ticketID string

	switch {
	case p.Type != "" && p.ID != "":
		e.ID = p.ID
		e.RawType = p.Type
		e.Comment = p.Event.Comment
		ticketID = string(p.TicketID)
		if len(p.Detail) > 0 {
			var detail struct {
				ID       flexID `json:"id"`
				TicketID flexID `json:"ticket_id"`
			}
			if err := json.Unmarshal(p.Detail, &detail); err == nil {
				if ticketID == "" {
					ticketID = string(detail.TicketID)
				}
				if ticketID == "" && strings.Contains(p.Type, "ticket.") {
					ticketID = string(detail.ID)
				}
			}
			e.Ticket = p.Detail
		}
		if ticketID == "" {
			ticketID = strings.TrimPrefix(p.Subject, "zen:ticket:")
			if ticketID == p.Subject {
				ticketID = ""
			}
		}

	case p.TicketEvent != nil:
		e.ID = string(p.TicketEvent.ID)
		typ := p.TicketEvent.Type
		if typ == "" {
			typ = "updated"
		}
		e.RawType = "ticket." + typ
		e.Ticket = p.TicketEvent.Current
		e.Comment = p.TicketEvent.Comment
		ticketID = string(p.TicketEvent.TicketID)

	case len(p.Ticket) > 0 && p.Action != "":
		var t struct {
			ID flexID `json:"id"`
		}
		if err := json.Unmarshal(p.Ticket, &t); err != nil {
			return nil, fmt.Errorf("decode zendesk ticket: %w", err)
		}
		e.RawType = "ticket." + p.Action
		e.Ticket = p.Ticket
		e.Comment = p.Comment
		ticketID = string(t.ID)

	default:
		e.RawType = "unknown"
	}

	if ticketID != "" {
		if id, err := vendorrest.VendorID(ticketID); err == nil && id > 0 {
			e.TicketExternalID = vendorrest.ExternalID(id)
		}
	}
	e.Kind = zendeskKind(strings.TrimPrefix(e.RawType, zendeskEventPrefix))
	if e.ID == "" {
		e.ID = bodyDigest(body)
	}
	return e, nil
}

func zendeskKind(typ string) Kind {
	switch typ {
	case "ticket.created":
		return KindTicketCreated
	case "ticket.updated", "ticket.status_changed", "ticket.priority_changed":
		return KindTicketUpdated
	case "ticket.deleted", "ticket.soft_deleted", "ticket.permanently_deleted":
		return KindTicketDeleted
	case "ticket.comment_added", "ticket.comment_created":
		return KindCommentCreated
	default:
		return KindOther
	}
}

// chatEvent Events API 的 event 字段
type chatEvent struct {
	Type     string      `json:"type"`
	Subtype  string      `json:"subtype"`
	Channel  string      `json:"channel"`
	User     string      `json:"user"`
	TS       string      `json:"ts"`
	ThreadTS string      `json:"thread_ts"`
	BotID    string      `json:"bot_id"`
	Text     string      `json:"text"`
	Files    []chat.File `json:"files"`
	Edited   *struct {
		User string `json:"user"`
		TS   string `json:"ts"`
	} `json:"edited"`
	Reaction string `json:"reaction"`
	Item     struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	} `json:"item"`
}

func (c *chatEvent) message() chat.Message {
	return chat.Message{
		Type:     "message",
		Subtype:  c.Subtype,
		TS:       c.TS,
		ThreadTS: c.ThreadTS,
		User:     c.User,
		BotID:    c.BotID,
		Text:     c.Text,
		Files:    c.Files,
		Edited:   c.Edited,
	}
}

type slackPayload struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	TeamID    string     `json:"team_id"`
	EventID   string     `json:"event_id"`
	Event     *chatEvent `json:"event"`
}

func parseSlack(body []byte) (*Event, error) {
	var p slackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode slack webhook: %w", err)
	}

	e := &Event{Vendor: integration.VendorSlack, Raw: body, ID: p.EventID, RawType: p.Type, Kind: KindOther}
	switch {
	case p.Type == "url_verification":
		e.Kind = KindChallenge
		e.Challenge = p.Challenge
	case p.Type == "event_callback" && p.Event != nil:
		e.Chat = p.Event
		e.RawType = p.Event.Type
		switch p.Event.Type {
		case "message", "app_mention":
			e.Kind = KindMessage
		case "reaction_added":
			e.Kind = KindReactionAdded
		case "reaction_removed":
			e.Kind = KindReactionRemoved
		case "member_joined_channel", "member_left_channel":
			e.Kind = KindMembership
		}
		if e.Kind == KindReactionAdded || e.Kind == KindReactionRemoved {
			if p.Event.Item.Type == "message" && p.Event.Item.TS != "" {
				e.TicketExternalID = chat.ExternalID(p.Event.Item.TS, p.Event.Item.Channel)
			}
		}
	}
	if e.ID == "" {
		e.ID = bodyDigest(body)
	}
	return e, nil
}

// bodyDigest 没有供应商事件 id 时用 body 的 SHA-256 作为幂等键
func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
