package vendorrest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ticketsync/internal/dedup"
	"ticketsync/internal/integration"
	"ticketsync/internal/model"
)

const externalIDPrefix = "zendesk_"

// ExternalID zendesk_<id>
func ExternalID(vendorID int64) string {
	return externalIDPrefix + strconv.FormatInt(vendorID, 10)
}

// VendorID 接受 zendesk_<id> 或纯数字
func VendorID(externalID string) (int64, error) {
	raw := strings.TrimPrefix(externalID, externalIDPrefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid zendesk ticket id %q: %w", externalID, err)
	}
	return id, nil
}

type user struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type ticket struct {
	ID             *int64     `json:"id"`
	URL            string     `json:"url"`
	Subject        string     `json:"subject"`
	Description    string     `json:"description"`
	Status         string     `json:"status"`
	Priority       string     `json:"priority"`
	Type           string     `json:"type"`
	RequesterID    int64      `json:"requester_id"`
	SubmitterID    int64      `json:"submitter_id"`
	AssigneeID     *int64     `json:"assignee_id"`
	OrganizationID *int64     `json:"organization_id"`
	GroupID        *int64     `json:"group_id"`
	Requester      *user      `json:"requester"`
	RequesterEmail string     `json:"requester_email"`
	Tags           []string   `json:"tags"`
	CreatedAt      *time.Time `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at"`
}

// MapTicket 把一个上游工单映射为 InboundRecord；webhook 的 current/ticket 字段也走这里
func MapTicket(integrationID string, raw json.RawMessage, users map[int64]user) (*model.InboundRecord, error) {
	var t ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, &integration.PermanentRecordError{ExternalID: peekID(raw), Reason: "malformed ticket", Err: err}
	}
	if t.ID == nil || *t.ID <= 0 {
		return nil, &integration.PermanentRecordError{Reason: "ticket has no id"}
	}

	id := *t.ID
	title := strings.TrimSpace(t.Subject)
	if title == "" {
		title = fmt.Sprintf("Zendesk Ticket #%d", id)
	}
	description := strings.TrimSpace(t.Description)
	if description == "" {
		description = title
	}

	sender := t.sender(users)
	rec := &model.InboundRecord{
		Channel:       model.ChannelVendorRest,
		IntegrationID: integrationID,
		ExternalID:    ExternalID(id),
		Sender:        sender,
		Subject:       title,
		Body:          description,
		Status:        MapStatus(t.Status),
		Priority:      MapPriority(t.Priority),
		Category:      t.Type,
		MessageType:   model.MessageSupportRequest,
		Metadata: map[string]any{
			"zendesk_id":   id,
			"url":          t.URL,
			"tags":         t.Tags,
			"requester_id": t.RequesterID,
			"submitter_id": t.SubmitterID,
		},
	}
	if t.AssigneeID != nil {
		rec.Metadata["assignee_id"] = *t.AssigneeID
	}
	if t.OrganizationID != nil {
		rec.Metadata["organization_id"] = *t.OrganizationID
	}
	if t.GroupID != nil {
		rec.Metadata["group_id"] = *t.GroupID
	}
	if t.CreatedAt != nil {
		rec.Timestamp = t.CreatedAt.UTC()
	}
	if t.UpdatedAt != nil {
		rec.UpdatedAt = t.UpdatedAt.UTC()
	}
	rec.ContentHash = dedup.ContentHash(rec.Subject, rec.Body, rec.Sender.Email)
	return rec, nil
}

// sender 优先内嵌 requester，其次侧载的 users，最后生成占位地址
func (t ticket) sender(users map[int64]user) model.Sender {
	var s model.Sender
	switch {
	case t.Requester != nil && t.Requester.Email != "":
		s = model.Sender{Name: t.Requester.Name, Email: t.Requester.Email}
	case users[t.RequesterID].Email != "":
		u := users[t.RequesterID]
		s = model.Sender{Name: u.Name, Email: u.Email}
	case t.RequesterEmail != "":
		s = model.Sender{Email: t.RequesterEmail}
	default:
		s = model.Sender{Email: fmt.Sprintf("unknown_user_%d@zendesk.local", *t.ID)}
	}
	if at := strings.LastIndex(s.Email, "@"); at >= 0 {
		s.Domain = strings.ToLower(s.Email[at+1:])
	}
	return s
}

// peekID 尽量从损坏的记录里取出 id，便于错误定位
func peekID(raw json.RawMessage) string {
	var probe struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == "" {
		return ""
	}
	return externalIDPrefix + probe.ID.String()
}
