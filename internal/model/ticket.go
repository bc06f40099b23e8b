package model

import "time"

type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Ticket 规范化工单，(IntegrationID, ExternalID) 唯一
type Ticket struct {
	ID                string          `json:"id"`
	IntegrationID     string          `json:"integration_id"`
	ExternalID        string          `json:"external_id"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Status            string          `json:"status"`
	Priority          string          `json:"priority"`
	Category          string          `json:"category,omitempty"`
	CustomerEmail     string          `json:"customer_email,omitempty"`
	CustomerName      string          `json:"customer_name,omitempty"`
	SourceChannel     ChannelKind     `json:"source_channel"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	UpstreamUpdatedAt time.Time       `json:"upstream_updated_at"`
	Classification    *Classification `json:"classification,omitempty"`
	Sentiment         *Sentiment      `json:"sentiment,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TicketFields 是上游可以写入的字段
type TicketFields struct {
	Title         string
	Description   string
	Status        string
	Priority      string
	Category      string
	CustomerEmail string
	CustomerName  string
	SourceChannel ChannelKind
	Metadata      map[string]any
	UpdatedAt     time.Time
}

// Apply 把字段写入工单，空值不覆盖
func (f TicketFields) Apply(t *Ticket) {
	if f.Title != "" {
		t.Title = f.Title
	}
	if f.Description != "" {
		t.Description = f.Description
	}
	if f.Status != "" {
		t.Status = f.Status
	}
	if f.Priority != "" {
		t.Priority = f.Priority
	}
	if f.Category != "" {
		t.Category = f.Category
	}
	if f.CustomerEmail != "" {
		t.CustomerEmail = f.CustomerEmail
	}
	if f.CustomerName != "" {
		t.CustomerName = f.CustomerName
	}
	if f.SourceChannel != "" {
		t.SourceChannel = f.SourceChannel
	}
	if f.Metadata != nil {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		for k, v := range f.Metadata {
			t.Metadata[k] = v
		}
	}
	if !f.UpdatedAt.IsZero() {
		t.UpstreamUpdatedAt = f.UpdatedAt
	}
}

type Comment struct {
	ID         string    `json:"id"`
	TicketID   string    `json:"ticket_id"`
	ExternalID string    `json:"external_id,omitempty"`
	Author     Sender    `json:"author"`
	Body       string    `json:"body"`
	Internal   bool      `json:"internal"`
	CreatedAt  time.Time `json:"created_at"`
}

// IntegrationStatus ok / error / disabled
type IntegrationStatus struct {
	IntegrationID string    `json:"integration_id"`
	Status        string    `json:"status"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const (
	IntegrationOK       = "ok"
	IntegrationError    = "error"
	IntegrationDisabled = "disabled"
)
