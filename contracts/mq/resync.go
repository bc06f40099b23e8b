package mq

import "time"

// RoutingKeyTicketResync 单条工单重新同步任务
const RoutingKeyTicketResync = "ticket.resync"

// TicketResyncPayload 延迟任务的 payload，mq / outbox / 进程内三种后端共用
type TicketResyncPayload struct {
	JobID         string    `json:"job_id"`
	IntegrationID string    `json:"integration_id"`
	ExternalID    string    `json:"external_id"`
	Reason        string    `json:"reason"` // webhook 事件类型或 "manual"
	TraceID       string    `json:"trace_id,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}
