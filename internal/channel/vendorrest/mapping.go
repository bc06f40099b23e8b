package vendorrest

import (
	"strings"

	"ticketsync/internal/model"
)

// 上游值到内部词汇的映射表，未知值回落到安全默认值
var statusTable = map[string]string{
	"new":     model.StatusOpen,
	"open":    model.StatusOpen,
	"pending": model.StatusPending,
	"hold":    model.StatusPending,
	"solved":  model.StatusClosed,
	"closed":  model.StatusClosed,
}

var priorityTable = map[string]string{
	"low":    model.PriorityLow,
	"normal": model.PriorityMedium,
	"high":   model.PriorityHigh,
	"urgent": model.PriorityUrgent,
}

func MapStatus(upstream string) string {
	if s, ok := statusTable[strings.ToLower(strings.TrimSpace(upstream))]; ok {
		return s
	}
	return model.StatusOpen
}

func MapPriority(upstream string) string {
	if p, ok := priorityTable[strings.ToLower(strings.TrimSpace(upstream))]; ok {
		return p
	}
	return model.PriorityMedium
}
