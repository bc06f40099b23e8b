package syncer

import (
	"time"

	"ticketsync/internal/model"
)

// State 一次同步运行所处的阶段
type State string

const (
	StateIdle          State = "idle"
	StateFetching      State = "fetching"
	StateNormalizing   State = "normalizing"
	StateDeduplicating State = "deduplicating"
	StateUpserting     State = "upserting"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// 运行结束原因，除分页的 end_of_stream / loop_detected / page_cap 之外
const (
	StopCanceled      = "canceled"
	StopTimeout       = "timeout"
	StopError         = "error"
	StopAuthFailed    = "authentication_failed"
	StopHalted        = "integration_halted"
	StopNotConfigured = "not_configured"
)

// Summary 每次运行都会产出，失败时是部分结果
type Summary struct {
	RunID         string         `json:"run_id"`
	IntegrationID string         `json:"integration_id"`
	Channel       string         `json:"channel"`
	Mode          model.SyncMode `json:"mode"`
	State         State          `json:"state"`
	Fetched       int            `json:"fetched"`
	Processed     int            `json:"processed"`
	Created       int            `json:"created"`
	Updated       int            `json:"updated"`
	Duplicates    int            `json:"duplicates"`
	Comments      int            `json:"comments"`
	Skipped       int            `json:"skipped"`
	Errors        []string       `json:"errors"`
	Pages         int            `json:"pages"`
	StartedAt     time.Time      `json:"started_at"`
	DurationMS    int64          `json:"duration_ms"`
	StopReason    string         `json:"stop_reason,omitempty"`
}

func (s *Summary) addError(err error) {
	s.Errors = append(s.Errors, err.Error())
}

// count 按记录结果累加计数
func (s *Summary) count(outcome Outcome) {
	s.Processed++
	switch outcome {
	case OutcomeCreated:
		s.Created++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeComment:
		s.Comments++
	default:
		s.Duplicates++
	}
}
