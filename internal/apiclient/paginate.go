package apiclient

import (
	"context"

	"go.uber.org/zap"

	"ticketsync/pkg/metrics"
)

// DefaultPageCap 分页硬上限
const DefaultPageCap = 1000

type StopReason string

const (
	StopEndOfStream  StopReason = "end_of_stream"
	StopLoopDetected StopReason = "loop_detected"
	StopPageCap      StopReason = "page_cap"
)

// PageFunc 处理 token 对应的一页，返回下一页 token 和是否结束
type PageFunc func(ctx context.Context, token string) (next string, end bool, err error)

type PageStats struct {
	Pages      int
	StopReason StopReason
	LastToken  string
}

// Paginate 使用客户端配置的页数上限
func (c *Client) Paginate(ctx context.Context, first string, fetch PageFunc) (PageStats, error) {
	stats, err := Paginate(ctx, first, c.cfg.PageCap, fetch)
	if err == nil && stats.StopReason != StopEndOfStream {
		c.logger.Warn("Pagination stopped early",
			zap.String("reason", string(stats.StopReason)),
			zap.Int("pages", stats.Pages),
		)
	}
	if err == nil {
		metrics.IncrementPaginationStop(c.cfg.Vendor, string(stats.StopReason))
	}
	return stats, err
}

// Paginate 依次跟随 next token，直到流结束、token 重复（循环保护）或达到页数上限。
// 出错时直接返回，已处理的页保持已处理。
func Paginate(ctx context.Context, first string, pageCap int, fetch PageFunc) (PageStats, error) {
	if pageCap <= 0 {
		pageCap = DefaultPageCap
	}

	stats := PageStats{LastToken: first}
	seen := make(map[string]struct{})
	if first != "" {
		seen[first] = struct{}{}
	}

	token := first
	for stats.Pages < pageCap {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		next, end, err := fetch(ctx, token)
		if err != nil {
			return stats, err
		}
		stats.Pages++

		if end || next == "" {
			stats.StopReason = StopEndOfStream
			return stats, nil
		}
		if _, dup := seen[next]; dup {
			stats.StopReason = StopLoopDetected
			return stats, nil
		}
		seen[next] = struct{}{}
		token = next
		stats.LastToken = next
	}

	stats.StopReason = StopPageCap
	return stats, nil
}
