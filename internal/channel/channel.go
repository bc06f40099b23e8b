package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ticketsync/internal/model"
)

// Batch 一页抓取结果。Errors 中是单条记录的失败，不影响整页
type Batch struct {
	Records     []*model.InboundRecord
	Errors      []error
	Skipped     int
	NextCursor  string
	EndOfStream bool
}

// Adapter 渠道适配器的统一接口
type Adapter interface {
	Kind() model.ChannelKind
	Name() string
	FetchBatch(ctx context.Context, since time.Time, cursor string) (Batch, error)
}

// SingleFetcher 支持按 external id 单条拉取的适配器
type SingleFetcher interface {
	FetchOne(ctx context.Context, externalID string) (*model.InboundRecord, error)
}

type modeKey struct{}

// WithMode 把同步模式放进 context，由支持两种模式的适配器读取
func WithMode(ctx context.Context, mode model.SyncMode) context.Context {
	return context.WithValue(ctx, modeKey{}, mode)
}

// ModeFromContext 没有设置时返回 fallback
func ModeFromContext(ctx context.Context, fallback model.SyncMode) model.SyncMode {
	if mode, ok := ctx.Value(modeKey{}).(model.SyncMode); ok && mode != "" {
		return mode
	}
	return fallback
}

// EncodeCursor 多来源的适配器（多个频道、多个邮箱）用 "<序号>|<来源内 token>" 作为 cursor
func EncodeCursor(idx int, token string) string {
	return strconv.Itoa(idx) + "|" + token
}

func DecodeCursor(cursor string) (int, string, error) {
	if cursor == "" {
		return 0, "", nil
	}
	rawIdx, token, ok := strings.Cut(cursor, "|")
	idx, err := strconv.Atoi(rawIdx)
	if !ok || err != nil || idx < 0 {
		return 0, "", fmt.Errorf("invalid cursor %q", cursor)
	}
	return idx, token, nil
}
