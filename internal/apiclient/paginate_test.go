package apiclient

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaginate_EndOfStream(t *testing.T) {
	var tokens []string
	stats, err := Paginate(context.Background(), "", 10, func(ctx context.Context, token string) (string, bool, error) {
		tokens = append(tokens, token)
		if token == "p3" {
			return "", true, nil
		}
		return fmt.Sprintf("p%d", len(tokens)+1), false, nil
	})

	require.NoError(t, err)
	assert.Equal(t, StopEndOfStream, stats.StopReason)
	assert.Equal(t, 3, stats.Pages)
	assert.Equal(t, []string{"", "p2", "p3"}, tokens)
}

func TestPaginate_RepeatedTokenStopsBeforeCap(t *testing.T) {
	stats, err := Paginate(context.Background(), "", 1000, func(ctx context.Context, token string) (string, bool, error) {
		// 有缺陷的供应商永远返回同一个 next token
		return "same", false, nil
	})

	require.NoError(t, err)
	assert.Equal(t, StopLoopDetected, stats.StopReason)
	assert.Equal(t, 2, stats.Pages)
}

func TestPaginate_CycleBackToFirstToken(t *testing.T) {
	next := map[string]string{"a": "b", "b": "c", "c": "a"}
	stats, err := Paginate(context.Background(), "a", 1000, func(ctx context.Context, token string) (string, bool, error) {
		return next[token], false, nil
	})

	require.NoError(t, err)
	assert.Equal(t, StopLoopDetected, stats.StopReason)
	assert.Equal(t, 3, stats.Pages)
}

func TestPaginate_PageCap(t *testing.T) {
	n := 0
	stats, err := Paginate(context.Background(), "", 5, func(ctx context.Context, token string) (string, bool, error) {
		n++
		return fmt.Sprintf("t%d", n), false, nil
	})

	require.NoError(t, err)
	assert.Equal(t, StopPageCap, stats.StopReason)
	assert.Equal(t, 5, stats.Pages)
}

func TestPaginate_ErrorKeepsProcessedPages(t *testing.T) {
	boom := errors.New("page 3 failed")
	n := 0
	stats, err := Paginate(context.Background(), "", 10, func(ctx context.Context, token string) (string, bool, error) {
		if token == "t2" {
			return "", false, boom
		}
		n++
		return fmt.Sprintf("t%d", n), false, nil
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, "t2", stats.LastToken)
}

func TestPaginate_CanceledBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stats, err := Paginate(ctx, "", 10, func(ctx context.Context, token string) (string, bool, error) {
		cancel()
		return "next", false, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Pages)
}
