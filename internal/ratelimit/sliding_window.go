package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow 在任意长度为 window 的滑动窗口内最多允许 maxCalls 次调用
type SlidingWindow struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	calls    []time.Time
	now      func() time.Time
}

func NewSlidingWindow(maxCalls int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
	}
}

// WithClock 替换时钟，测试用
func (l *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	l.now = now
	return l
}

// Allow 原子地检查并记录一次调用
func (l *SlidingWindow) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.calls) >= l.maxCalls {
		return false
	}
	l.calls = append(l.calls, now)
	return true
}

// CanProceed 只检查，不记录
func (l *SlidingWindow) CanProceed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	return len(l.calls) < l.maxCalls
}

func (l *SlidingWindow) RecordCall() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	l.calls = append(l.calls, now)
}

// WaitTime 最早的调用离开窗口前需要等待的时间；可以继续时为 0
func (l *SlidingWindow) WaitTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.calls) < l.maxCalls {
		return 0
	}
	if len(l.calls) == 0 {
		return l.window
	}
	wait := l.calls[0].Add(l.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Wait 阻塞直到拿到一次调用配额或 ctx 取消，给不经过 apiclient 的 SDK 调用使用
func (l *SlidingWindow) Wait(ctx context.Context) error {
	for !l.Allow() {
		wait := l.WaitTime()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Remaining 当前窗口内剩余的调用次数
func (l *SlidingWindow) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	if n := l.maxCalls - len(l.calls); n > 0 {
		return n
	}
	return 0
}

// prune 丢弃已经离开窗口的时间戳，调用方持有锁
func (l *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

// Registry 每个凭证一个限流器
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*SlidingWindow
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*SlidingWindow)}
}

// Get 已存在时返回同一个实例，参数只在首次创建时生效
func (r *Registry) Get(key string, maxCalls int, window time.Duration) *SlidingWindow {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := NewSlidingWindow(maxCalls, window)
	r.limiters[key] = l
	return l
}
