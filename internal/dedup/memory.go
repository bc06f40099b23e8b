package dedup

import (
	"context"
	"slices"
	"sync"
	"time"
)

// 每个 scope 追加这么多次后整体清理一遍过期的 hash / sender 键
const memorySweepEvery = 256

type memoryScope struct {
	ids     map[string]Entry
	hashes  map[string][]Entry
	senders map[string][]Entry
	stats   LedgerStats
	appends int
}

// MemoryLedger 进程内账本，重启后丢失。
// 和 redis 一样在 Append 时裁掉保留期之外的 hash / sender 记录，external id 永久保留
type MemoryLedger struct {
	mu        sync.RWMutex
	scopes    map[string]*memoryScope
	retention time.Duration
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		scopes:    make(map[string]*memoryScope),
		retention: 7 * 24 * time.Hour,
	}
}

// WithRetention d <= 0 时保持默认值
func (m *MemoryLedger) WithRetention(d time.Duration) *MemoryLedger {
	if d > 0 {
		m.retention = d
	}
	return m
}

func (m *MemoryLedger) Backend() string { return "memory" }
func (m *MemoryLedger) Close() error    { return nil }

func (m *MemoryLedger) ByExternalID(_ context.Context, scope, externalID string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scopes[scope]
	if !ok {
		return Entry{}, false, nil
	}
	e, found := s.ids[externalID]
	return e, found, nil
}

func (m *MemoryLedger) ByContentHash(_ context.Context, scope, hash string, since time.Time) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scopes[scope]
	if !ok {
		return nil, nil
	}
	return filterSince(s.hashes[hash], since), nil
}

func (m *MemoryLedger) BySender(_ context.Context, scope, sender string, since time.Time) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scopes[scope]
	if !ok {
		return nil, nil
	}
	return filterSince(s.senders[sender], since), nil
}

func (m *MemoryLedger) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scopes[e.IntegrationID]
	if !ok {
		s = &memoryScope{
			ids:     make(map[string]Entry),
			hashes:  make(map[string][]Entry),
			senders: make(map[string][]Entry),
		}
		m.scopes[e.IntegrationID] = s
	}

	if e.ExternalID != "" {
		if _, exists := s.ids[e.ExternalID]; !exists {
			s.ids[e.ExternalID] = e
		}
	}
	cutoff := e.FirstSeenAt.Add(-m.retention)
	if e.ContentHash != "" {
		s.hashes[e.ContentHash] = append(pruneBefore(s.hashes[e.ContentHash], cutoff), e)
	}
	if e.Sender != "" {
		s.senders[e.Sender] = append(pruneBefore(s.senders[e.Sender], cutoff), e)
	}
	s.appends++
	if s.appends%memorySweepEvery == 0 {
		sweep(s.hashes, cutoff)
		sweep(s.senders, cutoff)
	}

	s.stats.Entries++
	if s.stats.Oldest.IsZero() || e.FirstSeenAt.Before(s.stats.Oldest) {
		s.stats.Oldest = e.FirstSeenAt
	}
	if e.FirstSeenAt.After(s.stats.Newest) {
		s.stats.Newest = e.FirstSeenAt
	}
	return nil
}

func (m *MemoryLedger) Stats(_ context.Context, scope string) (LedgerStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.scopes[scope]; ok {
		return s.stats, nil
	}
	return LedgerStats{}, nil
}

// pruneBefore 原地删除 first_seen_at 早于 cutoff 的记录
func pruneBefore(entries []Entry, cutoff time.Time) []Entry {
	return slices.DeleteFunc(entries, func(e Entry) bool {
		return e.FirstSeenAt.Before(cutoff)
	})
}

func sweep(index map[string][]Entry, cutoff time.Time) {
	for key, entries := range index {
		if kept := pruneBefore(entries, cutoff); len(kept) > 0 {
			index[key] = kept
		} else {
			delete(index, key)
		}
	}
}

func filterSince(entries []Entry, since time.Time) []Entry {
	var out []Entry
	for _, e := range entries {
		if !e.FirstSeenAt.Before(since) {
			out = append(out, e)
		}
	}
	return out
}
