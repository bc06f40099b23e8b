package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ticketsync/internal/model"
)

// MemoryTicketStore 进程内实现，用于测试和单机模式
type MemoryTicketStore struct {
	mu         sync.RWMutex
	byID       map[string]*model.Ticket
	byExternal map[string]string // integration_id + "\x00" + external_id -> id
	comments   map[string][]model.Comment
	order      []string
	now        func() time.Time
}

func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{
		byID:       make(map[string]*model.Ticket),
		byExternal: make(map[string]string),
		comments:   make(map[string][]model.Comment),
		now:        time.Now,
	}
}

func externalKey(integrationID, externalID string) string {
	return integrationID + "\x00" + externalID
}

func (m *MemoryTicketStore) GetByExternalID(_ context.Context, integrationID, externalID string) (*model.Ticket, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalKey(integrationID, externalID)]
	if !ok {
		return nil, false, nil
	}
	return cloneTicket(m.byID[id]), true, nil
}

func (m *MemoryTicketStore) GetByID(_ context.Context, id string) (*model.Ticket, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.byID[id]
	if !ok {
		return nil, false, nil
	}
	return cloneTicket(t), true, nil
}

func (m *MemoryTicketStore) Create(_ context.Context, t *model.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := externalKey(t.IntegrationID, t.ExternalID)
	if _, exists := m.byExternal[key]; exists {
		return ErrDuplicateExternalID
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := m.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	m.byID[t.ID] = cloneTicket(t)
	m.byExternal[key] = t.ID
	m.order = append(m.order, t.ID)
	return nil
}

func (m *MemoryTicketStore) Update(_ context.Context, t *model.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.byID[t.ID]
	if !ok {
		return ErrTicketNotFound
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = m.now().UTC()
	m.byID[t.ID] = cloneTicket(t)
	return nil
}

func (m *MemoryTicketStore) AppendComment(_ context.Context, c *model.Comment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[c.TicketID]; !ok {
		return false, ErrTicketNotFound
	}
	if c.ExternalID != "" {
		for _, existing := range m.comments[c.TicketID] {
			if existing.ExternalID == c.ExternalID {
				return false, nil
			}
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now().UTC()
	}
	m.comments[c.TicketID] = append(m.comments[c.TicketID], *c)
	return true, nil
}

func (m *MemoryTicketStore) ListComments(_ context.Context, ticketID string) ([]model.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Comment, len(m.comments[ticketID]))
	copy(out, m.comments[ticketID])
	return out, nil
}

// Tickets 按创建顺序返回某个 integration 的全部工单
func (m *MemoryTicketStore) Tickets(integrationID string) []model.Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Ticket
	for _, id := range m.order {
		if t := m.byID[id]; t.IntegrationID == integrationID {
			out = append(out, *cloneTicket(t))
		}
	}
	return out
}

func cloneTicket(t *model.Ticket) *model.Ticket {
	if t == nil {
		return nil
	}
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Classification != nil {
		cl := *t.Classification
		c.Classification = &cl
	}
	if t.Sentiment != nil {
		s := *t.Sentiment
		c.Sentiment = &s
	}
	return &c
}

// MemoryStateStore 游标和 integration 状态的进程内实现
type MemoryStateStore struct {
	mu       sync.RWMutex
	cursors  map[string]model.SyncCursor
	statuses map[string]model.IntegrationStatus
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		cursors:  make(map[string]model.SyncCursor),
		statuses: make(map[string]model.IntegrationStatus),
	}
}

func (m *MemoryStateStore) GetCursor(_ context.Context, integrationID, channel string) (model.SyncCursor, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cursors[externalKey(integrationID, channel)]
	return c, ok, nil
}

// SaveCursor last_synced_at 不回退
func (m *MemoryStateStore) SaveCursor(_ context.Context, c model.SyncCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := externalKey(c.IntegrationID, c.Channel)
	if prev, ok := m.cursors[key]; ok && prev.LastSyncedAt.After(c.LastSyncedAt) {
		c.LastSyncedAt = prev.LastSyncedAt
	}
	m.cursors[key] = c
	return nil
}

func (m *MemoryStateStore) GetStatus(_ context.Context, integrationID string) (model.IntegrationStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.statuses[integrationID]
	return s, ok, nil
}

func (m *MemoryStateStore) SetStatus(_ context.Context, s model.IntegrationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	m.statuses[s.IntegrationID] = s
	return nil
}
