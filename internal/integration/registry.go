package integration

import (
	"sort"
	"sync"

	"ticketsync/internal/channel"
)

// Resetter 由 apiclient.Client 实现，重新配置后清除认证失败状态
type Resetter interface {
	Reset()
}

// Integration 一个租户的运行时对象：配置、共享的客户端和渠道适配器
type Integration struct {
	Config   Config
	Adapters []channel.Adapter
	// Single 可选，用于单条重新同步
	Single  channel.SingleFetcher
	Clients []Resetter
}

// Reset 清除所有客户端的不可重试状态
func (i *Integration) Reset() {
	for _, c := range i.Clients {
		c.Reset()
	}
}

// Registry 按 id 和 webhook token 查找 integration，没有全局单例
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Integration
	byToken map[string]*Integration
}

func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]*Integration),
		byToken: make(map[string]*Integration),
	}
}

// Register 相同 id 会被替换
func (r *Registry) Register(in *Integration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[in.Config.ID]; ok && old.Config.WebhookToken != "" {
		delete(r.byToken, old.Config.WebhookToken)
	}
	r.byID[in.Config.ID] = in
	if in.Config.WebhookToken != "" {
		r.byToken[in.Config.WebhookToken] = in
	}
}

func (r *Registry) Get(id string) (*Integration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.byID[id]
	return in, ok
}

// ByWebhookToken 只接受不透明 token，不接受 integration id
func (r *Registry) ByWebhookToken(token string) (*Integration, bool) {
	if token == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.byToken[token]
	return in, ok
}

// Enabled 按 id 排序
func (r *Registry) Enabled() []*Integration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Integration, 0, len(r.byID))
	for _, in := range r.byID {
		if in.Config.Enabled {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}
