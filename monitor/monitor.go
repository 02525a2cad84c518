// Package monitor 提供节点的运行时观测：节点信息、端点快照与最近的发现事件。
//
// Monitor 只读注册表，最近事件保存在固定容量的环形缓冲区中，超出容量时覆盖最旧的事件。
// HTTP 网关在 GET /_meshcall/monitor 以 JSON 暴露 Snapshot。
package monitor

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/registry"
	"github.com/ceyewan/meshcall/service"
)

// DefaultCapacity 默认保留的最近事件数
const DefaultCapacity = 128

// Event 最近发现事件的展示形式
type Event struct {
	Type       string    `json:"type"`
	EndpointID string    `json:"endpoint_id"`
	Address    string    `json:"address,omitempty"`
	Source     string    `json:"source,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot 某一时刻的节点视图
type Snapshot struct {
	ID              string              `json:"id"`
	ServiceAddress  string              `json:"service_address"`
	Transport       string              `json:"transport"`
	Gateways        map[string]string   `json:"gateways"`
	RegistryVersion uint64              `json:"registry_version"`
	Local           *service.Endpoint   `json:"local,omitempty"`
	Endpoints       []*service.Endpoint `json:"endpoints"`
	RecentEvents    []Event             `json:"recent_events"`
}

// Monitor 运行时观测，并发安全
type Monitor struct {
	reg    *registry.Registry
	logger clog.Logger

	mu             sync.RWMutex
	id             string
	serviceAddress string
	transport      string
	gateways       map[string]string
	ring           []Event
	next           int
	full           bool
}

// New 创建观测器
func New(reg *registry.Registry, opts ...Option) *Monitor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if reg == nil {
		reg = registry.New()
	}
	return &Monitor{
		reg:      reg,
		logger:   o.logger,
		gateways: make(map[string]string),
		ring:     make([]Event, o.capacity),
	}
}

// SetNode 记录节点 id、服务地址与传输层名称
func (m *Monitor) SetNode(id, serviceAddress, transport string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id, m.serviceAddress, m.transport = id, serviceAddress, transport
}

// SetGateway 记录网关地址
func (m *Monitor) SetGateway(name, address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways[name] = address
}

// Record 记录一个发现事件
func (m *Monitor) Record(ev registry.Event) {
	e := Event{Type: ev.Type.String(), Source: ev.Source, Timestamp: ev.Timestamp}
	if ev.Endpoint != nil {
		e.EndpointID = ev.Endpoint.ID
		e.Address = ev.Endpoint.Address
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = e
	m.next++
	if m.next == len(m.ring) {
		m.next = 0
		m.full = true
	}
}

// Watch 消费发现事件直到通道关闭或 ctx 结束
func (m *Monitor) Watch(ctx context.Context, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Record(ev)
			m.logger.Debug("discovery event", clog.String("event", ev.String()), clog.String("source", ev.Source))
		}
	}
}

// RecentEvents 最近的发现事件，从旧到新
func (m *Monitor) RecentEvents() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recentLocked()
}

func (m *Monitor) recentLocked() []Event {
	if !m.full {
		return append([]Event(nil), m.ring[:m.next]...)
	}
	out := make([]Event, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	return append(out, m.ring[:m.next]...)
}

// Snapshot 当前节点视图
func (m *Monitor) Snapshot() Snapshot {
	snap := m.reg.Snapshot()

	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		ID:              m.id,
		ServiceAddress:  m.serviceAddress,
		Transport:       m.transport,
		Gateways:        maps.Clone(m.gateways),
		RegistryVersion: snap.Version(),
		Endpoints:       snap.Endpoints(),
		RecentEvents:    m.recentLocked(),
	}
	if local, ok := snap.Endpoint(snap.LocalID()); ok {
		s.Local = local
	}
	return s
}
