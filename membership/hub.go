package membership

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Hub 进程内成员总线。每个成员通过 Join 获得自己的 Source，
// 一个成员发布的变化按发布顺序投递给其它所有成员的订阅。
type Hub struct {
	mu      sync.Mutex
	members map[string]*HubMember
	now     func() time.Time
}

// NewHub 创建成员总线
func NewHub() *Hub {
	return &Hub{members: make(map[string]*HubMember), now: time.Now}
}

// Join 加入一个成员。成员在 Publish 之前对其它成员不可见。
func (h *Hub) Join(memberID string) *HubMember {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.members[memberID]; ok {
		return m
	}
	m := &HubMember{hub: h, id: memberID}
	h.members[memberID] = m
	return m
}

// Fail 模拟故障检测：成员被移除，其它成员收到 Failed
func (h *Hub) Fail(memberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[memberID]
	if !ok {
		return
	}
	delete(h.members, memberID)
	if m.published {
		m.published = false
		h.broadcastLocked(m.id, Event{Type: Failed, MemberID: m.id, Timestamp: h.now()})
	}
	m.closeLocked()
}

// Members 已发布元数据的成员 id，按字典序
func (h *Hub) Members() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for id, m := range h.members {
		if m.published {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) broadcastLocked(from string, ev Event) {
	for id, m := range h.members {
		if id == from {
			continue
		}
		for _, q := range m.subs {
			q.push(ev)
		}
	}
}

// HubMember 总线上的一个成员
type HubMember struct {
	hub       *Hub
	id        string
	metadata  []byte
	published bool
	closed    bool
	subs      []*queue
}

var _ Source = (*HubMember)(nil)

func (m *HubMember) LocalID() string {
	return m.id
}

// Subscribe 订阅其它成员的事件，先投递已发布成员的 Joined
func (m *HubMember) Subscribe(ctx context.Context) (<-chan Event, error) {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	q := newQueue(ctx)
	ids := make([]string, 0, len(h.members))
	for id := range h.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		other := h.members[id]
		if id == m.id || !other.published {
			continue
		}
		q.push(Event{Type: Joined, MemberID: id, Metadata: bytes.Clone(other.metadata), Timestamp: h.now()})
	}
	m.subs = append(m.subs, q)
	context.AfterFunc(ctx, func() { m.unsubscribe(q) })
	return q.out, nil
}

// unsubscribe 订阅的 ctx 结束后把队列移出成员
func (m *HubMember) unsubscribe(q *queue) {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	m.subs = slices.DeleteFunc(m.subs, func(s *queue) bool { return s == q })
	q.close()
}

func (m *HubMember) subscriptions() int {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	return len(m.subs)
}

// Publish 设置元数据，首次为 Joined，之后为 Updated
func (m *HubMember) Publish(_ context.Context, metadata []byte) error {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	typ := Updated
	if !m.published {
		typ = Joined
	}
	m.metadata = bytes.Clone(metadata)
	m.published = true
	h.broadcastLocked(m.id, Event{Type: typ, MemberID: m.id, Metadata: bytes.Clone(metadata), Timestamp: h.now()})
	return nil
}

// Unpublish 离开集群，其它成员收到 Left
func (m *HubMember) Unpublish(_ context.Context) error {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !m.published {
		return nil
	}
	m.published = false
	m.metadata = nil
	h.broadcastLocked(m.id, Event{Type: Left, MemberID: m.id, Timestamp: h.now()})
	return nil
}

// Close 离开集群并关闭全部订阅，幂等
func (m *HubMember) Close() error {
	if err := m.Unpublish(context.Background()); err != nil {
		return err
	}
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.members[m.id] == m {
		delete(h.members, m.id)
	}
	m.closeLocked()
	return nil
}

func (m *HubMember) closeLocked() {
	if m.closed {
		return
	}
	m.closed = true
	for _, q := range m.subs {
		q.close()
	}
	m.subs = nil
}
