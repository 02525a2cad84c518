// Package registry 是节点本地的服务注册表：端点集合及按 qualifier 的索引。
//
// 注册表采用写时复制：每次变更在写锁内构建新的 Snapshot，并通过 atomic.Pointer 发布，
// 读取方从不加锁。发现事件是幂等的：重复的 Added、未知 id 的 Removed 都不产生变化。
// 本地端点被固定，携带本地 id 的 Removed 事件会被忽略。
//
//	reg := registry.New(registry.WithLogger(logger))
//	_ = reg.RegisterLocal(local)
//	reg.Apply(registry.Event{Type: registry.EndpointAdded, Endpoint: remote})
//	refs := reg.Lookup("greeting/hello")
package registry

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/service"
)

// Registry 服务注册表
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[Snapshot]

	logger  clog.Logger
	applied metrics.Counter
	size    metrics.Gauge
}

// New 创建空注册表
func New(opts ...Option) *Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	r := &Registry{logger: o.logger}
	r.snapshot.Store(emptySnapshot())

	var err error
	if r.applied, err = o.meter.Counter("registry_events_applied_total", "Discovery events that changed the registry"); err != nil {
		o.logger.Warn("registry counter disabled", clog.Error(err))
		r.applied = nil
	}
	if r.size, err = o.meter.Gauge("registry_endpoints", "Endpoints currently known to the registry"); err != nil {
		o.logger.Warn("registry gauge disabled", clog.Error(err))
		r.size = nil
	}
	return r
}

// Snapshot 当前快照
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// RegisterLocal 安装本地端点。同一 id 可重复调用以替换端点内容。
func (r *Registry) RegisterLocal(ep *service.Endpoint) error {
	if err := ep.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot.Load()
	if cur.localID != "" && cur.localID != ep.ID {
		return fmt.Errorf("%w: %s", ErrLocalRegistered, cur.localID)
	}
	next := maps.Clone(cur.endpoints)
	next[ep.ID] = ep.Clone()
	r.publish(build(cur.version+1, ep.ID, next))

	r.logger.Info("local endpoint registered",
		clog.String("endpoint_id", ep.ID),
		clog.String("address", ep.Address),
		clog.Strings("qualifiers", ep.Qualifiers()))
	return nil
}

// Apply 应用一个发现事件，返回注册表是否发生变化。
// 调用方应保证同一来源的事件按发生顺序调用。
func (r *Registry) Apply(ev Event) bool {
	if ev.Endpoint == nil || ev.Endpoint.ID == "" {
		r.logger.Warn("discovery event without endpoint dropped", clog.String("type", ev.Type.String()))
		return false
	}
	id := ev.Endpoint.ID

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot.Load()
	if id == cur.localID {
		r.logger.Debug("event for local endpoint ignored", clog.String("event", ev.String()))
		return false
	}

	old, exists := cur.endpoints[id]
	var next map[string]*service.Endpoint

	switch ev.Type {
	case EndpointAdded, EndpointUpdated:
		if ev.Type == EndpointAdded && exists {
			return false
		}
		if exists && old.Equal(ev.Endpoint) {
			return false
		}
		if err := ev.Endpoint.Validate(); err != nil {
			r.logger.Warn("invalid endpoint dropped", clog.String("endpoint_id", id), clog.Error(err))
			return false
		}
		next = maps.Clone(cur.endpoints)
		next[id] = ev.Endpoint.Clone()

	case EndpointRemoved:
		if !exists {
			return false
		}
		next = maps.Clone(cur.endpoints)
		delete(next, id)

	default:
		r.logger.Warn("unknown discovery event type", clog.Int("type", int(ev.Type)))
		return false
	}

	r.publish(build(cur.version+1, cur.localID, next))
	if r.applied != nil {
		r.applied.Inc(context.Background(), metrics.L("type", ev.Type.String()))
	}
	r.logger.Debug("discovery event applied",
		clog.String("event", ev.String()),
		clog.String("source", ev.Source),
		clog.Int("endpoints", len(next)))
	return true
}

func (r *Registry) publish(s *Snapshot) {
	r.snapshot.Store(s)
	if r.size != nil {
		r.size.Set(context.Background(), float64(s.Len()))
	}
}

// Lookup 提供 qualifier 的全部引用，按端点 id 升序；没有时返回空
func (r *Registry) Lookup(qualifier string) []service.Reference {
	return r.Snapshot().Lookup(qualifier)
}

// ListEndpoints 全部端点，按 id 升序
func (r *Registry) ListEndpoints() []*service.Endpoint {
	return r.Snapshot().Endpoints()
}

// Endpoint 按 id 查找端点
func (r *Registry) Endpoint(id string) (*service.Endpoint, bool) {
	return r.Snapshot().Endpoint(id)
}

// LocalEndpoint 本地端点，未注册时返回 nil
func (r *Registry) LocalEndpoint() *service.Endpoint {
	s := r.Snapshot()
	if s.localID == "" {
		return nil
	}
	return s.endpoints[s.localID]
}
