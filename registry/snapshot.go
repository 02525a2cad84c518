package registry

import (
	"slices"

	"github.com/ceyewan/meshcall/service"
)

// Snapshot 注册表在某一时刻的不可变视图。一次调用只读取一个快照，
// 因此路由看到的候选集合内部一致。返回的端点不可修改。
type Snapshot struct {
	version   uint64
	localID   string
	endpoints map[string]*service.Endpoint
	ids       []string
	index     map[string][]service.Reference
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		endpoints: map[string]*service.Endpoint{},
		index:     map[string][]service.Reference{},
	}
}

// build 根据端点集合重建有序 id 列表与 qualifier 索引
func build(version uint64, localID string, endpoints map[string]*service.Endpoint) *Snapshot {
	s := &Snapshot{
		version:   version,
		localID:   localID,
		endpoints: endpoints,
		ids:       make([]string, 0, len(endpoints)),
		index:     make(map[string][]service.Reference),
	}
	for id := range endpoints {
		s.ids = append(s.ids, id)
	}
	slices.Sort(s.ids)
	for _, id := range s.ids {
		ep := endpoints[id]
		for _, m := range ep.Methods {
			s.index[m.Qualifier] = append(s.index[m.Qualifier], service.Reference{Endpoint: ep, Method: m})
		}
	}
	return s
}

// Version 每次变更递增
func (s *Snapshot) Version() uint64 {
	return s.version
}

// LocalID 本地端点 id，未注册时为空
func (s *Snapshot) LocalID() string {
	return s.localID
}

// Lookup 提供 qualifier 的全部引用，按端点 id 升序
func (s *Snapshot) Lookup(qualifier string) []service.Reference {
	return slices.Clone(s.index[qualifier])
}

// Endpoint 按 id 查找
func (s *Snapshot) Endpoint(id string) (*service.Endpoint, bool) {
	ep, ok := s.endpoints[id]
	return ep, ok
}

// Endpoints 全部端点，按 id 升序
func (s *Snapshot) Endpoints() []*service.Endpoint {
	out := make([]*service.Endpoint, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.endpoints[id])
	}
	return out
}

// Qualifiers 当前可调用的全部 qualifier
func (s *Snapshot) Qualifiers() []string {
	out := make([]string, 0, len(s.index))
	for q := range s.index {
		out = append(out, q)
	}
	slices.Sort(out)
	return out
}

func (s *Snapshot) Len() int {
	return len(s.ids)
}
