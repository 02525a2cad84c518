// Package router 从注册表快照中为一次调用选择目标端点。
//
// 所有策略都只读传入的快照；没有候选时返回 SERVICE_UNAVAILABLE 错误，而不是空切片。
package router

import (
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"

	"github.com/ceyewan/meshcall/registry"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
)

// TagFilter 按引用的合并标签筛选候选，nil 表示不过滤
type TagFilter func(ref service.Reference) bool

// Router 路由策略
type Router interface {
	Select(snap *registry.Snapshot, qualifier string, filter TagFilter) ([]service.Reference, error)
}

// candidates 快照中的候选，经过 filter 过滤
func candidates(snap *registry.Snapshot, qualifier string, filter TagFilter) ([]service.Reference, error) {
	refs := snap.Lookup(qualifier)
	if filter != nil {
		refs = slices.DeleteFunc(refs, func(r service.Reference) bool { return !filter(r) })
	}
	if len(refs) == 0 {
		return nil, serviceerr.NoReachableMember(qualifier)
	}
	return refs, nil
}

// HasTag 标签过滤器：key 的值等于 value
func HasTag(key, value string) TagFilter {
	return func(ref service.Reference) bool {
		v, ok := ref.Tag(key)
		return ok && v == value
	}
}

// RoundRobin 按 qualifier 轮询。候选集合的成员变化时游标归零。
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]*cursor
}

type cursor struct {
	next int
	ids  []string
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[string]*cursor)}
}

func (r *RoundRobin) Select(snap *registry.Snapshot, qualifier string, filter TagFilter) ([]service.Reference, error) {
	refs, err := candidates(snap, qualifier, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.EndpointID()
	}

	r.mu.Lock()
	c, ok := r.cursors[qualifier]
	if !ok {
		c = &cursor{}
		r.cursors[qualifier] = c
	}
	if !slices.Equal(c.ids, ids) {
		c.ids = ids
		c.next = 0
	}
	i := c.next % len(refs)
	c.next = i + 1
	r.mu.Unlock()

	return []service.Reference{refs[i]}, nil
}

// DefaultWeightKey 权重标签名
const DefaultWeightKey = "Weight"

// WeightedRandom 按标签权重随机。缺失、无法解析或为负的权重视为 1；
// 总权重为 0 时退化为均匀随机。
type WeightedRandom struct {
	Key  string
	mu   sync.Mutex
	rand *rand.Rand
}

// NewWeightedRandom key 为空时使用 "Weight"；src 为 nil 时使用随机种子
func NewWeightedRandom(key string, src rand.Source) *WeightedRandom {
	if key == "" {
		key = DefaultWeightKey
	}
	w := &WeightedRandom{Key: key}
	if src != nil {
		w.rand = rand.New(src)
	}
	return w
}

func (w *WeightedRandom) weight(ref service.Reference) float64 {
	key := w.Key
	if key == "" {
		key = DefaultWeightKey
	}
	v, ok := ref.Tag(key)
	if !ok {
		return 1
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 1
	}
	return f
}

func (w *WeightedRandom) float() float64 {
	if w.rand == nil {
		return rand.Float64()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rand.Float64()
}

func (w *WeightedRandom) Select(snap *registry.Snapshot, qualifier string, filter TagFilter) ([]service.Reference, error) {
	refs, err := candidates(snap, qualifier, filter)
	if err != nil {
		return nil, err
	}
	weights := make([]float64, len(refs))
	var total float64
	for i, ref := range refs {
		weights[i] = w.weight(ref)
		total += weights[i]
	}
	// 权重之和溢出时同样退回均匀随机
	if total == 0 || math.IsInf(total, 0) {
		return []service.Reference{refs[int(w.float()*float64(len(refs)))%len(refs)]}, nil
	}

	x := w.float() * total
	for i, wt := range weights {
		x -= wt
		if x < 0 {
			return []service.Reference{refs[i]}, nil
		}
	}
	return []service.Reference{refs[len(refs)-1]}, nil
}

// Random 均匀随机
type Random struct{}

func (Random) Select(snap *registry.Snapshot, qualifier string, filter TagFilter) ([]service.Reference, error) {
	refs, err := candidates(snap, qualifier, filter)
	if err != nil {
		return nil, err
	}
	return []service.Reference{refs[rand.IntN(len(refs))]}, nil
}

// Broadcast 返回全部候选，供扇出调用使用
type Broadcast struct{}

func (Broadcast) Select(snap *registry.Snapshot, qualifier string, filter TagFilter) ([]service.Reference, error) {
	return candidates(snap, qualifier, filter)
}

// tagFiltered 先按谓词缩小候选，再交给内层策略
type tagFiltered struct {
	inner     Router
	predicate TagFilter
}

// TagFiltered 包装 inner，调用方传入的 filter 与 predicate 同时生效
func TagFiltered(inner Router, predicate TagFilter) Router {
	return &tagFiltered{inner: inner, predicate: predicate}
}

func (t *tagFiltered) Select(snap *registry.Snapshot, qualifier string, filter TagFilter) ([]service.Reference, error) {
	combined := t.predicate
	if filter != nil {
		combined = func(ref service.Reference) bool { return t.predicate(ref) && filter(ref) }
	}
	return t.inner.Select(snap, qualifier, combined)
}

// Default 默认策略：轮询
func Default() Router {
	return NewRoundRobin()
}
