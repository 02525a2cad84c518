package registry

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpoint(id string, qualifiers ...string) *service.Endpoint {
	var methods []service.MethodDescriptor
	for _, q := range qualifiers {
		methods = append(methods, service.MethodDescriptor{Qualifier: q, Pattern: service.RequestResponse})
	}
	return service.NewEndpoint(id, id+":7000", nil, methods)
}

func added(ep *service.Endpoint) Event {
	return Event{Type: EndpointAdded, Endpoint: ep}
}

func removed(id string) Event {
	return Event{Type: EndpointRemoved, Endpoint: &service.Endpoint{ID: id}}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(WithLogger(testkit.NewLogger()), WithMeter(testkit.NewMeter()))
}

func TestRegistry_LookupOrder(t *testing.T) {
	r := newRegistry(t)
	assert.True(t, r.Apply(added(endpoint("c", "greeting/hello"))))
	assert.True(t, r.Apply(added(endpoint("a", "greeting/hello", "greeting/bye"))))
	assert.True(t, r.Apply(added(endpoint("b", "other/x"))))

	refs := r.Lookup("greeting/hello")
	require.Len(t, refs, 2)
	assert.Equal(t, "a", refs[0].EndpointID())
	assert.Equal(t, "c", refs[1].EndpointID())
	assert.Empty(t, r.Lookup("missing/q"))

	eps := r.ListEndpoints()
	require.Len(t, eps, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{eps[0].ID, eps[1].ID, eps[2].ID})
	assert.Equal(t, []string{"greeting/bye", "greeting/hello", "other/x"}, r.Snapshot().Qualifiers())
}

func TestRegistry_Idempotent(t *testing.T) {
	r := newRegistry(t)
	ep := endpoint("a", "greeting/hello")

	assert.True(t, r.Apply(added(ep)))
	assert.False(t, r.Apply(added(ep)), "重复 Added 不产生变化")
	assert.False(t, r.Apply(removed("nope")), "未知 id 的 Removed 不产生变化")

	// Updated 替换端点；内容相同则不变
	upd := endpoint("a", "greeting/hello", "greeting/bye")
	assert.True(t, r.Apply(Event{Type: EndpointUpdated, Endpoint: upd}))
	assert.False(t, r.Apply(Event{Type: EndpointUpdated, Endpoint: upd}))
	assert.Len(t, r.Lookup("greeting/bye"), 1)

	// 未知 id 的 Updated 等同于 Added
	assert.True(t, r.Apply(Event{Type: EndpointUpdated, Endpoint: endpoint("b", "greeting/hello")}))
	assert.Len(t, r.Lookup("greeting/hello"), 2)

	assert.True(t, r.Apply(removed("a")))
	assert.False(t, r.Apply(removed("a")))
	assert.Len(t, r.Lookup("greeting/hello"), 1)
}

func TestRegistry_LocalPinned(t *testing.T) {
	r := newRegistry(t)
	local := endpoint("me", "greeting/hello")
	require.NoError(t, r.RegisterLocal(local))

	assert.False(t, r.Apply(removed("me")))
	assert.False(t, r.Apply(Event{Type: EndpointUpdated, Endpoint: endpoint("me")}))
	require.NotNil(t, r.LocalEndpoint())
	assert.Equal(t, "me", r.LocalEndpoint().ID)
	assert.Len(t, r.Lookup("greeting/hello"), 1)

	// 同 id 可以替换，不同 id 被拒绝
	require.NoError(t, r.RegisterLocal(endpoint("me", "greeting/hello", "greeting/bye")))
	assert.Len(t, r.Lookup("greeting/bye"), 1)
	assert.ErrorIs(t, r.RegisterLocal(endpoint("other")), ErrLocalRegistered)
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := newRegistry(t)
	dup := service.NewEndpoint("a", "", nil, []service.MethodDescriptor{
		{Qualifier: "s/m"}, {Qualifier: "s/m"},
	})
	assert.ErrorIs(t, r.RegisterLocal(dup), ErrInvalidEndpoint)
	assert.False(t, r.Apply(added(dup)))
	assert.False(t, r.Apply(Event{Type: EndpointAdded}))
	assert.Equal(t, 0, r.Snapshot().Len())
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := newRegistry(t)
	r.Apply(added(endpoint("a", "s/m")))
	before := r.Snapshot()

	r.Apply(added(endpoint("b", "s/m")))
	assert.Len(t, before.Lookup("s/m"), 1, "旧快照不受后续变更影响")
	assert.Len(t, r.Snapshot().Lookup("s/m"), 2)
	assert.Greater(t, r.Snapshot().Version(), before.Version())

	// 修改返回的切片不影响快照
	refs := r.Lookup("s/m")
	refs[0] = service.Reference{}
	assert.Equal(t, "a", r.Lookup("s/m")[0].EndpointID())
}

// 任意交错的 Added/Removed 序列，最终状态只取决于每个 id 的最后一个事件
func TestRegistry_Convergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"a", "b", "c", "d", "e"}

	for round := 0; round < 50; round++ {
		r := New()
		want := map[string]bool{}
		for i := 0; i < 200; i++ {
			id := ids[rng.Intn(len(ids))]
			if rng.Intn(2) == 0 {
				r.Apply(added(endpoint(id, "s/m")))
				want[id] = true
			} else {
				r.Apply(removed(id))
				want[id] = false
			}
		}

		var expect []string
		for _, id := range ids {
			if want[id] {
				expect = append(expect, id)
			}
		}
		var got []string
		for _, ref := range r.Lookup("s/m") {
			got = append(got, ref.EndpointID())
		}
		assert.Equal(t, expect, got, fmt.Sprintf("round %d", round))
	}
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := r.Snapshot()
				for _, ref := range s.Lookup("s/m") {
					_, ok := s.Endpoint(ref.EndpointID())
					assert.True(t, ok)
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("n%d", i%10)
		if i%3 == 0 {
			r.Apply(removed(id))
		} else {
			r.Apply(added(endpoint(id, "s/m")))
		}
	}
	close(stop)
	wg.Wait()
}
