package call

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/meshcall/breaker"
	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/methods"
	"github.com/ceyewan/meshcall/registry"
	"github.com/ceyewan/meshcall/router"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
	"github.com/ceyewan/meshcall/testkit"
	"github.com/ceyewan/meshcall/transport"
)

// memTransport 计数的内存传输，按地址把调用交给对应节点的方法表
type memTransport struct {
	mu      sync.Mutex
	nodes   map[string]transport.Invoker
	creates atomic.Int32
	invokes sync.Map // address -> *atomic.Int32
}

func newMemTransport() *memTransport {
	return &memTransport{nodes: make(map[string]transport.Invoker)}
}

func (m *memTransport) add(addr string, inv transport.Invoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[addr] = inv
}

func (m *memTransport) Create(_ context.Context, addr string) (transport.ClientChannel, error) {
	m.creates.Add(1)
	m.mu.Lock()
	inv, ok := m.nodes[addr]
	m.mu.Unlock()
	if !ok {
		return nil, errors.New("connection refused")
	}
	v, _ := m.invokes.LoadOrStore(addr, new(atomic.Int32))
	return &memChannel{inv: inv, count: v.(*atomic.Int32)}, nil
}

func (m *memTransport) Close() error { return nil }

func (m *memTransport) invoked(addr string) int32 {
	v, ok := m.invokes.Load(addr)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

type memChannel struct {
	inv   transport.Invoker
	count *atomic.Int32
}

func (c *memChannel) Invoke(ctx context.Context, q string, _ service.Pattern, requests *stream.Stream[*message.Message]) *stream.Stream[*message.Message] {
	c.count.Add(1)
	return c.inv.Invoke(ctx, q, requests)
}

type node struct {
	methods *methods.Registry
	fired   atomic.Int32
	running atomic.Int32
	slow    chan struct{}
}

func newNode(t *testing.T) *node {
	t.Helper()
	n := &node{slow: make(chan struct{})}
	n.methods = methods.New(methods.WithLogger(testkit.NewLogger()))
	require.NoError(t, n.methods.RegisterService(service.Info{Service: service.New("greeting",
		service.Unary("hello", func(ctx context.Context, name string) (string, error) {
			switch name {
			case "":
				return "", serviceerr.Unauthorized("who are you")
			case "raw":
				return "", errors.New("database password leaked")
			case "slow":
				select {
				case <-n.slow:
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			return "hello " + name, nil
		}),
		service.OneWay("notify", func(ctx context.Context, _ string) error {
			n.fired.Add(1)
			return nil
		}),
		service.ServerStream("count", func(ctx context.Context, limit int, emit func(int) error) error {
			n.running.Add(1)
			defer n.running.Add(-1)
			for i := 0; i < limit; i++ {
				if err := emit(i); err != nil {
					return err
				}
			}
			return nil
		}),
		service.Channel("echo", func(ctx context.Context, in *stream.Stream[string], emit func(string) error) error {
			for {
				v, err := in.Recv(ctx)
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if err := emit("echo " + v); err != nil {
					return err
				}
			}
		}),
	)}))
	n.methods.Freeze()
	return n
}

func (n *node) endpoint(id, addr string, tags map[string]string) *service.Endpoint {
	return service.NewEndpoint(id, addr, tags, n.methods.Descriptors())
}

func added(ep *service.Endpoint) registry.Event {
	return registry.Event{Type: registry.EndpointAdded, Endpoint: ep, Timestamp: time.Now()}
}

// cluster 调用方没有本地服务，远端节点 n1、n2 经内存传输可达
type cluster struct {
	tr    *memTransport
	reg   *registry.Registry
	nodes map[string]*node
	call  *Call
}

func newCluster(t *testing.T, ids ...string) *cluster {
	t.Helper()
	c := &cluster{tr: newMemTransport(), reg: registry.New(), nodes: make(map[string]*node)}
	for _, id := range ids {
		n := newNode(t)
		addr := "addr-" + id
		c.tr.add(addr, n.methods)
		c.reg.Apply(added(n.endpoint(id, addr, nil)))
		c.nodes[id] = n
	}
	c.call = New(c.tr, nil, c.reg, WithLogger(testkit.NewLogger()), WithMeter(testkit.NewMeter()))
	return c
}

func encode(t *testing.T, q string, v any) *message.Message {
	t.Helper()
	m, err := message.Encode(q, v)
	require.NoError(t, err)
	return m
}

func TestLocalFirst(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()

	local := newNode(t)
	remote := newNode(t)
	tr := newMemTransport()
	tr.add("addr-remote", remote.methods)

	reg := registry.New()
	require.NoError(t, reg.RegisterLocal(local.endpoint("local", "addr-local", nil)))
	reg.Apply(added(remote.endpoint("remote", "addr-remote", nil)))

	c := New(tr, local.methods, reg)
	for i := 0; i < 10; i++ {
		v, err := One[string](ctx, c, "greeting/hello", "local")
		require.NoError(t, err)
		assert.Equal(t, "hello local", v)
	}
	require.NoError(t, Send(ctx, c, "greeting/notify", "x"))

	// 本节点提供的方法从不经过传输层
	assert.Zero(t, tr.creates.Load())
	assert.Eventually(t, func() bool { return local.fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, remote.fired.Load())
}

func TestRemotePatterns(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()
	cl := newCluster(t, "n1")

	t.Run("请求响应", func(t *testing.T) {
		v, err := One[string](ctx, cl.call, "greeting/hello", "mesh")
		require.NoError(t, err)
		assert.Equal(t, "hello mesh", v)
	})

	t.Run("单向调用", func(t *testing.T) {
		require.NoError(t, Send(ctx, cl.call, "greeting/notify", "x"))
		assert.Eventually(t, func() bool { return cl.nodes["n1"].fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("请求流", func(t *testing.T) {
		s, err := Many[int](ctx, cl.call, "greeting/count", 4)
		require.NoError(t, err)
		got, err := stream.Collect(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3}, got)
	})

	t.Run("双向通道", func(t *testing.T) {
		s, err := Channel[string, string](ctx, cl.call, "greeting/echo", stream.FromSlice(ctx, []string{"a", "b"}))
		require.NoError(t, err)
		got, err := stream.Collect(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, []string{"echo a", "echo b"}, got)
	})

	t.Run("未编码的消息使用默认 content-type", func(t *testing.T) {
		resp, err := cl.call.RequestOne(ctx, message.New("greeting/hello", []byte(`"raw json"`)))
		require.NoError(t, err)
		v, err := message.Decode[string](resp)
		require.NoError(t, err)
		assert.Equal(t, "hello raw json", v)
	})
}

func TestNoRoute(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()
	cl := newCluster(t, "n1")

	_, err := cl.call.RequestOne(ctx, encode(t, "greeting/missing", "x"))
	assert.ErrorIs(t, err, serviceerr.ErrServiceUnavailable)

	err = cl.call.FireAndForget(ctx, encode(t, "other/notify", "x"))
	assert.ErrorIs(t, err, serviceerr.ErrServiceUnavailable)

	_, err = cl.call.RequestMany(ctx, encode(t, "other/count", 1))
	assert.ErrorIs(t, err, serviceerr.ErrServiceUnavailable)

	// 标签过滤掉全部候选同样没有路由
	_, err = cl.call.With(WithTagFilter(router.HasTag("zone", "mars"))).RequestOne(ctx, encode(t, "greeting/hello", "x"))
	assert.ErrorIs(t, err, serviceerr.ErrServiceUnavailable)

	assert.Zero(t, cl.tr.creates.Load())
}

func TestBadRequests(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()
	cl := newCluster(t, "n1")

	_, err := cl.call.RequestOne(ctx, nil)
	assert.ErrorIs(t, err, serviceerr.ErrBadRequest)

	_, err = cl.call.RequestOne(ctx, message.New("", nil))
	assert.ErrorIs(t, err, serviceerr.ErrBadRequest)

	// 以错误的模式调用
	_, err = cl.call.RequestOne(ctx, encode(t, "greeting/count", 1))
	assert.ErrorIs(t, err, serviceerr.ErrBadRequest)
	assert.Zero(t, cl.tr.creates.Load())

	// 负载无法解码
	_, err = cl.call.RequestOne(ctx, message.New("greeting/hello", []byte("{"), message.WithContentType("application/json")))
	assert.ErrorIs(t, err, serviceerr.ErrBadRequest)
}

func TestErrorMapping(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()
	cl := newCluster(t, "n1")

	_, err := One[string](ctx, cl.call, "greeting/hello", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, serviceerr.ErrUnauthorized)
	var se *serviceerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "who are you", se.Message)

	// 内部错误的细节不会跨越节点
	_, err = One[string](ctx, cl.call, "greeting/hello", "raw")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, serviceerr.CodeInternal, se.Code)
	assert.NotContains(t, se.Message, "password")

	// 自定义映射器
	custom := cl.call.With(WithErrorMapper(serviceerr.ConsumerFunc(func(m *message.Message) error {
		return serviceerr.Newf(4001, "mapped %d", m.ErrorCode())
	})))
	_, err = One[string](ctx, custom, "greeting/hello", "")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 4001, se.Code)
	assert.Equal(t, "mapped 401", se.Message)
}

// 没有错误码的错误与返回 nil 的映射器都必须让调用以错误结束
func TestErrorWithoutCode(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()

	m := methods.New(methods.WithLogger(testkit.NewLogger()))
	require.NoError(t, m.RegisterService(service.Info{Service: service.New("broken",
		service.ServerStream("stream", func(ctx context.Context, _ int, emit func(int) error) error {
			return &serviceerr.Error{Message: "boom"}
		}),
		service.Unary("unary", func(ctx context.Context, _ int) (int, error) {
			return 0, &serviceerr.Error{Message: "boom"}
		}),
	)}))
	m.Freeze()

	tr := newMemTransport()
	tr.add("addr-remote", m)
	reg := registry.New()
	reg.Apply(added(service.NewEndpoint("remote", "addr-remote", nil, m.Descriptors())))

	callers := map[string]*Call{
		"local":  New(nil, m, registry.New(), WithLogger(testkit.NewLogger())),
		"remote": New(tr, nil, reg, WithLogger(testkit.NewLogger())),
	}
	for name, c := range callers {
		t.Run(name, func(t *testing.T) {
			s, err := Many[int](ctx, c, "broken/stream", 1)
			require.NoError(t, err)
			values, err := stream.Collect(ctx, s)
			assert.Empty(t, values)
			require.Error(t, err)
			assert.Equal(t, serviceerr.CodeInternal, serviceerr.CodeOf(err))

			_, err = One[int](ctx, c, "broken/unary", 1)
			require.Error(t, err)
			assert.Equal(t, serviceerr.CodeInternal, serviceerr.CodeOf(err))
			assert.NotContains(t, err.Error(), "empty response")
		})
	}

	// 消费端映射器返回 nil
	cl := newCluster(t, "n1")
	silent := cl.call.With(WithErrorMapper(serviceerr.ConsumerFunc(func(*message.Message) error { return nil })))
	_, err := One[string](ctx, silent, "greeting/hello", "")
	require.Error(t, err)
	assert.Equal(t, serviceerr.CodeInternal, serviceerr.CodeOf(err))
}

func TestCancellation(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()
	cl := newCluster(t, "n1")
	n := cl.nodes["n1"]

	s, err := Many[int](ctx, cl.call, "greeting/count", 1000)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		v, err := s.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	s.Cancel()

	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, stream.ErrCancelled)
	assert.Eventually(t, func() bool { return n.running.Load() == 0 }, 500*time.Millisecond, 5*time.Millisecond)
}

func TestTimeout(t *testing.T) {
	cl := newCluster(t, "n1")
	c := cl.call.With(WithTimeout(50 * time.Millisecond))

	_, err := One[string](context.Background(), c, "greeting/hello", "slow")
	assert.ErrorIs(t, err, serviceerr.ErrServiceUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRoundRobinAcrossNodes(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()
	cl := newCluster(t, "n1", "n2", "n3")

	for i := 0; i < 30; i++ {
		_, err := One[string](ctx, cl.call, "greeting/hello", "rr")
		require.NoError(t, err)
	}
	for _, id := range []string{"n1", "n2", "n3"} {
		assert.Equal(t, int32(10), cl.tr.invoked("addr-"+id), id)
	}
}

func TestBroadcast(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()
	cl := newCluster(t, "n1", "n2")
	c := cl.call.With(WithRouter(router.Broadcast{}))

	require.NoError(t, Send(ctx, c, "greeting/notify", "all"))
	assert.Eventually(t, func() bool {
		return cl.nodes["n1"].fired.Load() == 1 && cl.nodes["n2"].fired.Load() == 1
	}, time.Second, 5*time.Millisecond)

	s, err := Many[int](ctx, c, "greeting/count", 3)
	require.NoError(t, err)
	got, err := stream.Collect(ctx, s)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 0, 1, 1, 2, 2}, got)
}

func TestBreaker(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()

	tr := newMemTransport()
	reg := registry.New()
	reg.Apply(added(newNode(t).endpoint("down", "addr-down", nil)))

	brk, err := breaker.New(&breaker.Config{MinimumRequests: 1, FailureRatio: 0.5, Timeout: time.Minute})
	require.NoError(t, err)
	c := New(tr, nil, reg, WithBreaker(brk))

	_, err = c.RequestOne(ctx, encode(t, "greeting/hello", "x"))
	assert.ErrorIs(t, err, serviceerr.ErrServiceUnavailable)
	assert.Equal(t, int32(1), tr.creates.Load())
	assert.Equal(t, breaker.StateOpen, brk.State("addr-down"))

	// 熔断打开后快速失败，不再建立连接
	_, err = c.RequestOne(ctx, encode(t, "greeting/hello", "x"))
	assert.ErrorIs(t, err, serviceerr.ErrServiceUnavailable)
	assert.Equal(t, int32(1), tr.creates.Load())
}

func TestLocalEndpointWithoutMethods(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()

	// 快照中本节点声明了方法，但本地方法表里没有：不会把调用发给自己
	tr := newMemTransport()
	reg := registry.New()
	require.NoError(t, reg.RegisterLocal(newNode(t).endpoint("self", "addr-self", nil)))

	c := New(tr, methods.New(), reg)
	_, err := c.RequestOne(ctx, encode(t, "greeting/hello", "x"))
	assert.ErrorIs(t, err, serviceerr.ErrServiceUnavailable)
	assert.Zero(t, tr.creates.Load())
}
