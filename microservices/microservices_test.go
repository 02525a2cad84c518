package microservices

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/meshcall/call"
	"github.com/ceyewan/meshcall/gateway"
	"github.com/ceyewan/meshcall/gateway/httpgateway"
	"github.com/ceyewan/meshcall/membership"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/testkit"
	"github.com/ceyewan/meshcall/transport/grpctransport"
)

func greeting() service.Service {
	return service.New("greeting",
		service.Unary("hello", func(ctx context.Context, name string) (string, error) {
			if name == "" {
				return "", serviceerr.Unauthorized("who are you")
			}
			return "hello " + name, nil
		}),
	)
}

func newTransport(t *testing.T) *grpctransport.Transport {
	t.Helper()
	tr, err := grpctransport.New(&grpctransport.Config{Workers: 2}, grpctransport.WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	return tr
}

func joinHub(hub *membership.Hub) DiscoveryFactory {
	return func(_ context.Context, id string) (membership.Source, error) {
		return hub.Join(id), nil
	}
}

func shutdown(t *testing.T, ms *Microservices) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, ms.Shutdown(ctx))
	})
}

// 两个节点经 gRPC 互相调用，错误码跨节点保持
func TestTwoNodesOverGRPC(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 10*time.Second)
	defer cancel()
	hub := membership.NewHub()

	provider, err := NewBuilder().
		ID("provider").
		Logger(testkit.NewLogger()).
		Transport(newTransport(t), TransportConfig{}).
		Discovery(joinHub(hub)).
		Tags(map[string]string{"zone": "a"}).
		Services(service.Info{Service: greeting()}).
		Start(ctx)
	require.NoError(t, err)
	shutdown(t, provider)
	assert.True(t, strings.HasPrefix(provider.ServiceAddress(), "127.0.0.1:"))

	httpGW, err := httpgateway.New(&httpgateway.Config{Address: "127.0.0.1:0"})
	require.NoError(t, err)
	consumer, err := NewBuilder().
		Logger(testkit.NewLogger()).
		Transport(newTransport(t), TransportConfig{Host: "127.0.0.1"}).
		Discovery(joinHub(hub)).
		Gateway(httpGW).
		Start(ctx)
	require.NoError(t, err)
	shutdown(t, consumer)
	assert.NotEmpty(t, consumer.ID())

	q := service.Qualifier("greeting", "hello")
	require.Eventually(t, func() bool {
		return len(consumer.Registry().Lookup(q)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := call.One[string](ctx, consumer.Call(), q, "bob")
	require.NoError(t, err)
	assert.Equal(t, "hello bob", resp)

	_, err = call.One[string](ctx, consumer.Call(), q, "")
	assert.ErrorIs(t, err, serviceerr.ErrUnauthorized)
	var se *serviceerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "who are you", se.Message)

	// 本地端点带有节点标签
	local := provider.Registry().LocalEndpoint()
	assert.Equal(t, "a", local.Tags["zone"])

	// 经消费者节点的 HTTP 网关转发到提供者
	addr, err := consumer.GatewayAddress("http")
	require.NoError(t, err)
	r, err := http.Post("http://"+addr+"/call/greeting/hello", "application/json", strings.NewReader(`"web"`))
	require.NoError(t, err)
	body, _ := io.ReadAll(r.Body)
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, `"hello web"`, string(body))

	_, err = consumer.GatewayAddress("ws")
	assert.ErrorIs(t, err, ErrGatewayNotFound)

	// 观测快照
	snap := consumer.Monitor().Snapshot()
	assert.Equal(t, consumer.ID(), snap.ID)
	assert.Equal(t, "grpc", snap.Transport)
	assert.Equal(t, addr, snap.Gateways["http"])
	assert.Len(t, snap.Endpoints, 2)
	assert.Eventually(t, func() bool {
		return len(consumer.Monitor().RecentEvents()) > 0
	}, time.Second, 10*time.Millisecond)

	// 提供者离开后消费者的路由随之消失
	require.NoError(t, provider.Shutdown(ctx))
	require.Eventually(t, func() bool {
		return len(consumer.Registry().Lookup(q)) == 0
	}, 2*time.Second, 10*time.Millisecond)
	_, err = call.One[string](ctx, consumer.Call(), q, "bob")
	assert.True(t, serviceerr.IsServiceUnavailable(err))
}

type fakeGateway struct {
	name     string
	startErr error
	stopped  bool
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) Start(context.Context, gateway.Runtime) (string, error) {
	if g.startErr != nil {
		return "", g.startErr
	}
	return "fake://" + g.name, nil
}

func (g *fakeGateway) Stop(context.Context) error {
	g.stopped = true
	return nil
}

func TestStartFailureShutsDown(t *testing.T) {
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()
	hub := membership.NewHub()

	boom := errors.New("port in use")
	ok := &fakeGateway{name: "ok"}
	bad := &fakeGateway{name: "bad", startErr: boom}
	_, err := NewBuilder().
		ID("node-1").
		Transport(newTransport(t), TransportConfig{}).
		Discovery(joinHub(hub)).
		Services(service.Info{Service: greeting()}).
		Gateway(ok, bad).
		Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// 已启动的部分全部停止，节点离开集群
	assert.True(t, ok.stopped)
	assert.True(t, bad.stopped)
	assert.Empty(t, hub.Members())
}

func TestBuilderValidation(t *testing.T) {
	ctx := context.Background()

	_, err := NewBuilder().Start(ctx)
	assert.ErrorIs(t, err, ErrNoTransport)

	_, err = NewBuilder().
		Transport(newTransport(t), TransportConfig{}).
		Gateway(&fakeGateway{name: "http"}, &fakeGateway{name: "http"}).
		Start(ctx)
	assert.ErrorIs(t, err, ErrDuplicateGateway)

	// 重复的 qualifier 在绑定传输层之前失败
	_, err = NewBuilder().
		Transport(newTransport(t), TransportConfig{}).
		Services(service.Info{Service: greeting()}, service.Info{Service: greeting()}).
		Start(ctx)
	assert.Error(t, err)

	b := NewBuilder().Transport(newTransport(t), TransportConfig{})
	ms, err := b.Start(ctx)
	require.NoError(t, err)
	_, err = b.Start(ctx)
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	// 没有成员来源的节点只能调用自己
	assert.Nil(t, ms.Discovery())
	require.NoError(t, ms.Shutdown(ctx))
	require.NoError(t, ms.Shutdown(ctx))
}

func TestTransportConfigBindAddress(t *testing.T) {
	tests := []struct {
		cfg  TransportConfig
		want string
	}{
		{TransportConfig{}, ""},
		{TransportConfig{Port: 7000}, "127.0.0.1:7000"},
		{TransportConfig{Host: "0.0.0.0", Port: 7000}, "0.0.0.0:7000"},
		{TransportConfig{Address: "meshcall.node-1", Port: 7000}, "meshcall.node-1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cfg.bindAddress())
	}
}

func TestStageErrors(t *testing.T) {
	var lc lifecycle
	var order []string
	stop := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}
	e1, e2 := errors.New("e1"), errors.New("e2")
	lc.started(StageTransport, stop(StageTransport, e1))
	lc.started(StageDiscovery, stop(StageDiscovery, nil))
	lc.started(StageGateways, stop(StageGateways, e2))

	err := lc.stopAll(context.Background())
	assert.Equal(t, []string{StageGateways, StageDiscovery, StageTransport}, order)
	assert.ErrorIs(t, err, e1)
	assert.ErrorIs(t, err, e2)
	var se *StageError
	require.ErrorAs(t, err, &se)

	// 第二次没有可停止的阶段
	assert.NoError(t, lc.stopAll(context.Background()))
}
