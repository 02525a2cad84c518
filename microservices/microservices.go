// Package microservices 组装并管理一个节点：方法注册表、传输层、注册表与服务发现、调用分发器、网关和观测器。
//
// 启动顺序：
//  1. 注册服务方法并冻结方法表；
//  2. 传输层服务端绑定地址；
//  3. 以绑定地址构造本地端点并安装到注册表；
//  4. 服务发现发布本地端点并开始订阅；
//  5. 并行启动全部网关。
//
// 任一步失败时 Start 返回该错误，并停止已经启动的部分。
// Shutdown 按相反顺序停止（网关、服务发现、传输层），汇总全部失败，可以重复调用。
//
//	ms, err := microservices.NewBuilder().
//		Transport(tr, microservices.TransportConfig{Port: 7000}).
//		Discovery(func(ctx context.Context, id string) (membership.Source, error) { return hub.Join(id), nil }).
//		Services(service.Info{Service: greeting}).
//		Gateway(httpGW).
//		Start(ctx)
//	defer ms.Shutdown(context.Background())
package microservices

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ceyewan/meshcall/call"
	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/discovery"
	"github.com/ceyewan/meshcall/gateway"
	"github.com/ceyewan/meshcall/membership"
	"github.com/ceyewan/meshcall/methods"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/monitor"
	"github.com/ceyewan/meshcall/registry"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/transport"
	"github.com/ceyewan/meshcall/xerrors"
)

// DiscoveryFactory 以节点 id 创建成员来源
type DiscoveryFactory func(ctx context.Context, memberID string) (membership.Source, error)

// Builder 节点配置。Builder 不是并发安全的，Start 只能调用一次。
type Builder struct {
	id          string
	discovery   DiscoveryFactory
	services    []service.Info
	transport   transport.Transport
	transportCf TransportConfig
	gateways    []gateway.Gateway
	mapper      serviceerr.ProviderMapper
	tags        map[string]string
	logger      clog.Logger
	meter       metrics.Meter
	callOpts    []call.Option
	methodOpts  []methods.Option
	discOpts    []discovery.Option
	started     bool
}

// NewBuilder 创建节点配置
func NewBuilder() *Builder {
	return &Builder{logger: clog.Discard(), meter: metrics.Discard()}
}

// ID 指定节点 id，默认生成 UUID v7
func (b *Builder) ID(id string) *Builder {
	b.id = id
	return b
}

// Discovery 成员来源工厂，不设置时节点不加入集群，只能调用本节点的方法
func (b *Builder) Discovery(f DiscoveryFactory) *Builder {
	b.discovery = f
	return b
}

// Services 追加要提供的服务
func (b *Builder) Services(infos ...service.Info) *Builder {
	b.services = append(b.services, infos...)
	return b
}

// Transport 传输层与绑定配置，必填
func (b *Builder) Transport(tr transport.Transport, cfg TransportConfig) *Builder {
	b.transport = tr
	b.transportCf = cfg
	return b
}

// Gateway 追加网关，名称在节点内必须唯一
func (b *Builder) Gateway(gws ...gateway.Gateway) *Builder {
	b.gateways = append(b.gateways, gws...)
	return b
}

// ErrorMapper 默认错误映射器，服务自身的映射器优先
func (b *Builder) ErrorMapper(m serviceerr.ProviderMapper) *Builder {
	b.mapper = m
	return b
}

// Tags 本地端点的标签
func (b *Builder) Tags(tags map[string]string) *Builder {
	if b.tags == nil {
		b.tags = make(map[string]string, len(tags))
	}
	maps.Copy(b.tags, tags)
	return b
}

// Logger 各组件在其上追加自己的命名空间
func (b *Builder) Logger(l clog.Logger) *Builder {
	if l != nil {
		b.logger = l
	}
	return b
}

// Meter 各组件共享的指标
func (b *Builder) Meter(m metrics.Meter) *Builder {
	if m != nil {
		b.meter = m
	}
	return b
}

// CallOptions 调用分发器的附加选项，如路由策略、熔断器、超时
func (b *Builder) CallOptions(opts ...call.Option) *Builder {
	b.callOpts = append(b.callOpts, opts...)
	return b
}

// MethodOptions 方法注册表的附加选项，如入站限流
func (b *Builder) MethodOptions(opts ...methods.Option) *Builder {
	b.methodOpts = append(b.methodOpts, opts...)
	return b
}

// DiscoveryOptions 服务发现的附加选项
func (b *Builder) DiscoveryOptions(opts ...discovery.Option) *Builder {
	b.discOpts = append(b.discOpts, opts...)
	return b
}

// Microservices 运行中的节点
type Microservices struct {
	id             string
	serviceAddress string
	logger         clog.Logger

	methods   *methods.Registry
	transport transport.Transport
	registry  *registry.Registry
	discovery *discovery.Discovery
	call      *call.Call
	monitor   *monitor.Monitor

	gwMu     sync.RWMutex
	gateways map[string]string

	lc           lifecycle
	shutdownOnce sync.Once
	shutdownErr  error
}

// Start 启动节点，返回时传输层已绑定、本地端点已发布、网关已绑定
func (b *Builder) Start(ctx context.Context) (*Microservices, error) {
	if b.started {
		return nil, ErrAlreadyStarted
	}
	if b.transport == nil {
		return nil, ErrNoTransport
	}
	if err := b.checkGateways(); err != nil {
		return nil, err
	}
	b.started = true

	id := b.id
	if id == "" {
		id = NewNodeID()
	}
	logger := b.logger.With(clog.String("node_id", id))
	ms := &Microservices{
		id:        id,
		logger:    logger,
		transport: b.transport,
		gateways:  make(map[string]string, len(b.gateways)),
	}

	if err := b.start(ctx, ms); err != nil {
		logger.Error("microservices start failed", clog.Error(err))
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		if serr := ms.Shutdown(sctx); serr != nil {
			logger.Warn("cleanup after failed start incomplete", clog.Error(serr))
		}
		return nil, err
	}
	logger.Info("microservices started",
		clog.String("service_address", ms.serviceAddress),
		clog.String("transport", b.transport.Name()),
		clog.Int("gateways", len(b.gateways)))
	return ms, nil
}

func (b *Builder) checkGateways() error {
	seen := make(map[string]struct{}, len(b.gateways))
	for _, gw := range b.gateways {
		if _, ok := seen[gw.Name()]; ok {
			return xerrors.Wrapf(ErrDuplicateGateway, "%q", gw.Name())
		}
		seen[gw.Name()] = struct{}{}
	}
	return nil
}

func (b *Builder) start(ctx context.Context, ms *Microservices) error {
	logger := ms.logger

	// 方法表
	mopts := append([]methods.Option{
		methods.WithLogger(logger),
		methods.WithMeter(b.meter),
		methods.WithErrorMapper(b.mapper),
	}, b.methodOpts...)
	ms.methods = methods.New(mopts...)
	for _, info := range b.services {
		if err := ms.methods.RegisterService(info); err != nil {
			return err
		}
	}
	ms.methods.Freeze()

	// 传输层
	server := b.transport.Server()
	bound, err := server.Bind(ctx, b.transportCf.bindAddress(), ms.methods)
	if err != nil {
		return xerrors.Wrap(err, "bind transport")
	}
	client := b.transport.Client()
	ms.lc.started(StageTransport, func(ctx context.Context) error {
		return xerrors.Combine(server.Stop(ctx), client.Close())
	})
	ms.serviceAddress = bound
	if b.transportCf.Advertise != "" {
		ms.serviceAddress = b.transportCf.Advertise
	}

	// 注册表与调用分发器
	ms.registry = registry.New(registry.WithLogger(logger), registry.WithMeter(b.meter))
	local := service.NewEndpoint(ms.id, ms.serviceAddress, b.tags, ms.methods.Descriptors())
	if err := ms.registry.RegisterLocal(local); err != nil {
		return err
	}
	copts := append([]call.Option{call.WithLogger(logger), call.WithMeter(b.meter)}, b.callOpts...)
	ms.call = call.New(client, ms.methods, ms.registry, copts...)
	ms.monitor = monitor.New(ms.registry, monitor.WithLogger(logger))
	ms.monitor.SetNode(ms.id, ms.serviceAddress, b.transport.Name())

	// 服务发现
	if b.discovery != nil {
		source, err := b.discovery(ctx, ms.id)
		if err != nil {
			return xerrors.Wrap(err, "create membership source")
		}
		dopts := append([]discovery.Option{discovery.WithLogger(logger), discovery.WithMeter(b.meter)}, b.discOpts...)
		ms.discovery = discovery.New(source, ms.registry, local, dopts...)
		events, err := ms.discovery.Start(ctx)
		if err != nil {
			_ = source.Close()
			return xerrors.Wrap(err, "start discovery")
		}
		watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
		go ms.monitor.Watch(watchCtx, events)
		d := ms.discovery
		ms.lc.started(StageDiscovery, func(ctx context.Context) error {
			defer stopWatch()
			return d.Shutdown(ctx)
		})
	}

	// 网关
	if len(b.gateways) > 0 {
		gws := b.gateways
		ms.lc.started(StageGateways, func(ctx context.Context) error {
			return stopGateways(ctx, gws)
		})
		rt := gateway.Runtime{Caller: ms.call, Monitor: ms.monitor}
		g, gctx := errgroup.WithContext(ctx)
		for _, gw := range gws {
			g.Go(func() error {
				addr, err := gw.Start(gctx, rt)
				if err != nil {
					return xerrors.Wrapf(err, "start gateway %s", gw.Name())
				}
				ms.setGateway(gw.Name(), addr)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// stopGateways 并行停止网关，汇总全部失败
func stopGateways(ctx context.Context, gws []gateway.Gateway) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, gw := range gws {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gw.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, xerrors.Wrapf(err, "gateway %s", gw.Name()))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return xerrors.Combine(errs...)
}

func (ms *Microservices) setGateway(name, addr string) {
	ms.gwMu.Lock()
	ms.gateways[name] = addr
	ms.gwMu.Unlock()
	ms.monitor.SetGateway(name, addr)
}

// Shutdown 停止节点，只有第一次调用真正执行，之后返回同一结果
func (ms *Microservices) Shutdown(ctx context.Context) error {
	ms.shutdownOnce.Do(func() {
		ms.shutdownErr = ms.lc.stopAll(ctx)
		if ms.shutdownErr != nil {
			ms.logger.Warn("microservices shutdown with errors", clog.Error(ms.shutdownErr))
			return
		}
		ms.logger.Info("microservices stopped")
	})
	return ms.shutdownErr
}

// ID 节点 id，也是本地端点 id
func (ms *Microservices) ID() string {
	return ms.id
}

// ServiceAddress 发布到集群的传输层地址
func (ms *Microservices) ServiceAddress() string {
	return ms.serviceAddress
}

// GatewayAddress 按名称查询网关地址
func (ms *Microservices) GatewayAddress(name string) (string, error) {
	ms.gwMu.RLock()
	defer ms.gwMu.RUnlock()
	addr, ok := ms.gateways[name]
	if !ok {
		return "", xerrors.Wrapf(ErrGatewayNotFound, "%q", name)
	}
	return addr, nil
}

// GatewayAddresses 全部网关地址
func (ms *Microservices) GatewayAddresses() map[string]string {
	ms.gwMu.RLock()
	defer ms.gwMu.RUnlock()
	return maps.Clone(ms.gateways)
}

// Call 调用分发器
func (ms *Microservices) Call() *call.Call {
	return ms.call
}

// Discovery 服务发现，没有配置成员来源时为 nil
func (ms *Microservices) Discovery() *discovery.Discovery {
	return ms.discovery
}

// Registry 注册表
func (ms *Microservices) Registry() *registry.Registry {
	return ms.registry
}

// Monitor 运行时观测
func (ms *Microservices) Monitor() *monitor.Monitor {
	return ms.monitor
}

// NewNodeID 生成节点 id（UUID v7）
func NewNodeID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
