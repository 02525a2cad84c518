// meshnode 运行一个 meshcall 节点：加载配置，连接成员来源与传输层，启动示例服务和网关。
//
//	meshnode -config ./configs
//	MESHCALL_TRANSPORT_BIND_PORT=7001 MESHCALL_GATEWAYS_HTTP_ADDRESS=:8081 meshnode
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ceyewan/meshcall/call"
	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/config"
	"github.com/ceyewan/meshcall/connector"
	"github.com/ceyewan/meshcall/gateway/httpgateway"
	"github.com/ceyewan/meshcall/gateway/wsgateway"
	"github.com/ceyewan/meshcall/membership"
	"github.com/ceyewan/meshcall/methods"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/microservices"
	"github.com/ceyewan/meshcall/ratelimit"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/trace"
	"github.com/ceyewan/meshcall/transport"
	"github.com/ceyewan/meshcall/transport/grpctransport"
	"github.com/ceyewan/meshcall/transport/natstransport"
	"github.com/ceyewan/meshcall/xerrors"
)

func main() {
	configDir := flag.String("config", "./configs", "directory containing config.yaml")
	flag.Parse()

	if err := run(*configDir); err != nil {
		fmt.Fprintln(os.Stderr, "meshnode:", err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader, err := config.New(&config.Config{Paths: []string{configDir, "."}})
	if err != nil {
		return err
	}
	if err := loader.Load(ctx); err != nil {
		return xerrors.Wrap(err, "load config")
	}
	var cfg NodeConfig
	if err := loader.Unmarshal(&cfg); err != nil {
		return xerrors.Wrap(err, "decode config")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	logger, err := clog.New(&cfg.Log, clog.WithNamespace("meshnode"), clog.WithTraceContext())
	if err != nil {
		return err
	}
	meter, err := metrics.New(&cfg.Metrics)
	if err != nil {
		return err
	}
	defer func() { _ = meter.Shutdown(context.Background()) }()

	if cfg.Trace.Enabled {
		shutdownTrace, err := trace.Init(&cfg.Trace.Config)
		if err != nil {
			return err
		}
		defer func() { _ = shutdownTrace(context.Background()) }()
	}

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	tr, closeTr, err := newTransport(ctx, &cfg, logger, meter)
	if err != nil {
		return err
	}
	closers = append(closers, closeTr)

	// 节点 id 在 Start 之前确定，示例服务的响应里带上它
	id := cfg.Node.ID
	if id == "" {
		id = microservices.NewNodeID()
	}
	b := microservices.NewBuilder().
		ID(id).
		Logger(logger).
		Meter(meter).
		Tags(cfg.Node.Tags).
		Transport(tr, cfg.Transport.Bind)
	if cfg.Node.CallTimeout > 0 {
		b.CallOptions(call.WithTimeout(cfg.Node.CallTimeout))
	}

	if cfg.Membership.Kind == "etcd" {
		conn, err := connector.NewEtcd(&cfg.Membership.Etcd, connector.WithLogger(logger), connector.WithMeter(meter))
		if err != nil {
			return err
		}
		if err := conn.Connect(ctx); err != nil {
			return err
		}
		closers = append(closers, conn.Close)
		b.Discovery(func(_ context.Context, memberID string) (membership.Source, error) {
			return membership.NewEtcd(conn, memberID, &cfg.Membership.Options, membership.WithLogger(logger))
		})
	}

	if cfg.Node.RateLimit.Valid() {
		limiter, err := ratelimit.New(nil, ratelimit.WithLogger(logger), ratelimit.WithMeter(meter))
		if err != nil {
			return err
		}
		closers = append(closers, limiter.Close)
		b.MethodOptions(methods.WithRateLimit(limiter, cfg.Node.RateLimit))
	}

	if cfg.Gateways.HTTP != nil {
		gw, err := httpgateway.New(cfg.Gateways.HTTP, httpgateway.WithLogger(logger), httpgateway.WithMeter(meter))
		if err != nil {
			return err
		}
		b.Gateway(gw)
	}
	if cfg.Gateways.WS != nil {
		gw, err := wsgateway.New(cfg.Gateways.WS, wsgateway.WithLogger(logger), wsgateway.WithMeter(meter))
		if err != nil {
			return err
		}
		b.Gateway(gw)
	}

	b.Services(service.Info{Service: greeting(id, logger)})

	ms, err := b.Start(ctx)
	if err != nil {
		return err
	}
	logger.Info("meshnode ready",
		clog.String("id", ms.ID()),
		clog.String("service_address", ms.ServiceAddress()),
		clog.Any("gateways", ms.GatewayAddresses()))

	<-ctx.Done()
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
	defer cancel()
	return ms.Shutdown(sctx)
}

// newTransport 按配置创建传输层，返回的函数释放传输层自身持有的连接
func newTransport(ctx context.Context, cfg *NodeConfig, logger clog.Logger, meter metrics.Meter) (transport.Transport, func() error, error) {
	switch cfg.Transport.Kind {
	case "nats":
		conn, err := connector.NewNATS(&cfg.NATS, connector.WithLogger(logger), connector.WithMeter(meter))
		if err != nil {
			return nil, nil, err
		}
		if err := conn.Connect(ctx); err != nil {
			return nil, nil, err
		}
		tr, err := natstransport.New(conn, &cfg.Transport.NATS, natstransport.WithLogger(logger))
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return tr, conn.Close, nil
	default:
		tr, err := grpctransport.New(&cfg.Transport.GRPC, grpctransport.WithLogger(logger), grpctransport.WithMeter(meter))
		if err != nil {
			return nil, nil, err
		}
		return tr, func() error { return nil }, nil
	}
}
