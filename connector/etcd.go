package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/xerrors"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// healthKey 连接探测使用的 key，不存在也视为成功
const healthKey = "/meshcall/health-check"

type etcdConnector struct {
	cfg     *EtcdConfig
	client  *clientv3.Client
	logger  clog.Logger
	metrics *connMetrics
	healthy atomic.Bool
	closed  atomic.Bool
	mu      sync.RWMutex
}

// NewEtcd 创建 etcd 连接器。clientv3 客户端在此创建，但直到 Connect 才会探测连接。
func NewEtcd(cfg *EtcdConfig, opts ...Option) (EtcdConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "etcd config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	m, err := newConnMetrics(o.meter, "etcd", cfg.Name)
	if err != nil {
		return nil, err
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:            cfg.Endpoints,
		DialTimeout:          cfg.DialTimeout,
		DialKeepAliveTime:    cfg.KeepAliveTime,
		DialKeepAliveTimeout: cfg.KeepAliveTimeout,
		Username:             cfg.Username,
		Password:             cfg.Password,
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "etcd connector[%s]: create client", cfg.Name)
	}

	return &etcdConnector{
		cfg:     cfg,
		client:  client,
		logger:  o.logger.With(clog.String("connector", "etcd"), clog.String("name", cfg.Name)),
		metrics: m,
	}, nil
}

// Connect 探测 etcd 是否可用
func (c *etcdConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrAlreadyClosed
	}
	if c.healthy.Load() {
		return nil
	}

	c.logger.Info("connecting to etcd", clog.Strings("endpoints", c.cfg.Endpoints))
	if err := c.probe(ctx); err != nil {
		c.metrics.attempt(ctx, false)
		c.logger.Error("failed to connect to etcd", clog.Error(err))
		return xerrors.Wrapf(ErrConnection, "etcd connector[%s]: %v", c.cfg.Name, err)
	}
	c.metrics.attempt(ctx, true)
	c.healthy.Store(true)
	c.logger.Info("connected to etcd")
	return nil
}

func (c *etcdConnector) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	_, err := c.client.Get(ctx, healthKey)
	if err != nil && !xerrors.Is(err, rpctypes.ErrKeyNotFound) {
		return err
	}
	return nil
}

// Close 关闭客户端
func (c *etcdConnector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	c.metrics.closed(context.Background())
	if err := c.client.Close(); err != nil {
		c.logger.Error("failed to close etcd client", clog.Error(err))
		return err
	}
	c.logger.Info("etcd connection closed")
	return nil
}

// HealthCheck 检查连接健康状态
func (c *etcdConnector) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrAlreadyClosed
	}
	if err := c.probe(ctx); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("etcd health check failed", clog.Error(err))
		return xerrors.Wrapf(ErrHealthCheck, "etcd connector[%s]: %v", c.cfg.Name, err)
	}
	c.healthy.Store(true)
	return nil
}

func (c *etcdConnector) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *etcdConnector) Name() string {
	return c.cfg.Name
}

func (c *etcdConnector) GetClient() *clientv3.Client {
	if c.closed.Load() {
		return nil
	}
	return c.client
}
