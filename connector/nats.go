package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/xerrors"
	"github.com/nats-io/nats.go"
)

type natsConnector struct {
	cfg     *NATSConfig
	conn    *nats.Conn
	logger  clog.Logger
	metrics *connMetrics
	healthy atomic.Bool
	closed  atomic.Bool
	mu      sync.RWMutex
}

// NewNATS 创建 NATS 连接器
func NewNATS(cfg *NATSConfig, opts ...Option) (NATSConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "nats config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	m, err := newConnMetrics(o.meter, "nats", cfg.Name)
	if err != nil {
		return nil, err
	}

	return &natsConnector{
		cfg:     cfg,
		logger:  o.logger.With(clog.String("connector", "nats"), clog.String("name", cfg.Name)),
		metrics: m,
	}, nil
}

func (c *natsConnector) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.PingInterval(c.cfg.PingInterval),
		nats.MaxPingsOutstanding(c.cfg.MaxPingsOut),
		nats.Timeout(c.cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.healthy.Store(false)
			c.logger.Warn("nats disconnected", clog.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.healthy.Store(true)
			c.logger.Info("nats reconnected", clog.String("url", nc.ConnectedUrl()))
		}),
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	return opts
}

// Connect 建立连接，幂等
func (c *natsConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrAlreadyClosed
	}
	if c.conn != nil {
		return nil
	}

	c.logger.Info("connecting to nats", clog.String("url", c.cfg.URL))
	conn, err := nats.Connect(c.cfg.URL, c.natsOptions()...)
	if err != nil {
		c.metrics.attempt(ctx, false)
		c.logger.Error("failed to connect to nats", clog.Error(err))
		return xerrors.Wrapf(ErrConnection, "nats connector[%s]: %v", c.cfg.Name, err)
	}
	c.conn = conn
	c.metrics.attempt(ctx, true)
	c.healthy.Store(true)
	c.logger.Info("connected to nats", clog.String("url", conn.ConnectedUrl()))
	return nil
}

// Close 先 Drain 再关闭，尽量让进行中的订阅处理完
func (c *natsConnector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	c.metrics.closed(context.Background())
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
		c.logger.Info("nats connection closed")
	}
	return nil
}

// HealthCheck 检查连接状态
func (c *natsConnector) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		c.healthy.Store(false)
		return ErrNotConnected
	}
	if !conn.IsConnected() {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrHealthCheck, "nats connector[%s]: status %s", c.cfg.Name, conn.Status())
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrHealthCheck, "nats connector[%s]: %v", c.cfg.Name, err)
	}
	c.healthy.Store(true)
	return nil
}

func (c *natsConnector) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *natsConnector) Name() string {
	return c.cfg.Name
}

func (c *natsConnector) GetClient() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}
