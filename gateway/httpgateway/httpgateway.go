// Package httpgateway 基于 gin 的 HTTP 网关。
//
// 路由：
//
//	POST <base>/<service>/<method>  调用方法，模式由 qualifier 决定
//	GET  /_meshcall/monitor         节点观测快照（JSON）
//	GET  /_meshcall/health          存活检查
//	GET  /metrics                   Prometheus 指标（Config.Metrics 开启时）
//
// 不同模式的响应：
//   - request_response：200，响应负载作为 body，Content-Type 取自响应消息；
//   - fire_and_forget：请求发出后返回 202；
//   - request_stream：text/event-stream，每个响应一个 message 事件，结束时 complete 事件；
//   - request_channel：请求体是 JSON 数组，每个元素一个请求，响应同 request_stream。
//
// 错误以 {"code":..,"message":..} 返回，HTTP 状态码由 gateway.HTTPStatus 决定；
// 流开始之后的错误以 error 事件发送。以 X-Meshcall- 开头的请求头转为消息头部（去掉前缀并转小写）。
package httpgateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/gateway"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/ratelimit"
	"github.com/ceyewan/meshcall/xerrors"
)

const adminPrefix = "/_meshcall"

// Gateway HTTP 网关
type Gateway struct {
	cfg    Config
	opts   *options
	logger clog.Logger

	mu           sync.Mutex
	srv          *http.Server
	addr         string
	started      bool
	stopped      bool
	ownedLimiter ratelimit.Limiter
}

var _ gateway.Gateway = (*Gateway)(nil)

// New 创建 HTTP 网关，cfg 为 nil 时使用默认值
func New(cfg *Config, opts ...Option) (*Gateway, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if c.Mode != "" {
		gin.SetMode(c.Mode)
	}
	return &Gateway{
		cfg:    c,
		opts:   o,
		logger: o.logger.With(clog.String("gateway", c.Name)),
	}, nil
}

// Name 网关名称
func (g *Gateway) Name() string {
	return g.cfg.Name
}

// Address 实际监听地址，启动前为空
func (g *Gateway) Address() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Start 绑定地址并在后台开始服务
func (g *Gateway) Start(ctx context.Context, rt gateway.Runtime) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return "", gateway.ErrStopped
	}
	if g.started {
		return "", gateway.ErrAlreadyStarted
	}
	if rt.Caller == nil {
		return "", xerrors.Wrap(gateway.ErrConfig, "runtime without caller")
	}

	engine, err := g.engine(rt)
	if err != nil {
		return "", err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.cfg.Address)
	if err != nil {
		g.closeLimiter()
		return "", xerrors.Wrapf(err, "listen %s", g.cfg.Address)
	}
	g.srv = &http.Server{Handler: engine, ReadHeaderTimeout: g.cfg.ReadHeaderTimeout}
	g.addr = ln.Addr().String()
	g.started = true

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("http gateway serve failed", clog.Error(err))
		}
	}(g.srv)

	g.logger.Info("http gateway started", clog.String("address", g.addr), clog.String("base_path", g.cfg.BasePath))
	return g.addr, nil
}

// engine 组装路由与中间件
func (g *Gateway) engine(rt gateway.Runtime) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())

	httpMetrics, err := metrics.NewHTTPServerMetrics(g.opts.meter, g.cfg.Name)
	if err != nil {
		g.logger.Warn("http gateway metrics disabled", clog.Error(err))
	}
	r.Use(metrics.GinHTTPMiddleware(httpMetrics, "/metrics", adminPrefix+"/health"))

	if g.cfg.RateLimit.Valid() {
		limiter := g.opts.limiter
		if limiter == nil {
			limiter, err = ratelimit.New(nil, ratelimit.WithLogger(g.opts.logger), ratelimit.WithMeter(g.opts.meter))
			if err != nil {
				return nil, xerrors.Wrap(err, "create rate limiter")
			}
			g.ownedLimiter = limiter
		}
		r.Use(ratelimit.GinMiddleware(limiter, nil, g.cfg.RateLimit))
	}

	h := &handler{caller: rt.Caller, logger: g.logger, maxBody: g.cfg.MaxBodySize}
	r.POST(g.cfg.BasePath+"/*qualifier", h.call)

	admin := r.Group(adminPrefix)
	admin.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if rt.Monitor != nil {
		admin.GET("/monitor", func(c *gin.Context) {
			c.JSON(http.StatusOK, rt.Monitor.Snapshot())
		})
	}
	if g.cfg.Metrics {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return r, nil
}

// Stop 优雅关闭，ctx 到期后强制断开仍在进行的流，幂等
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	srv := g.srv
	g.mu.Unlock()

	var errs xerrors.Collector
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			g.logger.Warn("http gateway graceful shutdown interrupted", clog.Error(err))
			errs.Collect(srv.Close())
		}
	}
	g.mu.Lock()
	g.closeLimiter()
	g.mu.Unlock()
	g.logger.Info("http gateway stopped")
	return errs.Err()
}

func (g *Gateway) closeLimiter() {
	if g.ownedLimiter != nil {
		if err := g.ownedLimiter.Close(); err != nil {
			g.logger.Warn("close rate limiter failed", clog.Error(err))
		}
		g.ownedLimiter = nil
	}
}
