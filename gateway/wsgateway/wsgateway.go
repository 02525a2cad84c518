// Package wsgateway 基于 gorilla/websocket 的网关，一条连接上复用任意多个调用，支持全部四种模式。
//
// 帧格式见 Frame。每个调用在独立的 goroutine 中执行，写入按连接串行化；
// 连接断开或网关停止时取消该连接上所有进行中的调用。
package wsgateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/gateway"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/xerrors"
)

// Gateway WebSocket 网关
type Gateway struct {
	cfg    Config
	opts   *options
	logger clog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	srv     *http.Server
	addr    string
	started bool
	stopped bool
	conns   map[*conn]struct{}
	wg      sync.WaitGroup
}

var _ gateway.Gateway = (*Gateway)(nil)

// New 创建 WebSocket 网关，cfg 为 nil 时使用默认值
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
	g := &Gateway{
		cfg:    c,
		opts:   o,
		logger: o.logger.With(clog.String("gateway", c.Name)),
		conns:  make(map[*conn]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g, nil
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

// Start 绑定地址并在后台接受连接
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

	r := gin.New()
	r.Use(gin.Recovery())
	httpMetrics, err := metrics.NewHTTPServerMetrics(g.opts.meter, g.cfg.Name)
	if err != nil {
		g.logger.Warn("ws gateway metrics disabled", clog.Error(err))
	}
	r.Use(metrics.GinHTTPMiddleware(httpMetrics))
	r.GET(g.cfg.Path, func(c *gin.Context) {
		g.upgrade(c, rt.Caller)
	})

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.cfg.Address)
	if err != nil {
		return "", xerrors.Wrapf(err, "listen %s", g.cfg.Address)
	}
	g.srv = &http.Server{Handler: r}
	g.addr = ln.Addr().String()
	g.started = true

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("ws gateway serve failed", clog.Error(err))
		}
	}(g.srv)

	g.logger.Info("ws gateway started", clog.String("address", g.addr), clog.String("path", g.cfg.Path))
	return g.addr, nil
}

func (g *Gateway) upgrade(c *gin.Context, caller gateway.Caller) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		g.logger.Debug("websocket upgrade failed", clog.Error(err))
		return
	}
	cn := newConn(ws, caller, g.cfg, g.logger.With(clog.String("remote", ws.RemoteAddr().String())))

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		cn.shutdown(websocket.CloseGoingAway, "gateway stopping")
		return
	}
	g.conns[cn] = struct{}{}
	g.mu.Unlock()

	// 升级后的连接不受 http.Server 管理，在这里服务到连接结束
	cn.serve()

	g.mu.Lock()
	delete(g.conns, cn)
	g.mu.Unlock()
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		origin := r.Header.Get("Origin")
		return origin == "" || sameHost(origin, r.Host)
	}
	if slices.Contains(g.cfg.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(g.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// Stop 停止接受连接，关闭所有连接并等待它们上面的调用结束
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	srv := g.srv
	conns := make([]*conn, 0, len(g.conns))
	for cn := range g.conns {
		conns = append(conns, cn)
	}
	g.mu.Unlock()

	var errs xerrors.Collector
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs.Collect(srv.Close())
		}
	}
	for _, cn := range conns {
		cn.shutdown(websocket.CloseGoingAway, "gateway stopping")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs.Collect(ctx.Err())
	}
	g.logger.Info("ws gateway stopped", clog.Int("connections", len(conns)))
	return errs.Err()
}
