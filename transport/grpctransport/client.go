package grpctransport

import (
	"context"
	"io"
	"sync"

	"github.com/maypok86/otter/v2"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
	"github.com/ceyewan/meshcall/transport"
	"github.com/ceyewan/meshcall/xerrors"
)

// Client gRPC 客户端传输。每个地址一个 *grpc.ClientConn，空闲超过 IdleTimeout 后关闭。
type Client struct {
	cfg    *Config
	logger clog.Logger
	conns  *otter.Cache[string, *pooledConn]

	mu     sync.Mutex
	closed bool
}

func newClient(cfg *Config, o *options) (*Client, error) {
	c := &Client{cfg: cfg, logger: o.logger}
	conns, err := otter.New(&otter.Options[string, *pooledConn]{
		MaximumSize: cfg.MaxConns,
		// 每次 Create 都会访问条目，只有长期不用的连接才会过期
		ExpiryCalculator: otter.ExpiryAccessing[string, *pooledConn](cfg.IdleTimeout),
		OnDeletion: func(e otter.DeletionEvent[string, *pooledConn]) {
			c.logger.Debug("grpc connection evicted", clog.String("address", e.Key), clog.Any("cause", e.Cause))
			e.Value.evict()
		},
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to build connection cache")
	}
	c.conns = conns
	return c, nil
}

// Create 返回到 address 的通道。连接是惰性建立的，连接失败在调用时以 SERVICE_UNAVAILABLE 报告。
func (c *Client) Create(_ context.Context, address string) (transport.ClientChannel, error) {
	if address == "" {
		return nil, serviceerr.ServiceUnavailable("empty address")
	}
	if _, err := c.get(address); err != nil {
		return nil, err
	}
	return &channel{client: c, address: address}, nil
}

func (c *Client) get(address string) (*pooledConn, error) {
	if pc, ok := c.conns.GetIfPresent(address); ok {
		return pc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	if pc, ok := c.conns.GetIfPresent(address); ok {
		return pc, nil
	}
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: c.cfg.DialTimeout,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(c.cfg.MaxMsgSize),
			grpc.MaxCallSendMsgSize(c.cfg.MaxMsgSize),
		),
	)
	if err != nil {
		return nil, transport.Unavailable(address, err)
	}
	pc := &pooledConn{conn: conn}
	c.conns.Set(address, pc)
	c.logger.Debug("grpc connection created", clog.String("address", address))
	return pc, nil
}

// lease 取得连接并占用一次，连接在释放前不会因淘汰而关闭
func (c *Client) lease(address string) (*pooledConn, func(), error) {
	for {
		pc, err := c.get(address)
		if err != nil {
			return nil, nil, err
		}
		if release, ok := pc.acquire(); ok {
			return pc, release, nil
		}
	}
}

// Close 关闭所有空闲连接，仍在使用的连接在调用结束后关闭。幂等。
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var pcs []*pooledConn
	for _, pc := range c.conns.All() {
		pcs = append(pcs, pc)
	}
	c.conns.InvalidateAll()
	for _, pc := range pcs {
		pc.evict()
	}
	return nil
}

// pooledConn 带引用计数的连接
type pooledConn struct {
	conn *grpc.ClientConn

	mu      sync.Mutex
	refs    int
	evicted bool
	once    sync.Once
}

func (p *pooledConn) acquire() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evicted {
		return nil, false
	}
	p.refs++
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.refs--
			idle := p.refs == 0 && p.evicted
			p.mu.Unlock()
			if idle {
				p.close()
			}
		})
	}, true
}

func (p *pooledConn) evict() {
	p.mu.Lock()
	p.evicted = true
	idle := p.refs == 0
	p.mu.Unlock()
	if idle {
		p.close()
	}
}

func (p *pooledConn) close() {
	p.once.Do(func() { _ = p.conn.Close() })
}

// channel 到单个地址的调用通道
type channel struct {
	client  *Client
	address string
}

func (ch *channel) Invoke(ctx context.Context, qualifier string, pattern service.Pattern, requests *stream.Stream[*message.Message]) *stream.Stream[*message.Message] {
	out, e := stream.New[*message.Message](ctx, ch.client.cfg.Buffer)
	go ch.run(out.Context(), qualifier, pattern, requests, e)
	return out
}

func (ch *channel) newStream(ctx context.Context, qualifier string, pattern service.Pattern, conn *grpc.ClientConn) (grpc.ClientStream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, qualifierKey, qualifier, patternKey, pattern.String())
	return conn.NewStream(ctx, &serviceDesc.Streams[0], invokeMethod)
}

func (ch *channel) run(ctx context.Context, qualifier string, pattern service.Pattern, requests *stream.Stream[*message.Message], e *stream.Emitter[*message.Message]) {
	pc, release, err := ch.client.lease(ch.address)
	if err != nil {
		requests.Cancel()
		e.Close(transport.Unavailable(ch.address, err))
		return
	}
	if pattern == service.FireAndForget {
		e.Close(ch.fireAndForget(ctx, qualifier, pc, requests, release))
		return
	}
	defer release()
	defer requests.Cancel()

	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cs, err := ch.newStream(sctx, qualifier, pattern, pc.conn)
	if err != nil {
		e.Close(ch.failure(ctx, sctx, err))
		return
	}
	go ch.send(sctx, cs, requests, cancel)

	for {
		m := new(message.Message)
		if err := cs.RecvMsg(m); err != nil {
			if err == io.EOF {
				e.Close(nil)
			} else {
				e.Close(ch.failure(ctx, sctx, err))
			}
			return
		}
		if err := e.Emit(m); err != nil {
			// 消费者已取消，退出时取消 gRPC 流
			e.Close(err)
			return
		}
	}
}

// failure 区分调用方取消、请求流出错与连接失败
func (ch *channel) failure(ctx, sctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if sctx.Err() != nil {
		return context.Cause(sctx)
	}
	return transport.Unavailable(ch.address, err)
}

// send 把请求流写入 gRPC 流，请求流结束后 CloseSend。请求流出错时以该错误取消整个调用。
func (ch *channel) send(ctx context.Context, cs grpc.ClientStream, requests *stream.Stream[*message.Message], cancel context.CancelCauseFunc) {
	for {
		m, err := requests.Recv(ctx)
		if err == io.EOF {
			_ = cs.CloseSend()
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				cancel(err)
			}
			return
		}
		if err := cs.SendMsg(m); err != nil {
			// 真实原因由 RecvMsg 返回
			return
		}
	}
}

// fireAndForget 发出请求即完成。gRPC 流使用独立的 Context，调用方返回后仍等待服务端收下请求。
func (ch *channel) fireAndForget(ctx context.Context, qualifier string, pc *pooledConn, requests *stream.Stream[*message.Message], release func()) error {
	req, err := requests.Recv(ctx)
	requests.Cancel()
	if err != nil {
		release()
		if err == io.EOF {
			return serviceerr.BadRequest("%s: missing request", qualifier)
		}
		return err
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ch.client.cfg.SendTimeout)
	cs, err := ch.newStream(sctx, qualifier, service.FireAndForget, pc.conn)
	if err == nil {
		err = cs.SendMsg(req)
	}
	if err != nil {
		cancel()
		release()
		return transport.Unavailable(ch.address, err)
	}
	_ = cs.CloseSend()

	go func() {
		defer release()
		defer cancel()
		for {
			if err := cs.RecvMsg(new(message.Message)); err != nil {
				if err != io.EOF {
					ch.client.logger.Debug("fire-and-forget stream ended",
						clog.String("qualifier", qualifier), clog.Error(err))
				}
				return
			}
		}
	}()
	return nil
}
