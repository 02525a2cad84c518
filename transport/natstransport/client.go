package natstransport

import (
	"context"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/connector"
	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
	"github.com/ceyewan/meshcall/transport"
)

// Client NATS 客户端传输
type Client struct {
	cfg    *Config
	conn   connector.NATSConnector
	logger clog.Logger
	closed atomic.Bool
}

// Create 返回到 address 的通道
func (c *Client) Create(_ context.Context, address string) (transport.ClientChannel, error) {
	if c.closed.Load() {
		return nil, transport.ErrClosed
	}
	if !validSubject(address) {
		return nil, serviceerr.ServiceUnavailable("invalid nats address %q", address)
	}
	return &channel{client: c, address: address}, nil
}

// Close 之后 Create 失败，进行中的调用不受影响。连接由 connector 关闭。
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Client) client() (*nats.Conn, error) {
	if c.closed.Load() {
		return nil, transport.ErrClosed
	}
	nc := c.conn.GetClient()
	if nc == nil || !nc.IsConnected() {
		return nil, ErrNotConnected
	}
	return nc, nil
}

type channel struct {
	client  *Client
	address string
}

func (ch *channel) Invoke(ctx context.Context, qualifier string, pattern service.Pattern, requests *stream.Stream[*message.Message]) *stream.Stream[*message.Message] {
	out, e := stream.New[*message.Message](ctx, ch.client.cfg.Buffer)
	go ch.run(out.Context(), qualifier, pattern, requests, e)
	return out
}

func (ch *channel) run(ctx context.Context, qualifier string, pattern service.Pattern, requests *stream.Stream[*message.Message], e *stream.Emitter[*message.Message]) {
	defer requests.Cancel()

	nc, err := ch.client.client()
	if err != nil {
		e.Close(transport.Unavailable(ch.address, err))
		return
	}

	var first *message.Message
	if pattern == service.FireAndForget {
		// 单向调用先取请求，发送前的失败直接报告给调用方
		first, err = requests.Recv(ctx)
		if err != nil {
			if err == io.EOF {
				err = serviceerr.BadRequest("%s: missing request", qualifier)
			}
			e.Close(err)
			return
		}
	}

	inbox := nc.NewInbox()
	sub, err := nc.SubscribeSync(inbox)
	if err != nil {
		e.Close(transport.Unavailable(ch.address, err))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	callSubject, err := ch.open(ctx, nc, qualifier, pattern, inbox)
	if err != nil {
		e.Close(err)
		return
	}

	if pattern == service.FireAndForget {
		e.Close(ch.fireAndForget(ctx, nc, callSubject, first))
		return
	}

	cctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var lastHeard atomic.Int64
	var blocked atomic.Bool
	lastHeard.Store(time.Now().UnixNano())
	go ch.send(cctx, nc, callSubject, requests, cancel)
	go ch.heartbeat(cctx, nc, callSubject, &lastHeard, &blocked, cancel)

	// 每消费半个窗口回送一次授信
	consumed, batch := 0, max(ch.client.cfg.Window/2, 1)
	finished := false
	defer func() {
		if !finished {
			_ = nc.PublishMsg(newControl(callSubject, kindCancel))
		}
	}()

	for {
		m, err := sub.NextMsgWithContext(cctx)
		if err != nil {
			e.Close(ch.failure(ctx, cctx, err))
			return
		}
		lastHeard.Store(time.Now().UnixNano())
		switch kindOf(m) {
		case kindData:
			msg, err := decodeData(m)
			if err != nil {
				e.Close(serviceerr.ServiceUnavailable("%s: malformed response frame: %v", ch.address, err))
				return
			}
			blocked.Store(true)
			err = e.Emit(msg)
			blocked.Store(false)
			if err != nil {
				e.Close(err)
				return
			}
			consumed++
			if consumed >= batch {
				_ = nc.PublishMsg(newCredit(callSubject, consumed))
				consumed = 0
			}
		case kindEnd:
			finished = true
			e.Close(nil)
			return
		case kindAbort:
			finished = true
			ch.client.logger.Debug("call aborted by server",
				clog.String("address", ch.address), clog.String("qualifier", qualifier),
				clog.String("reason", m.Header.Get(headerReason)))
			e.Close(serviceerr.ServiceUnavailable("%s: %s", ch.address, m.Header.Get(headerReason)))
			return
		}
	}
}

// open 请求服务端接受调用，返回调用专属的 subject
func (ch *channel) open(ctx context.Context, nc *nats.Conn, qualifier string, pattern service.Pattern, inbox string) (string, error) {
	req := newControl(ch.address, kindOpen)
	req.Header.Set(headerQualifier, qualifier)
	req.Header.Set(headerPattern, pattern.String())
	req.Header.Set(headerReply, inbox)
	req.Header.Set(headerCredit, strconv.Itoa(ch.client.cfg.Window))

	octx, cancel := context.WithTimeout(ctx, ch.client.cfg.OpenTimeout)
	defer cancel()
	resp, err := nc.RequestMsgWithContext(octx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		return "", transport.Unavailable(ch.address, err)
	}
	if kindOf(resp) != kindAccept {
		return "", serviceerr.ServiceUnavailable("%s: call rejected: %s", ch.address, resp.Header.Get(headerReason))
	}
	subject := resp.Header.Get(headerSubject)
	if !validSubject(subject) {
		return "", serviceerr.ServiceUnavailable("%s: invalid call subject %q", ch.address, subject)
	}
	return subject, nil
}

func (ch *channel) failure(ctx, cctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if cctx.Err() != nil {
		return context.Cause(cctx)
	}
	return transport.Unavailable(ch.address, err)
}

// send 转发请求流，结束时发送 end。请求流出错时以该错误取消调用。
func (ch *channel) send(ctx context.Context, nc *nats.Conn, subject string, requests *stream.Stream[*message.Message], cancel context.CancelCauseFunc) {
	for {
		m, err := requests.Recv(ctx)
		if err == io.EOF {
			if err := nc.PublishMsg(newControl(subject, kindEnd)); err != nil {
				cancel(transport.Unavailable(ch.address, err))
			}
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				cancel(err)
			}
			return
		}
		out, err := newData(subject, m)
		if err != nil {
			cancel(serviceerr.BadRequest("encode request: %v", err))
			return
		}
		if err := nc.PublishMsg(out); err != nil {
			cancel(transport.Unavailable(ch.address, err))
			return
		}
	}
}

func (ch *channel) heartbeat(ctx context.Context, nc *nats.Conn, subject string, lastHeard *atomic.Int64, blocked *atomic.Bool, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(ch.client.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = nc.PublishMsg(newControl(subject, kindPing))
			if !blocked.Load() && time.Since(time.Unix(0, lastHeard.Load())) > ch.client.cfg.IdleTimeout {
				cancel(serviceerr.ServiceUnavailable("%s: %v", ch.address, errPeerIdle))
				return
			}
		}
	}
}

// fireAndForget 发送请求与 end 并等待 NATS 确认写出
func (ch *channel) fireAndForget(ctx context.Context, nc *nats.Conn, subject string, req *message.Message) error {
	out, err := newData(subject, req)
	if err != nil {
		return serviceerr.BadRequest("encode request: %v", err)
	}
	if err := nc.PublishMsg(out); err != nil {
		return transport.Unavailable(ch.address, err)
	}
	if err := nc.PublishMsg(newControl(subject, kindEnd)); err != nil {
		return transport.Unavailable(ch.address, err)
	}
	fctx, cancel := context.WithTimeout(ctx, ch.client.cfg.OpenTimeout)
	defer cancel()
	if err := nc.FlushWithContext(fctx); err != nil {
		return transport.Unavailable(ch.address, err)
	}
	return nil
}
