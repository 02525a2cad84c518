package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/gateway"
	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
)

// conn 一条 WebSocket 连接。读循环独占读端，写入经 wmu 串行化。
type conn struct {
	ws     *websocket.Conn
	caller gateway.Caller
	cfg    Config
	logger clog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wmu    sync.Mutex

	mu       sync.Mutex
	sessions map[int64]*session
	wg       sync.WaitGroup
}

// session 连接上的一个调用。cancel 的 cause 为 *serviceerr.Error 时，
// 调用以该错误结束，否则静默结束。
type session struct {
	cancel context.CancelCauseFunc
	// requests 只有 request_channel 才有
	requests *stream.Emitter[*message.Message]
}

func newConn(ws *websocket.Conn, caller gateway.Caller, cfg Config, logger clog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ws:       ws,
		caller:   caller,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[int64]*session),
	}
}

// serve 读循环，返回时连接已关闭、所有调用已结束
func (c *conn) serve() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		_ = c.ws.Close()
		c.logger.Debug("websocket connection closed")
	}()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	go c.ping()

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if malformed(err) {
				c.logger.Debug("malformed frame", clog.Error(err))
				c.shutdown(websocket.CloseUnsupportedData, "malformed frame")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", clog.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.handle(&f)
	}
}

func (c *conn) ping() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("websocket ping failed", clog.Error(err))
				_ = c.ws.Close()
				return
			}
		}
	}
}

// handle 处理一个客户端帧
func (c *conn) handle(f *Frame) {
	c.mu.Lock()
	s, exists := c.sessions[f.SID]
	c.mu.Unlock()

	switch {
	case f.Sig == SigCancel:
		if exists {
			s.cancel(nil)
		}
	case f.Sig == SigEnd:
		if exists && s.requests != nil {
			s.requests.Close(nil)
		}
	case f.Sig != "":
		c.fail(f.SID, serviceerr.BadRequest("unknown signal %q", f.Sig))
	case exists && f.Q != "":
		c.fail(f.SID, serviceerr.BadRequest("sid %d already in use", f.SID))
	case exists:
		if s.requests == nil {
			c.fail(f.SID, serviceerr.BadRequest("sid %d does not accept further requests", f.SID))
			return
		}
		c.push(f.SID, s, f.request(""))
	case f.Q == "":
		c.fail(f.SID, serviceerr.BadRequest("unknown sid %d", f.SID))
	default:
		c.start(f)
	}
}

// start 发起一个新调用
func (c *conn) start(f *Frame) {
	pattern, err := gateway.ResolvePattern(c.caller, f.Q)
	if err != nil {
		c.fail(f.SID, err)
		return
	}
	ctx, cancel := context.WithCancelCause(c.ctx)
	s := &session{cancel: cancel}

	var requests *stream.Stream[*message.Message]
	if pattern == service.RequestChannel {
		var e *stream.Emitter[*message.Message]
		requests, e = stream.New[*message.Message](ctx, c.cfg.Buffer)
		s.requests = e
		if len(f.D) > 0 {
			c.push(f.SID, s, f.request(f.Q))
		}
	} else if len(f.D) == 0 {
		cancel(nil)
		c.fail(f.SID, serviceerr.BadRequest("%s: missing request payload", f.Q))
		return
	}

	c.mu.Lock()
	c.sessions[f.SID] = s
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finish(f.SID, s)
		c.run(ctx, f, pattern, requests)
	}()
}

func (c *conn) run(ctx context.Context, f *Frame, pattern service.Pattern, requests *stream.Stream[*message.Message]) {
	switch pattern {
	case service.RequestResponse:
		resp, err := c.caller.RequestOne(ctx, f.request(f.Q))
		if err != nil {
			c.terminate(ctx, f.SID, err)
			return
		}
		if c.send(f.SID, resp) {
			c.complete(f.SID)
		}
	case service.FireAndForget:
		if err := c.caller.FireAndForget(ctx, f.request(f.Q)); err != nil {
			c.terminate(ctx, f.SID, err)
			return
		}
		c.complete(f.SID)
	case service.RequestStream:
		s, err := c.caller.RequestMany(ctx, f.request(f.Q))
		if err != nil {
			c.terminate(ctx, f.SID, err)
			return
		}
		c.pipe(ctx, f.SID, s)
	case service.RequestChannel:
		s, err := c.caller.RequestChannel(ctx, f.Q, requests)
		if err != nil {
			c.terminate(ctx, f.SID, err)
			return
		}
		c.pipe(ctx, f.SID, s)
	}
}

// pipe 转发响应流直到结束、出错或被取消
func (c *conn) pipe(ctx context.Context, sid int64, s *stream.Stream[*message.Message]) {
	defer s.Cancel()
	for {
		m, err := s.Recv(ctx)
		if stream.IsEOF(err) {
			c.complete(sid)
			return
		}
		if err != nil {
			c.terminate(ctx, sid, err)
			return
		}
		if !c.send(sid, m) {
			return
		}
	}
}

// push 把 request_channel 的后续请求放入缓冲，不阻塞读循环。
// 缓冲区满说明处理器没有及时消费，该调用以 400 结束，其它调用不受影响。
func (c *conn) push(sid int64, s *session, m *message.Message) {
	ok, err := s.requests.TryEmit(m)
	if err != nil {
		c.logger.Debug("request dropped", clog.Int64("sid", sid), clog.Error(err))
		return
	}
	if !ok {
		c.logger.Debug("request buffer full", clog.Int64("sid", sid), clog.Int("buffer", c.cfg.Buffer))
		s.cancel(serviceerr.BadRequest("sid %d: request buffer full (%d)", sid, c.cfg.Buffer))
	}
}

// terminate 以错误结束调用；客户端取消或连接关闭时不再回写
func (c *conn) terminate(ctx context.Context, sid int64, err error) {
	if ctx.Err() != nil {
		var se *serviceerr.Error
		if errors.As(context.Cause(ctx), &se) {
			c.fail(sid, se)
		}
		return
	}
	c.fail(sid, err)
}

func (c *conn) finish(sid int64, s *session) {
	s.cancel(nil)
	c.mu.Lock()
	if c.sessions[sid] == s {
		delete(c.sessions, sid)
	}
	c.mu.Unlock()
}

func (c *conn) send(sid int64, m *message.Message) bool {
	f, err := response(sid, m)
	if err != nil {
		c.fail(sid, serviceerr.InternalServiceError("encode response: %s", err.Error()))
		return false
	}
	return c.write(f)
}

func (c *conn) complete(sid int64) {
	c.write(Frame{SID: sid, Sig: SigComplete})
}

func (c *conn) fail(sid int64, err error) {
	ed := gateway.ErrorData(err)
	c.logger.Debug("ws call failed", clog.Int64("sid", sid), clog.Int("code", ed.Code), clog.Error(err))
	c.write(Frame{SID: sid, Sig: SigError, E: &ed})
}

func (c *conn) write(f Frame) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteJSON(f); err != nil {
		c.logger.Debug("websocket write failed", clog.Int64("sid", f.SID), clog.Error(err))
		c.cancel()
		_ = c.ws.Close()
		return false
	}
	return true
}

// shutdown 发送关闭帧并断开连接，读循环随之退出
func (c *conn) shutdown(code int, reason string) {
	c.cancel()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
	_ = c.ws.Close()
}

func malformed(err error) bool {
	var se *json.SyntaxError
	var te *json.UnmarshalTypeError
	return errors.As(err, &se) || errors.As(err, &te)
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, host)
}
