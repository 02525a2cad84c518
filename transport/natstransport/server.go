package natstransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/connector"
	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
	"github.com/ceyewan/meshcall/transport"
	"github.com/ceyewan/meshcall/xerrors"
)

var (
	errClientCancelled = errors.New("natstransport: cancelled by client")
	errServerStopping  = errors.New("natstransport: server stopping")
	errPeerIdle        = errors.New("natstransport: peer idle")
)

// Server NATS 服务端传输
type Server struct {
	cfg    *Config
	conn   connector.NATSConnector
	logger clog.Logger

	mu      sync.Mutex
	nc      *nats.Conn
	sub     *nats.Subscription
	address string
	invoker transport.Invoker
	stopped bool
	calls   map[string]*serverCall
	wg      sync.WaitGroup
}

// Bind 订阅 address。address 为空时生成 "<prefix>.<uuid>"。
func (s *Server) Bind(ctx context.Context, address string, invoker transport.Invoker) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", transport.ErrClosed
	}
	if s.sub != nil {
		return "", transport.ErrAlreadyBound
	}
	if invoker == nil {
		return "", xerrors.New("natstransport: invoker is nil")
	}
	if address == "" {
		address = s.cfg.Prefix + "." + uuid.NewString()
	}
	if !validSubject(address) {
		return "", xerrors.Wrapf(ErrInvalidSubject, "%q", address)
	}
	nc := s.conn.GetClient()
	if nc == nil || !nc.IsConnected() {
		return "", ErrNotConnected
	}

	s.nc = nc
	s.invoker = invoker
	sub, err := nc.Subscribe(address, s.open)
	if err != nil {
		return "", xerrors.Wrapf(err, "subscribe to %s", address)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return "", xerrors.Wrap(err, "flush subscription")
	}
	s.sub = sub
	s.address = address
	s.logger.Info("nats transport bound", clog.String("address", address))
	return address, nil
}

// Stop 停止接受新调用并等待进行中的调用结束，ctx 到期后中止剩余调用。幂等。
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.sub == nil {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	err := s.sub.Unsubscribe()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		s.logger.Warn("graceful stop timed out, aborting calls", clog.Int("active", len(s.calls)))
		for _, c := range s.calls {
			c.cancel(errServerStopping)
		}
		s.mu.Unlock()
		<-done
	}
	s.logger.Info("nats transport stopped", clog.String("address", s.address))
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return xerrors.Wrap(err, "unsubscribe")
	}
	return nil
}

// Active 进行中的调用数量
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// open 接受一次调用：订阅调用专属 subject，回复 accept 后开始分发
func (s *Server) open(m *nats.Msg) {
	if kindOf(m) != kindOpen || m.Reply == "" {
		return
	}
	q := m.Header.Get(headerQualifier)
	reply := m.Header.Get(headerReply)
	if q == "" || !validSubject(reply) {
		s.reject(m, "malformed open")
		return
	}
	pattern, err := service.ParsePattern(m.Header.Get(headerPattern))
	if err != nil {
		s.reject(m, err.Error())
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.reject(m, "server stopping")
		return
	}
	window := creditOf(m)
	if window <= 0 {
		window = s.cfg.Window
	}
	c := s.newCall(q, pattern, reply, window)
	sub, err := s.nc.Subscribe(c.subject, c.onFrame)
	if err != nil {
		s.mu.Unlock()
		c.cancel(err)
		s.reject(m, err.Error())
		return
	}
	c.sub = sub
	s.calls[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	accept := nats.NewMsg(m.Reply)
	accept.Header.Set(headerKind, kindAccept)
	accept.Header.Set(headerSubject, c.subject)
	if err := s.nc.PublishMsg(accept); err != nil {
		c.cancel(err)
	}
	go s.run(c)
}

func (s *Server) reject(m *nats.Msg, reason string) {
	resp := nats.NewMsg(m.Reply)
	resp.Header.Set(headerKind, kindAbort)
	resp.Header.Set(headerReason, reason)
	_ = s.nc.PublishMsg(resp)
}

func (s *Server) newCall(q string, pattern service.Pattern, reply string, window int) *serverCall {
	id := uuid.NewString()
	ctx, cancel := context.WithCancelCause(context.Background())
	requests, e := stream.New[*message.Message](ctx, s.cfg.Buffer)
	c := &serverCall{
		id:        id,
		subject:   s.address + ".call." + id,
		reply:     reply,
		qualifier: q,
		pattern:   pattern,
		ctx:       ctx,
		cancel:    cancel,
		requests:  requests,
		emitter:   e,
		nc:        s.nc,
		credits:   make(chan struct{}, window),
	}
	for range window {
		c.credits <- struct{}{}
	}
	c.touch()
	return c
}

func (s *Server) run(c *serverCall) {
	defer s.wg.Done()
	defer func() {
		_ = c.sub.Unsubscribe()
		c.cancel(nil)
		s.mu.Lock()
		delete(s.calls, c.id)
		s.mu.Unlock()
	}()
	go c.heartbeat(s.cfg.Heartbeat, s.cfg.IdleTimeout)

	if registered, ok := s.invoker.Pattern(c.qualifier); ok && registered != c.pattern {
		c.requests.Cancel()
		_ = c.respond(message.NewError(c.qualifier, serviceerr.CodeBadRequest,
			fmt.Sprintf("%s is %s, called as %s", c.qualifier, registered, c.pattern)))
		c.publish(kindEnd, "")
		return
	}

	responses := s.invoker.Invoke(c.ctx, c.qualifier, c.requests)
	defer responses.Cancel()
	for {
		m, err := responses.Recv(c.ctx)
		if err == io.EOF {
			c.publish(kindEnd, "")
			return
		}
		if err == nil {
			err = c.respond(m)
			if err == nil {
				continue
			}
		} else if c.ctx.Err() == nil {
			if c.respond(serviceerr.Default.ToMessage(c.qualifier, err)) == nil {
				c.publish(kindEnd, "")
				return
			}
		}
		c.abort(err)
		return
	}
}

// abort 调用异常结束。客户端主动取消时不再回复。
func (c *serverCall) abort(err error) {
	cause := err
	if c.ctx.Err() != nil {
		cause = context.Cause(c.ctx)
	}
	if errors.Is(cause, errClientCancelled) {
		return
	}
	c.publish(kindAbort, cause.Error())
}

// serverCall 一次入站调用
type serverCall struct {
	id        string
	subject   string
	reply     string
	qualifier string
	pattern   service.Pattern

	ctx      context.Context
	cancel   context.CancelCauseFunc
	requests *stream.Stream[*message.Message]
	emitter  *stream.Emitter[*message.Message]
	nc       *nats.Conn
	sub      *nats.Subscription

	// credits 每个令牌允许发出一个响应帧
	credits chan struct{}

	lastHeard atomic.Int64
	blocked   atomic.Bool
}

func (c *serverCall) touch() {
	c.lastHeard.Store(time.Now().UnixNano())
}

// onFrame 处理客户端发来的帧，同一订阅的回调串行执行
func (c *serverCall) onFrame(m *nats.Msg) {
	c.touch()
	switch kindOf(m) {
	case kindData:
		msg, err := decodeData(m)
		if err != nil {
			c.emitter.Close(serviceerr.BadRequest("malformed request frame: %v", err))
			return
		}
		c.blocked.Store(true)
		_ = c.emitter.Emit(msg)
		c.blocked.Store(false)
	case kindEnd:
		c.emitter.Close(nil)
	case kindCancel:
		c.cancel(errClientCancelled)
	case kindCredit:
		for range creditOf(m) {
			select {
			case c.credits <- struct{}{}:
			default:
			}
		}
	}
}

func (c *serverCall) heartbeat(interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.publish(kindPing, "")
			if !c.blocked.Load() && time.Since(time.Unix(0, c.lastHeard.Load())) > idle {
				c.cancel(errPeerIdle)
				return
			}
		}
	}
}

// respond 取得授信后发出一个响应帧
func (c *serverCall) respond(m *message.Message) error {
	select {
	case <-c.credits:
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	}
	out, err := newData(c.reply, m)
	if err != nil {
		return err
	}
	return c.nc.PublishMsg(out)
}

func (c *serverCall) publish(kind, reason string) {
	m := newControl(c.reply, kind)
	if reason != "" {
		m.Header.Set(headerReason, reason)
	}
	_ = c.nc.PublishMsg(m)
}
