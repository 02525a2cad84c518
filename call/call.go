// Package call 是调用分发器：按 qualifier 找到目标端点，以四种模式之一发起调用。
//
// 分发顺序：
//  1. 本节点的方法表包含该 qualifier 时直接在进程内调用，不经过传输层；
//  2. 否则从注册表读取一份快照交给路由策略选择端点，没有候选时以 SERVICE_UNAVAILABLE 失败；
//  3. 选中本节点时进程内调用，否则通过 ClientTransport 发往端点地址，连接失败不重试；
//  4. 响应流中的错误消息经 ConsumerMapper 还原为错误，调用以这一个错误终止。
//
//	c := call.New(tr.Client(), methods, reg, call.WithLogger(logger))
//	resp, err := c.RequestOne(ctx, req)
//	s, err := c.RequestMany(ctx, req)
package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/registry"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
	"github.com/ceyewan/meshcall/trace"
	"github.com/ceyewan/meshcall/transport"
)

// Local 本节点的方法表，*methods.Registry 实现了它
type Local interface {
	transport.Invoker
	Contains(qualifier string) bool
}

// Call 调用分发器，并发安全。With 派生的调用方共享传输、方法表与注册表。
type Call struct {
	transport transport.ClientTransport
	local     Local
	registry  *registry.Registry

	opts    options
	logger  clog.Logger
	metrics *metrics.CallMetrics
}

// New 创建调用分发器。local 为 nil 表示纯调用方；tr 为 nil 时只能进行进程内调用。
func New(tr transport.ClientTransport, local Local, reg *registry.Registry, opts ...Option) *Call {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if reg == nil {
		reg = registry.New()
	}
	c := &Call{
		transport: tr,
		local:     local,
		registry:  reg,
		opts:      *o,
		logger:    o.logger,
	}
	cm, err := metrics.NewCallMetrics(o.meter, metrics.SideClient)
	if err != nil {
		o.logger.Warn("client call metrics disabled", clog.Error(err))
	} else {
		c.metrics = cm
	}
	return c
}

// With 派生一个使用不同路由、标签过滤、错误映射或编码的调用方
func (c *Call) With(opts ...Option) *Call {
	o := c.opts
	for _, opt := range opts {
		opt(&o)
	}
	return &Call{
		transport: c.transport,
		local:     c.local,
		registry:  c.registry,
		opts:      o,
		logger:    o.logger,
		metrics:   c.metrics,
	}
}

// ContentType 请求的默认编码
func (c *Call) ContentType() string {
	return c.opts.contentType
}

// RequestOne 请求响应调用
func (c *Call) RequestOne(ctx context.Context, msg *message.Message) (*message.Message, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.prepare(msg)
	if err != nil {
		return nil, err
	}
	s, err := c.dispatch(ctx, req.Qualifier(), service.RequestResponse, stream.Just(ctx, req))
	if err != nil {
		return nil, err
	}
	resp, err := stream.First(ctx, s)
	if err != nil {
		return nil, c.terminal(ctx, req.Qualifier(), err)
	}
	return resp, nil
}

// FireAndForget 单向调用，请求成功发出即返回；发出之前的失败会报告给调用方
func (c *Call) FireAndForget(ctx context.Context, msg *message.Message) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.prepare(msg)
	if err != nil {
		return err
	}
	s, err := c.dispatch(ctx, req.Qualifier(), service.FireAndForget, stream.Just(ctx, req))
	if err != nil {
		return err
	}
	if _, err := stream.Collect(ctx, s); err != nil {
		return c.terminal(ctx, req.Qualifier(), err)
	}
	return nil
}

// terminal 单响应调用的终止错误。ctx 结束时以 ctx 的错误为准，
// 因为此时响应流可能以 EOF 或任意一侧的取消结束。
func (c *Call) terminal(ctx context.Context, q string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && serviceerr.CodeOf(err) == 0 {
		return timedOut(q, ctxErr)
	}
	if err == io.EOF {
		return serviceerr.InternalServiceError("%s: empty response", q)
	}
	return timedOut(q, err)
}

// timedOut 把超时转换为 SERVICE_UNAVAILABLE，同时保留 context.DeadlineExceeded
func timedOut(q string, err error) error {
	if serviceerr.CodeOf(err) != 0 || !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", serviceerr.ServiceUnavailable("%s: timed out", q), err)
}

// RequestMany 请求流调用。调用方可以随时 Cancel 返回的流。
func (c *Call) RequestMany(ctx context.Context, msg *message.Message) (*stream.Stream[*message.Message], error) {
	req, err := c.prepare(msg)
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, req.Qualifier(), service.RequestStream, stream.Just(ctx, req))
}

// RequestChannel 双向流调用。requests 由分发器负责取消，两个方向可以各自结束。
func (c *Call) RequestChannel(ctx context.Context, qualifier string, requests *stream.Stream[*message.Message]) (*stream.Stream[*message.Message], error) {
	if qualifier == "" {
		requests.Cancel()
		return nil, serviceerr.BadRequest("empty qualifier")
	}
	requests = stream.Map(ctx, requests, func(m *message.Message) (*message.Message, error) {
		return c.withQualifier(m, qualifier), nil
	})
	return c.dispatch(ctx, qualifier, service.RequestChannel, requests)
}

func (c *Call) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opts.timeout)
}

// prepare 复制请求并补齐 content-type，调用方的消息不会被修改
func (c *Call) prepare(msg *message.Message) (*message.Message, error) {
	if msg == nil {
		return nil, serviceerr.BadRequest("nil request")
	}
	if msg.Qualifier() == "" {
		return nil, serviceerr.BadRequest("request without qualifier")
	}
	return c.withQualifier(msg, msg.Qualifier()), nil
}

func (c *Call) withQualifier(msg *message.Message, qualifier string) *message.Message {
	if msg == nil {
		msg = message.New(qualifier, nil)
	}
	m := msg.WithQualifier(qualifier)
	if _, ok := m.Headers[message.HeaderContentType]; !ok {
		m.Headers[message.HeaderContentType] = c.opts.contentType
	}
	return m
}

// dispatch 选择目标并发起调用，返回经错误映射的响应流
func (c *Call) dispatch(ctx context.Context, q string, pattern service.Pattern, requests *stream.Stream[*message.Message]) (*stream.Stream[*message.Message], error) {
	start := time.Now()
	ctx, span := trace.StartCallSpan(ctx, q, pattern.String())
	requests = c.traced(ctx, requests)

	fail := func(route string, err error) (*stream.Stream[*message.Message], error) {
		requests.Cancel()
		code := serviceerr.CodeOf(err)
		trace.EndSpan(span, code, err)
		c.metrics.Observe(ctx, q, pattern.String(), route, code, time.Since(start))
		c.logger.DebugContext(ctx, "call failed before send",
			clog.String("qualifier", q), clog.String("route", route), clog.Error(err))
		return nil, err
	}

	// 本节点提供的方法总是进程内调用
	if c.local != nil && c.local.Contains(q) {
		if err := c.checkLocalPattern(q, pattern); err != nil {
			return fail(metrics.RouteLocal, err)
		}
		span.SetAttributes(trace.Route(metrics.RouteLocal))
		return c.track(ctx, span, start, q, pattern, metrics.RouteLocal, c.local.Invoke(ctx, q, requests), nil), nil
	}

	snap := c.registry.Snapshot()
	refs, err := c.opts.router.Select(snap, q, c.opts.filter)
	if err != nil {
		return fail(metrics.RouteNone, err)
	}
	for _, ref := range refs {
		if ref.Pattern() != pattern {
			return fail(metrics.RouteNone, serviceerr.BadRequest("%s is %s, called as %s", q, ref.Pattern(), pattern))
		}
	}

	if len(refs) > 1 && (pattern == service.FireAndForget || pattern == service.RequestStream) {
		return c.broadcast(ctx, span, start, q, pattern, snap.LocalID(), refs, requests)
	}

	ref := refs[0]
	span.SetAttributes(trace.Endpoint(ref.EndpointID()))
	if ref.EndpointID() == snap.LocalID() {
		return fail(metrics.RouteLocal, serviceerr.NoReachableMember(q))
	}
	responses, done, err := c.remote(ctx, ref, pattern, requests)
	if err != nil {
		return fail(metrics.RouteRemote, err)
	}
	span.SetAttributes(trace.Route(metrics.RouteRemote))
	return c.track(ctx, span, start, q, pattern, metrics.RouteRemote, responses, done), nil
}

func (c *Call) checkLocalPattern(q string, pattern service.Pattern) error {
	registered, ok := c.local.Pattern(q)
	if ok && registered != pattern {
		return serviceerr.BadRequest("%s is %s, called as %s", q, registered, pattern)
	}
	return nil
}

// traced 把当前 Span 写入每个请求的头部
func (c *Call) traced(ctx context.Context, requests *stream.Stream[*message.Message]) *stream.Stream[*message.Message] {
	if !oteltrace.SpanContextFromContext(ctx).IsValid() {
		return requests
	}
	return stream.Map(ctx, requests, func(m *message.Message) (*message.Message, error) {
		m = m.Clone()
		if m.Headers == nil {
			m.Headers = make(map[string]string, 2)
		}
		trace.Inject(ctx, m.Headers)
		return m, nil
	})
}

// remote 经熔断器与传输层发往远端端点。返回的 done 在调用结束时上报结果。
func (c *Call) remote(ctx context.Context, ref service.Reference, pattern service.Pattern, requests *stream.Stream[*message.Message]) (*stream.Stream[*message.Message], func(bool), error) {
	addr := ref.Address()
	if c.transport == nil {
		return nil, nil, serviceerr.ServiceUnavailable("%s: no client transport", addr)
	}
	done := func(bool) {}
	if c.opts.breaker != nil {
		d, err := c.opts.breaker.Allow(addr)
		if err != nil {
			return nil, nil, serviceerr.ServiceUnavailable("%s: %v", addr, err)
		}
		done = d
	}
	ch, err := c.transport.Create(ctx, addr)
	if err != nil {
		done(false)
		return nil, nil, transport.Unavailable(addr, err)
	}
	return ch.Invoke(ctx, ref.Qualifier(), pattern, requests), done, nil
}

// track 转发响应流：遇到错误消息时还原错误并终止，流结束时记录指标与 Span
func (c *Call) track(ctx context.Context, span oteltrace.Span, start time.Time, q string, pattern service.Pattern, route string, in *stream.Stream[*message.Message], done func(bool)) *stream.Stream[*message.Message] {
	out, e := stream.New[*message.Message](ctx, 0)
	go func() {
		var (
			code        int
			callErr     error
			unavailable bool
		)
		defer func() {
			in.Cancel()
			if done != nil {
				done(!unavailable)
			}
			trace.EndSpan(span, code, callErr)
			c.metrics.Observe(context.WithoutCancel(ctx), q, pattern.String(), route, code, time.Since(start))
		}()

		for {
			m, err := in.Recv(out.Context())
			if err == io.EOF {
				e.Close(nil)
				return
			}
			if err != nil {
				if out.Cancelled() {
					return
				}
				callErr = timedOut(q, err)
				code = serviceerr.Default.Classify(callErr).Code
				unavailable = serviceerr.IsServiceUnavailable(callErr)
				e.Close(callErr)
				return
			}
			if m.IsError() {
				callErr = c.opts.mapper.ToError(m)
				if callErr == nil {
					callErr = serviceerr.InternalServiceError("%s: error response without error", q)
				}
				if code = serviceerr.CodeOf(callErr); code == 0 {
					code = m.ErrorCode()
				}
				e.Close(callErr)
				return
			}
			if err := e.Emit(m); err != nil {
				e.Close(err)
				return
			}
		}
	}()
	return out
}

// broadcast 把同一个请求发给所有候选，响应合并为一条流。
// 任一目标失败时整个调用以该错误终止。
func (c *Call) broadcast(ctx context.Context, span oteltrace.Span, start time.Time, q string, pattern service.Pattern, localID string, refs []service.Reference, requests *stream.Stream[*message.Message]) (*stream.Stream[*message.Message], error) {
	req, err := requests.Recv(ctx)
	requests.Cancel()
	if err != nil {
		if err == io.EOF {
			err = serviceerr.BadRequest("%s: missing request", q)
		}
		trace.EndSpan(span, serviceerr.CodeOf(err), err)
		return nil, err
	}

	out, e := stream.New[*message.Message](ctx, 0)
	pctx := out.Context()
	results := make(chan error, len(refs))
	for _, ref := range refs {
		var s *stream.Stream[*message.Message]
		if ref.EndpointID() == localID && c.local != nil {
			s = c.track(pctx, oteltrace.SpanFromContext(context.Background()), start, q, pattern, metrics.RouteLocal, c.local.Invoke(pctx, q, stream.Just(pctx, req)), nil)
		} else {
			responses, done, err := c.remote(pctx, ref, pattern, stream.Just(pctx, req))
			if err != nil {
				results <- err
				continue
			}
			s = c.track(pctx, oteltrace.SpanFromContext(context.Background()), start, q, pattern, metrics.RouteRemote, responses, done)
		}
		go func() {
			results <- stream.ForEach(pctx, s, func(m *message.Message) error { return e.Emit(m) })
		}()
	}

	go func() {
		var first error
		for range refs {
			if err := <-results; err != nil && first == nil {
				first = err
				if !out.Cancelled() {
					e.Close(err)
				}
			}
		}
		e.Close(nil)
		trace.EndSpan(span, serviceerr.CodeOf(first), first)
	}()
	return out, nil
}

// Pattern qualifier 的调用模式：本节点方法表优先，其次是注册表中的任一端点
func (c *Call) Pattern(qualifier string) (service.Pattern, bool) {
	if c.local != nil {
		if p, ok := c.local.Pattern(qualifier); ok {
			return p, true
		}
	}
	refs := c.registry.Lookup(qualifier)
	if len(refs) == 0 {
		return 0, false
	}
	return refs[0].Pattern(), true
}
