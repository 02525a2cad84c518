// Package methods 是本节点的方法注册表：按 qualifier 找到处理器，
// 按调用模式执行，并把处理器错误经错误映射器转换为错误消息。
//
// 注册在接收流量之前完成，Freeze 之后表不再变化，读取无需加锁。
package methods

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
	"github.com/ceyewan/meshcall/trace"
	"github.com/ceyewan/meshcall/xerrors"
)

type invoker struct {
	descriptor service.MethodDescriptor
	method     service.Method
	mapper     serviceerr.ProviderMapper
}

type table struct {
	invokers map[string]*invoker
	order    []service.MethodDescriptor
}

// Registry 方法注册表
type Registry struct {
	mu     sync.Mutex
	table  atomic.Pointer[table]
	frozen atomic.Bool

	opts    *options
	logger  clog.Logger
	metrics *metrics.CallMetrics
}

// New 创建方法注册表
func New(opts ...Option) *Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	r := &Registry{opts: o, logger: o.logger}
	r.table.Store(&table{invokers: map[string]*invoker{}})

	cm, err := metrics.NewCallMetrics(o.meter, metrics.SideServer)
	if err != nil {
		o.logger.Warn("server call metrics disabled", clog.Error(err))
	} else {
		r.metrics = cm
	}
	return r
}

// RegisterService 注册服务的全部方法。qualifier 与已注册的重复时整体失败。
func (r *Registry) RegisterService(info service.Info) error {
	if info.Service == nil {
		return ErrNilService
	}
	if r.frozen.Load() {
		return ErrFrozen
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.table.Load()
	next := &table{
		invokers: maps.Clone(old.invokers),
		order:    append([]service.MethodDescriptor(nil), old.order...),
	}
	mapper := info.ErrorMapper
	if mapper == nil {
		mapper = r.opts.mapper
	}
	for _, m := range info.Service.Methods() {
		if err := m.Validate(); err != nil {
			return xerrors.Wrapf(err, "register %s", info.Service.Name())
		}
		d := info.Descriptor(m)
		if _, _, err := service.ParseQualifier(d.Qualifier); err != nil {
			return err
		}
		if _, ok := next.invokers[d.Qualifier]; ok {
			return fmt.Errorf("%w: %s", service.ErrDuplicateQualifier, d.Qualifier)
		}
		next.invokers[d.Qualifier] = &invoker{descriptor: d, method: m, mapper: mapper}
		next.order = append(next.order, d)
	}
	r.table.Store(next)

	r.logger.Info("service registered",
		clog.String("service", info.Service.Name()),
		clog.Int("methods", len(info.Service.Methods())))
	return nil
}

// Freeze 冻结注册表，之后 RegisterService 返回 ErrFrozen
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Contains 是否注册了 qualifier
func (r *Registry) Contains(qualifier string) bool {
	_, ok := r.table.Load().invokers[qualifier]
	return ok
}

// Pattern 返回 qualifier 的调用模式
func (r *Registry) Pattern(qualifier string) (service.Pattern, bool) {
	inv, ok := r.table.Load().invokers[qualifier]
	if !ok {
		return 0, false
	}
	return inv.descriptor.Pattern, true
}

// Descriptors 全部方法描述，按注册顺序
func (r *Registry) Descriptors() []service.MethodDescriptor {
	order := r.table.Load().order
	out := make([]service.MethodDescriptor, 0, len(order))
	for _, d := range order {
		out = append(out, d.Clone())
	}
	return out
}

// InvokeOne 以单个请求调用，返回第一条响应（可能是错误消息）。
// 单向调用没有响应，返回 nil。
func (r *Registry) InvokeOne(ctx context.Context, msg *message.Message) (*message.Message, error) {
	out := r.Invoke(ctx, msg.Qualifier(), stream.Just(ctx, msg))
	resp, err := stream.First(ctx, out)
	if err == io.EOF {
		return nil, nil
	}
	return resp, err
}

// Invoke 执行调用。返回的流按模式输出响应；处理器的错误以一条错误消息结束流，
// 原始错误不会出现在流的终止状态中。requests 由注册表负责取消。
func (r *Registry) Invoke(ctx context.Context, qualifier string, requests *stream.Stream[*message.Message]) *stream.Stream[*message.Message] {
	inv, ok := r.table.Load().invokers[qualifier]
	if !ok {
		requests.Cancel()
		r.logger.DebugContext(ctx, "no such method", clog.String("qualifier", qualifier))
		r.metrics.Observe(ctx, qualifier, metrics.UnknownRoute, metrics.RouteLocal, serviceerr.CodeServiceUnavailable, 0)
		return stream.Just(ctx, message.NewError(qualifier, serviceerr.CodeServiceUnavailable,
			"no service method registered: "+qualifier))
	}

	if err := r.allow(ctx, qualifier); err != nil {
		requests.Cancel()
		r.metrics.Observe(ctx, qualifier, inv.descriptor.Pattern.String(), metrics.RouteLocal, serviceerr.CodeServiceUnavailable, 0)
		return stream.Just(ctx, inv.errorMessage(qualifier, err))
	}

	out, e := stream.New[*message.Message](ctx, 0)
	go r.serve(out.Context(), inv, requests, e)
	return out
}

func (r *Registry) allow(ctx context.Context, qualifier string) error {
	if r.opts.limiter == nil {
		return nil
	}
	limit := r.opts.limit
	if l, ok := r.opts.limits[qualifier]; ok {
		limit = l
	}
	if !limit.Valid() {
		return nil
	}
	ok, err := r.opts.limiter.Allow(ctx, qualifier, limit)
	if err != nil {
		r.logger.WarnContext(ctx, "rate limiter failed, allowing call", clog.String("qualifier", qualifier), clog.Error(err))
		return nil
	}
	if !ok {
		return serviceerr.ServiceUnavailable("rate limit exceeded: %s", qualifier)
	}
	return nil
}

// serve 在独立 goroutine 中执行处理器
func (r *Registry) serve(ctx context.Context, inv *invoker, requests *stream.Stream[*message.Message], e *stream.Emitter[*message.Message]) {
	q := inv.descriptor.Qualifier
	pattern := inv.descriptor.Pattern
	start := time.Now()

	var first *message.Message
	if pattern != service.RequestChannel {
		var err error
		first, err = requests.Recv(ctx)
		requests.Cancel()
		if err != nil {
			if err == io.EOF {
				err = serviceerr.BadRequest("%s: missing request", q)
			}
			code := r.fail(ctx, inv, e, err)
			e.Close(nil)
			r.metrics.Observe(ctx, q, pattern.String(), metrics.RouteLocal, code, time.Since(start))
			return
		}
	}

	var headers map[string]string
	if first != nil {
		headers = first.Headers
	}
	ctx, span := trace.StartHandleSpan(ctx, headers, q, pattern.String())

	code := 0
	var handlerErr error
	defer func() {
		if p := recover(); p != nil {
			handlerErr = fmt.Errorf("panic in %s: %v", q, p)
			r.logger.ErrorContext(ctx, "handler panic", clog.String("qualifier", q), clog.Any("panic", p))
			code = r.fail(ctx, inv, e, handlerErr)
		}
		requests.Cancel()
		e.Close(nil)
		trace.EndSpan(span, code, handlerErr)
		r.metrics.Observe(ctx, q, pattern.String(), metrics.RouteLocal, code, time.Since(start))
	}()

	switch pattern {
	case service.RequestResponse:
		resp, err := inv.method.Unary(ctx, first)
		if err != nil {
			handlerErr = err
			code = r.fail(ctx, inv, e, err)
			return
		}
		if resp == nil {
			resp = message.New(q, nil)
		}
		if resp.IsError() {
			code = resp.ErrorCode()
		}
		_ = e.Emit(resp)

	case service.FireAndForget:
		// 发送成功即完成，处理器在后台运行，不受调用方取消影响
		go r.oneWay(context.WithoutCancel(ctx), inv, first)

	case service.RequestStream:
		if err := inv.method.Stream(ctx, first, e); err != nil {
			handlerErr = err
			code = r.fail(ctx, inv, e, err)
		}

	case service.RequestChannel:
		if err := inv.method.Channel(ctx, requests, e); err != nil {
			handlerErr = err
			code = r.fail(ctx, inv, e, err)
		}
	}
}

func (r *Registry) oneWay(ctx context.Context, inv *invoker, req *message.Message) {
	q := inv.descriptor.Qualifier
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "fire-and-forget handler panic", clog.String("qualifier", q), clog.Any("panic", p))
		}
	}()
	if err := inv.method.OneWay(ctx, req); err != nil {
		r.logger.WarnContext(ctx, "fire-and-forget handler failed", clog.String("qualifier", q), clog.Error(err))
	}
}

// fail 把错误映射为错误消息并尝试发出，返回错误码。
// 消费者已取消时不发出任何内容。
func (r *Registry) fail(ctx context.Context, inv *invoker, e *stream.Emitter[*message.Message], err error) int {
	q := inv.descriptor.Qualifier
	if e.Cancelled() {
		r.logger.DebugContext(ctx, "call cancelled by consumer", clog.String("qualifier", q))
		return 0
	}
	msg := inv.errorMessage(q, err)
	code := msg.ErrorCode()
	r.logger.DebugContext(ctx, "handler returned error",
		clog.String("qualifier", q), clog.Int("code", code), clog.Error(err))
	_ = e.Emit(msg)
	return code
}

// errorMessage 调用服务的映射器；映射结果为空或错误码不是正数时退回默认映射
func (inv *invoker) errorMessage(q string, err error) *message.Message {
	if msg := inv.mapper.ToMessage(q, err); msg.ErrorCode() > 0 {
		return msg
	}
	return serviceerr.Default.ToMessage(q, err)
}
