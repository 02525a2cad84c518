// Package discovery 把成员事件转换为端点发现事件，并维护注册表。
//
// Discovery 是注册表的唯一写入者：每个成员事件先应用到注册表，真正产生变化的事件
// 再按顺序转发到 Start 返回的通道。转发不阻塞，观察者处理不过来时事件被丢弃，
// 丢弃计入 discovery_events_dropped_total 并记录告警，
// 注册表本身始终是最新的。
package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/membership"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/registry"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/xerrors"
)

// Discovery 服务发现
type Discovery struct {
	source membership.Source
	reg    *registry.Registry
	opts   *options
	logger clog.Logger

	dropped      atomic.Uint64
	droppedTotal metrics.Counter

	mu      sync.Mutex
	local   *service.Endpoint
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	// 只在事件循环中访问：成员 id → 从该成员学到的端点 id
	members map[string]string
}

// New 创建服务发现。local 为 nil 表示本节点只消费不提供服务。
// Discovery 接管 source 的生命周期，Shutdown 时关闭它。
func New(source membership.Source, reg *registry.Registry, local *service.Endpoint, opts ...Option) *Discovery {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	d := &Discovery{
		source:  source,
		reg:     reg,
		opts:    o,
		logger:  o.logger.With(clog.String("member_id", source.LocalID())),
		local:   local.Clone(),
		members: make(map[string]string),
	}
	var err error
	if d.droppedTotal, err = o.meter.Counter("discovery_events_dropped_total", "Discovery events dropped because the observer was too slow"); err != nil {
		d.logger.Warn("discovery counter disabled", clog.Error(err))
		d.droppedTotal = nil
	}
	return d
}

// Start 发布本地端点并开始订阅成员事件
func (d *Discovery) Start(ctx context.Context) (<-chan registry.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.started {
		return nil, ErrAlreadyStarted
	}

	if err := d.publishLocked(ctx, d.local); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := d.source.Subscribe(loopCtx)
	if err != nil {
		cancel()
		return nil, xerrors.Wrap(err, "subscribe membership")
	}

	out := make(chan registry.Event, d.opts.buffer)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.started = true

	go d.loop(loopCtx, events, out)

	d.logger.Info("discovery started")
	return out, nil
}

func (d *Discovery) publishLocked(ctx context.Context, ep *service.Endpoint) error {
	data, err := d.opts.codec.Encode(ep)
	if err != nil {
		return err
	}
	if err := d.source.Publish(ctx, data); err != nil {
		return xerrors.Wrap(err, "publish local endpoint")
	}
	return nil
}

// Publish 发布新的本地端点，其它节点收到 EndpointUpdated
func (d *Discovery) Publish(ctx context.Context, ep *service.Endpoint) error {
	if ep != nil && ep.ID != d.source.LocalID() {
		return xerrors.Wrapf(ErrMetadataMismatch, "%s != %s", ep.ID, d.source.LocalID())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if ep != nil {
		if err := d.reg.RegisterLocal(ep); err != nil {
			return err
		}
	}
	if err := d.publishLocked(ctx, ep); err != nil {
		return err
	}
	d.local = ep.Clone()
	return nil
}

// Local 当前发布的本地端点
func (d *Discovery) Local() *service.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.local.Clone()
}

func (d *Discovery) loop(ctx context.Context, events <-chan membership.Event, out chan<- registry.Event) {
	defer close(d.done)
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					d.logger.Warn("membership subscription closed")
				}
				return
			}
			for _, rev := range d.handle(ev) {
				if !d.reg.Apply(rev) {
					continue
				}
				select {
				case out <- rev:
				default:
					d.drop(ctx, rev)
				}
			}
		}
	}
}

func (d *Discovery) drop(ctx context.Context, rev registry.Event) {
	n := d.dropped.Add(1)
	if d.droppedTotal != nil {
		d.droppedTotal.Inc(ctx, metrics.L("type", rev.Type.String()))
	}
	d.logger.Warn("discovery event dropped, observer too slow",
		clog.String("event", rev.String()), clog.Uint64("dropped", n))
}

// Dropped 因观察者过慢而被丢弃的事件总数
func (d *Discovery) Dropped() uint64 {
	return d.dropped.Load()
}

// handle 把一个成员事件转换为 0..2 个发现事件
func (d *Discovery) handle(ev membership.Event) []registry.Event {
	if ev.MemberID == d.source.LocalID() {
		return nil
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch ev.Type {
	case membership.Joined, membership.Updated:
		ep, err := d.opts.codec.Decode(ev.Metadata)
		if err != nil {
			d.logger.Warn("undecodable member metadata dropped",
				clog.String("member", ev.MemberID), clog.String("type", ev.Type.String()), clog.Error(err))
			return nil
		}

		var out []registry.Event
		prev, known := d.members[ev.MemberID]
		if known && prev != "" && (ep == nil || ep.ID != prev) {
			out = append(out, registry.Event{
				Type: registry.EndpointRemoved, Endpoint: &service.Endpoint{ID: prev}, Timestamp: ts, Source: ev.MemberID,
			})
		}
		if ep == nil {
			d.members[ev.MemberID] = ""
			return out
		}
		typ := registry.EndpointAdded
		if known && prev == ep.ID {
			typ = registry.EndpointUpdated
		}
		d.members[ev.MemberID] = ep.ID
		return append(out, registry.Event{Type: typ, Endpoint: ep, Timestamp: ts, Source: ev.MemberID})

	case membership.Left, membership.Failed:
		prev, known := d.members[ev.MemberID]
		delete(d.members, ev.MemberID)
		if !known || prev == "" {
			return nil
		}
		d.logger.Info("member gone", clog.String("member", ev.MemberID), clog.String("type", ev.Type.String()))
		return []registry.Event{{
			Type: registry.EndpointRemoved, Endpoint: &service.Endpoint{ID: prev}, Timestamp: ts, Source: ev.MemberID,
		}}
	}
	return nil
}

// Shutdown 尽力离开集群，停止订阅并关闭事件通道，幂等
func (d *Discovery) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	var errs xerrors.Collector
	if err := d.source.Unpublish(ctx); err != nil {
		d.logger.Warn("unpublish failed", clog.Error(err))
		errs.Collect(err)
	}
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs.Collect(ctx.Err())
		}
	}
	errs.Collect(d.source.Close())
	d.logger.Info("discovery stopped")
	return errs.Err()
}
