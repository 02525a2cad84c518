package membership

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/connector"
	"github.com/ceyewan/meshcall/xerrors"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig etcd 成员事件源配置
type EtcdConfig struct {
	// Namespace key 前缀，默认 "/meshcall/members"
	Namespace string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
	// TTL 成员租约时长，默认 10s；进程异常退出后最多 TTL 之后被其它成员移除
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	// RetryInterval Watch 断开后的重连间隔，默认 1s
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" json:"retry_interval"`
}

func (c *EtcdConfig) setDefaults() {
	if c.Namespace == "" {
		c.Namespace = "/meshcall/members"
	}
	c.Namespace = strings.TrimSuffix(c.Namespace, "/")
	if c.TTL == 0 {
		c.TTL = 10 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
}

func (c *EtcdConfig) validate() error {
	if c.TTL < time.Second {
		return xerrors.New("membership: ttl must be at least 1s")
	}
	return nil
}

type etcdSource struct {
	client *clientv3.Client
	cfg    EtcdConfig
	id     string
	logger clog.Logger

	mu       sync.Mutex
	leaseID  clientv3.LeaseID
	kaCancel context.CancelFunc
	watchers map[uint64]context.CancelFunc
	watchSeq uint64

	stopChan chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewEtcd 创建基于 etcd 租约的成员事件源。连接器由调用方管理。
func NewEtcd(conn connector.EtcdConnector, memberID string, cfg *EtcdConfig, opts ...Option) (Source, error) {
	if conn == nil || conn.GetClient() == nil {
		return nil, xerrors.New("membership: etcd connector is required")
	}
	if memberID == "" {
		return nil, ErrEmptyMemberID
	}
	c := EtcdConfig{}
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

	return &etcdSource{
		client:   conn.GetClient(),
		cfg:      c,
		id:       memberID,
		logger:   o.logger.With(clog.String("member_id", memberID)),
		watchers: make(map[uint64]context.CancelFunc),
		stopChan: make(chan struct{}),
	}, nil
}

func (s *etcdSource) LocalID() string {
	return s.id
}

func (s *etcdSource) key(memberID string) string {
	return s.cfg.Namespace + "/" + memberID
}

func (s *etcdSource) prefix() string {
	return s.cfg.Namespace + "/"
}

func (s *etcdSource) memberOf(key []byte) string {
	return strings.TrimPrefix(string(key), s.prefix())
}

// Publish 首次调用时申请租约并启动续约，之后在同一租约上覆盖元数据
func (s *etcdSource) Publish(ctx context.Context, metadata []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leaseID == 0 {
		lease, err := s.client.Grant(ctx, int64(s.cfg.TTL.Seconds()))
		if err != nil {
			s.logger.Error("failed to grant lease", clog.Error(err))
			return xerrors.Wrap(err, "grant lease failed")
		}
		if _, err := s.client.Put(ctx, s.key(s.id), string(metadata), clientv3.WithLease(lease.ID)); err != nil {
			s.revoke(lease.ID)
			return xerrors.Wrap(err, "put member failed")
		}

		kaCtx, kaCancel := context.WithCancel(context.Background())
		kaCh, err := s.client.KeepAlive(kaCtx, lease.ID)
		if err != nil {
			kaCancel()
			s.revoke(lease.ID)
			return xerrors.Wrap(err, "keepalive failed")
		}
		s.leaseID = lease.ID
		s.kaCancel = kaCancel

		s.wg.Add(1)
		go s.monitorKeepAlive(lease.ID, kaCh)

		s.logger.Info("member published", clog.Duration("ttl", s.cfg.TTL))
		return nil
	}

	if _, err := s.client.Put(ctx, s.key(s.id), string(metadata), clientv3.WithLease(s.leaseID)); err != nil {
		return xerrors.Wrap(err, "put member failed")
	}
	s.logger.Debug("member metadata updated")
	return nil
}

func (s *etcdSource) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.client.Revoke(ctx, id); err != nil {
		s.logger.Warn("failed to revoke lease", clog.Int64("lease_id", int64(id)), clog.Error(err))
	}
}

// monitorKeepAlive 续约通道关闭表示租约失效或连接中断。
// 不自动重新发布，避免进程卡死后仍以僵尸成员存在。
func (s *etcdSource) monitorKeepAlive(id clientv3.LeaseID, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case resp, ok := <-ch:
			if !ok {
				s.mu.Lock()
				current := s.leaseID == id
				if current {
					s.leaseID = 0
					s.kaCancel = nil
				}
				s.mu.Unlock()
				if current {
					s.logger.Error("keepalive channel closed, lease expired or connection lost",
						clog.Int64("lease_id", int64(id)))
				}
				return
			}
			s.logger.Debug("keepalive renewed", clog.Int64("lease_id", int64(resp.ID)), clog.Int64("ttl", resp.TTL))
		}
	}
}

// Unpublish 撤销租约，key 随之删除，其它成员收到 Left
func (s *etcdSource) Unpublish(ctx context.Context) error {
	s.mu.Lock()
	id, cancel := s.leaseID, s.kaCancel
	s.leaseID, s.kaCancel = 0, nil
	s.mu.Unlock()

	if id == 0 {
		return nil
	}
	cancel()
	if _, err := s.client.Revoke(ctx, id); err != nil {
		s.logger.Warn("failed to revoke lease", clog.Error(err))
		return xerrors.Wrap(err, "revoke lease failed")
	}
	s.logger.Info("member unpublished")
	return nil
}

// Subscribe 先列出现有成员，再从下一个 revision 开始监听前缀。
// Watch 断开时自动重连；revision 被压缩时重新全量同步，并补发差异事件。
func (s *etcdSource) Subscribe(ctx context.Context) (<-chan Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	resp, err := s.client.Get(ctx, s.prefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, xerrors.Wrap(err, "list members failed")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.watchSeq++
	watchID := s.watchSeq
	s.watchers[watchID] = cancel
	s.mu.Unlock()

	eventCh := make(chan Event, 64)
	known := make(map[string][]byte, len(resp.Kvs))
	var initial []Event
	for _, kv := range resp.Kvs {
		id := s.memberOf(kv.Key)
		known[id] = kv.Value
		initial = append(initial, Event{Type: Joined, MemberID: id, Metadata: kv.Value, Timestamp: time.Now()})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(eventCh)
		defer func() {
			s.mu.Lock()
			delete(s.watchers, watchID)
			s.mu.Unlock()
		}()

		w := &watchLoop{src: s, ctx: watchCtx, out: eventCh, known: known, lastRev: resp.Header.Revision}
		for _, ev := range initial {
			if !w.emit(ev) {
				return
			}
		}
		w.run()
	}()

	return eventCh, nil
}

type watchLoop struct {
	src     *etcdSource
	ctx     context.Context
	out     chan<- Event
	known   map[string][]byte
	lastRev int64
}

func (w *watchLoop) emit(ev Event) bool {
	select {
	case w.out <- ev:
		return true
	case <-w.ctx.Done():
		return false
	}
}

func (w *watchLoop) run() {
	s := w.src
	for {
		watchCh := s.client.Watch(w.ctx, s.prefix(), clientv3.WithPrefix(), clientv3.WithRev(w.lastRev+1))
		s.logger.Debug("watch started", clog.Int64("from_revision", w.lastRev+1))

	inner:
		for {
			select {
			case <-w.ctx.Done():
				return
			case wresp, ok := <-watchCh:
				if !ok {
					s.logger.Warn("watch channel closed, will retry", clog.Duration("retry_after", s.cfg.RetryInterval))
					break inner
				}
				if err := wresp.Err(); err != nil {
					if xerrors.Is(err, rpctypes.ErrCompacted) {
						s.logger.Warn("watch revision compacted, resyncing")
						if !w.resync() {
							return
						}
					} else {
						s.logger.Error("watch error, will retry", clog.Error(err))
					}
					break inner
				}
				for _, ev := range wresp.Events {
					if ev.Kv.ModRevision > w.lastRev {
						w.lastRev = ev.Kv.ModRevision
					}
					if !w.apply(ev) {
						return
					}
				}
			}
		}

		select {
		case <-w.ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-time.After(s.cfg.RetryInterval):
		}
	}
}

func (w *watchLoop) apply(ev *clientv3.Event) bool {
	id := w.src.memberOf(ev.Kv.Key)
	switch ev.Type {
	case clientv3.EventTypePut:
		typ := Joined
		if _, ok := w.known[id]; ok {
			typ = Updated
		}
		w.known[id] = ev.Kv.Value
		return w.emit(Event{Type: typ, MemberID: id, Metadata: ev.Kv.Value, Timestamp: time.Now()})
	case clientv3.EventTypeDelete:
		if _, ok := w.known[id]; !ok {
			return true
		}
		delete(w.known, id)
		return w.emit(Event{Type: Left, MemberID: id, Timestamp: time.Now()})
	}
	return true
}

// resync 全量读取并与已知成员比较，补发 Joined/Updated/Left
func (w *watchLoop) resync() bool {
	s := w.src
	resp, err := s.client.Get(w.ctx, s.prefix(), clientv3.WithPrefix())
	if err != nil {
		s.logger.Error("failed to resync after compaction", clog.Error(err))
		return w.ctx.Err() == nil
	}
	current := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := s.memberOf(kv.Key)
		current[id] = kv.Value
		old, ok := w.known[id]
		switch {
		case !ok:
			if !w.emit(Event{Type: Joined, MemberID: id, Metadata: kv.Value, Timestamp: time.Now()}) {
				return false
			}
		case !bytes.Equal(old, kv.Value):
			if !w.emit(Event{Type: Updated, MemberID: id, Metadata: kv.Value, Timestamp: time.Now()}) {
				return false
			}
		}
	}
	for id := range w.known {
		if _, ok := current[id]; !ok {
			if !w.emit(Event{Type: Left, MemberID: id, Timestamp: time.Now()}) {
				return false
			}
		}
	}
	w.known = current
	w.lastRev = resp.Header.Revision
	return true
}

// Close 停止监听并撤销租约，幂等
func (s *etcdSource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopChan)

	s.mu.Lock()
	for _, cancel := range s.watchers {
		cancel()
	}
	s.watchers = make(map[uint64]context.CancelFunc)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Unpublish(ctx)

	s.wg.Wait()
	s.logger.Info("membership source closed")
	return err
}
