package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/xerrors"
)

const (
	MetricDenied = "meshcall_ratelimit_denied_total"
	LabelKey     = "key"
)

type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
}

type standaloneLimiter struct {
	cfg    *Config
	logger clog.Logger
	denied metrics.Counter

	buckets   sync.Map // map[string]*bucket
	stopCh    chan struct{}
	closeOnce sync.Once
}

func newStandalone(cfg *Config, o *options) (Limiter, error) {
	denied, err := o.meter.Counter(MetricDenied, "Requests rejected by the rate limiter.")
	if err != nil {
		return nil, xerrors.Wrap(err, "create denied counter")
	}
	l := &standaloneLimiter{
		cfg:    cfg,
		logger: o.logger,
		denied: denied,
		stopCh: make(chan struct{}),
	}
	go l.cleanup()
	return l, nil
}

func (l *standaloneLimiter) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	return l.AllowN(ctx, key, limit, 1)
}

func (l *standaloneLimiter) AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error) {
	if key == "" {
		return false, ErrKeyEmpty
	}
	if !limit.Valid() {
		return false, ErrInvalidLimit
	}
	if n <= 0 {
		return false, xerrors.Wrap(xerrors.ErrInvalidInput, "ratelimit: n must be positive")
	}

	b := l.bucket(key, limit)
	now := time.Now()
	b.mu.Lock()
	allowed := b.limiter.AllowN(now, n)
	b.lastSeen = now
	b.mu.Unlock()

	if !allowed {
		l.denied.Inc(ctx, metrics.L(LabelKey, key))
		l.logger.Debug("rate limit exceeded", clog.String("key", key), clog.Float64("rate", limit.Rate), clog.Int("burst", limit.Burst))
	}
	return allowed, nil
}

// bucket 的缓存键包含规则本身，规则变化时使用新桶
func (l *standaloneLimiter) bucket(key string, limit Limit) *bucket {
	cacheKey := fmt.Sprintf("%s:%v:%d", key, limit.Rate, limit.Burst)
	if v, ok := l.buckets.Load(cacheKey); ok {
		return v.(*bucket)
	}
	b := &bucket{limiter: rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst), lastSeen: time.Now()}
	actual, _ := l.buckets.LoadOrStore(cacheKey, b)
	return actual.(*bucket)
}

func (l *standaloneLimiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			removed := 0
			l.buckets.Range(func(key, value any) bool {
				b := value.(*bucket)
				b.mu.Lock()
				idle := now.Sub(b.lastSeen)
				b.mu.Unlock()
				if idle > l.cfg.IdleTimeout {
					l.buckets.Delete(key)
					removed++
				}
				return true
			})
			if removed > 0 {
				l.logger.Debug("cleaned up idle buckets", clog.Int("count", removed))
			}
		case <-l.stopCh:
			return
		}
	}
}

func (l *standaloneLimiter) Close() error {
	l.closeOnce.Do(func() { close(l.stopCh) })
	return nil
}
