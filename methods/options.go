package methods

import (
	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/ratelimit"
	"github.com/ceyewan/meshcall/serviceerr"
)

// Option 方法注册表选项
type Option func(*options)

type options struct {
	logger  clog.Logger
	meter   metrics.Meter
	mapper  serviceerr.ProviderMapper
	limiter ratelimit.Limiter
	limit   ratelimit.Limit
	limits  map[string]ratelimit.Limit
}

func defaultOptions() *options {
	return &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
		mapper: serviceerr.Default,
	}
}

// WithLogger 注入日志，追加 "methods" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("methods")
		}
	}
}

// WithMeter 注入指标，记录服务端调用 RED
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithErrorMapper 默认错误映射器，服务未指定映射器时使用
func WithErrorMapper(m serviceerr.ProviderMapper) Option {
	return func(o *options) {
		if m != nil {
			o.mapper = m
		}
	}
}

// WithRateLimit 对每个 qualifier 的入站调用限流，超限返回 SERVICE_UNAVAILABLE
func WithRateLimit(limiter ratelimit.Limiter, limit ratelimit.Limit) Option {
	return func(o *options) {
		o.limiter = limiter
		o.limit = limit
	}
}

// WithQualifierLimit 为单个 qualifier 覆盖限流规则，需同时设置 WithRateLimit
func WithQualifierLimit(qualifier string, limit ratelimit.Limit) Option {
	return func(o *options) {
		if o.limits == nil {
			o.limits = make(map[string]ratelimit.Limit)
		}
		o.limits[qualifier] = limit
	}
}
