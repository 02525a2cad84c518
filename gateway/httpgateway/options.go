package httpgateway

import (
	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/ratelimit"
)

// Option HTTP 网关选项
type Option func(*options)

type options struct {
	logger  clog.Logger
	meter   metrics.Meter
	limiter ratelimit.Limiter
}

func defaultOptions() *options {
	return &options{logger: clog.Discard(), meter: metrics.Discard()}
}

// WithLogger 注入日志，追加 "gateway" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("gateway")
		}
	}
}

// WithMeter 记录 HTTP RED 指标
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithLimiter 配合 Config.RateLimit 使用的限流器，为空时网关自建单机限流器
func WithLimiter(l ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}
