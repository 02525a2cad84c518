package wsgateway

import (
	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/metrics"
)

// Option WebSocket 网关选项
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
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

// WithMeter 记录升级请求的 HTTP 指标
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}
