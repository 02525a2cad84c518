package connector

import (
	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/metrics"
)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
}

// Option 配置连接器
type Option func(*options)

func defaultOptions() *options {
	return &options{logger: clog.Discard(), meter: metrics.Discard()}
}

// WithLogger 注入日志，追加 "connector" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("connector")
		}
	}
}

// WithMeter 注入指标
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}
