package monitor

import "github.com/ceyewan/meshcall/clog"

// Option 观测器选项
type Option func(*options)

type options struct {
	logger   clog.Logger
	capacity int
}

func defaultOptions() *options {
	return &options{logger: clog.Discard(), capacity: DefaultCapacity}
}

// WithLogger 注入日志，追加 "monitor" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("monitor")
		}
	}
}

// WithCapacity 最近事件容量，默认 128
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}
