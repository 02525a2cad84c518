package natstransport

import "github.com/ceyewan/meshcall/clog"

// Option NATS 传输选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

func defaultOptions() *options {
	return &options{logger: clog.Discard()}
}

// WithLogger 注入日志，追加 "transport" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("transport")
		}
	}
}
