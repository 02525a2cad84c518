package membership

import "github.com/ceyewan/meshcall/clog"

// Option 成员事件源选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

func defaultOptions() *options {
	return &options{logger: clog.Discard()}
}

// WithLogger 注入日志，追加 "membership" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("membership")
		}
	}
}
