package breaker

import (
	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/metrics"
)

// Option 熔断器选项
type Option func(*options)

// Classifier 判断 Execute 返回的错误是否计为失败
type Classifier func(err error) bool

type options struct {
	logger     clog.Logger
	meter      metrics.Meter
	classifier Classifier
}

func defaultOptions() *options {
	return &options{
		logger:     clog.Discard(),
		meter:      metrics.Discard(),
		classifier: func(err error) bool { return err != nil },
	}
}

// WithLogger 注入日志，追加 "breaker" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("breaker")
		}
	}
}

// WithMeter 注入指标
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithClassifier 自定义失败判定，例如只统计连接类错误
func WithClassifier(c Classifier) Option {
	return func(o *options) {
		if c != nil {
			o.classifier = c
		}
	}
}
