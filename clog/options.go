package clog

import "io"

// ContextField 从 Context 中提取字段的规则
type ContextField struct {
	Key       any
	FieldName string
}

// Option 函数式选项
type Option func(*options)

type options struct {
	namespaceParts []string
	contextFields  []ContextField
	traceContext   bool
	writer         io.Writer // 测试用
}

// WithNamespace 设置命名空间，多级以 "." 连接
func WithNamespace(parts ...string) Option {
	return func(o *options) {
		o.namespaceParts = append(o.namespaceParts, parts...)
	}
}

// WithContextField 从 Context 中按 key 提取字段写入日志
func WithContextField(key any, fieldName string) Option {
	return func(o *options) {
		o.contextFields = append(o.contextFields, ContextField{Key: key, FieldName: fieldName})
	}
}

// WithTraceContext 自动提取 OpenTelemetry 的 trace_id 和 span_id
func WithTraceContext() Option {
	return func(o *options) {
		o.traceContext = true
	}
}

// withWriter 将输出重定向到 w，仅测试使用
func withWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
