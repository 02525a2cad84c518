package clog

import "context"

// Logger 结构化日志接口
//
// 每个级别都有带 Context 的版本，会从 Context 中提取配置的字段
// 以及 OpenTelemetry 的 trace_id / span_id。
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	DebugContext(ctx context.Context, msg string, fields ...Field)
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)
	FatalContext(ctx context.Context, msg string, fields ...Field)

	// With 创建带预设字段的子 Logger
	With(fields ...Field) Logger

	// WithNamespace 追加命名空间，如 "meshcall" + "call" => "meshcall.call"
	WithNamespace(parts ...string) Logger

	// SetLevel 运行时调整级别，对共享同一 handler 的所有子 Logger 生效
	SetLevel(level Level) error

	Flush()
}
