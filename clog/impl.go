package clog

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// NamespaceKey 日志中命名空间字段名
const NamespaceKey = "namespace"

type loggerImpl struct {
	handler   slog.Handler
	levelVar  *slog.LevelVar
	opts      *options
	namespace string
	attrs     []slog.Attr
}

func newLogger(config *Config, opts *options) (Logger, error) {
	levelVar := new(slog.LevelVar)
	h, err := newHandler(config, opts, levelVar)
	if err != nil {
		return nil, err
	}
	return &loggerImpl{
		handler:   h,
		levelVar:  levelVar,
		opts:      opts,
		namespace: strings.Join(opts.namespaceParts, "."),
	}, nil
}

func (l *loggerImpl) Debug(msg string, fields ...Field) {
	l.log(context.Background(), DebugLevel, msg, fields)
}

func (l *loggerImpl) Info(msg string, fields ...Field) {
	l.log(context.Background(), InfoLevel, msg, fields)
}

func (l *loggerImpl) Warn(msg string, fields ...Field) {
	l.log(context.Background(), WarnLevel, msg, fields)
}

func (l *loggerImpl) Error(msg string, fields ...Field) {
	l.log(context.Background(), ErrorLevel, msg, fields)
}

func (l *loggerImpl) Fatal(msg string, fields ...Field) {
	l.log(context.Background(), FatalLevel, msg, fields)
}

func (l *loggerImpl) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, DebugLevel, msg, fields)
}

func (l *loggerImpl) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, InfoLevel, msg, fields)
}

func (l *loggerImpl) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, WarnLevel, msg, fields)
}

func (l *loggerImpl) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, ErrorLevel, msg, fields)
}

func (l *loggerImpl) FatalContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, FatalLevel, msg, fields)
}

func (l *loggerImpl) With(fields ...Field) Logger {
	child := *l
	child.attrs = append(append([]slog.Attr(nil), l.attrs...), fields...)
	return &child
}

func (l *loggerImpl) WithNamespace(parts ...string) Logger {
	if len(parts) == 0 {
		return l
	}
	child := *l
	suffix := strings.Join(parts, ".")
	if child.namespace == "" {
		child.namespace = suffix
	} else {
		child.namespace = child.namespace + "." + suffix
	}
	return &child
}

func (l *loggerImpl) SetLevel(level Level) error {
	l.levelVar.Set(level.slog())
	return nil
}

// Flush slog 的内置 handler 均为同步写入，无需处理。
func (l *loggerImpl) Flush() {}

func (l *loggerImpl) log(ctx context.Context, level Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.handler.Enabled(ctx, level.slog()) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // runtime.Callers, log, Info/Error...
	record := slog.NewRecord(time.Now(), level.slog(), msg, pcs[0])

	if l.namespace != "" {
		record.AddAttrs(slog.String(NamespaceKey, l.namespace))
	}
	record.AddAttrs(l.attrs...)
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		record.AddAttrs(f)
	}
	l.addContextAttrs(ctx, &record)

	_ = l.handler.Handle(ctx, record)

	if level == FatalLevel {
		os.Exit(1)
	}
}

func (l *loggerImpl) addContextAttrs(ctx context.Context, record *slog.Record) {
	for _, cf := range l.opts.contextFields {
		if v := ctx.Value(cf.Key); v != nil {
			record.AddAttrs(slog.Any(cf.FieldName, v))
		}
	}
	if !l.opts.traceContext {
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
}
