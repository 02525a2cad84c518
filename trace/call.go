package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ceyewan/meshcall"

const (
	AttrQualifier = "meshcall.qualifier"
	AttrPattern   = "meshcall.pattern"
	AttrRoute     = "meshcall.route"
	AttrEndpoint  = "meshcall.endpoint_id"
	AttrErrorCode = "meshcall.error_code"
)

// Inject 将 ctx 中的 Span 上下文写入 message 头部
func Inject(ctx context.Context, headers map[string]string) {
	if headers == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// Extract 从 message 头部恢复上游 Span 上下文
func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// StartCallSpan 调用方 Span，名称为 qualifier
func StartCallSpan(ctx context.Context, qualifier, pattern string) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, qualifier,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String(AttrQualifier, qualifier),
			attribute.String(AttrPattern, pattern),
		),
	)
}

// StartHandleSpan 服务方 Span，父上下文取自请求头部
func StartHandleSpan(ctx context.Context, headers map[string]string, qualifier, pattern string) (context.Context, oteltrace.Span) {
	ctx = Extract(ctx, headers)
	return otel.Tracer(tracerName).Start(ctx, qualifier,
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String(AttrQualifier, qualifier),
			attribute.String(AttrPattern, pattern),
		),
	)
}

// EndSpan 结束 Span，code 非 0 时标记为错误
func EndSpan(span oteltrace.Span, code int, err error) {
	if code != 0 || err != nil {
		span.SetAttributes(attribute.Int(AttrErrorCode, code))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Error, "service error")
		}
	}
	span.End()
}

// Route 调用路由属性：local、remote 或 none
func Route(route string) attribute.KeyValue {
	return attribute.String(AttrRoute, route)
}

// Endpoint 目标端点属性
func Endpoint(id string) attribute.KeyValue {
	return attribute.String(AttrEndpoint, id)
}
