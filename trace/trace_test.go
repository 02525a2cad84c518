package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{name: "默认配置", cfg: DefaultConfig("node")},
		{name: "nil", cfg: nil, wantErr: true},
		{name: "缺少服务名", cfg: &Config{Endpoint: "localhost:4317"}, wantErr: true},
		{name: "采样率越界", cfg: &Config{ServiceName: "a", Endpoint: "b", Sampler: 1.5}, wantErr: true},
		{name: "未知 batcher", cfg: &Config{ServiceName: "a", Endpoint: "b", Batcher: "async"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestCallSpanPropagation 调用方注入的上下文应成为服务方 Span 的父级
func TestCallSpanPropagation(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	ctx, clientSpan := StartCallSpan(context.Background(), "greeting/hello", "request_response")
	headers := map[string]string{}
	Inject(ctx, headers)
	require.NotEmpty(t, headers["traceparent"])

	_, serverSpan := StartHandleSpan(context.Background(), headers, "greeting/hello", "request_response")
	EndSpan(serverSpan, 401, errors.New("unauthorized"))
	EndSpan(clientSpan, 0, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	server, client := spans[0], spans[1]
	assert.Equal(t, client.SpanContext().TraceID(), server.SpanContext().TraceID())
	assert.Equal(t, client.SpanContext().SpanID(), server.Parent().SpanID())
	assert.Equal(t, codes.Error, server.Status().Code)
	assert.Equal(t, codes.Unset, client.Status().Code)
}

func TestInjectNilHeaders(t *testing.T) {
	Inject(context.Background(), nil)
	ctx := Extract(context.Background(), nil)
	assert.NotNil(t, ctx)
}
