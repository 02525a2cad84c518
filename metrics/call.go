package metrics

import (
	"context"
	"time"

	"github.com/ceyewan/meshcall/xerrors"
)

const (
	MetricCallsTotal          = "meshcall_calls_total"
	MetricCallDurationSeconds = "meshcall_call_duration_seconds"
)

var defaultCallDurationBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// CallMetrics 服务调用 RED 指标。客户端（call 包）与服务端（methods 包）
// 共用同一组指标名，以 side 标签区分。
type CallMetrics struct {
	side     string
	total    Counter
	duration Histogram
}

// NewCallMetrics 创建调用指标，side 取 SideClient 或 SideServer
func NewCallMetrics(m Meter, side string) (*CallMetrics, error) {
	if m == nil {
		return nil, xerrors.New("meter is nil")
	}
	total, err := m.Counter(MetricCallsTotal, "Total number of service calls.")
	if err != nil {
		return nil, xerrors.Wrap(err, "create call counter")
	}
	duration, err := m.Histogram(MetricCallDurationSeconds, "Service call duration in seconds.",
		WithUnit("s"), WithBuckets(defaultCallDurationBuckets))
	if err != nil {
		return nil, xerrors.Wrap(err, "create call duration histogram")
	}
	return &CallMetrics{side: side, total: total, duration: duration}, nil
}

// Observe 记录一次调用。code 为 0 表示成功，其余为服务错误码。
// 流式调用的耗时覆盖到流终止为止。
func (m *CallMetrics) Observe(ctx context.Context, qualifier, pattern, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if code != 0 {
		outcome = OutcomeError
	}
	labels := []Label{
		L(LabelSide, m.side),
		L(LabelQualifier, qualifier),
		L(LabelPattern, pattern),
		L(LabelRoute, route),
		L(LabelCode, CodeLabel(code)),
		L(LabelOutcome, outcome),
	}
	m.total.Inc(ctx, labels...)
	m.duration.Record(ctx, d.Seconds(), labels...)
}
