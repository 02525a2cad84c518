// Package metrics 为 meshcall 提供基于 OpenTelemetry 的指标能力，并通过 Prometheus 暴露。
//
// 除了通用的 Counter / Gauge / Histogram，还提供两组 RED 指标集：
//   - CallMetrics：按 qualifier / pattern / route 统计服务调用（客户端与服务端各一份）
//   - HTTPServerMetrics：网关的 HTTP 请求统计，配合 GinHTTPMiddleware 使用
//
// 未启用时 New 返回 noop 实现，组件无需判空。
package metrics

import "context"

// Counter 只增不减的累计值
type Counter interface {
	Inc(ctx context.Context, labels ...Label)
	Add(ctx context.Context, val float64, labels ...Label)
}

// Gauge 可任意增减的瞬时值，例如注册表中的端点数
type Gauge interface {
	Set(ctx context.Context, val float64, labels ...Label)
	Inc(ctx context.Context, labels ...Label)
	Dec(ctx context.Context, labels ...Label)
}

// Histogram 值分布，例如调用耗时
type Histogram interface {
	Record(ctx context.Context, val float64, labels ...Label)
}

// Meter 指标工厂，创建的指标可并发使用
type Meter interface {
	Counter(name string, desc string, opts ...MetricOption) (Counter, error)
	Gauge(name string, desc string, opts ...MetricOption) (Gauge, error)
	Histogram(name string, desc string, opts ...MetricOption) (Histogram, error)
	// Shutdown 刷新并关闭底层 MeterProvider
	Shutdown(ctx context.Context) error
}

// MetricOption 创建指标时的可选配置
type MetricOption func(*MetricOptions)

type MetricOptions struct {
	Unit    string
	Buckets []float64
}

// WithUnit 设置单位，如 "s"、"By"
func WithUnit(unit string) MetricOption {
	return func(o *MetricOptions) {
		o.Unit = unit
	}
}

// WithBuckets 设置直方图桶边界
func WithBuckets(buckets []float64) MetricOption {
	return func(o *MetricOptions) {
		o.Buckets = append([]float64(nil), buckets...)
	}
}

// Label 指标标签，避免使用 call id 之类的高基数值
type Label struct {
	Key   string
	Value string
}

// L 创建标签
func L(key, value string) Label {
	return Label{Key: key, Value: value}
}
