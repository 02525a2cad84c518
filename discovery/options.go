package discovery

import (
	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/metrics"
)

// Option 服务发现选项
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	codec  MetadataCodec
	buffer int
}

func defaultOptions() *options {
	return &options{logger: clog.Discard(), meter: metrics.Discard(), codec: JSONMetadata{}, buffer: 256}
}

// WithLogger 注入日志，追加 "discovery" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("discovery")
		}
	}
}

// WithMetadataCodec 替换元数据编码，集群内所有节点必须一致
func WithMetadataCodec(c MetadataCodec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithBuffer Start 返回的事件通道容量，默认 256
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithMeter 注入指标：discovery_events_dropped_total
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}
