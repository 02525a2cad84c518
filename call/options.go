package call

import (
	"time"

	"github.com/ceyewan/meshcall/breaker"
	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/codec"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/router"
	"github.com/ceyewan/meshcall/serviceerr"
)

// Option 调用方选项，New 与 With 共用
type Option func(*options)

type options struct {
	logger      clog.Logger
	meter       metrics.Meter
	router      router.Router
	filter      router.TagFilter
	mapper      serviceerr.ConsumerMapper
	contentType string
	breaker     breaker.Breaker
	timeout     time.Duration
}

func defaultOptions() *options {
	return &options{
		logger:      clog.Discard(),
		meter:       metrics.Discard(),
		router:      router.Default(),
		mapper:      serviceerr.Default,
		contentType: codec.JSON,
	}
}

// WithLogger 注入日志，追加 "call" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("call")
		}
	}
}

// WithMeter 注入指标，记录客户端调用 RED。只在 New 中生效。
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithRouter 路由策略，默认轮询
func WithRouter(r router.Router) Option {
	return func(o *options) {
		if r != nil {
			o.router = r
		}
	}
}

// WithTagFilter 只在标签满足 filter 的端点中选择，nil 取消过滤
func WithTagFilter(filter router.TagFilter) Option {
	return func(o *options) {
		o.filter = filter
	}
}

// WithErrorMapper 把错误消息还原为错误
func WithErrorMapper(m serviceerr.ConsumerMapper) Option {
	return func(o *options) {
		if m != nil {
			o.mapper = m
		}
	}
}

// WithContentType 未设置 content-type 的请求使用该编码，类型化调用也按它编码
func WithContentType(ct string) Option {
	return func(o *options) {
		if ct != "" {
			o.contentType = ct
		}
	}
}

// WithBreaker 按远端地址熔断，打开时调用立即以 SERVICE_UNAVAILABLE 失败
func WithBreaker(b breaker.Breaker) Option {
	return func(o *options) {
		o.breaker = b
	}
}

// WithTimeout 为没有截止时间的单响应调用设置超时，0 表示不限制
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}
