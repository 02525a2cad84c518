// Package breaker 为远程调用提供按目标地址隔离的熔断器。
//
// 熔断器只在调用发出前做快速失败判断，不做重试：打开状态下 Allow 直接返回
// ErrOpenState，由调用方转换为 Service-Unavailable。流式调用使用两段式接口，
// 在流终止时再上报结果。
//
//	brk, _ := breaker.New(&breaker.Config{FailureRatio: 0.6, MinimumRequests: 10})
//	done, err := brk.Allow(address)
//	if err != nil {
//		return err
//	}
//	defer func() { done(transportErr == nil) }()
package breaker

import (
	"context"
	"time"
)

// Breaker 熔断器
type Breaker interface {
	// Execute 执行受保护的函数，fn 返回的错误经分类后计入失败
	Execute(ctx context.Context, key string, fn func() error) error

	// Allow 两段式接口：放行时返回 done，调用结束后必须且只能调用一次
	Allow(key string) (done func(success bool), err error)

	// State 返回指定键的熔断器状态，未创建的键视为 closed
	State(key string) State
}

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// MaxRequests 半开状态允许通过的探测请求数，默认 1
	MaxRequests uint32 `json:"max_requests" yaml:"max_requests" mapstructure:"max_requests"`
	// Interval 闭合状态的统计周期，0 表示不清空
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	// Timeout 打开状态持续时间，默认 30s
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	// FailureRatio 失败率阈值，默认 0.6
	FailureRatio float64 `json:"failure_ratio" yaml:"failure_ratio" mapstructure:"failure_ratio"`
	// MinimumRequests 触发熔断的最小请求数，默认 10
	MinimumRequests uint32 `json:"minimum_requests" yaml:"minimum_requests" mapstructure:"minimum_requests"`
}

func (c *Config) setDefaults() {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0.6
	}
	if c.MinimumRequests == 0 {
		c.MinimumRequests = 10
	}
}

// New 创建熔断器
func New(cfg *Config, opts ...Option) (Breaker, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	c := *cfg
	c.setDefaults()

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newBreaker(&c, o)
}
