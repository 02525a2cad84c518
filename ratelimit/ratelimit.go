// Package ratelimit 提供基于令牌桶的单机限流。
//
// meshcall 在两处使用它：methods 包对入站调用按 qualifier 限流，
// httpgateway 对外部请求按客户端 IP 限流（GinMiddleware）。
//
//	limiter, _ := ratelimit.New(&ratelimit.Config{}, ratelimit.WithLogger(logger))
//	ok, _ := limiter.Allow(ctx, "greeting/hello", ratelimit.Limit{Rate: 100, Burst: 200})
package ratelimit

import (
	"context"
	"time"
)

// Limit 令牌桶规则
type Limit struct {
	Rate  float64 `json:"rate" yaml:"rate" mapstructure:"rate"`    // 每秒生成令牌数
	Burst int     `json:"burst" yaml:"burst" mapstructure:"burst"` // 桶容量
}

// Valid 规则是否有效
func (l Limit) Valid() bool {
	return l.Rate > 0 && l.Burst > 0
}

// Limiter 限流器
type Limiter interface {
	// Allow 非阻塞地获取 1 个令牌
	Allow(ctx context.Context, key string, limit Limit) (bool, error)
	// AllowN 非阻塞地获取 n 个令牌
	AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error)
	// Close 停止后台清理
	Close() error
}

// Config 单机限流配置
type Config struct {
	// CleanupInterval 清理空闲桶的间隔，默认 1 分钟
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	// IdleTimeout 桶空闲多久后回收，默认 5 分钟
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

func (c *Config) setDefaults() {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
}

// New 创建单机限流器，cfg 为 nil 时使用默认值
func New(cfg *Config, opts ...Option) (Limiter, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newStandalone(&c, o)
}
