package httpgateway

import (
	"strings"
	"time"

	"github.com/ceyewan/meshcall/gateway"
	"github.com/ceyewan/meshcall/ratelimit"
	"github.com/ceyewan/meshcall/xerrors"
)

// Config HTTP 网关配置
type Config struct {
	// Name 网关名称，默认 "http"
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	// Address 监听地址，默认 ":8080"，":0" 表示随机端口
	Address string `json:"address" yaml:"address" mapstructure:"address"`
	// BasePath 调用路由前缀，默认 "/call"，完整路由为 POST <BasePath>/<service>/<method>
	BasePath string `json:"base_path" yaml:"base_path" mapstructure:"base_path"`
	// MaxBodySize 请求体上限，默认 4MB
	MaxBodySize int64 `json:"max_body_size" yaml:"max_body_size" mapstructure:"max_body_size"`
	// ReadHeaderTimeout 默认 10s
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" mapstructure:"read_header_timeout"`
	// Metrics 是否暴露 GET /metrics
	Metrics bool `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
	// RateLimit 按客户端 IP 限流，零值关闭
	RateLimit ratelimit.Limit `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`
	// Mode gin 运行模式（debug/release/test），为空时不修改
	Mode string `json:"mode" yaml:"mode" mapstructure:"mode"`
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "http"
	}
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.BasePath == "" {
		c.BasePath = "/call"
	}
	c.BasePath = "/" + strings.Trim(c.BasePath, "/")
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = 4 << 20
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
}

func (c *Config) validate() error {
	if c.BasePath == "/" {
		return xerrors.Wrap(gateway.ErrConfig, "base_path must not be the root")
	}
	if strings.HasPrefix(c.BasePath, adminPrefix) {
		return xerrors.Wrapf(gateway.ErrConfig, "base_path %s overlaps admin routes", c.BasePath)
	}
	return nil
}
