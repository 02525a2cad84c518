package wsgateway

import (
	"time"

	"github.com/ceyewan/meshcall/gateway"
	"github.com/ceyewan/meshcall/xerrors"
)

// Config WebSocket 网关配置
type Config struct {
	// Name 网关名称，默认 "ws"
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	// Address 监听地址，默认 ":8081"
	Address string `json:"address" yaml:"address" mapstructure:"address"`
	// Path 升级路径，默认 "/ws"
	Path string `json:"path" yaml:"path" mapstructure:"path"`
	// AllowedOrigins 允许的 Origin，"*" 表示全部；为空时只允许同源或不带 Origin 的请求
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// MaxMessageSize 单帧上限，默认 4MB
	MaxMessageSize int64 `json:"max_message_size" yaml:"max_message_size" mapstructure:"max_message_size"`
	// PingInterval 默认 30s
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval" mapstructure:"ping_interval"`
	// PongWait 超过该时间没有收到任何帧即断开，默认 2 倍 PingInterval
	PongWait time.Duration `json:"pong_wait" yaml:"pong_wait" mapstructure:"pong_wait"`
	// WriteTimeout 单帧写超时，默认 10s
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	// Buffer request_channel 请求流的缓冲，默认 16。缓冲区满时该调用以 400 结束，读循环不会阻塞
	Buffer int `json:"buffer" yaml:"buffer" mapstructure:"buffer"`
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "ws"
	}
	if c.Address == "" {
		c.Address = ":8081"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4 << 20
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 16
	}
}

func (c *Config) validate() error {
	if c.PongWait <= c.PingInterval {
		return xerrors.Wrapf(gateway.ErrConfig, "pong_wait %s must exceed ping_interval %s", c.PongWait, c.PingInterval)
	}
	if c.Path[0] != '/' {
		return xerrors.Wrapf(gateway.ErrConfig, "path %q must start with /", c.Path)
	}
	return nil
}
