package natstransport

import (
	"time"

	"github.com/ceyewan/meshcall/xerrors"
)

// Config NATS 传输配置
type Config struct {
	// Prefix Bind 地址为空时生成的 subject 前缀，默认 "meshcall"
	Prefix string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`
	// Buffer 每个调用的请求/响应流缓冲，默认 16
	Buffer int `json:"buffer" yaml:"buffer" mapstructure:"buffer"`
	// Window 服务端在未收到客户端确认前最多发出的响应帧数，默认 64
	Window int `json:"window" yaml:"window" mapstructure:"window"`
	// OpenTimeout 等待服务端接受调用的时间，默认 5s
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout" mapstructure:"open_timeout"`
	// Heartbeat 调用进行中双方互发心跳的间隔，默认 5s
	Heartbeat time.Duration `json:"heartbeat" yaml:"heartbeat" mapstructure:"heartbeat"`
	// IdleTimeout 超过该时间未收到对端任何帧即视为断开，默认 3 倍心跳
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "meshcall"
	}
	if c.Buffer <= 0 {
		c.Buffer = 16
	}
	if c.Window <= 1 {
		c.Window = 64
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 5 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 3 * c.Heartbeat
	}
}

func (c *Config) validate() error {
	if c.IdleTimeout <= c.Heartbeat {
		return xerrors.Wrapf(ErrConfig, "idle timeout %s must exceed heartbeat %s", c.IdleTimeout, c.Heartbeat)
	}
	return nil
}
