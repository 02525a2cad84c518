package grpctransport

import (
	"time"

	"github.com/ceyewan/meshcall/xerrors"
)

// Config gRPC 传输配置
type Config struct {
	// Workers 服务端处理流的 goroutine 数（grpc.NumStreamWorkers），0 表示每个流一个 goroutine
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`
	// Buffer 每个调用的请求/响应流缓冲，默认 16
	Buffer int `json:"buffer" yaml:"buffer" mapstructure:"buffer"`
	// MaxMsgSize 单帧最大字节数，默认 4MB
	MaxMsgSize int `json:"max_msg_size" yaml:"max_msg_size" mapstructure:"max_msg_size"`
	// DialTimeout 建立连接的超时，默认 5s
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout" mapstructure:"dial_timeout"`
	// IdleTimeout 客户端连接空闲多久后关闭，默认 5m
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
	// MaxConns 客户端缓存的最大连接数，默认 1024
	MaxConns int `json:"max_conns" yaml:"max_conns" mapstructure:"max_conns"`
	// SendTimeout 单向调用等待服务端确认的最长时间，默认 10s
	SendTimeout time.Duration `json:"send_timeout" yaml:"send_timeout" mapstructure:"send_timeout"`
}

func (c *Config) setDefaults() {
	if c.Buffer <= 0 {
		c.Buffer = 16
	}
	if c.MaxMsgSize <= 0 {
		c.MaxMsgSize = 4 << 20
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 1024
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Workers < 0 {
		return xerrors.Wrapf(ErrConfig, "workers must not be negative: %d", c.Workers)
	}
	return nil
}
