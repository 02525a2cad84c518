package connector

import (
	"fmt"
	"time"
)

// EtcdConfig etcd 连接配置
type EtcdConfig struct {
	Name      string   `mapstructure:"name" yaml:"name"`           // 连接器名称 (默认: "default")
	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints"` // [必填] 连接地址列表
	Username  string   `mapstructure:"username" yaml:"username"`
	Password  string   `mapstructure:"password" yaml:"password"`

	DialTimeout      time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`             // 默认 5s
	KeepAliveTime    time.Duration `mapstructure:"keep_alive_time" yaml:"keep_alive_time"`       // 默认 10s
	KeepAliveTimeout time.Duration `mapstructure:"keep_alive_timeout" yaml:"keep_alive_timeout"` // 默认 3s
}

func (c *EtcdConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.KeepAliveTime == 0 {
		c.KeepAliveTime = 10 * time.Second
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = 3 * time.Second
	}
}

func (c *EtcdConfig) validate() error {
	c.setDefaults()
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("%w: etcd endpoints are empty", ErrConfig)
	}
	return nil
}

// NATSConfig NATS 连接配置
type NATSConfig struct {
	Name     string `mapstructure:"name" yaml:"name"` // 连接器名称 (默认: "default")
	URL      string `mapstructure:"url" yaml:"url"`   // [必填] 如 "nats://127.0.0.1:4222"
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Token    string `mapstructure:"token" yaml:"token"`

	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`               // 默认 5s
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"` // 默认 60
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"` // 默认 2s
	PingInterval  time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`   // 默认 2m
	MaxPingsOut   int           `mapstructure:"max_pings_out" yaml:"max_pings_out"`   // 默认 2
}

func (c *NATSConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 2 * time.Minute
	}
	if c.MaxPingsOut == 0 {
		c.MaxPingsOut = 2
	}
}

func (c *NATSConfig) validate() error {
	c.setDefaults()
	if c.URL == "" {
		return fmt.Errorf("%w: nats url is empty", ErrConfig)
	}
	return nil
}
