package microservices

import (
	"net"
	"strconv"
	"time"
)

// TransportConfig 服务端传输的绑定配置
type TransportConfig struct {
	// Address 完整的 Bind 地址：gRPC 为 host:port，NATS 为 subject。
	// 为空时若设置了 Host 或 Port 则使用 Host:Port，否则由传输层选择
	Address string `json:"address" yaml:"address" mapstructure:"address"`
	Host    string `json:"host" yaml:"host" mapstructure:"host"`
	Port    int    `json:"port" yaml:"port" mapstructure:"port"`
	// Advertise 发布到集群的地址，为空时使用实际绑定的地址
	Advertise string `json:"advertise" yaml:"advertise" mapstructure:"advertise"`
}

// bindAddress 传给 ServerTransport.Bind 的地址
func (c TransportConfig) bindAddress() string {
	if c.Address != "" {
		return c.Address
	}
	if c.Host == "" && c.Port == 0 {
		return ""
	}
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// defaultShutdownTimeout 启动失败时清理已启动阶段的时限
const defaultShutdownTimeout = 10 * time.Second
