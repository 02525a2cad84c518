package main

import (
	"fmt"
	"time"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/connector"
	"github.com/ceyewan/meshcall/gateway/httpgateway"
	"github.com/ceyewan/meshcall/gateway/wsgateway"
	"github.com/ceyewan/meshcall/membership"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/microservices"
	"github.com/ceyewan/meshcall/ratelimit"
	"github.com/ceyewan/meshcall/trace"
	"github.com/ceyewan/meshcall/transport/grpctransport"
	"github.com/ceyewan/meshcall/transport/natstransport"
)

// NodeConfig meshnode 的完整配置，对应 configs/config.yaml
type NodeConfig struct {
	Node       NodeSection          `mapstructure:"node"`
	Transport  TransportSection     `mapstructure:"transport"`
	Membership MembershipSection    `mapstructure:"membership"`
	NATS       connector.NATSConfig `mapstructure:"nats"`
	Gateways   GatewaysSection      `mapstructure:"gateways"`
	Log        clog.Config          `mapstructure:"log"`
	Metrics    metrics.Config       `mapstructure:"metrics"`
	Trace      TraceSection         `mapstructure:"trace"`
}

type NodeSection struct {
	// ID 为空时自动生成
	ID              string            `mapstructure:"id"`
	Tags            map[string]string `mapstructure:"tags"`
	ShutdownTimeout time.Duration     `mapstructure:"shutdown_timeout"`
	// CallTimeout 单响应调用的默认超时
	CallTimeout     time.Duration     `mapstructure:"call_timeout"`
	// RateLimit 每个 qualifier 的入站限流，零值关闭
	RateLimit       ratelimit.Limit   `mapstructure:"rate_limit"`
}

type TransportSection struct {
	// Kind grpc|nats
	Kind string                        `mapstructure:"kind"`
	Bind microservices.TransportConfig `mapstructure:"bind"`
	GRPC grpctransport.Config          `mapstructure:"grpc"`
	NATS natstransport.Config          `mapstructure:"nats"`
}

type MembershipSection struct {
	// Kind etcd|none
	Kind    string                `mapstructure:"kind"`
	Etcd    connector.EtcdConfig  `mapstructure:"etcd"`
	Options membership.EtcdConfig `mapstructure:"options"`
}

type GatewaysSection struct {
	HTTP *httpgateway.Config `mapstructure:"http"`
	WS   *wsgateway.Config   `mapstructure:"ws"`
}

type TraceSection struct {
	Enabled bool `mapstructure:"enabled"`

	trace.Config `mapstructure:",squash"`
}

func (c *NodeConfig) setDefaults() {
	if c.Node.ShutdownTimeout <= 0 {
		c.Node.ShutdownTimeout = 15 * time.Second
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "grpc"
	}
	if c.Membership.Kind == "" {
		c.Membership.Kind = "none"
	}
	if c.Trace.ServiceName == "" {
		c.Trace.ServiceName = "meshnode"
	}
}

func (c *NodeConfig) validate() error {
	switch c.Transport.Kind {
	case "grpc", "nats":
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	switch c.Membership.Kind {
	case "etcd", "none":
	default:
		return fmt.Errorf("unknown membership kind %q", c.Membership.Kind)
	}
	return nil
}
