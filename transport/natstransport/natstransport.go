// Package natstransport 基于 NATS Core 实现节点间传输，适合节点之间没有直连网络、
// 只共享一个 NATS 集群的部署。
//
// 服务端的地址是一个 subject。一次调用的过程：
//
//	client --open(qualifier, pattern, window, reply inbox)--> address
//	client <--accept(call subject)---------------------------  server
//	client --data.../end/cancel/credit/ping--> call subject
//	client <--data.../end/abort/ping---------- reply inbox
//
// 服务端最多发出 window 个未确认的响应帧，客户端每消费半个窗口回送一次 credit，
// 消费者的背压由此传到服务端处理器。调用进行中双方定期发送 ping，
// 超过 IdleTimeout 未收到对端任何帧时，调用以 SERVICE_UNAVAILABLE 结束。
package natstransport

import (
	"github.com/ceyewan/meshcall/connector"
	"github.com/ceyewan/meshcall/transport"
	"github.com/ceyewan/meshcall/xerrors"
)

// Transport NATS 传输。连接由 connector 管理，传输不会关闭它。
type Transport struct {
	client *Client
	server *Server
}

// New 创建 NATS 传输，cfg 为 nil 时使用默认配置
func New(conn connector.NATSConnector, cfg *Config, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, xerrors.New("natstransport: connector is nil")
	}
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Transport{
		client: &Client{cfg: &c, conn: conn, logger: o.logger},
		server: &Server{cfg: &c, conn: conn, logger: o.logger, calls: make(map[string]*serverCall)},
	}, nil
}

func (t *Transport) Client() transport.ClientTransport {
	return t.client
}

func (t *Transport) Server() transport.ServerTransport {
	return t.server
}

func (t *Transport) Name() string {
	return "nats"
}
