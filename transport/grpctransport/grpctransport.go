// Package grpctransport 基于 gRPC 双向流实现节点间传输。
//
// 每次调用对应一条 /meshcall.Transport/Invoke 流，帧为 msgpack 编码的 *message.Message，
// 限定名与调用模式放在 metadata 中。四种模式共用这一条流：请求方发送 1..N 帧后 CloseSend，
// 服务方返回 0..N 帧后结束流。取消调用即取消 gRPC 流，服务端处理器的 Context 随之结束。
//
//	tr, _ := grpctransport.New(&grpctransport.Config{Workers: 8}, grpctransport.WithLogger(logger))
//	addr, _ := tr.Server().Bind(ctx, "127.0.0.1:0", methodRegistry)
//	ch, _ := tr.Client().Create(ctx, addr)
//	responses := ch.Invoke(ctx, "greeting/hello", service.RequestResponse, stream.Just(ctx, req))
package grpctransport

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/transport"
)

const (
	serviceName  = "meshcall.Transport"
	invokeMethod = "/" + serviceName + "/Invoke"
	// patternKey 调用模式的 metadata 键
	patternKey = "meshcall-pattern"

	// DefaultAddress Bind 地址为空时使用
	DefaultAddress = "127.0.0.1:0"
)

// invokeServer 服务描述的处理器类型
type invokeServer interface {
	serve(ss grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*invokeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Invoke",
			Handler:       invokeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func invokeHandler(srv any, ss grpc.ServerStream) error {
	return srv.(invokeServer).serve(ss)
}

func patternFromMetadata(md metadata.MD) (service.Pattern, bool) {
	values := md.Get(patternKey)
	if len(values) == 0 {
		return 0, false
	}
	p, err := service.ParsePattern(values[0])
	if err != nil {
		return 0, false
	}
	return p, true
}

// Transport gRPC 传输，同时提供客户端与服务端
type Transport struct {
	client *Client
	server *Server
}

// New 创建 gRPC 传输，cfg 为 nil 时使用默认配置
func New(cfg *Config, opts ...Option) (*Transport, error) {
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

	client, err := newClient(&c, o)
	if err != nil {
		return nil, err
	}
	server, err := newServer(&c, o)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Transport{client: client, server: server}, nil
}

func (t *Transport) Client() transport.ClientTransport {
	return t.client
}

func (t *Transport) Server() transport.ServerTransport {
	return t.server
}

func (t *Transport) Name() string {
	return "grpc"
}
