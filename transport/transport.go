// Package transport 定义节点间传输的契约。
//
// 客户端通过 ClientTransport.Create 获得到某个地址的 ClientChannel，
// 每次调用把请求流交给 Invoke 并得到响应流；服务端 ServerTransport 把收到的调用交给 Invoker。
// 连接或超时失败以 SERVICE_UNAVAILABLE 的 *serviceerr.Error 终止响应流，
// 失败只影响当前调用。实现位于 grpctransport 与 natstransport。
package transport

import (
	"context"

	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
	"github.com/ceyewan/meshcall/xerrors"
)

// Invoker 服务端分发入口，由方法注册表实现
type Invoker interface {
	Invoke(ctx context.Context, qualifier string, requests *stream.Stream[*message.Message]) *stream.Stream[*message.Message]
	Pattern(qualifier string) (service.Pattern, bool)
}

// ClientChannel 到单个远端地址的调用通道，可并发使用
type ClientChannel interface {
	// Invoke 发起调用。requests 由通道负责取消；
	// 单向调用在请求成功发出后以空流完成。
	Invoke(ctx context.Context, qualifier string, pattern service.Pattern, requests *stream.Stream[*message.Message]) *stream.Stream[*message.Message]
}

// ClientTransport 客户端传输
type ClientTransport interface {
	// Create 返回到 address 的通道，实现可以缓存并复用连接
	Create(ctx context.Context, address string) (ClientChannel, error)
	Close() error
}

// ServerTransport 服务端传输
type ServerTransport interface {
	// Bind 开始在 address 上接收调用，返回实际绑定的地址（端口为 0 时由系统分配）
	Bind(ctx context.Context, address string, invoker Invoker) (string, error)
	Stop(ctx context.Context) error
}

// Transport 同时提供两端的传输实现
type Transport interface {
	Client() ClientTransport
	Server() ServerTransport
	// Name 用于日志和监控，如 "grpc"
	Name() string
}

var (
	ErrClosed       = xerrors.New("transport: closed")
	ErrNotBound     = xerrors.New("transport: server not bound")
	ErrAlreadyBound = xerrors.New("transport: server already bound")
)

// Unavailable 把传输层错误包装为 SERVICE_UNAVAILABLE
func Unavailable(address string, err error) error {
	if err == nil {
		return nil
	}
	if serviceerr.CodeOf(err) != 0 {
		return err
	}
	return serviceerr.ServiceUnavailable("%s: %v", address, err)
}

