// Package service 定义端点、方法描述与服务处理器。
//
// 服务实现 Service 接口，Methods 返回的每个 Method 按 Pattern 只设置对应的处理器。
// Unary、OneWay、ServerStream、Channel 四个泛型辅助函数把类型化函数包装成 Method。
package service

import (
	"context"
	"fmt"
	"maps"

	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
)

type (
	// UnaryHandler 请求-响应
	UnaryHandler func(ctx context.Context, req *message.Message) (*message.Message, error)
	// OneWayHandler 单向发送
	OneWayHandler func(ctx context.Context, req *message.Message) error
	// StreamHandler 请求-流，处理器返回时流结束
	StreamHandler func(ctx context.Context, req *message.Message, out *stream.Emitter[*message.Message]) error
	// ChannelHandler 双向流
	ChannelHandler func(ctx context.Context, in *stream.Stream[*message.Message], out *stream.Emitter[*message.Message]) error
)

// Method 一个可调用方法
type Method struct {
	Name         string
	Pattern      Pattern
	RequestType  string
	ResponseType string
	Tags         map[string]string

	Unary   UnaryHandler
	OneWay  OneWayHandler
	Stream  StreamHandler
	Channel ChannelHandler
}

// Validate 处理器必须与 Pattern 一致
func (m Method) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: empty method name", ErrInvalidQualifier)
	}
	var ok bool
	switch m.Pattern {
	case RequestResponse:
		ok = m.Unary != nil
	case FireAndForget:
		ok = m.OneWay != nil
	case RequestStream:
		ok = m.Stream != nil
	case RequestChannel:
		ok = m.Channel != nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidPattern, m.Name)
	}
	if !ok {
		return fmt.Errorf("%w: %s (%s)", ErrHandlerMismatch, m.Name, m.Pattern)
	}
	return nil
}

// Service 服务实例
type Service interface {
	Name() string
	Methods() []Method
}

type simpleService struct {
	name    string
	methods []Method
}

func (s *simpleService) Name() string     { return s.name }
func (s *simpleService) Methods() []Method { return s.methods }

// New 用一组方法组装服务
func New(name string, methods ...Method) Service {
	return &simpleService{name: name, methods: methods}
}

// Info 注册服务时的配置
type Info struct {
	Service Service
	// Tags 覆盖到该服务的每个方法描述上，方法自身的标签优先
	Tags map[string]string
	// ErrorMapper 为空时使用方法注册表的默认映射器
	ErrorMapper serviceerr.ProviderMapper
}

// Descriptor 方法在该服务下的描述
func (i Info) Descriptor(m Method) MethodDescriptor {
	var tags map[string]string
	if len(i.Tags) > 0 || len(m.Tags) > 0 {
		tags = make(map[string]string, len(i.Tags)+len(m.Tags))
		maps.Copy(tags, i.Tags)
		maps.Copy(tags, m.Tags)
	}
	return MethodDescriptor{
		Qualifier:    Qualifier(i.Service.Name(), m.Name),
		Pattern:      m.Pattern,
		RequestType:  m.RequestType,
		ResponseType: m.ResponseType,
		Tags:         tags,
	}
}

// Descriptors 服务全部方法的描述，按声明顺序
func (i Info) Descriptors() []MethodDescriptor {
	methods := i.Service.Methods()
	out := make([]MethodDescriptor, 0, len(methods))
	for _, m := range methods {
		out = append(out, i.Descriptor(m))
	}
	return out
}
