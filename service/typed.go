package service

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
)

func typeName[T any]() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}

func decodeRequest[Req any](req *message.Message) (Req, error) {
	if !req.HasData() {
		var zero Req
		return zero, serviceerr.BadRequest("%s: missing request payload", req.Qualifier())
	}
	return message.Decode[Req](req)
}

func encodeResponse(req *message.Message, v any) (*message.Message, error) {
	return message.Encode(req.Qualifier(), v, message.WithContentType(req.ContentType()))
}

// Unary 包装类型化的请求-响应函数，响应沿用请求的 content-type
func Unary[Req, Resp any](name string, fn func(ctx context.Context, req Req) (Resp, error)) Method {
	return Method{
		Name:         name,
		Pattern:      RequestResponse,
		RequestType:  typeName[Req](),
		ResponseType: typeName[Resp](),
		Unary: func(ctx context.Context, msg *message.Message) (*message.Message, error) {
			req, err := decodeRequest[Req](msg)
			if err != nil {
				return nil, err
			}
			resp, err := fn(ctx, req)
			if err != nil {
				return nil, err
			}
			return encodeResponse(msg, resp)
		},
	}
}

// OneWay 包装类型化的单向函数
func OneWay[Req any](name string, fn func(ctx context.Context, req Req) error) Method {
	return Method{
		Name:        name,
		Pattern:     FireAndForget,
		RequestType: typeName[Req](),
		OneWay: func(ctx context.Context, msg *message.Message) error {
			req, err := decodeRequest[Req](msg)
			if err != nil {
				return err
			}
			return fn(ctx, req)
		},
	}
}

// ServerStream 包装类型化的请求-流函数，emit 在消费者取消后返回错误
func ServerStream[Req, Resp any](name string, fn func(ctx context.Context, req Req, emit func(Resp) error) error) Method {
	return Method{
		Name:         name,
		Pattern:      RequestStream,
		RequestType:  typeName[Req](),
		ResponseType: typeName[Resp](),
		Stream: func(ctx context.Context, msg *message.Message, out *stream.Emitter[*message.Message]) error {
			req, err := decodeRequest[Req](msg)
			if err != nil {
				return err
			}
			return fn(ctx, req, func(v Resp) error {
				m, err := encodeResponse(msg, v)
				if err != nil {
					return err
				}
				return out.Emit(m)
			})
		},
	}
}

// Channel 包装类型化的双向流函数。in 中的每条消息按其 content-type 解码。
func Channel[Req, Resp any](name string, fn func(ctx context.Context, in *stream.Stream[Req], emit func(Resp) error) error) Method {
	return Method{
		Name:         name,
		Pattern:      RequestChannel,
		RequestType:  typeName[Req](),
		ResponseType: typeName[Resp](),
		Channel: func(ctx context.Context, in *stream.Stream[*message.Message], out *stream.Emitter[*message.Message]) error {
			var last atomic.Pointer[message.Message]
			typed := stream.Map(ctx, in, func(m *message.Message) (Req, error) {
				last.Store(m)
				return decodeRequest[Req](m)
			})
			defer typed.Cancel()
			return fn(ctx, typed, func(v Resp) error {
				ref := last.Load()
				if ref == nil {
					ref = message.New("", nil)
				}
				m, err := encodeResponse(ref, v)
				if err != nil {
					return err
				}
				return out.Emit(m)
			})
		},
	}
}
