package call

import (
	"context"

	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/stream"
)

func (c *Call) encode(qualifier string, req any) (*message.Message, error) {
	return message.Encode(qualifier, req, message.WithContentType(c.opts.contentType))
}

// One 类型化的请求响应调用，请求与响应按调用方的 content-type 编解码
func One[Resp any](ctx context.Context, c *Call, qualifier string, req any) (Resp, error) {
	var zero Resp
	msg, err := c.encode(qualifier, req)
	if err != nil {
		return zero, err
	}
	resp, err := c.RequestOne(ctx, msg)
	if err != nil {
		return zero, err
	}
	return message.Decode[Resp](resp)
}

// Send 类型化的单向调用
func Send(ctx context.Context, c *Call, qualifier string, req any) error {
	msg, err := c.encode(qualifier, req)
	if err != nil {
		return err
	}
	return c.FireAndForget(ctx, msg)
}

// Many 类型化的请求流调用，解码失败时流以该错误终止
func Many[Resp any](ctx context.Context, c *Call, qualifier string, req any) (*stream.Stream[Resp], error) {
	msg, err := c.encode(qualifier, req)
	if err != nil {
		return nil, err
	}
	s, err := c.RequestMany(ctx, msg)
	if err != nil {
		return nil, err
	}
	return stream.Map(ctx, s, message.Decode[Resp]), nil
}

// Channel 类型化的双向流调用
func Channel[Req, Resp any](ctx context.Context, c *Call, qualifier string, requests *stream.Stream[Req]) (*stream.Stream[Resp], error) {
	encoded := stream.Map(ctx, requests, func(r Req) (*message.Message, error) {
		return c.encode(qualifier, r)
	})
	s, err := c.RequestChannel(ctx, qualifier, encoded)
	if err != nil {
		return nil, err
	}
	return stream.Map(ctx, s, message.Decode[Resp]), nil
}
