package serviceerr

import (
	"context"
	"errors"

	"github.com/ceyewan/meshcall/codec"
	"github.com/ceyewan/meshcall/message"
)

// redactedMessage 非调试模式下内部错误对外展示的消息
const redactedMessage = "internal service error"

// ProviderMapper 服务端：错误 → 错误消息
type ProviderMapper interface {
	ToMessage(qualifier string, err error) *message.Message
}

// ConsumerMapper 客户端：错误消息 → 错误
type ConsumerMapper interface {
	ToError(msg *message.Message) error
}

// ProviderFunc 函数适配器
type ProviderFunc func(qualifier string, err error) *message.Message

func (f ProviderFunc) ToMessage(qualifier string, err error) *message.Message {
	return f(qualifier, err)
}

// ConsumerFunc 函数适配器
type ConsumerFunc func(msg *message.Message) error

func (f ConsumerFunc) ToError(msg *message.Message) error {
	return f(msg)
}

// DefaultMapper 同时实现两个方向的默认映射。
// Debug 为 false 时内部错误的原始消息被替换为固定文本。
type DefaultMapper struct {
	Debug bool
}

var (
	_ ProviderMapper = DefaultMapper{}
	_ ConsumerMapper = DefaultMapper{}
)

// Default 默认映射器
var Default = DefaultMapper{}

// ToMessage 把错误转换为错误消息：
// 取消与超时为 503，解码失败为 400，*Error 保持错误码，其余为 500。
func (d DefaultMapper) ToMessage(qualifier string, err error) *message.Message {
	se := d.Classify(err)
	return message.NewError(qualifier, se.Code, se.Message)
}

// Classify 把任意错误归类为 *Error
func (d DefaultMapper) Classify(err error) *Error {
	if err == nil {
		return ErrInternal
	}
	var se *Error
	switch {
	case errors.As(err, &se):
		if se.Code > 0 {
			return se
		}
		// 没有错误码的 *Error 按内部错误处理
		if d.Debug {
			return New(CodeInternal, se.Message)
		}
		return New(CodeInternal, redactedMessage)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ServiceUnavailable("%s", err.Error())
	case errors.Is(err, codec.ErrDecode), errors.Is(err, codec.ErrUnsupportedContentType):
		return BadRequest("%s", err.Error())
	}
	if d.Debug {
		return New(CodeInternal, err.Error())
	}
	return New(CodeInternal, redactedMessage)
}

// ToError 从错误消息还原 *Error；负载无法解析时仅保留头部中的错误码，
// 错误码不是正数时视为内部错误。非错误消息返回 nil。
func (d DefaultMapper) ToError(msg *message.Message) error {
	if !msg.IsError() {
		return nil
	}
	code := msg.ErrorCode()
	if code <= 0 {
		return ErrInternal
	}
	var data message.ErrorData
	if msg.HasData() {
		if err := codec.Unmarshal(msg.ContentType(), msg.Data, &data); err == nil && data.Code > 0 {
			return &Error{Code: data.Code, Message: data.Message}
		}
	}
	return &Error{Code: code, Message: defaultText(code)}
}

func defaultText(code int) string {
	switch code {
	case CodeBadRequest:
		return ErrBadRequest.Message
	case CodeUnauthorized:
		return ErrUnauthorized.Message
	case CodeServiceUnavailable:
		return ErrServiceUnavailable.Message
	default:
		return redactedMessage
	}
}
