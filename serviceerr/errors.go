// Package serviceerr 定义跨节点传递的错误分类，以及错误与错误消息之间的映射。
//
// 服务端通过 ProviderMapper 把处理器返回的错误转换为错误消息，
// 客户端通过 ConsumerMapper 把错误消息还原为 *Error。原始错误不会越过节点边界。
package serviceerr

import (
	"errors"
	"fmt"
)

// 内置错误码，应用自定义错误码应不小于 MinApplicationCode
const (
	CodeBadRequest         = 400
	CodeUnauthorized       = 401
	CodeInternal           = 500
	CodeServiceUnavailable = 503

	MinApplicationCode = 1000
)

// Error 带错误码的服务错误
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("service error %d: %s", e.Code, e.Message)
}

// Is 按错误码匹配，使 errors.Is(err, ErrUnauthorized) 对任意消息成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 用于 errors.Is 的哨兵错误
var (
	ErrBadRequest         = &Error{Code: CodeBadRequest, Message: "bad request"}
	ErrUnauthorized       = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrInternal           = &Error{Code: CodeInternal, Message: "internal service error"}
	ErrServiceUnavailable = &Error{Code: CodeServiceUnavailable, Message: "service unavailable"}
)

func New(code int, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) *Error {
	return Newf(CodeBadRequest, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return Newf(CodeUnauthorized, format, args...)
}

func InternalServiceError(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

func ServiceUnavailable(format string, args ...any) *Error {
	return Newf(CodeServiceUnavailable, format, args...)
}

// NoReachableMember 没有可用端点时的统一错误
func NoReachableMember(qualifier string) *Error {
	return ServiceUnavailable("no reachable member with such service: %s", qualifier)
}

// CodeOf 返回 err 链上第一个 *Error 的错误码，没有时返回 0
func CodeOf(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// IsServiceUnavailable 便捷判断
func IsServiceUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}
