// Package gateway 定义外部协议网关的契约。
//
// 网关把外部请求（HTTP、WebSocket）翻译为调用分发器上的四种调用，
// 由 microservices 在传输层绑定、服务发布之后启动，在关闭时最先停止。
package gateway

import (
	"context"
	"net/http"

	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/monitor"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
)

// PatternResolver 按 qualifier 查找调用模式
type PatternResolver interface {
	Pattern(qualifier string) (service.Pattern, bool)
}

// Caller 网关使用的调用面，*call.Call 实现了它
type Caller interface {
	PatternResolver
	RequestOne(ctx context.Context, msg *message.Message) (*message.Message, error)
	FireAndForget(ctx context.Context, msg *message.Message) error
	RequestMany(ctx context.Context, msg *message.Message) (*stream.Stream[*message.Message], error)
	RequestChannel(ctx context.Context, qualifier string, requests *stream.Stream[*message.Message]) (*stream.Stream[*message.Message], error)
}

// Runtime 网关启动时获得的运行时依赖
type Runtime struct {
	Caller Caller
	// Monitor 可以为空
	Monitor *monitor.Monitor
}

// Gateway 外部协议网关
type Gateway interface {
	// Name 网关名称，同一节点内唯一
	Name() string
	// Start 绑定监听地址并开始服务，返回实际地址
	Start(ctx context.Context, rt Runtime) (string, error)
	// Stop 停止接收新请求并等待进行中的请求结束，ctx 到期后强制关闭
	Stop(ctx context.Context) error
}

// ResolvePattern 查找 qualifier 的调用模式，找不到时返回 SERVICE_UNAVAILABLE
func ResolvePattern(c PatternResolver, qualifier string) (service.Pattern, error) {
	if _, _, err := service.ParseQualifier(qualifier); err != nil {
		return 0, serviceerr.BadRequest("%s", err.Error())
	}
	p, ok := c.Pattern(qualifier)
	if !ok {
		return 0, serviceerr.NoReachableMember(qualifier)
	}
	return p, nil
}

// ErrorData 对外展示的错误负载，非 *serviceerr.Error 的错误被脱敏
func ErrorData(err error) message.ErrorData {
	se := serviceerr.Default.Classify(err)
	return message.ErrorData{Code: se.Code, Message: se.Message}
}

// HTTPStatus 错误码到 HTTP 状态码的映射。4xx/5xx 范围内的错误码原样使用，
// 其它应用自定义错误码视为 500。
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	code := serviceerr.Default.Classify(err).Code
	if code >= 400 && code < 600 {
		return code
	}
	return http.StatusInternalServerError
}
