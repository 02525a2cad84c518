package metrics

import "strconv"

const (
	LabelService     = "service"
	LabelSide        = "side"
	LabelQualifier   = "qualifier"
	LabelPattern     = "pattern"
	LabelRoute       = "route"
	LabelCode        = "code"
	LabelMethod      = "method"
	LabelStatusClass = "status_class"
	LabelOutcome     = "outcome"
)

const (
	SideClient = "client"
	SideServer = "server"
)

const (
	RouteLocal  = "local"
	RouteRemote = "remote"
	// RouteNone 未找到可用端点，调用没有发出
	RouteNone = "none"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// UnknownRoute 网关未命中路由时的统一标签值
const UnknownRoute = "unknown"

// HTTPStatusClass 返回 1xx/2xx/3xx/4xx/5xx/unknown
func HTTPStatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// HTTPOutcome 2xx/3xx 视为成功
func HTTPOutcome(status int) string {
	if status >= 200 && status < 400 {
		return OutcomeSuccess
	}
	return OutcomeError
}

// CodeLabel 调用结果码，0 表示成功
func CodeLabel(code int) string {
	if code == 0 {
		return "ok"
	}
	return strconv.Itoa(code)
}
