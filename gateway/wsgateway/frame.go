package wsgateway

import (
	"encoding/base64"
	"encoding/json"
	"maps"

	"github.com/ceyewan/meshcall/codec"
	"github.com/ceyewan/meshcall/message"
)

// 信号
const (
	// SigEnd 客户端：request_channel 的请求流结束
	SigEnd = "end"
	// SigCancel 客户端：取消调用
	SigCancel = "cancel"
	// SigComplete 服务端：响应流结束
	SigComplete = "complete"
	// SigError 服务端：调用以错误结束，错误在 E 中
	SigError = "error"
)

// Frame 文本帧。同一连接上以 SID 区分并发的调用，SID 由客户端分配。
//
//	{"sid":1,"q":"greeting/hello","d":"bob"}   发起调用
//	{"sid":1,"d":"more"}                       request_channel 的后续请求
//	{"sid":1,"sig":"end"}                      request_channel 请求结束
//	{"sid":1,"sig":"cancel"}                   取消
//	{"sid":1,"d":"hello bob"}                  响应
//	{"sid":1,"sig":"complete"}                 结束
//	{"sid":1,"sig":"error","e":{"code":401,"message":"..."}}
type Frame struct {
	SID     int64              `json:"sid"`
	Q       string             `json:"q,omitempty"`
	Sig     string             `json:"sig,omitempty"`
	Headers map[string]string  `json:"h,omitempty"`
	D       json.RawMessage    `json:"d,omitempty"`
	E       *message.ErrorData `json:"e,omitempty"`
}

// request 把客户端帧转换为 JSON 编码的服务消息，没有 d 时负载为 nil
func (f *Frame) request(q string) *message.Message {
	var data []byte
	if len(f.D) > 0 {
		data = []byte(f.D)
	}
	m := message.New(q, data, message.WithContentType(codec.JSON))
	for k, v := range f.Headers {
		switch k {
		case message.HeaderQualifier, message.HeaderContentType, message.HeaderErrorCode:
			continue
		}
		m.Headers[k] = v
	}
	return m
}

// response 把响应消息转换为帧。非 JSON 负载以 base64 字符串发送。
func response(sid int64, m *message.Message) (Frame, error) {
	f := Frame{SID: sid}
	if len(m.Headers) > 0 {
		f.Headers = maps.Clone(m.Headers)
		delete(f.Headers, message.HeaderQualifier)
	}
	switch {
	case m.Data == nil:
	case m.ContentType() == codec.JSON:
		f.D = json.RawMessage(m.Data)
	default:
		data, err := json.Marshal(base64.StdEncoding.EncodeToString(m.Data))
		if err != nil {
			return Frame{}, err
		}
		f.D = data
	}
	return f, nil
}
