// Package message 定义节点间传递的服务消息。
//
// 消息由头部与负载组成。qualifier、content-type、data-type 和 error-code
// 是保留头部；error-code 存在即表示这是一条错误消息，负载为 ErrorData。
package message

import (
	"maps"
	"strconv"

	"github.com/ceyewan/meshcall/codec"
)

// 保留头部
const (
	HeaderQualifier   = "q"
	HeaderContentType = "content-type"
	HeaderDataType    = "data-type"
	HeaderErrorCode   = "error-code"
)

// Message 服务消息。Data 为 nil 表示没有负载，与空负载 []byte{} 区分。
type Message struct {
	Headers map[string]string `json:"headers,omitempty" msgpack:"h,omitempty"`
	Data    []byte            `json:"data,omitempty" msgpack:"d,omitempty"`
}

// ErrorData 错误消息的负载
type ErrorData struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// Option 构造消息时设置头部
type Option func(*Message)

// WithHeader 设置任意头部
func WithHeader(key, value string) Option {
	return func(m *Message) {
		m.Headers[key] = value
	}
}

// WithContentType 设置负载编码
func WithContentType(ct string) Option {
	return WithHeader(HeaderContentType, ct)
}

// WithDataType 设置负载类型提示
func WithDataType(dt string) Option {
	return WithHeader(HeaderDataType, dt)
}

// New 创建消息
func New(qualifier string, data []byte, opts ...Option) *Message {
	m := &Message{Headers: make(map[string]string, 2), Data: data}
	if qualifier != "" {
		m.Headers[HeaderQualifier] = qualifier
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Encode 用 content-type 对应的编解码器编码 v 作为负载，默认 JSON
func Encode(qualifier string, v any, opts ...Option) (*Message, error) {
	m := New(qualifier, nil, opts...)
	data, err := codec.Marshal(m.ContentType(), v)
	if err != nil {
		return nil, err
	}
	m.Data = data
	if _, ok := m.Headers[HeaderContentType]; !ok {
		m.Headers[HeaderContentType] = codec.JSON
	}
	return m, nil
}

// Decode 按消息的 content-type 解码负载
func Decode[T any](m *Message) (T, error) {
	var v T
	if err := codec.Unmarshal(m.ContentType(), m.Data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// NewError 创建错误消息，负载按 JSON 编码
func NewError(qualifier string, code int, msg string) *Message {
	data, _ := codec.Marshal(codec.JSON, ErrorData{Code: code, Message: msg})
	return New(qualifier, data,
		WithContentType(codec.JSON),
		WithHeader(HeaderErrorCode, strconv.Itoa(code)),
	)
}

func (m *Message) Header(key string) string {
	if m == nil {
		return ""
	}
	return m.Headers[key]
}

func (m *Message) Qualifier() string {
	return m.Header(HeaderQualifier)
}

// ContentType 未设置时视为 JSON
func (m *Message) ContentType() string {
	if ct := m.Header(HeaderContentType); ct != "" {
		return ct
	}
	return codec.JSON
}

func (m *Message) DataType() string {
	return m.Header(HeaderDataType)
}

func (m *Message) HasData() bool {
	return m != nil && m.Data != nil
}

// IsError 是否为错误消息
func (m *Message) IsError() bool {
	if m == nil {
		return false
	}
	_, ok := m.Headers[HeaderErrorCode]
	return ok
}

// ErrorCode 错误码，非错误消息返回 0；头部无法解析时返回 500
func (m *Message) ErrorCode() int {
	if !m.IsError() {
		return 0
	}
	code, err := strconv.Atoi(m.Headers[HeaderErrorCode])
	if err != nil {
		return 500
	}
	return code
}

// Clone 深拷贝头部，负载共享（负载视为只读）
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	return &Message{Headers: maps.Clone(m.Headers), Data: m.Data}
}

// WithQualifier 返回替换了 qualifier 的副本，网关转发时使用
func (m *Message) WithQualifier(q string) *Message {
	c := m.Clone()
	if c.Headers == nil {
		c.Headers = make(map[string]string, 1)
	}
	c.Headers[HeaderQualifier] = q
	return c
}
