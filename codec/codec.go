// Package codec 按 content-type 编解码服务调用的负载。
//
// 内置 application/json（默认）、application/msgpack 和 application/octet-stream。
// 解码失败统一包装 ErrDecode，服务端据此映射为 BAD_REQUEST。
package codec

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/meshcall/xerrors"
)

const (
	JSON    = "application/json"
	MsgPack = "application/msgpack"
	Bytes   = "application/octet-stream"
)

var (
	ErrUnsupportedContentType = xerrors.New("codec: unsupported content type")
	ErrDecode                 = xerrors.New("codec: decode failed")
	ErrEncode                 = xerrors.New("codec: encode failed")
)

// Codec 负载编解码器
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	mu     sync.RWMutex
	codecs = map[string]Codec{
		JSON:    jsonCodec{},
		MsgPack: msgpackCodec{},
		Bytes:   bytesCodec{},
	}
)

// Register 注册或替换一个编解码器
func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	codecs[c.ContentType()] = c
}

// Get 按 content-type 取编解码器，空字符串返回 JSON
func Get(contentType string) (Codec, error) {
	if contentType == "" {
		contentType = JSON
	}
	mu.RLock()
	c, ok := codecs[contentType]
	mu.RUnlock()
	if !ok {
		return nil, xerrors.Wrapf(ErrUnsupportedContentType, "%q", contentType)
	}
	return c, nil
}

// Marshal 使用指定 content-type 编码
func Marshal(contentType string, v any) ([]byte, error) {
	c, err := Get(contentType)
	if err != nil {
		return nil, err
	}
	data, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return data, nil
}

// Unmarshal 使用指定 content-type 解码
func Unmarshal(contentType string, data []byte, v any) error {
	c, err := Get(contentType)
	if err != nil {
		return err
	}
	if err := c.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

type jsonCodec struct{}

func (jsonCodec) ContentType() string                { return JSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) ContentType() string                { return MsgPack }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// bytesCodec 原样透传 []byte
type bytesCodec struct{}

func (bytesCodec) ContentType() string { return Bytes }

func (bytesCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("octet-stream codec cannot marshal %T", v)
	}
}

func (bytesCodec) Unmarshal(data []byte, v any) error {
	switch p := v.(type) {
	case *[]byte:
		*p = append((*p)[:0], data...)
		return nil
	case *string:
		*p = string(data)
		return nil
	default:
		return fmt.Errorf("octet-stream codec cannot unmarshal into %T", v)
	}
}
