package grpctransport

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/transport"
)

// codecName 作为 content-subtype 协商，服务端按名称自动选用
const codecName = "meshcall"

// frameCodec 直接收发 *message.Message，不经过 protobuf
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*message.Message)
	if !ok {
		return nil, fmt.Errorf("grpctransport: cannot marshal %T", v)
	}
	return transport.MarshalFrame(m)
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*message.Message)
	if !ok {
		return fmt.Errorf("grpctransport: cannot unmarshal into %T", v)
	}
	return transport.UnmarshalFrame(data, m)
}

func (frameCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(frameCodec{})
}
