package transport

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/xerrors"
)

// frame 消息在节点之间的线上格式。Empty 区分空负载与无负载。
type frame struct {
	Headers map[string]string `msgpack:"h,omitempty"`
	Data    []byte            `msgpack:"d,omitempty"`
	Empty   bool              `msgpack:"e,omitempty"`
}

// MarshalFrame 把消息编码为一帧
func MarshalFrame(m *message.Message) ([]byte, error) {
	if m == nil {
		return nil, xerrors.New("transport: nil message")
	}
	f := frame{Headers: m.Headers, Data: m.Data}
	if m.Data != nil && len(m.Data) == 0 {
		f.Empty = true
	}
	return msgpack.Marshal(&f)
}

// UnmarshalFrame 把一帧解码到 m
func UnmarshalFrame(data []byte, m *message.Message) error {
	var f frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return xerrors.Wrap(err, "transport: decode frame")
	}
	m.Headers = f.Headers
	m.Data = f.Data
	if f.Empty && m.Data == nil {
		m.Data = []byte{}
	}
	return nil
}
