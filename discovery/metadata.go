package discovery

import (
	"encoding/json"
	"fmt"

	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/xerrors"
)

// MetadataVersion 当前元数据格式版本
const MetadataVersion = 1

// MetadataCodec 在端点与成员元数据之间转换。Decode 返回 nil 端点表示该成员只消费不提供服务。
type MetadataCodec interface {
	Encode(ep *service.Endpoint) ([]byte, error)
	Decode(data []byte) (*service.Endpoint, error)
}

// envelope 元数据外层结构 {"version":1,"endpoint":{...}}
type envelope struct {
	Version  int               `json:"version"`
	Endpoint *service.Endpoint `json:"endpoint,omitempty"`
}

// JSONMetadata 默认的 JSON 元数据编码
type JSONMetadata struct{}

func (JSONMetadata) Encode(ep *service.Endpoint) ([]byte, error) {
	data, err := json.Marshal(envelope{Version: MetadataVersion, Endpoint: ep})
	if err != nil {
		return nil, xerrors.Wrap(err, "encode endpoint metadata")
	}
	return data, nil
}

func (JSONMetadata) Decode(data []byte) (*service.Endpoint, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, xerrors.Wrap(err, "decode endpoint metadata")
	}
	if env.Version != MetadataVersion {
		return nil, fmt.Errorf("%w: %d", ErrMetadataVersion, env.Version)
	}
	if env.Endpoint == nil {
		return nil, nil
	}
	if err := env.Endpoint.Validate(); err != nil {
		return nil, err
	}
	return env.Endpoint, nil
}
