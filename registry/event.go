package registry

import (
	"fmt"
	"time"

	"github.com/ceyewan/meshcall/service"
)

// EventType 发现事件类型
type EventType int

const (
	EndpointAdded EventType = iota
	EndpointRemoved
	EndpointUpdated
)

func (t EventType) String() string {
	switch t {
	case EndpointAdded:
		return "endpoint_added"
	case EndpointRemoved:
		return "endpoint_removed"
	case EndpointUpdated:
		return "endpoint_updated"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event 发现事件。EndpointRemoved 只需要 Endpoint.ID。
type Event struct {
	Type      EventType         `json:"type"`
	Endpoint  *service.Endpoint `json:"endpoint"`
	Timestamp time.Time         `json:"timestamp"`
	// Source 产生该事件的成员 id
	Source string `json:"source,omitempty"`
}

func (e Event) String() string {
	id := ""
	if e.Endpoint != nil {
		id = e.Endpoint.ID
	}
	return e.Type.String() + ":" + id
}
