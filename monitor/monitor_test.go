package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/meshcall/registry"
	"github.com/ceyewan/meshcall/service"
)

func endpoint(id string) *service.Endpoint {
	return service.NewEndpoint(id, id+":7000", nil, []service.MethodDescriptor{
		{Qualifier: "greeting/hello", Pattern: service.RequestResponse},
	})
}

func TestRecentEvents_Ring(t *testing.T) {
	m := New(nil, WithCapacity(3))
	assert.Empty(t, m.RecentEvents())

	for i := range 5 {
		m.Record(registry.Event{Type: registry.EndpointAdded, Endpoint: endpoint(fmt.Sprintf("ep-%d", i))})
	}
	// 只保留最近 3 个，从旧到新
	events := m.RecentEvents()
	require.Len(t, events, 3)
	assert.Equal(t, "ep-2", events[0].EndpointID)
	assert.Equal(t, "ep-4", events[2].EndpointID)
	assert.Equal(t, "endpoint_added", events[0].Type)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestSnapshot(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterLocal(endpoint("local")))
	reg.Apply(registry.Event{Type: registry.EndpointAdded, Endpoint: endpoint("remote")})

	m := New(reg)
	m.SetNode("local", "local:7000", "grpc")
	m.SetGateway("http", "127.0.0.1:8080")

	s := m.Snapshot()
	assert.Equal(t, "local", s.ID)
	assert.Equal(t, "grpc", s.Transport)
	assert.Equal(t, map[string]string{"http": "127.0.0.1:8080"}, s.Gateways)
	require.NotNil(t, s.Local)
	assert.Equal(t, "local", s.Local.ID)
	assert.Len(t, s.Endpoints, 2)
	assert.Equal(t, reg.Snapshot().Version(), s.RegistryVersion)

	// 快照中的网关表是副本
	s.Gateways["ws"] = "x"
	assert.NotContains(t, m.Snapshot().Gateways, "ws")
}

func TestWatch(t *testing.T) {
	m := New(nil)
	events := make(chan registry.Event, 2)
	events <- registry.Event{Type: registry.EndpointAdded, Endpoint: endpoint("a")}
	events <- registry.Event{Type: registry.EndpointRemoved, Endpoint: &service.Endpoint{ID: "a"}}
	close(events)

	done := make(chan struct{})
	go func() {
		m.Watch(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not return after channel closed")
	}
	recent := m.RecentEvents()
	require.Len(t, recent, 2)
	assert.Equal(t, "endpoint_removed", recent[1].Type)
}
