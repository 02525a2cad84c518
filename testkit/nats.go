package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/meshcall/connector"
)

// GetNATSConfig NATS 测试配置，地址取 MESHCALL_TEST_NATS，默认 nats://localhost:4222
func GetNATSConfig() *connector.NATSConfig {
	return &connector.NATSConfig{
		Name:          "test-nats",
		URL:           envOr("MESHCALL_TEST_NATS", "nats://localhost:4222"),
		Timeout:       time.Second,
		MaxReconnects: 10,
		ReconnectWait: 100 * time.Millisecond,
	}
}

// GetNATSConnector 连接 NATS，不可用时跳过测试
func GetNATSConnector(t *testing.T) connector.NATSConnector {
	t.Helper()
	conn, err := connector.NewNATS(GetNATSConfig(), connector.WithLogger(NewLogger()))
	if err != nil {
		t.Skipf("nats connector unavailable: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.Connect(context.Background()); err != nil {
		t.Skipf("nats not reachable: %v", err)
	}
	return conn
}

// NewNATSConn 原生 NATS 连接
func NewNATSConn(t *testing.T) *nats.Conn {
	return GetNATSConnector(t).GetClient()
}
