package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/ceyewan/meshcall/connector"
)

// GetEtcdConfig etcd 测试配置，地址取 MESHCALL_TEST_ETCD，默认 localhost:2379
func GetEtcdConfig() *connector.EtcdConfig {
	return &connector.EtcdConfig{
		Name:        "test-etcd",
		Endpoints:   []string{envOr("MESHCALL_TEST_ETCD", "localhost:2379")},
		DialTimeout: 2 * time.Second,
	}
}

// GetEtcdConnector 连接 etcd，不可用时跳过测试
func GetEtcdConnector(t *testing.T) connector.EtcdConnector {
	t.Helper()
	conn, err := connector.NewEtcd(GetEtcdConfig(), connector.WithLogger(NewLogger()))
	if err != nil {
		t.Skipf("etcd connector unavailable: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.Connect(context.Background()); err != nil {
		t.Skipf("etcd not reachable: %v", err)
	}
	return conn
}
