// Package connector 管理 meshcall 依赖的外部连接：etcd（成员发现）与 NATS（消息传输）。
//
// 连接器拥有底层客户端的生命周期，组件（membership、natstransport）只借用它，
// 不应调用 Close。NewXXX 只创建连接器，Connect 才真正建立连接，可重复调用。
//
//	conn, _ := connector.NewEtcd(&connector.EtcdConfig{Endpoints: []string{"127.0.0.1:2379"}},
//		connector.WithLogger(logger))
//	defer conn.Close()
//	if err := conn.Connect(ctx); err != nil {
//		return err
//	}
//	client := conn.GetClient()
package connector

import (
	"context"

	"github.com/nats-io/nats.go"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Connector 所有连接器的通用行为，方法均并发安全
type Connector interface {
	// Connect 建立连接，幂等
	Connect(ctx context.Context) error
	// Close 关闭连接，幂等
	Close() error
	// HealthCheck 主动探测连接，并更新 IsHealthy 的缓存结果
	HealthCheck(ctx context.Context) error
	IsHealthy() bool
	// Name 连接器实例名，用于日志与指标
	Name() string
}

// TypedConnector 提供类型安全的客户端访问
type TypedConnector[T any] interface {
	Connector
	// GetClient Connect 之前或 Close 之后可能返回 nil
	GetClient() T
}

// EtcdConnector etcd 连接器
type EtcdConnector interface {
	TypedConnector[*clientv3.Client]
}

// NATSConnector NATS 连接器，内置自动重连
type NATSConnector interface {
	TypedConnector[*nats.Conn]
}
