// Package config 加载 meshcall 节点配置，基于 Viper 实现。
//
// 配置优先级：环境变量 > .env > 环境特定配置 (config.<env>.yaml) > 基础配置。
// 环境变量使用前缀加下划线形式，例如 MESHCALL_TRANSPORT_PORT 覆盖 transport.port。
//
//	loader := config.MustLoad(&config.Config{Paths: []string{"./configs"}})
//	var node NodeConfig
//	_ = loader.Unmarshal(&node)
package config

import (
	"context"
	"time"
)

// Loader 配置加载器
type Loader interface {
	// Load 加载配置并开始监听文件变化
	Load(ctx context.Context) error

	Get(key string) any

	Unmarshal(v any) error

	UnmarshalKey(key string, v any) error

	// Watch 监听指定 key 的变化，ctx 取消后通道关闭
	Watch(ctx context.Context, key string) (<-chan Event, error)

	Validate() error
}

// Event 配置变更事件
type Event struct {
	Key       string
	Value     any
	OldValue  any
	Source    string
	Timestamp time.Time
}
