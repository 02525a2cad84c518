// Package clog 为 meshcall 节点提供基于 slog 的结构化日志组件。
//
// 每个组件通过 WithLogger 注入 Logger，并追加自己的命名空间，
// 例如 "meshcall.discovery"、"meshcall.transport.grpc"，便于在多节点日志中过滤。
//
// 基本使用：
//
//	logger, _ := clog.New(&clog.Config{Level: "info", Format: "json"},
//	    clog.WithNamespace("meshcall"),
//	    clog.WithTraceContext(),
//	)
//	logger.Info("node started", clog.String("node_id", id))
package clog

import "github.com/ceyewan/meshcall/xerrors"

// New 创建一个新的 Logger 实例，config 为 nil 时使用开发环境默认配置。
func New(config *Config, opts ...Option) (Logger, error) {
	if config == nil {
		config = NewDevDefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, xerrors.Wrap(err, "invalid log config")
	}
	return newLogger(config, applyOptions(opts...))
}

// Must 创建 Logger，失败时 panic。仅用于 main 函数中的初始化。
func Must(config *Config, opts ...Option) Logger {
	return xerrors.Must(New(config, opts...))
}
