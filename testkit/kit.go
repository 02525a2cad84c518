// Package testkit 为各包测试提供共享依赖：日志、指标、唯一 ID 以及外部服务连接。
// 外部服务不可用时相关测试被跳过，而不是失败。
package testkit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/metrics"
)

// Kit 包含通用的测试依赖
type Kit struct {
	Ctx    context.Context
	Logger clog.Logger
	Meter  metrics.Meter
}

// NewKit 返回一个包含默认依赖的测试工具包，Ctx 在测试结束时取消
func NewKit(t *testing.T) *Kit {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Kit{
		Ctx:    ctx,
		Logger: NewLogger(),
		Meter:  NewMeter(),
	}
}

// NewLogger 测试日志。设置 MESHCALL_TEST_LOG=1 时输出 debug 日志，否则丢弃。
func NewLogger() clog.Logger {
	if os.Getenv("MESHCALL_TEST_LOG") == "" {
		return clog.Discard()
	}
	logger, err := clog.New(clog.NewDevDefaultConfig(), clog.WithNamespace("test"))
	if err != nil {
		return clog.Discard()
	}
	return logger
}

// NewMeter 启用的 OTel Meter，不启动 HTTP 服务器
func NewMeter() metrics.Meter {
	meter, err := metrics.New(&metrics.Config{Enabled: true, ServiceName: "test"})
	if err != nil {
		return metrics.Discard()
	}
	return meter
}

// NewContext 返回一个带有超时的测试上下文
func NewContext(t *testing.T, timeout time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), timeout)
}

// NewID 唯一的短 ID，用于 key 前缀、subject、节点 id 后缀，避免测试间冲突
func NewID() string {
	return uuid.NewString()[0:8]
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
