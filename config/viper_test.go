package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// TestLoaderPriority 验证 环境变量 > 环境特定配置 > 基础配置
func TestLoaderPriority(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), `
node:
  name: base-node
transport:
  host: 0.0.0.0
  port: 4801
membership:
  etcd:
    namespace: /meshcall/members
`)
	writeFile(t, filepath.Join(dir, "config.dev.yaml"), `
transport:
  port: 4802
`)

	t.Setenv("MCTEST_ENV", "dev")
	t.Setenv("MCTEST_NODE_NAME", "env-node")

	loader, err := New(&Config{Paths: []string{dir}, EnvPrefix: "mctest"})
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background()))

	assert.Equal(t, "env-node", loader.Get("node.name"))
	assert.Equal(t, 4802, loader.Get("transport.port"))
	assert.Equal(t, "0.0.0.0", loader.Get("transport.host"))

	var membership struct {
		Etcd struct {
			Namespace string `mapstructure:"namespace"`
		} `mapstructure:"etcd"`
	}
	require.NoError(t, loader.UnmarshalKey("membership", &membership))
	assert.Equal(t, "/meshcall/members", membership.Etcd.Namespace)
}

func TestLoaderEmptyConfig(t *testing.T) {
	loader, err := New(&Config{Paths: []string{t.TempDir()}, EnvPrefix: "MCEMPTY"})
	require.NoError(t, err)

	err = loader.Load(context.Background())
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestWatchBeforeLoad(t *testing.T) {
	loader, err := New(nil)
	require.NoError(t, err)

	_, err = loader.Watch(context.Background(), "node.name")
	assert.ErrorIs(t, err, ErrNotLoaded)
}

// TestLoaderWatch 修改配置文件后应收到变更事件
func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "gateway:\n  port: 8080\n")

	loader, err := New(&Config{Paths: []string{dir}, EnvPrefix: "MCWATCH"})
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := loader.Watch(ctx, "gateway.port")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "gateway:\n  port: 9090\n")

	select {
	case ev := <-ch:
		assert.Equal(t, "gateway.port", ev.Key)
		assert.Equal(t, 9090, ev.Value)
	case <-time.After(3 * time.Second):
		t.Skip("文件系统未投递变更事件，跳过")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}
