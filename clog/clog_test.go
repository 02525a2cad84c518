package clog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level string, opts ...Option) (Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	logger, err := New(&Config{Level: level, Format: "json"}, append(opts, withWriter(buf))...)
	require.NoError(t, err)
	return logger, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "合法配置", config: &Config{Level: "info", Format: "console", Output: "stdout"}},
		{name: "nil 配置使用默认值", config: nil},
		{name: "非法级别", config: &Config{Level: "verbose"}, wantErr: true},
		{name: "非法格式", config: &Config{Level: "info", Format: "xml"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(t, "warn")

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "ERROR", lines[1]["level"])
}

func TestSetLevel(t *testing.T) {
	logger, buf := newBufferLogger(t, "info")
	child := logger.WithNamespace("child")

	logger.Debug("hidden")
	require.NoError(t, logger.SetLevel(DebugLevel))
	// 子 Logger 共享同一个级别
	child.Debug("visible")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "visible", lines[0]["msg"])
}

func TestNamespaceAndFields(t *testing.T) {
	logger, buf := newBufferLogger(t, "debug", WithNamespace("meshcall"))

	logger.WithNamespace("discovery").
		With(String("node_id", "n1")).
		Info("member joined", Int("members", 3), Error(errors.New("boom")), Error(nil))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "meshcall.discovery", lines[0][NamespaceKey])
	assert.Equal(t, "n1", lines[0]["node_id"])
	assert.EqualValues(t, 3, lines[0]["members"])
	assert.Equal(t, "boom", lines[0]["err_msg"])
}

func TestContextField(t *testing.T) {
	type ctxKey string
	logger, buf := newBufferLogger(t, "info", WithContextField(ctxKey("call_id"), "call_id"))

	ctx := context.WithValue(context.Background(), ctxKey("call_id"), "c-42")
	logger.InfoContext(ctx, "dispatch")
	logger.Info("no context")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "c-42", lines[0]["call_id"])
	_, ok := lines[1]["call_id"]
	assert.False(t, ok)
}

func TestErrorWithCode(t *testing.T) {
	logger, buf := newBufferLogger(t, "info")
	logger.Error("call failed", ErrorWithCode(errors.New("no route"), 503))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	group, ok := lines[0]["error"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 503, group["code"])
	assert.Equal(t, "no route", group["msg"])
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "Warn", "error", "fatal"} {
		lvl, err := ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, strings.ToLower(s), lvl.String())
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Info("nothing")
	assert.NotNil(t, l.With(String("k", "v")))
	assert.NoError(t, l.SetLevel(DebugLevel))
}
