package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrConfigNil)

	brk, err := New(&Config{})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, brk.State("10.0.0.1:4801"))
}

// TestTripAndRecover 失败率达到阈值后打开，超时后半开并在探测成功后恢复
func TestTripAndRecover(t *testing.T) {
	brk, err := New(&Config{
		MaxRequests:     1,
		Timeout:         100 * time.Millisecond,
		FailureRatio:    0.5,
		MinimumRequests: 2,
	})
	require.NoError(t, err)

	ctx := context.Background()
	boom := errors.New("connection refused")
	const key = "10.0.0.1:4801"

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, brk.Execute(ctx, key, func() error { return boom }), boom)
	}
	assert.Equal(t, StateOpen, brk.State(key))

	called := false
	err = brk.Execute(ctx, key, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpenState)
	assert.False(t, called, "打开状态下不应执行函数")

	// 其他地址不受影响
	assert.NoError(t, brk.Execute(ctx, "10.0.0.2:4801", func() error { return nil }))

	time.Sleep(150 * time.Millisecond)
	done, err := brk.Allow(key)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, brk.State(key))
	done(true)
	done(false) // 重复调用被忽略
	assert.Equal(t, StateClosed, brk.State(key))
}

func TestClassifier(t *testing.T) {
	appErr := errors.New("application error")
	brk, err := New(&Config{FailureRatio: 0.5, MinimumRequests: 1},
		WithClassifier(func(err error) bool { return err != nil && err != appErr }))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_ = brk.Execute(context.Background(), "k", func() error { return appErr })
	}
	assert.Equal(t, StateClosed, brk.State("k"), "应用错误不应触发熔断")
}

func TestEmptyKey(t *testing.T) {
	brk, err := New(&Config{})
	require.NoError(t, err)
	_, err = brk.Allow("")
	assert.ErrorIs(t, err, ErrKeyEmpty)
}
