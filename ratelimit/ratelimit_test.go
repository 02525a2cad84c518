package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, cfg *Config) Limiter {
	t.Helper()
	l, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAllowBurst(t *testing.T) {
	l := newLimiter(t, nil)
	ctx := context.Background()
	limit := Limit{Rate: 1, Burst: 3}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "greeting/hello", limit)
		require.NoError(t, err)
		assert.True(t, ok, "第 %d 次应在突发容量内", i+1)
	}
	ok, err := l.Allow(ctx, "greeting/hello", limit)
	require.NoError(t, err)
	assert.False(t, ok)

	// 不同 key 相互独立
	ok, err = l.Allow(ctx, "greeting/bye", limit)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowInvalid(t *testing.T) {
	l := newLimiter(t, nil)
	ctx := context.Background()

	_, err := l.Allow(ctx, "", Limit{Rate: 1, Burst: 1})
	assert.ErrorIs(t, err, ErrKeyEmpty)
	_, err = l.Allow(ctx, "k", Limit{})
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = l.AllowN(ctx, "k", Limit{Rate: 1, Burst: 1}, 0)
	assert.Error(t, err)
}

func TestCleanupIdleBuckets(t *testing.T) {
	l := newLimiter(t, &Config{CleanupInterval: 20 * time.Millisecond, IdleTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	limit := Limit{Rate: 0.001, Burst: 1}

	ok, _ := l.Allow(ctx, "k", limit)
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "k", limit)
	require.False(t, ok)

	// 空闲桶被回收后重新获得满桶
	assert.Eventually(t, func() bool {
		ok, _ := l.Allow(ctx, "k", limit)
		return ok
	}, time.Second, 30*time.Millisecond)
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newLimiter(t, nil)

	r := gin.New()
	r.Use(GinMiddleware(l, nil, Limit{Rate: 0.001, Burst: 1}))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.1.1.1:5555"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}
