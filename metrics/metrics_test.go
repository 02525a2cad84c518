package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureCounter struct {
	mu      sync.Mutex
	records [][]Label
}

func (c *captureCounter) Inc(_ context.Context, labels ...Label) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, append([]Label(nil), labels...))
}

func (c *captureCounter) Add(ctx context.Context, _ float64, labels ...Label) {
	c.Inc(ctx, labels...)
}

type captureHistogram struct {
	mu      sync.Mutex
	values  []float64
	records [][]Label
}

func (h *captureHistogram) Record(_ context.Context, v float64, labels ...Label) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = append(h.values, v)
	h.records = append(h.records, append([]Label(nil), labels...))
}

func labelValue(labels []Label, key string) string {
	for _, l := range labels {
		if l.Key == key {
			return l.Value
		}
	}
	return ""
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	m, err := New(&Config{Enabled: false})
	require.NoError(t, err)

	c, err := m.Counter("x_total", "x")
	require.NoError(t, err)
	c.Inc(context.Background())
	assert.NoError(t, m.Shutdown(context.Background()))

	_, err = New(nil)
	assert.Error(t, err)
}

func TestNewEnabled(t *testing.T) {
	m, err := New(&Config{Enabled: true, ServiceName: "meshcall-test"})
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	c, err := m.Counter("meshcall_test_total", "test counter")
	require.NoError(t, err)
	c.Inc(context.Background(), L("k", "v"))

	g, err := m.Gauge("meshcall_test_gauge", "test gauge")
	require.NoError(t, err)
	g.Inc(context.Background())
	g.Dec(context.Background())
	g.Set(context.Background(), 7)

	h, err := m.Histogram("meshcall_test_seconds", "test histogram", WithUnit("s"), WithBuckets([]float64{0.1, 1}))
	require.NoError(t, err)
	h.Record(context.Background(), 0.5)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meshcall_test_total")
}

func TestCallMetricsObserve(t *testing.T) {
	counter := &captureCounter{}
	hist := &captureHistogram{}
	m := &CallMetrics{side: SideClient, total: counter, duration: hist}

	m.Observe(context.Background(), "greeting/hello", "request_response", RouteRemote, 0, 20*time.Millisecond)
	m.Observe(context.Background(), "greeting/hello", "request_response", RouteNone, 503, time.Millisecond)

	require.Len(t, counter.records, 2)
	first, second := counter.records[0], counter.records[1]
	assert.Equal(t, SideClient, labelValue(first, LabelSide))
	assert.Equal(t, "ok", labelValue(first, LabelCode))
	assert.Equal(t, OutcomeSuccess, labelValue(first, LabelOutcome))
	assert.Equal(t, "503", labelValue(second, LabelCode))
	assert.Equal(t, OutcomeError, labelValue(second, LabelOutcome))
	assert.InDelta(t, 0.02, hist.values[0], 1e-9)

	// nil 接收者安全
	var nilMetrics *CallMetrics
	nilMetrics.Observe(context.Background(), "a/b", "fire_and_forget", RouteLocal, 0, 0)
}

func TestGinHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	counter := &captureCounter{}
	hist := &captureHistogram{}
	httpMetrics := &HTTPServerMetrics{service: "http", requestTotal: counter, duration: hist}

	r := gin.New()
	r.Use(GinHTTPMiddleware(httpMetrics, "/metrics"))
	r.POST("/call/:service/:method", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })

	// /metrics 被跳过，不产生记录
	for _, path := range []string{"/call/greeting/hello", "/metrics", "/nowhere"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
	}

	require.Len(t, counter.records, 2)
	assert.Equal(t, "/call/:service/:method", labelValue(counter.records[0], LabelRoute))
	assert.Equal(t, "2xx", labelValue(counter.records[0], LabelStatusClass))
	// 未命中路由收敛为 unknown，避免高基数
	assert.Equal(t, UnknownRoute, labelValue(counter.records[1], LabelRoute))
	assert.Equal(t, OutcomeError, labelValue(counter.records[1], LabelOutcome))
}

func TestHTTPStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", HTTPStatusClass(204))
	assert.Equal(t, "5xx", HTTPStatusClass(503))
	assert.Equal(t, "unknown", HTTPStatusClass(42))
	assert.Equal(t, OutcomeSuccess, HTTPOutcome(302))
	assert.Equal(t, OutcomeError, HTTPOutcome(404))
}
