package natstransport

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/methods"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
	"github.com/ceyewan/meshcall/testkit"
	"github.com/ceyewan/meshcall/transport"
)

func TestValidSubject(t *testing.T) {
	tests := []struct {
		subject string
		valid   bool
	}{
		{"meshcall.node1", true},
		{"meshcall.node-1.call.abc", true},
		{"", false},
		{"meshcall.*", false},
		{"meshcall.>", false},
		{"meshcall..node", false},
		{"127.0.0.1:9000 x", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, validSubject(tt.subject), tt.subject)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}
	c.setDefaults()
	assert.Equal(t, "meshcall", c.Prefix)
	assert.Equal(t, 3*c.Heartbeat, c.IdleTimeout)
	require.NoError(t, c.validate())

	c = Config{Heartbeat: time.Second, IdleTimeout: time.Second}
	c.setDefaults()
	assert.ErrorIs(t, c.validate(), ErrConfig)
}

type probe struct {
	fired   atomic.Int32
	running atomic.Int32
}

func setup(t *testing.T, cfg *Config) (*Transport, string, *probe) {
	t.Helper()
	conn := testkit.GetNATSConnector(t)

	p := &probe{}
	reg := methods.New()
	require.NoError(t, reg.RegisterService(service.Info{Service: service.New("test",
		service.Unary("hello", func(ctx context.Context, name string) (string, error) {
			if name == "" {
				return "", serviceerr.Unauthorized("anonymous")
			}
			return "hello " + name, nil
		}),
		service.OneWay("notify", func(ctx context.Context, _ string) error {
			p.fired.Add(1)
			return nil
		}),
		service.ServerStream("ticks", func(ctx context.Context, _ int, emit func(int) error) error {
			p.running.Add(1)
			defer p.running.Add(-1)
			for i := 0; ; i++ {
				if err := emit(i); err != nil {
					return err
				}
			}
		}),
		service.Channel("echo", func(ctx context.Context, in *stream.Stream[string], emit func(string) error) error {
			for {
				v, err := in.Recv(ctx)
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if err := emit(v); err != nil {
					return err
				}
			}
		}),
	)}))
	reg.Freeze()

	tr, err := New(conn, cfg, WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	addr, err := tr.Server().Bind(context.Background(), "meshcall.test."+testkit.NewID(), reg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tr.Server().Stop(ctx)
		_ = tr.Client().Close()
	})
	return tr, addr, p
}

func call(t *testing.T, ctx context.Context, tr *Transport, addr, q string, pattern service.Pattern, reqs ...any) *stream.Stream[*message.Message] {
	t.Helper()
	ch, err := tr.Client().Create(ctx, addr)
	require.NoError(t, err)
	msgs := make([]*message.Message, 0, len(reqs))
	for _, r := range reqs {
		m, err := message.Encode(q, r)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	return ch.Invoke(ctx, q, pattern, stream.FromSlice(ctx, msgs))
}

func TestNATSPatterns(t *testing.T) {
	tr, addr, p := setup(t, nil)
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()

	t.Run("请求响应", func(t *testing.T) {
		msgs, err := stream.Collect(ctx, call(t, ctx, tr, addr, "test/hello", service.RequestResponse, "nats"))
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		v, err := message.Decode[string](msgs[0])
		require.NoError(t, err)
		assert.Equal(t, "hello nats", v)
	})

	t.Run("错误消息", func(t *testing.T) {
		msgs, err := stream.Collect(ctx, call(t, ctx, tr, addr, "test/hello", service.RequestResponse, ""))
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, serviceerr.CodeUnauthorized, msgs[0].ErrorCode())
	})

	t.Run("单向调用", func(t *testing.T) {
		_, err := stream.Collect(ctx, call(t, ctx, tr, addr, "test/notify", service.FireAndForget, "x"))
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return p.fired.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("双向通道", func(t *testing.T) {
		msgs, err := stream.Collect(ctx, call(t, ctx, tr, addr, "test/echo", service.RequestChannel, "a", "b"))
		require.NoError(t, err)
		require.Len(t, msgs, 2)
	})

	t.Run("模式不匹配", func(t *testing.T) {
		msgs, err := stream.Collect(ctx, call(t, ctx, tr, addr, "test/ticks", service.RequestResponse, 1))
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, serviceerr.CodeBadRequest, msgs[0].ErrorCode())
	})
}

func TestNATSCancellation(t *testing.T) {
	tr, addr, p := setup(t, nil)
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()

	s := call(t, ctx, tr, addr, "test/ticks", service.RequestStream, 0)
	for i := 0; i < 3; i++ {
		_, err := s.Recv(ctx)
		require.NoError(t, err)
	}
	s.Cancel()

	assert.Eventually(t, func() bool {
		return p.running.Load() == 0 && tr.server.Active() == 0
	}, 500*time.Millisecond, 10*time.Millisecond)
}

func TestNATSNoResponders(t *testing.T) {
	conn := testkit.GetNATSConnector(t)
	tr, err := New(conn, &Config{OpenTimeout: 500 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()
	_, err = stream.Collect(ctx, call(t, ctx, tr, "meshcall.nobody."+testkit.NewID(), "test/hello", service.RequestResponse, "x"))
	assert.ErrorIs(t, err, serviceerr.ErrServiceUnavailable)
}

func TestNATSServerStop(t *testing.T) {
	tr, addr, _ := setup(t, nil)
	ctx, cancel := testkit.NewContext(t, 5*time.Second)
	defer cancel()

	s := call(t, ctx, tr, addr, "test/ticks", service.RequestStream, 0)
	_, err := s.Recv(ctx)
	require.NoError(t, err)

	stopCtx, stopCancel := context.WithCancel(context.Background())
	stopCancel()
	require.NoError(t, tr.Server().Stop(stopCtx))

	for err == nil {
		_, err = s.Recv(ctx)
	}
	assert.ErrorIs(t, err, serviceerr.ErrServiceUnavailable)

	_, err = tr.Server().Bind(ctx, addr, methods.New())
	assert.ErrorIs(t, err, transport.ErrClosed)
}
