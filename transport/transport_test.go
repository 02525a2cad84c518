package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/serviceerr"
)

func TestFrame(t *testing.T) {
	t.Run("保留头部与负载", func(t *testing.T) {
		in := message.New("greeting/hello", []byte(`{"name":"mesh"}`), message.WithContentType("application/json"))
		data, err := MarshalFrame(in)
		require.NoError(t, err)

		var out message.Message
		require.NoError(t, UnmarshalFrame(data, &out))
		assert.Equal(t, in.Headers, out.Headers)
		assert.Equal(t, in.Data, out.Data)
	})

	t.Run("区分空负载与无负载", func(t *testing.T) {
		for _, payload := range [][]byte{nil, {}} {
			data, err := MarshalFrame(message.New("q", payload))
			require.NoError(t, err)

			var out message.Message
			require.NoError(t, UnmarshalFrame(data, &out))
			assert.Equal(t, payload == nil, out.Data == nil)
			assert.Empty(t, out.Data)
		}
	})

	t.Run("错误消息", func(t *testing.T) {
		data, err := MarshalFrame(message.NewError("q", 401, "denied"))
		require.NoError(t, err)

		var out message.Message
		require.NoError(t, UnmarshalFrame(data, &out))
		assert.True(t, out.IsError())
		assert.Equal(t, 401, out.ErrorCode())
	})

	t.Run("损坏的帧", func(t *testing.T) {
		var out message.Message
		assert.Error(t, UnmarshalFrame([]byte{0xc1}, &out))
		_, err := MarshalFrame(nil)
		assert.Error(t, err)
	})
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, Unavailable("a:1", nil))

	err := Unavailable("a:1", errors.New("connection refused"))
	assert.ErrorIs(t, err, serviceerr.ErrServiceUnavailable)
	assert.Contains(t, err.Error(), "a:1")

	// 已带错误码的错误原样返回
	typed := serviceerr.Unauthorized("no token")
	assert.Same(t, typed, Unavailable("a:1", typed))
}
