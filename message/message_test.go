package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/meshcall/codec"
)

type helloRequest struct {
	Name string `json:"name" msgpack:"name"`
}

func TestEncodeDecode(t *testing.T) {
	m, err := Encode("greeting/hello", helloRequest{Name: "joe"})
	require.NoError(t, err)
	assert.Equal(t, "greeting/hello", m.Qualifier())
	assert.Equal(t, codec.JSON, m.Header(HeaderContentType))
	assert.False(t, m.IsError())
	assert.Equal(t, 0, m.ErrorCode())

	req, err := Decode[helloRequest](m)
	require.NoError(t, err)
	assert.Equal(t, "joe", req.Name)

	packed, err := Encode("greeting/hello", helloRequest{Name: "ann"}, WithContentType(codec.MsgPack), WithDataType("helloRequest"))
	require.NoError(t, err)
	assert.Equal(t, codec.MsgPack, packed.ContentType())
	assert.Equal(t, "helloRequest", packed.DataType())
	req, err = Decode[helloRequest](packed)
	require.NoError(t, err)
	assert.Equal(t, "ann", req.Name)
}

func TestErrorMessage(t *testing.T) {
	m := NewError("greeting/hello", 401, "token expired")
	assert.True(t, m.IsError())
	assert.Equal(t, 401, m.ErrorCode())

	data, err := Decode[ErrorData](m)
	require.NoError(t, err)
	assert.Equal(t, ErrorData{Code: 401, Message: "token expired"}, data)

	m.Headers[HeaderErrorCode] = "abc"
	assert.Equal(t, 500, m.ErrorCode())
}

func TestHasData(t *testing.T) {
	assert.False(t, New("a/b", nil).HasData())
	assert.True(t, New("a/b", []byte{}).HasData())
	var nilMsg *Message
	assert.False(t, nilMsg.HasData())
	assert.Equal(t, "", nilMsg.Qualifier())
}

func TestWithQualifier(t *testing.T) {
	orig := New("a/b", []byte("x"), WithHeader("k", "v"))
	fwd := orig.WithQualifier("c/d")
	assert.Equal(t, "c/d", fwd.Qualifier())
	assert.Equal(t, "a/b", orig.Qualifier(), "原消息不应被修改")
	assert.Equal(t, "v", fwd.Header("k"))
}
