package httpgateway

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/codec"
	"github.com/ceyewan/meshcall/gateway"
	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
)

// HeaderPrefix 与消息头部互相转换的 HTTP 头前缀
const HeaderPrefix = "X-Meshcall-"

// SSE 事件名
const (
	EventMessage  = "message"
	EventError    = "error"
	EventComplete = "complete"
)

type handler struct {
	caller  gateway.Caller
	logger  clog.Logger
	maxBody int64
}

func (h *handler) call(c *gin.Context) {
	q := strings.TrimPrefix(c.Param("qualifier"), "/")
	pattern, err := gateway.ResolvePattern(h.caller, q)
	if err != nil {
		h.fail(c, q, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		h.fail(c, q, serviceerr.BadRequest("read body: %s", err.Error()))
		return
	}

	ctx := c.Request.Context()
	switch pattern {
	case service.RequestResponse:
		resp, err := h.caller.RequestOne(ctx, h.request(c, q, body))
		if err != nil {
			h.fail(c, q, err)
			return
		}
		for k, v := range resp.Headers {
			if !reserved(k) {
				c.Header(HeaderPrefix+k, v)
			}
		}
		c.Data(http.StatusOK, resp.ContentType(), resp.Data)

	case service.FireAndForget:
		if err := h.caller.FireAndForget(ctx, h.request(c, q, body)); err != nil {
			h.fail(c, q, err)
			return
		}
		c.Status(http.StatusAccepted)

	case service.RequestStream:
		s, err := h.caller.RequestMany(ctx, h.request(c, q, body))
		if err != nil {
			h.fail(c, q, err)
			return
		}
		h.sse(c, q, s)

	case service.RequestChannel:
		requests, err := h.split(c, q, body)
		if err != nil {
			h.fail(c, q, err)
			return
		}
		s, err := h.caller.RequestChannel(ctx, q, stream.FromSlice(ctx, requests))
		if err != nil {
			h.fail(c, q, err)
			return
		}
		h.sse(c, q, s)
	}
}

// request 把 HTTP 请求转换为服务消息
func (h *handler) request(c *gin.Context, q string, body []byte) *message.Message {
	ct := c.ContentType()
	if ct == "" {
		ct = codec.JSON
	}
	m := message.New(q, body, message.WithContentType(ct))
	for k, vs := range c.Request.Header {
		key := http.CanonicalHeaderKey(k)
		if !strings.HasPrefix(key, HeaderPrefix) || len(vs) == 0 {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, HeaderPrefix))
		if name != "" && !reserved(name) {
			m.Headers[name] = vs[0]
		}
	}
	return m
}

// split 把 JSON 数组请求体拆成请求序列，空请求体表示没有请求
func (h *handler) split(c *gin.Context, q string, body []byte) ([]*message.Message, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	if ct := c.ContentType(); ct != "" && ct != codec.JSON {
		return nil, serviceerr.BadRequest("request_channel over http needs %s, got %s", codec.JSON, ct)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, serviceerr.BadRequest("request_channel body must be a json array: %s", err.Error())
	}
	base := h.request(c, q, nil)
	out := make([]*message.Message, 0, len(items))
	for _, item := range items {
		m := base.Clone()
		m.Data = item
		m.Headers[message.HeaderContentType] = codec.JSON
		out = append(out, m)
	}
	return out, nil
}

// sse 把响应流写成 Server-Sent Events，客户端断开时取消上游
func (h *handler) sse(c *gin.Context, q string, s *stream.Stream[*message.Message]) {
	defer s.Cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		m, err := s.Recv(ctx)
		switch {
		case stream.IsEOF(err):
			c.SSEvent(EventComplete, "")
			c.Writer.Flush()
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			h.logger.DebugContext(ctx, "stream failed", clog.String("qualifier", q), clog.Error(err))
			c.SSEvent(EventError, gateway.ErrorData(err))
			c.Writer.Flush()
			return
		}
		c.SSEvent(EventMessage, payload(m))
		c.Writer.Flush()
	}
}

func (h *handler) fail(c *gin.Context, q string, err error) {
	status := gateway.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.ErrorContext(c.Request.Context(), "http call failed", clog.String("qualifier", q), clog.Error(err))
	} else {
		h.logger.DebugContext(c.Request.Context(), "http call rejected", clog.String("qualifier", q), clog.Error(err))
	}
	c.AbortWithStatusJSON(status, gateway.ErrorData(err))
}

// payload SSE 事件数据：JSON 负载原样输出，其它编码输出 base64
func payload(m *message.Message) string {
	if m.ContentType() == codec.JSON {
		return string(m.Data)
	}
	return base64.StdEncoding.EncodeToString(m.Data)
}

func reserved(name string) bool {
	switch name {
	case message.HeaderQualifier, message.HeaderContentType, message.HeaderErrorCode:
		return true
	}
	return false
}
