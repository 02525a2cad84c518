package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/service"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
)

// HelloRequest greeting/hello 的请求
type HelloRequest struct {
	Name string `json:"name" msgpack:"name"`
}

// HelloReply greeting/hello 的响应
type HelloReply struct {
	Message string `json:"message" msgpack:"message"`
	Node    string `json:"node" msgpack:"node"`
}

// CountdownRequest greeting/countdown 的请求
type CountdownRequest struct {
	From     int           `json:"from" msgpack:"from"`
	Interval time.Duration `json:"interval" msgpack:"interval"`
}

// greeting 示例服务，覆盖四种调用模式
func greeting(node string, logger clog.Logger) service.Service {
	logger = logger.WithNamespace("greeting")
	return service.New("greeting",
		service.Unary("hello", func(ctx context.Context, req HelloRequest) (HelloReply, error) {
			if req.Name == "" {
				return HelloReply{}, serviceerr.Unauthorized("anonymous callers are not greeted")
			}
			return HelloReply{Message: "hello " + req.Name, Node: node}, nil
		}),
		service.OneWay("notify", func(ctx context.Context, req HelloRequest) error {
			logger.InfoContext(ctx, "notified", clog.String("name", req.Name))
			return nil
		}),
		service.ServerStream("countdown", func(ctx context.Context, req CountdownRequest, emit func(int) error) error {
			if req.From < 0 {
				return serviceerr.BadRequest("from must not be negative")
			}
			interval := req.Interval
			if interval <= 0 {
				interval = 100 * time.Millisecond
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for i := req.From; i >= 0; i-- {
				if err := emit(i); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
			return nil
		}),
		service.Channel("chat", func(ctx context.Context, in *stream.Stream[string], emit func(string) error) error {
			n := 0
			for {
				line, err := in.Recv(ctx)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				n++
				if err := emit(fmt.Sprintf("[%s #%d] %s", node, n, line)); err != nil {
					return err
				}
			}
		}),
	)
}
