package grpctransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/message"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/serviceerr"
	"github.com/ceyewan/meshcall/stream"
	"github.com/ceyewan/meshcall/transport"
	"github.com/ceyewan/meshcall/xerrors"
)

const (
	qualifierKey = "meshcall-qualifier"

	MetricActiveStreams = "meshcall_transport_active_streams"
)

// Server gRPC 服务端传输
type Server struct {
	cfg    *Config
	logger clog.Logger

	activeGauge metrics.Gauge
	active      atomic.Int64

	mu      sync.Mutex
	srv     *grpc.Server
	addr    string
	stopped bool
	invoker transport.Invoker
}

func newServer(cfg *Config, o *options) (*Server, error) {
	gauge, err := o.meter.Gauge(MetricActiveStreams, "In-flight inbound transport streams.")
	if err != nil {
		return nil, xerrors.Wrap(err, "create active streams gauge")
	}
	return &Server{cfg: cfg, logger: o.logger, activeGauge: gauge}, nil
}

// Bind 监听 address 并开始服务，只能调用一次。address 为空时使用 DefaultAddress。
func (s *Server) Bind(ctx context.Context, address string, invoker transport.Invoker) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", transport.ErrClosed
	}
	if s.srv != nil {
		return "", transport.ErrAlreadyBound
	}
	if invoker == nil {
		return "", xerrors.New("grpctransport: invoker is nil")
	}

	if address == "" {
		address = DefaultAddress
	}
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return "", xerrors.Wrapf(err, "listen on %s", address)
	}

	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.MaxRecvMsgSize(s.cfg.MaxMsgSize),
		grpc.MaxSendMsgSize(s.cfg.MaxMsgSize),
	}
	if s.cfg.Workers > 0 {
		opts = append(opts, grpc.NumStreamWorkers(uint32(s.cfg.Workers)))
	}
	srv := grpc.NewServer(opts...)
	s.invoker = invoker
	srv.RegisterService(&serviceDesc, s)
	s.srv = srv
	s.addr = lis.Addr().String()

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc server stopped unexpectedly", clog.String("address", s.addr), clog.Error(err))
		}
	}()

	s.logger.Info("grpc transport bound", clog.String("address", s.addr), clog.Int("workers", s.cfg.Workers))
	return s.addr, nil
}

// Address 已绑定的地址，未绑定时为空
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Active 正在处理的入站流数量
func (s *Server) Active() int64 {
	return s.active.Load()
}

// Stop 优雅停止，ctx 到期后强制关闭仍在进行的流。幂等。
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()
	if srv == nil || already {
		return nil
	}

	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, closing streams", clog.Int64("active", s.active.Load()))
		srv.Stop()
		<-done
	}
	s.logger.Info("grpc transport stopped", clog.String("address", s.addr))
	return nil
}

// serve 处理一条入站调用
func (s *Server) serve(ss grpc.ServerStream) error {
	ctx := ss.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	var q string
	if v := md.Get(qualifierKey); len(v) > 0 {
		q = v[0]
	}
	if q == "" {
		return status.Error(codes.InvalidArgument, "missing qualifier")
	}
	if pattern, ok := patternFromMetadata(md); ok {
		if registered, found := s.invoker.Pattern(q); found && registered != pattern {
			return ss.SendMsg(message.NewError(q, serviceerr.CodeBadRequest,
				fmt.Sprintf("%s is %s, called as %s", q, registered, pattern)))
		}
	}

	s.active.Add(1)
	s.activeGauge.Inc(ctx, metrics.L("transport", "grpc"))
	defer func() {
		s.active.Add(-1)
		s.activeGauge.Dec(context.WithoutCancel(ctx), metrics.L("transport", "grpc"))
	}()

	requests, e := stream.New[*message.Message](ctx, s.cfg.Buffer)
	go s.pump(ss, e)

	responses := s.invoker.Invoke(ctx, q, requests)
	defer responses.Cancel()
	for {
		m, err := responses.Recv(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return status.FromContextError(ctx.Err()).Err()
			}
			return ss.SendMsg(serviceerr.Default.ToMessage(q, err))
		}
		if err := ss.SendMsg(m); err != nil {
			s.logger.Debug("send response failed", clog.String("qualifier", q), clog.Error(err))
			return err
		}
	}
}

// pump 把客户端发来的帧写入请求流。客户端异常断开时请求流以 SERVICE_UNAVAILABLE 结束。
func (s *Server) pump(ss grpc.ServerStream, e *stream.Emitter[*message.Message]) {
	for {
		m := new(message.Message)
		if err := ss.RecvMsg(m); err != nil {
			if err == io.EOF {
				e.Close(nil)
			} else {
				e.Close(serviceerr.ServiceUnavailable("request stream broken: %v", err))
			}
			return
		}
		if err := e.Emit(m); err != nil {
			e.Close(nil)
			return
		}
	}
}
