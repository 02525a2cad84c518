// Package stream 提供带背压和取消的单生产者数据流，承载四种调用模式的请求与响应。
//
// 生产者持有 Emitter：Emit 在缓冲区满时阻塞，消费者取消后返回 ErrCancelled；
// Close 以 nil（正常结束）或一个错误终止流，之后的 Close 被忽略。
// 消费者持有 Stream：Recv 依次返回元素，结束时返回 io.EOF 或终止错误。
// 消费者要么读到终止，要么调用 Cancel，二者都会释放生产者的 Context。
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

var (
	// ErrCancelled 消费者已取消
	ErrCancelled = errors.New("stream: cancelled")
	// ErrClosed 生产者在 Close 之后继续 Emit
	ErrClosed = errors.New("stream: emit after close")
	// ErrPanic 生产者 panic
	ErrPanic = errors.New("stream: producer panic")
)

// Stream 消费端
type Stream[T any] struct {
	ch     chan T
	ctx    context.Context
	cancel context.CancelCauseFunc
	closed chan struct{}

	err       error
	closeOnce sync.Once
	cancelled atomic.Bool
}

// Emitter 生产端
type Emitter[T any] struct {
	s *Stream[T]
}

// New 创建一条流，buffer 为缓冲元素数，0 表示每次 Emit 都等待消费者接收。
// 父 ctx 取消时流随之取消。
func New[T any](ctx context.Context, buffer int) (*Stream[T], *Emitter[T]) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer < 0 {
		buffer = 0
	}
	cctx, cancel := context.WithCancelCause(ctx)
	s := &Stream[T]{
		ch:     make(chan T, buffer),
		ctx:    cctx,
		cancel: cancel,
		closed: make(chan struct{}),
	}
	return s, &Emitter[T]{s: s}
}

// Recv 接收下一个元素。ctx 只限制本次等待，不影响流本身。
func (s *Stream[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if s.cancelled.Load() {
		return zero, ErrCancelled
	}
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case v := <-s.ch:
		return v, nil
	default:
	}

	select {
	case v := <-s.ch:
		return v, nil
	case <-s.closed:
		return s.terminal()
	case <-s.ctx.Done():
		select {
		case <-s.closed:
			return s.terminal()
		default:
		}
		return zero, context.Cause(s.ctx)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// terminal 先排空已缓冲的元素，再返回终止状态
func (s *Stream[T]) terminal() (T, error) {
	select {
	case v := <-s.ch:
		return v, nil
	default:
	}
	s.cancel(nil)

	var zero T
	if s.err != nil {
		return zero, s.err
	}
	return zero, io.EOF
}

// Cancel 取消流，幂等。之后 Recv 立即返回 ErrCancelled，生产者的下一次 Emit 失败。
func (s *Stream[T]) Cancel() {
	s.cancelled.Store(true)
	s.cancel(ErrCancelled)
}

// Cancelled 消费者是否已取消
func (s *Stream[T]) Cancelled() bool {
	return s.cancelled.Load()
}

// Done 生产者终止时关闭
func (s *Stream[T]) Done() <-chan struct{} {
	return s.closed
}

// Err 生产者的终止错误，仅在 Done 关闭后有意义
func (s *Stream[T]) Err() error {
	select {
	case <-s.closed:
		return s.err
	default:
		return nil
	}
}

// Context 生产者使用的 Context，流取消或终止后结束
func (s *Stream[T]) Context() context.Context {
	return s.ctx
}

// Emit 发送一个元素，缓冲区满时阻塞
func (e *Emitter[T]) Emit(v T) error {
	s := e.s
	select {
	case <-s.closed:
		return ErrClosed
	case <-s.ctx.Done():
		return context.Cause(s.ctx)
	default:
	}

	select {
	case s.ch <- v:
		return nil
	case <-s.ctx.Done():
		return context.Cause(s.ctx)
	case <-s.closed:
		return ErrClosed
	}
}

// TryEmit 非阻塞发送，缓冲区满时返回 false
func (e *Emitter[T]) TryEmit(v T) (bool, error) {
	s := e.s
	select {
	case <-s.closed:
		return false, ErrClosed
	case <-s.ctx.Done():
		return false, context.Cause(s.ctx)
	default:
	}

	select {
	case s.ch <- v:
		return true, nil
	default:
		return false, nil
	}
}

// Close 终止流，err 为 nil 表示正常结束。只有第一次调用生效。
func (e *Emitter[T]) Close(err error) {
	e.s.closeOnce.Do(func() {
		e.s.err = err
		close(e.s.closed)
	})
}

// Context 生产者应在阻塞 I/O 上观察此 Context
func (e *Emitter[T]) Context() context.Context {
	return e.s.ctx
}

// Cancelled 消费者是否已取消
func (e *Emitter[T]) Cancelled() bool {
	return e.s.cancelled.Load()
}

// IsCancellation 判断错误是否来自取消（消费者取消或上游 Context 结束）
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsEOF 正常结束
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
