package stream

import (
	"context"
	"fmt"
	"io"
)

// Produce 在新的 goroutine 中运行 fn，fn 返回时以其返回值关闭流；panic 转换为 ErrPanic。
func Produce[T any](ctx context.Context, buffer int, fn func(ctx context.Context, e *Emitter[T]) error) *Stream[T] {
	s, e := New[T](ctx, buffer)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrPanic, r)
			}
			e.Close(err)
		}()
		err = fn(s.ctx, e)
	}()
	return s
}

// Just 只含一个元素的流
func Just[T any](ctx context.Context, v T) *Stream[T] {
	s, e := New[T](ctx, 1)
	_ = e.Emit(v)
	e.Close(nil)
	return s
}

// Empty 立即正常结束的流
func Empty[T any](ctx context.Context) *Stream[T] {
	s, e := New[T](ctx, 0)
	e.Close(nil)
	return s
}

// Error 立即以 err 结束的流
func Error[T any](ctx context.Context, err error) *Stream[T] {
	s, e := New[T](ctx, 0)
	e.Close(err)
	return s
}

// FromSlice 依次发出 vs 后结束
func FromSlice[T any](ctx context.Context, vs []T) *Stream[T] {
	s, e := New[T](ctx, len(vs))
	for _, v := range vs {
		_ = e.Emit(v)
	}
	e.Close(nil)
	return s
}

// Collect 读取全部元素。出错时取消流并返回已读取的部分。
func Collect[T any](ctx context.Context, s *Stream[T]) ([]T, error) {
	var out []T
	for {
		v, err := s.Recv(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			s.Cancel()
			return out, err
		}
		out = append(out, v)
	}
}

// First 读取第一个元素后取消其余部分。空流返回 io.EOF。
func First[T any](ctx context.Context, s *Stream[T]) (T, error) {
	v, err := s.Recv(ctx)
	s.Cancel()
	return v, err
}

// ForEach 对每个元素调用 fn，fn 出错时取消流
func ForEach[T any](ctx context.Context, s *Stream[T], fn func(T) error) error {
	for {
		v, err := s.Recv(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			s.Cancel()
			return err
		}
		if err := fn(v); err != nil {
			s.Cancel()
			return err
		}
	}
}

// Map 转换每个元素。下游取消会传递到上游。
func Map[T, U any](ctx context.Context, in *Stream[T], fn func(T) (U, error)) *Stream[U] {
	return Produce(ctx, 0, func(ctx context.Context, e *Emitter[U]) error {
		defer in.Cancel()
		for {
			v, err := in.Recv(ctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			u, err := fn(v)
			if err != nil {
				return err
			}
			if err := e.Emit(u); err != nil {
				return err
			}
		}
	})
}
