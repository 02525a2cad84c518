package xerrors

import (
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	// nil 错误应返回 nil
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("Wrap(nil) = %v，期望 nil", err)
	}

	base := errors.New("base error")
	wrapped := Wrap(base, "context")
	if wrapped.Error() != "context: base error" {
		t.Errorf("Wrap(err).Error() = %q，期望 %q", wrapped.Error(), "context: base error")
	}
	// 应保留错误链
	if !errors.Is(wrapped, base) {
		t.Error("errors.Is(wrapped, base) = false，期望 true")
	}
}

func TestWrapf(t *testing.T) {
	if err := Wrapf(nil, "endpoint %s", "n1"); err != nil {
		t.Errorf("Wrapf(nil) = %v，期望 nil", err)
	}
	wrapped := Wrapf(ErrNotFound, "endpoint %s", "n1")
	if wrapped.Error() != "endpoint n1: not found" {
		t.Errorf("Wrapf(err).Error() = %q", wrapped.Error())
	}
	if !Is(wrapped, ErrNotFound) {
		t.Error("包装后应仍能匹配 ErrNotFound")
	}
}

func TestMust(t *testing.T) {
	if v := Must(42, nil); v != 42 {
		t.Errorf("Must(42, nil) = %d，期望 42", v)
	}
	defer func() {
		if r := recover(); r == nil {
			t.Error("Must(_, err) 未触发 panic")
		}
	}()
	Must(0, errors.New("boom"))
}

func TestCollector(t *testing.T) {
	var c Collector
	c.Collect(nil)
	first := errors.New("first")
	c.Collect(first)
	c.Collect(errors.New("second"))
	if c.Err() != first {
		t.Errorf("Collector.Err() = %v，期望 first", c.Err())
	}
}

func TestCombine(t *testing.T) {
	if err := Combine(nil, nil); err != nil {
		t.Errorf("Combine(nil, nil) = %v，期望 nil", err)
	}

	single := errors.New("single")
	if err := Combine(nil, single); err != single {
		t.Errorf("只有一个错误时应原样返回，得到 %v", err)
	}

	a, b := errors.New("a"), ErrClosed
	err := Combine(a, nil, b)
	var multi *MultiError
	if !As(err, &multi) {
		t.Fatalf("Combine 应返回 *MultiError，得到 %T", err)
	}
	if len(multi.Errors) != 2 {
		t.Errorf("len(Errors) = %d，期望 2", len(multi.Errors))
	}
	// errors.Is 应能遍历所有成员
	if !Is(err, a) || !Is(err, ErrClosed) {
		t.Error("MultiError 应匹配所有成员错误")
	}
	if err.Error() != "2 errors occurred: a; closed" {
		t.Errorf("Error() = %q", err.Error())
	}
}
