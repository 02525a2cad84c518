package microservices

import (
	"context"
	"fmt"
	"sync"

	"github.com/ceyewan/meshcall/xerrors"
)

// 启动阶段，关闭时按相反顺序停止
const (
	StageTransport = "transport"
	StageDiscovery = "discovery"
	StageGateways  = "gateways"
)

// StageError 某个阶段停止失败
type StageError struct {
	Stage string
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("microservices: stop %s: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

type stage struct {
	name string
	stop func(ctx context.Context) error
}

// lifecycle 记录已经启动的阶段
type lifecycle struct {
	mu     sync.Mutex
	stages []stage
}

func (l *lifecycle) started(name string, stop func(ctx context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, stage{name: name, stop: stop})
}

// stopAll 逆序停止全部阶段，某一阶段失败不影响后续阶段
func (l *lifecycle) stopAll(ctx context.Context) error {
	l.mu.Lock()
	stages := l.stages
	l.stages = nil
	l.mu.Unlock()

	var errs []error
	for i := len(stages) - 1; i >= 0; i-- {
		if err := stages[i].stop(ctx); err != nil {
			errs = append(errs, &StageError{Stage: stages[i].name, Cause: err})
		}
	}
	return xerrors.Combine(errs...)
}
