package breaker

import (
	"context"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/meshcall/clog"
	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/xerrors"
)

const (
	MetricRejectsTotal = "meshcall_breaker_rejects_total"
	MetricStateChanges = "meshcall_breaker_state_changes_total"

	LabelKey       = "key"
	LabelFromState = "from_state"
	LabelToState   = "to_state"
)

type circuitBreaker struct {
	cfg        *Config
	logger     clog.Logger
	classifier Classifier

	rejects      metrics.Counter
	stateChanges metrics.Counter

	breakers sync.Map // map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]
}

func newBreaker(cfg *Config, o *options) (Breaker, error) {
	rejects, err := o.meter.Counter(MetricRejectsTotal, "Calls rejected by an open circuit breaker.")
	if err != nil {
		return nil, xerrors.Wrap(err, "create reject counter")
	}
	changes, err := o.meter.Counter(MetricStateChanges, "Circuit breaker state transitions.")
	if err != nil {
		return nil, xerrors.Wrap(err, "create state change counter")
	}
	return &circuitBreaker{
		cfg:          cfg,
		logger:       o.logger,
		classifier:   o.classifier,
		rejects:      rejects,
		stateChanges: changes,
	}, nil
}

func (cb *circuitBreaker) Execute(ctx context.Context, key string, fn func() error) error {
	done, err := cb.Allow(key)
	if err != nil {
		return err
	}
	err = fn()
	done(!cb.classifier(err))
	return err
}

func (cb *circuitBreaker) Allow(key string) (func(success bool), error) {
	if key == "" {
		return nil, ErrKeyEmpty
	}
	done, err := cb.get(key).Allow()
	if err != nil {
		if xerrors.Is(err, gobreaker.ErrOpenState) || xerrors.Is(err, gobreaker.ErrTooManyRequests) {
			cb.rejects.Inc(context.Background(), metrics.L(LabelKey, key))
			return nil, ErrOpenState
		}
		return nil, err
	}
	var once sync.Once
	return func(success bool) {
		once.Do(func() { done(success) })
	}, nil
}

func (cb *circuitBreaker) State(key string) State {
	v, ok := cb.breakers.Load(key)
	if !ok {
		return StateClosed
	}
	return fromGobreaker(v.(*gobreaker.TwoStepCircuitBreaker[struct{}]).State())
}

func (cb *circuitBreaker) get(key string) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	if v, ok := cb.breakers.Load(key); ok {
		return v.(*gobreaker.TwoStepCircuitBreaker[struct{}])
	}
	brk := gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:          key,
		MaxRequests:   cb.cfg.MaxRequests,
		Interval:      cb.cfg.Interval,
		Timeout:       cb.cfg.Timeout,
		ReadyToTrip:   cb.readyToTrip,
		OnStateChange: cb.onStateChange,
	})
	actual, _ := cb.breakers.LoadOrStore(key, brk)
	return actual.(*gobreaker.TwoStepCircuitBreaker[struct{}])
}

func (cb *circuitBreaker) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < cb.cfg.MinimumRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= cb.cfg.FailureRatio
}

func (cb *circuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	cb.logger.Info("circuit breaker state changed",
		clog.String("key", name),
		clog.String("from", fromGobreaker(from).String()),
		clog.String("to", fromGobreaker(to).String()))
	cb.stateChanges.Inc(context.Background(),
		metrics.L(LabelKey, name),
		metrics.L(LabelFromState, fromGobreaker(from).String()),
		metrics.L(LabelToState, fromGobreaker(to).String()))
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
