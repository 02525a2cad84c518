package metrics

import "context"

// Discard 返回 noop Meter
func Discard() Meter {
	return noopMeter{}
}

type noopMeter struct{}

func (noopMeter) Counter(string, string, ...MetricOption) (Counter, error) {
	return noopInstrument{}, nil
}

func (noopMeter) Gauge(string, string, ...MetricOption) (Gauge, error) {
	return noopInstrument{}, nil
}

func (noopMeter) Histogram(string, string, ...MetricOption) (Histogram, error) {
	return noopInstrument{}, nil
}

func (noopMeter) Shutdown(context.Context) error {
	return nil
}

type noopInstrument struct{}

func (noopInstrument) Inc(context.Context, ...Label) {}
func (noopInstrument) Dec(context.Context, ...Label) {}
func (noopInstrument) Add(context.Context, float64, ...Label) {}
func (noopInstrument) Set(context.Context, float64, ...Label) {}
func (noopInstrument) Record(context.Context, float64, ...Label) {}
