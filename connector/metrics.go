package connector

import (
	"context"

	"github.com/ceyewan/meshcall/metrics"
	"github.com/ceyewan/meshcall/xerrors"
)

// connMetrics 连接尝试与活跃连接数
type connMetrics struct {
	name     string
	attempts metrics.Counter
	failures metrics.Counter
	active   metrics.Gauge
}

func newConnMetrics(m metrics.Meter, kind, name string) (*connMetrics, error) {
	attempts, err := m.Counter("connector_"+kind+"_connect_attempts_total", "Number of "+kind+" connection attempts")
	if err != nil {
		return nil, xerrors.Wrap(err, "create attempts counter")
	}
	failures, err := m.Counter("connector_"+kind+"_connect_failures_total", "Number of failed "+kind+" connections")
	if err != nil {
		return nil, xerrors.Wrap(err, "create failures counter")
	}
	active, err := m.Gauge("connector_"+kind+"_active_connections", "Number of active "+kind+" connections")
	if err != nil {
		return nil, xerrors.Wrap(err, "create active gauge")
	}
	return &connMetrics{name: name, attempts: attempts, failures: failures, active: active}, nil
}

func (m *connMetrics) attempt(ctx context.Context, ok bool) {
	l := metrics.L("connector", m.name)
	m.attempts.Inc(ctx, l)
	if !ok {
		m.failures.Inc(ctx, l)
		return
	}
	m.active.Set(ctx, 1, l)
}

func (m *connMetrics) closed(ctx context.Context) {
	m.active.Set(ctx, 0, metrics.L("connector", m.name))
}
