// Package metrics exports reactor activity as OpenTelemetry counters.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/fzft/agent-ipc/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/fzft/agent-ipc"

// Metrics records reactor events. It satisfies ipc.Observer.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	enabled  bool

	accepted       metric.Int64Counter
	eventsReady    metric.Int64Counter
	dispatchErrors metric.Int64Counter
}

// New builds the meter provider described by cfg. A disabled config still
// returns usable Metrics that export nothing.
func New(cfg config.Metrics) (*Metrics, error) {
	if !cfg.Enabled || cfg.Exporter == config.ExporterNone || cfg.Exporter == "" {
		return newMetrics(sdkmetric.NewMeterProvider(), false)
	}

	var exporter sdkmetric.Exporter
	switch cfg.Exporter {
	case config.ExporterStdout:
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.Exporter)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = config.DefaultMetricsInterval
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	return newMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), true)
}

// NewWithReader builds Metrics on top of an explicit reader.
func NewWithReader(reader sdkmetric.Reader) (*Metrics, error) {
	return newMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), true)
}

func newMetrics(mp *sdkmetric.MeterProvider, enabled bool) (*Metrics, error) {
	m := &Metrics{provider: mp, enabled: enabled}
	meter := mp.Meter(meterName)

	var err error
	m.accepted, err = meter.Int64Counter("ipc.connections.accepted",
		metric.WithDescription("Connections accepted per listener"))
	if err != nil {
		return nil, fmt.Errorf("failed to create accepted counter: %w", err)
	}
	m.eventsReady, err = meter.Int64Counter("ipc.events.ready",
		metric.WithDescription("Ready keys returned by the selector"))
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}
	m.dispatchErrors, err = meter.Int64Counter("ipc.dispatch.errors",
		metric.WithDescription("Recoverable dispatch failures by kind"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch error counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) Enabled() bool {
	return m.enabled
}

func (m *Metrics) ConnectionAccepted(listener string) {
	m.accepted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("listener", listener)))
}

func (m *Metrics) EventsReady(n int) {
	m.eventsReady.Add(context.Background(), int64(n))
}

func (m *Metrics) DispatchFailed(kind string) {
	m.dispatchErrors.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// Shutdown flushes and stops the exporter.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return m.provider.Shutdown(ctx)
}
