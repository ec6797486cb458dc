package metrics

import (
	"context"
	"testing"

	"github.com/fzft/agent-ipc/config"
	"github.com/fzft/agent-ipc/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var _ ipc.Observer = (*Metrics)(nil)

func collect(t *testing.T, reader sdkmetric.Reader) map[string]metricdata.Sum[int64] {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]metricdata.Sum[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				sums[m.Name] = s
			}
		}
	}
	return sums
}

func valueFor(s metricdata.Sum[int64], key, value string) int64 {
	for _, dp := range s.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return 0
}

func TestObserverCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewWithReader(reader)
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	m.ConnectionAccepted("command")
	m.ConnectionAccepted("command")
	m.ConnectionAccepted("data")
	m.EventsReady(3)
	m.EventsReady(4)
	m.DispatchFailed("read")

	sums := collect(t, reader)
	assert.Equal(t, int64(2), valueFor(sums["ipc.connections.accepted"], "listener", "command"))
	assert.Equal(t, int64(1), valueFor(sums["ipc.connections.accepted"], "listener", "data"))
	assert.Equal(t, int64(1), valueFor(sums["ipc.dispatch.errors"], "kind", "read"))

	ready := sums["ipc.events.ready"]
	require.Len(t, ready.DataPoints, 1)
	assert.Equal(t, int64(7), ready.DataPoints[0].Value)
}

func TestDisabled(t *testing.T) {
	m, err := New(config.Metrics{})
	require.NoError(t, err)
	assert.False(t, m.Enabled())

	m.EventsReady(1)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestStdoutExporter(t *testing.T) {
	m, err := New(config.Metrics{Enabled: true, Exporter: config.ExporterStdout})
	require.NoError(t, err)
	assert.True(t, m.Enabled())
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestUnknownExporter(t *testing.T) {
	_, err := New(config.Metrics{Enabled: true, Exporter: "otlp"})
	assert.Error(t, err)
}
