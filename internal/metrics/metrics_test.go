package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordFrame("DATA", 10)
		m.RecordDelivered()
		m.RecordSuppressed()
		m.RecordDropped("empty")
		m.RecordReconnect()
		m.SetConnectionState("data", 2)
		m.RecordCommand("INIT", nil)
		m.ObserveSpectrum(time.Millisecond)
		m.SetMaxPower(0, -40)
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordFrame("DATA", 128)
	m.RecordFrame("DATA", 128)
	m.RecordFrame("DUMMY", 0)
	m.RecordDelivered()
	m.RecordDropped("not_data")
	m.RecordReconnect()
	m.RecordCommand("FREQ", nil)
	m.RecordCommand("FREQ", errors.New("boom"))
	m.SetConnectionState("data", 2)
	m.SetMaxPower(1, -37.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("DATA")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("DUMMY")))
	assert.Equal(t, 256.0, testutil.ToFloat64(m.payloadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesDelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesDropped.WithLabelValues("not_data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsSent.WithLabelValues("FREQ", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsSent.WithLabelValues("FREQ", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionState.WithLabelValues("data")))
	assert.Equal(t, -37.5, testutil.ToFloat64(m.maxPowerDBm.WithLabelValues("1")))
}

func TestRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
