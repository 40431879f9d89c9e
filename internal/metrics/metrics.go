// Package metrics exposes Prometheus collectors for the DAQ client. All
// Record methods are safe on a nil *Metrics so components can run without
// a registry.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "heimdall"

// Metrics holds every collector the client updates.
type Metrics struct {
	framesReceived   *prometheus.CounterVec // by frame type
	framesDelivered  prometheus.Counter
	framesSuppressed prometheus.Counter
	framesDropped    *prometheus.CounterVec // by reason
	payloadBytes     prometheus.Counter
	reconnects       prometheus.Counter
	connectionState  *prometheus.GaugeVec // by channel (control, data)
	commandsSent     *prometheus.CounterVec // by command, result
	spectrumDuration prometheus.Histogram
	maxPowerDBm      *prometheus.GaugeVec // by antenna channel
}

// New registers the collectors with reg. A nil reg uses the default
// Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		framesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read from the DAQ data port, by header frame type",
		}, []string{"frame_type"}),
		framesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "DATA frames handed to the consumer",
		}),
		framesSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_suppressed_total",
			Help:      "DATA frames withheld by the integrity check",
		}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded before delivery, by reason",
		}, []string{"reason"}),
		payloadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "I/Q payload bytes received",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Data port reconnect attempts",
		}),
		connectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection state per channel (0=disconnected 1=connecting 2=connected 3=reconnecting)",
		}, []string{"channel"}),
		commandsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_commands_total",
			Help:      "Control commands sent, by tag and result",
		}, []string{"command", "result"}),
		spectrumDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "spectrum_duration_seconds",
			Help:      "Time spent turning one frame into spectra",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		maxPowerDBm: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_power_dbm",
			Help:      "Peak bin power of the latest spectrum per antenna channel",
		}, []string{"channel"}),
	}
}

func (m *Metrics) RecordFrame(frameType string, payloadBytes int64) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
	if payloadBytes > 0 {
		m.payloadBytes.Add(float64(payloadBytes))
	}
}

func (m *Metrics) RecordDelivered() {
	if m == nil {
		return
	}
	m.framesDelivered.Inc()
}

func (m *Metrics) RecordSuppressed() {
	if m == nil {
		return
	}
	m.framesSuppressed.Inc()
}

// RecordDropped counts a discarded frame. Typical reasons are "empty",
// "not_data", "decode" and "oversize".
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetConnectionState publishes the numeric state of a channel.
func (m *Metrics) SetConnectionState(channel string, state int) {
	if m == nil {
		return
	}
	m.connectionState.WithLabelValues(channel).Set(float64(state))
}

// RecordCommand counts a control command; err == nil counts as "ok".
func (m *Metrics) RecordCommand(command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commandsSent.WithLabelValues(command, result).Inc()
}

func (m *Metrics) ObserveSpectrum(d time.Duration) {
	if m == nil {
		return
	}
	m.spectrumDuration.Observe(d.Seconds())
}

func (m *Metrics) SetMaxPower(channel int, dbm float64) {
	if m == nil {
		return
	}
	m.maxPowerDBm.WithLabelValues(strconv.Itoa(channel)).Set(dbm)
}
