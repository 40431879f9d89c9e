package telemetry

import (
	"fmt"
	"strings"

	"github.com/rjboer/heimdallclient/internal/logging"
)

// Reporter receives one SpectrumUpdate per processed frame.
type Reporter interface {
	Report(u SpectrumUpdate)
}

// MultiReporter fans out updates to multiple destinations.
type MultiReporter []Reporter

// Report forwards the update to each configured reporter.
func (m MultiReporter) Report(u SpectrumUpdate) {
	for _, r := range m {
		if r != nil {
			r.Report(u)
		}
	}
}

// StdoutReporter logs the per-channel peak powers of every update.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(u SpectrumUpdate) {
	if len(u.Channels) == 0 {
		return
	}
	r.logger.Info("spectrum",
		logging.Field{Key: "subsystem", Value: "telemetry"},
		logging.Field{Key: "cpi_index", Value: u.CPIIndex},
		logging.Field{Key: "rf_center_mhz", Value: u.RFCenterMHz},
		logging.Field{Key: "max_power", Value: FormatMaxPowers(u.MaxPowers())},
	)
}

// FormatMaxPowers renders peak powers as "-41.2, -40.8 dBm".
func FormatMaxPowers(powers []float64) string {
	parts := make([]string, len(powers))
	for i, p := range powers {
		parts[i] = fmt.Sprintf("%.1f", p)
	}
	return strings.Join(parts, ", ") + " dBm"
}
