package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rjboer/heimdallclient/internal/connectionmgr"
	"github.com/rjboer/heimdallclient/internal/control"
	"github.com/rjboer/heimdallclient/internal/daq"
	"github.com/rjboer/heimdallclient/internal/dsp"
	"github.com/rjboer/heimdallclient/internal/iqheader"
	"github.com/rjboer/heimdallclient/internal/logging"
	"github.com/rjboer/heimdallclient/internal/metrics"
	"github.com/rjboer/heimdallclient/internal/recorder"
	"github.com/rjboer/heimdallclient/internal/telemetry"
)

// DefaultBandwidthMHz is used when a header carries no sampling frequency.
const DefaultBandwidthMHz = 2.4

// ErrInvalidChannel is returned by SelectChannel for an out of range index.
var ErrInvalidChannel = errors.New("invalid display channel")

// Config captures application level configuration.
type Config struct {
	Control  control.Config
	Data     daq.Config
	Settings control.Settings
	// AGC is sent after INIT when set.
	AGC            bool
	DisplayChannel int
	// DumpPath, when set, is overwritten with the latest frame at most once
	// per DumpInterval.
	DumpPath     string
	DumpInterval time.Duration
	FrameBuffer  int
}

// StatusSink receives notifications and connection state changes.
// *telemetry.Hub satisfies it.
type StatusSink interface {
	Notify(source, message string)
	SetState(channel, state string)
}

// Option customises a Receiver.
type Option func(*Receiver)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Receiver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithReporter sets where spectrum updates go.
func WithReporter(rep telemetry.Reporter) Option {
	return func(r *Receiver) { r.reporter = rep }
}

// WithStatus wires notifications and connection states to s.
func WithStatus(s StatusSink) Option {
	return func(r *Receiver) { r.status = s }
}

// WithMetrics records protocol and spectrum metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Receiver) { r.metrics = m }
}

// WithDialer routes both sockets through d, e.g. an SSH tunnel.
func WithDialer(d connectionmgr.Dialer) Option {
	return func(r *Receiver) { r.dialer = d }
}

// Receiver wires the control and data channels into the spectrum pipeline.
type Receiver struct {
	cfg      Config
	logger   logging.Logger
	reporter telemetry.Reporter
	status   StatusSink
	metrics  *metrics.Metrics
	dialer   connectionmgr.Dialer

	ctl    *control.Channel
	data   *daq.Channel
	frames chan daq.Frame
	proc   *dsp.Processor

	mu       sync.Mutex
	display  int
	lastDump time.Time
	frameCnt uint64
}

// NewReceiver builds the control and data channels. Nothing is dialled
// until Configure or Start.
func NewReceiver(cfg Config, opts ...Option) *Receiver {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 4
	}
	if cfg.DumpInterval <= 0 {
		cfg.DumpInterval = time.Second
	}
	r := &Receiver{
		cfg:     cfg,
		logger:  logging.Default(),
		frames:  make(chan daq.Frame, cfg.FrameBuffer),
		proc:    dsp.NewProcessor(),
		display: cfg.DisplayChannel,
	}
	for _, opt := range opts {
		opt(r)
	}
	base := r.logger
	r.logger = base.With(logging.Field{Key: "subsystem", Value: "receiver"})

	ctlOpts := []control.Option{
		control.WithLogger(base),
		control.WithMetrics(r.metrics),
		control.WithStateHook(r.stateHook("control")),
	}
	dataOpts := []daq.Option{
		daq.WithLogger(base),
		daq.WithMetrics(r.metrics),
		daq.WithStateHook(r.stateHook("data")),
	}
	if r.status != nil {
		ctlOpts = append(ctlOpts, control.WithNotifier(r.status))
		dataOpts = append(dataOpts, daq.WithNotifier(r.status))
	}
	if r.dialer != nil {
		ctlOpts = append(ctlOpts, control.WithDialer(r.dialer))
		dataOpts = append(dataOpts, daq.WithDialer(r.dialer))
	}
	r.ctl = control.New(cfg.Control, ctlOpts...)
	r.data = daq.New(cfg.Data, r.frames, dataOpts...)
	return r
}

func (r *Receiver) stateHook(channel string) func(connectionmgr.State) {
	return func(s connectionmgr.State) {
		if r.status != nil {
			r.status.SetState(channel, s.String())
		}
	}
}

// Control exposes the command channel for ad-hoc commands.
func (r *Receiver) Control() *control.Channel { return r.ctl }

// Configure pushes the radio settings and starts acquisition.
func (r *Receiver) Configure(ctx context.Context) error {
	if err := r.ctl.Configure(ctx, r.cfg.Settings); err != nil {
		return fmt.Errorf("configure appliance: %w", err)
	}
	if r.cfg.AGC {
		if _, err := r.ctl.SendAGC(ctx); err != nil {
			return fmt.Errorf("enable AGC: %w", err)
		}
	}
	return nil
}

// Start begins streaming. It returns once the data worker is running.
func (r *Receiver) Start(ctx context.Context) error {
	if err := r.data.Connect(ctx); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}
	return nil
}

// Stop disconnects both channels.
func (r *Receiver) Stop() {
	if err := r.data.Disconnect(); err != nil {
		r.logger.Warn("disconnect data channel", logging.Field{Key: "error", Value: err})
	}
	if err := r.ctl.Disconnect(); err != nil {
		r.logger.Warn("disconnect control channel", logging.Field{Key: "error", Value: err})
	}
	_ = r.ctl.Close()
}

// Run configures the appliance, streams and processes frames until ctx is
// cancelled. A configuration failure is logged and streaming still starts,
// since the appliance may already be configured by another client.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.Stop()
	if err := r.Configure(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Error("configuration failed", logging.Field{Key: "error", Value: err})
	}
	if err := r.Start(ctx); err != nil {
		return err
	}
	r.logger.Info("streaming started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-r.frames:
			r.handle(f)
		}
	}
}

// SelectChannel picks the channel summarised by Display. The index is
// checked against the channel count of the last processed frame.
func (r *Receiver) SelectChannel(ch int) error {
	if ch < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	if n := r.proc.Channels(); n > 0 && ch >= n {
		return fmt.Errorf("%w: %d of %d", ErrInvalidChannel, ch, n)
	}
	r.mu.Lock()
	r.display = ch
	r.mu.Unlock()
	return nil
}

// SelectedChannel returns the display channel index.
func (r *Receiver) SelectedChannel() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.display
}

// Display returns a copy of the selected channel's spectrum.
func (r *Receiver) Display() (dsp.Spectrum, bool) {
	return r.proc.Spectrum(r.SelectedChannel())
}

// MaxPowers returns the peak power per channel of the last frame.
func (r *Receiver) MaxPowers() []float64 {
	return r.proc.MaxPowers()
}

// Frames counts processed frames.
func (r *Receiver) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameCnt
}

func (r *Receiver) handle(f daq.Frame) {
	r.process(f.Header, f.Samples)

	r.mu.Lock()
	r.frameCnt++
	dump := r.cfg.DumpPath != "" && time.Since(r.lastDump) >= r.cfg.DumpInterval
	if dump {
		r.lastDump = time.Now()
	}
	r.mu.Unlock()
	if dump {
		if err := recorder.SaveFile(r.cfg.DumpPath, f.Samples); err != nil {
			r.logger.Warn("write sample dump", logging.Field{Key: "path", Value: r.cfg.DumpPath}, logging.Field{Key: "error", Value: err})
		}
	}
}

// process turns one block of samples into spectra and publishes them.
func (r *Receiver) process(h iqheader.Header, samples [][]float32) {
	bw := float64(h.SamplingFreq) / 1e6
	if bw <= 0 {
		bw = DefaultBandwidthMHz
	}
	start := time.Now()
	r.proc.ProcessFrame(samples, bw)
	r.metrics.ObserveSpectrum(time.Since(start))

	spectra := r.proc.Spectra()
	for ch, s := range spectra {
		peak, _ := dsp.MaxPower(s)
		r.metrics.SetMaxPower(ch, peak)
	}
	if r.reporter != nil {
		r.reporter.Report(telemetry.NewSpectrumUpdate(h, spectra))
	}
}

// LoadDump seeds the spectra from a sample dump written by the recorder,
// so the display has data before the first frame arrives. The dump carries
// no header; the default bandwidth is assumed.
func (r *Receiver) LoadDump(path string, channels int) error {
	samples, err := recorder.LoadFile(path, channels)
	if err != nil {
		return fmt.Errorf("load sample dump: %w", err)
	}
	r.process(iqheader.Header{FrameType: iqheader.FrameData}, samples)
	r.logger.Info("loaded sample dump",
		logging.Field{Key: "path", Value: path},
		logging.Field{Key: "channels", Value: len(samples)})
	if r.status != nil {
		r.status.Notify("recorder", "Loaded sample dump "+path)
	}
	return nil
}
