package app

import (
	"context"
	"errors"
	"math"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rjboer/heimdallclient/internal/control"
	"github.com/rjboer/heimdallclient/internal/daq"
	"github.com/rjboer/heimdallclient/internal/metrics"
	"github.com/rjboer/heimdallclient/internal/recorder"
	"github.com/rjboer/heimdallclient/internal/simulator"
	"github.com/rjboer/heimdallclient/internal/telemetry"
)

type recordingReporter struct {
	updates chan telemetry.SpectrumUpdate
}

func (r *recordingReporter) Report(u telemetry.SpectrumUpdate) {
	select {
	case r.updates <- u:
	default:
	}
}

func startSimulator(t *testing.T, ctx context.Context, cfg simulator.Config) (*simulator.Appliance, string, string) {
	t.Helper()
	sim := simulator.New(cfg, nil)
	cln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go sim.ServeControl(ctx, cln)
	go sim.ServeData(ctx, dln)
	return sim, cln.Addr().String(), dln.Addr().String()
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func testConfig(ctlAddr, dataAddr string) Config {
	data := daq.DefaultConfig(dataAddr)
	data.ReadTimeout = 2 * time.Second
	data.ReconnectDelay = 10 * time.Millisecond
	return Config{
		Control: control.Config{Address: ctlAddr, DialTimeout: time.Second, ResponseTimeout: time.Second},
		Data:    data,
		Settings: control.Settings{
			FrequencyMHz: "433.92",
			Gains:        []int{496, 496, 496, 496, 496},
		},
	}
}

func TestReceiverStreamsFromSimulator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	simCfg := simulator.DefaultConfig()
	simCfg.CPILength = 256
	sim, ctlAddr, dataAddr := startSimulator(t, ctx, simCfg)

	cfg := testConfig(ctlAddr, dataAddr)
	cfg.AGC = true
	cfg.DumpPath = filepath.Join(t.TempDir(), "iq.bin")

	hub := telemetry.NewHub(50)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rep := &recordingReporter{updates: make(chan telemetry.SpectrumUpdate, 1)}
	recv := NewReceiver(cfg, WithReporter(telemetry.MultiReporter{hub, rep}), WithStatus(hub), WithMetrics(m))

	done := make(chan error, 1)
	go func() { done <- recv.Run(ctx) }()

	var update telemetry.SpectrumUpdate
	select {
	case update = <-rep.updates:
	case <-time.After(5 * time.Second):
		t.Fatalf("no spectrum update")
	}

	if len(update.Channels) != simCfg.Channels {
		t.Fatalf("expected %d channels, got %d", simCfg.Channels, len(update.Channels))
	}
	if math.Abs(update.RFCenterMHz-433.92) > 1e-5 {
		t.Fatalf("rf center %.3f", update.RFCenterMHz)
	}
	if math.Abs(update.BandwidthMHz-2.4) > 1e-9 {
		t.Fatalf("bandwidth %.3f", update.BandwidthMHz)
	}

	want := []control.Command{control.CmdGain, control.CmdFreq, control.CmdSquelch, control.CmdInit, control.CmdAGC}
	got := sim.Commands()
	if len(got) < len(want) {
		t.Fatalf("commands %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command %d = %q, want %q", i, got[i], want[i])
		}
	}

	spec, ok := recv.Display()
	if !ok || spec.Len() != simCfg.CPILength {
		t.Fatalf("display spectrum missing or wrong length")
	}
	if recv.Frames() == 0 {
		t.Fatalf("frame counter not advanced")
	}
	if err := recv.SelectChannel(2); err != nil {
		t.Fatalf("select channel: %v", err)
	}
	if err := recv.SelectChannel(simCfg.Channels); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
	if err := recv.SelectChannel(-1); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
	if recv.SelectedChannel() != 2 {
		t.Fatalf("selected channel = %d", recv.SelectedChannel())
	}

	status := hub.Status()
	if status.States["control"] != "connected" || status.States["data"] != "connected" {
		t.Fatalf("unexpected states %v", status.States)
	}
	if counterValue(t, reg, "heimdall_frames_delivered_total") == 0 {
		t.Fatalf("delivered frames not counted")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(cfg.DumpPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dump file not written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	samples, err := recorder.LoadFile(cfg.DumpPath, simCfg.Channels)
	if err != nil {
		t.Fatalf("load dump: %v", err)
	}
	if len(samples[0]) != 2*simCfg.CPILength {
		t.Fatalf("dump has %d values per channel", len(samples[0]))
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestReceiverStreamsWhenConfigureFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim, ctlAddr, dataAddr := startSimulator(t, ctx, simulator.DefaultConfig())
	// Another client already started acquisition.
	sim.Apply(control.Encode(control.CmdInit, nil))

	cfg := testConfig(ctlAddr, dataAddr)
	cfg.Settings.FrequencyMHz = "not-a-number"
	rep := &recordingReporter{updates: make(chan telemetry.SpectrumUpdate, 1)}
	recv := NewReceiver(cfg, WithReporter(rep))
	go recv.Run(ctx)

	select {
	case <-rep.updates:
	case <-time.After(5 * time.Second):
		t.Fatalf("no spectrum update")
	}
	if len(sim.Commands()) != 1 {
		t.Fatalf("invalid settings must not reach the appliance: %v", sim.Commands())
	}
}

func TestLoadDumpSeedsDisplay(t *testing.T) {
	const channels, cpi = 3, 8
	samples := make([][]float32, channels)
	for ch := range samples {
		samples[ch] = make([]float32, 2*cpi)
		for i := 0; i < cpi; i++ {
			samples[ch][2*i] = float32(math.Cos(2 * math.Pi * float64(i) / 4))
			samples[ch][2*i+1] = float32(math.Sin(2 * math.Pi * float64(i) / 4))
		}
	}
	path := filepath.Join(t.TempDir(), "seed.bin.zst")
	if err := recorder.SaveFile(path, samples); err != nil {
		t.Fatalf("save dump: %v", err)
	}

	hub := telemetry.NewHub(10)
	rep := &recordingReporter{updates: make(chan telemetry.SpectrumUpdate, 1)}
	// Nothing is dialled by LoadDump.
	recv := NewReceiver(testConfig("127.0.0.1:1", "127.0.0.1:1"), WithReporter(rep), WithStatus(hub))
	if err := recv.LoadDump(path, channels); err != nil {
		t.Fatalf("load dump: %v", err)
	}

	select {
	case u := <-rep.updates:
		if len(u.Channels) != channels || u.BandwidthMHz != DefaultBandwidthMHz {
			t.Fatalf("unexpected update: %d channels, %.2f MHz", len(u.Channels), u.BandwidthMHz)
		}
	default:
		t.Fatalf("no spectrum update reported")
	}
	spec, ok := recv.Display()
	if !ok || spec.Len() != cpi {
		t.Fatalf("display spectrum missing or wrong length")
	}
	if err := recv.SelectChannel(channels); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
	if h := hub.History(); len(h) != 1 || h[0].Source != "recorder" {
		t.Fatalf("unexpected notifications %+v", h)
	}

	if err := recv.LoadDump(path, 5); !errors.Is(err, recorder.ErrChannelCount) {
		t.Fatalf("expected ErrChannelCount, got %v", err)
	}
	if err := recv.LoadDump(filepath.Join(t.TempDir(), "missing.bin"), channels); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}
