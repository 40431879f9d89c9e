package telemetry

import (
	"math"
	"testing"
	"time"

	"github.com/rjboer/heimdallclient/internal/dsp"
	"github.com/rjboer/heimdallclient/internal/iqheader"
)

func sampleUpdate(cpi uint32) SpectrumUpdate {
	h := iqheader.Header{CPIIndex: cpi, RFCenterFreq: 433_920_000, SamplingFreq: 2_400_000}
	spectra := []dsp.Spectrum{
		{FrequencyMHz: []float64{-1.2, 0, 0.6}, PowerDBm: []float64{-90, -40, math.Inf(-1)}},
		{FrequencyMHz: []float64{-1.2, 0, 0.6}, PowerDBm: []float64{-95, -60, -70}},
	}
	return NewSpectrumUpdate(h, spectra)
}

func TestNewSpectrumUpdateClampsInfinities(t *testing.T) {
	u := sampleUpdate(7)
	if u.CPIIndex != 7 || u.RFCenterMHz != 433.92 || u.BandwidthMHz != 2.4 {
		t.Fatalf("unexpected header fields: %+v", u)
	}
	if got := u.Channels[0].PowerDBm[2]; got != PowerFloorDBm {
		t.Fatalf("expected -Inf clamped to %v, got %v", PowerFloorDBm, got)
	}
	powers := u.MaxPowers()
	if len(powers) != 2 || powers[0] != -40 || powers[1] != -60 {
		t.Fatalf("unexpected max powers %v", powers)
	}
}

func TestNotifyKeepsBoundedHistory(t *testing.T) {
	hub := NewHub(2)
	hub.Notify("control", "Connected to control port 5001")
	hub.Notify("control", "Received response: OK")
	hub.Notify("daq", "Connected to data port 5000")

	h := hub.History()
	if len(h) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(h))
	}
	if h[0].Message != "Received response: OK" || h[1].Source != "daq" {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestNewHubRejectsBadLimit(t *testing.T) {
	hub := NewHub(-5)
	if hub.ConfigSnapshot() != defaultConfig() {
		t.Fatalf("expected default config, got %+v", hub.ConfigSnapshot())
	}
	if _, err := validateConfig(Config{HistoryLimit: maxHistoryLimit + 1}); err == nil {
		t.Fatalf("expected error for oversized history")
	}
}

func TestStatus(t *testing.T) {
	hub := NewHub(10)
	if st := hub.Status(); st.LastUpdate != nil || st.Channels != 0 {
		t.Fatalf("unexpected status before updates: %+v", st)
	}
	hub.SetState("data", "connected")
	hub.Report(sampleUpdate(1))

	st := hub.Status()
	if st.States["data"] != "connected" {
		t.Fatalf("missing state: %+v", st.States)
	}
	if st.Channels != 2 || st.LastUpdate == nil || len(st.MaxPowerDBm) != 2 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	hub := NewHub(10)
	ch, cancel := hub.Subscribe()

	hub.Report(sampleUpdate(3))
	select {
	case u := <-ch:
		if u.CPIIndex != 3 {
			t.Fatalf("unexpected update %d", u.CPIIndex)
		}
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
	hub.Report(sampleUpdate(4))
	if u, _ := hub.Latest(); u.CPIIndex != 4 {
		t.Fatalf("latest not updated")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(10)
	_, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Report(sampleUpdate(uint32(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("report blocked on a full subscriber")
	}
}

func TestUpdateConfigTrimsHistoryAndSizesSubscribers(t *testing.T) {
	hub := NewHub(10)
	for i := 0; i < 5; i++ {
		hub.Notify("daq", "Connected to data port 5000")
	}
	hub.Notify("control", "Received response: OK")

	cfg, err := hub.UpdateConfig(Config{HistoryLimit: 2, SubscriberBuffer: 3})
	if err != nil {
		t.Fatalf("update config: %v", err)
	}
	if cfg != hub.ConfigSnapshot() {
		t.Fatalf("snapshot %+v differs from applied %+v", hub.ConfigSnapshot(), cfg)
	}
	h := hub.History()
	if len(h) != 2 || h[1].Source != "control" {
		t.Fatalf("unexpected history %+v", h)
	}

	ch, cancel := hub.Subscribe()
	defer cancel()
	if cap(ch) != 3 {
		t.Fatalf("subscriber buffer = %d, want 3", cap(ch))
	}

	if _, err := hub.UpdateConfig(Config{SubscriberBuffer: maxSubscriberBuffer + 1}); err == nil {
		t.Fatalf("expected error for oversized subscriber buffer")
	}
}
