package telemetry

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rjboer/heimdallclient/internal/dsp"
	"github.com/rjboer/heimdallclient/internal/iqheader"
)

// Config holds the hub's buffering limits.
type Config struct {
	HistoryLimit     int `json:"historyLimit"`
	SubscriberBuffer int `json:"subscriberBuffer"`
}

const (
	minHistoryLimit     = 1
	maxHistoryLimit     = 10_000
	minSubscriberBuffer = 1
	maxSubscriberBuffer = 1_024

	// PowerFloorDBm replaces -Inf bins in published spectra; JSON has no
	// representation for infinities.
	PowerFloorDBm = -200.0
)

func defaultConfig() Config {
	return Config{
		HistoryLimit:     500,
		SubscriberBuffer: 16,
	}
}

func validateConfig(cfg Config) (Config, error) {
	base := defaultConfig()
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.SubscriberBuffer == 0 {
		cfg.SubscriberBuffer = base.SubscriberBuffer
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	if cfg.SubscriberBuffer < minSubscriberBuffer || cfg.SubscriberBuffer > maxSubscriberBuffer {
		return Config{}, fmt.Errorf("subscriber buffer must be between %d and %d", minSubscriberBuffer, maxSubscriberBuffer)
	}
	return cfg, nil
}

// Notification is one status line from the control or data channel.
type Notification struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}

// ChannelSpectrum is the published spectrum of one antenna channel.
type ChannelSpectrum struct {
	Channel      int       `json:"channel"`
	FrequencyMHz []float64 `json:"frequencyMHz"`
	PowerDBm     []float64 `json:"powerDBm"`
	MaxPowerDBm  float64   `json:"maxPowerDBm"`
}

// SpectrumUpdate is everything produced from one delivered frame.
type SpectrumUpdate struct {
	Timestamp    time.Time         `json:"timestamp"`
	CPIIndex     uint32            `json:"cpiIndex"`
	RFCenterMHz  float64           `json:"rfCenterMHz"`
	BandwidthMHz float64           `json:"bandwidthMHz"`
	Channels     []ChannelSpectrum `json:"channels"`
}

// MaxPowers returns the per-channel peak powers in channel order.
func (u SpectrumUpdate) MaxPowers() []float64 {
	out := make([]float64, len(u.Channels))
	for i, ch := range u.Channels {
		out[i] = ch.MaxPowerDBm
	}
	return out
}

// NewSpectrumUpdate builds a publishable update. Infinite and NaN powers
// are clamped to PowerFloorDBm.
func NewSpectrumUpdate(h iqheader.Header, spectra []dsp.Spectrum) SpectrumUpdate {
	u := SpectrumUpdate{
		Timestamp:    time.Now(),
		CPIIndex:     h.CPIIndex,
		RFCenterMHz:  float64(h.RFCenterFreq) / 1e6,
		BandwidthMHz: float64(h.SamplingFreq) / 1e6,
		Channels:     make([]ChannelSpectrum, len(spectra)),
	}
	for i, s := range spectra {
		maxP, _ := dsp.MaxPower(s)
		power := make([]float64, len(s.PowerDBm))
		for j, p := range s.PowerDBm {
			power[j] = clampPower(p)
		}
		u.Channels[i] = ChannelSpectrum{
			Channel:      i,
			FrequencyMHz: append([]float64(nil), s.FrequencyMHz...),
			PowerDBm:     power,
			MaxPowerDBm:  clampPower(maxP),
		}
	}
	return u
}

func clampPower(v float64) float64 {
	if math.IsNaN(v) || v < PowerFloorDBm {
		return PowerFloorDBm
	}
	if math.IsInf(v, 1) {
		return math.MaxFloat64
	}
	return v
}

// Status is the snapshot served by /api/status.
type Status struct {
	States        map[string]string `json:"states"`
	Channels      int               `json:"channels"`
	LastUpdate    *time.Time        `json:"lastUpdate,omitempty"`
	MaxPowerDBm   []float64         `json:"maxPowerDBm,omitempty"`
	Notifications []Notification    `json:"notifications"`
}

// Hub collects notifications and spectra and fans spectrum updates out to
// live subscribers. It satisfies control.Notifier, daq.Notifier and
// Reporter.
type Hub struct {
	mu           sync.RWMutex
	history      []Notification
	historyLimit int
	latest       *SpectrumUpdate
	states       map[string]string
	subscribers  map[chan SpectrumUpdate]struct{}
	config       Config
}

// NewHub builds a hub keeping at most historyLimit notifications.
func NewHub(historyLimit int) *Hub {
	cfg, err := validateConfig(Config{HistoryLimit: historyLimit})
	if err != nil {
		cfg = defaultConfig()
	}
	return &Hub{
		historyLimit: cfg.HistoryLimit,
		states:       make(map[string]string),
		subscribers:  make(map[chan SpectrumUpdate]struct{}),
		config:       cfg,
	}
}

// Notify records a status message.
func (h *Hub) Notify(source, message string) {
	n := Notification{Timestamp: time.Now(), Source: source, Message: message}
	h.mu.Lock()
	h.history = append(h.history, n)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	h.mu.Unlock()
}

// Report stores u as the latest spectrum and forwards it to subscribers.
// Slow subscribers miss updates rather than stall the caller.
func (h *Hub) Report(u SpectrumUpdate) {
	h.mu.Lock()
	h.latest = &u
	for ch := range h.subscribers {
		select {
		case ch <- u:
		default:
		}
	}
	h.mu.Unlock()
}

// SetState records the connection state of a named channel.
func (h *Hub) SetState(channel, state string) {
	h.mu.Lock()
	h.states[channel] = state
	h.mu.Unlock()
}

// History returns a copy of stored notifications.
func (h *Hub) History() []Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Notification, len(h.history))
	copy(out, h.history)
	return out
}

// Latest returns the most recent spectrum update.
func (h *Hub) Latest() (SpectrumUpdate, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return SpectrumUpdate{}, false
	}
	return *h.latest, true
}

// Status returns a snapshot of states, notifications and the latest peaks.
func (h *Hub) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Status{
		States:        make(map[string]string, len(h.states)),
		Notifications: make([]Notification, len(h.history)),
	}
	for k, v := range h.states {
		st.States[k] = v
	}
	copy(st.Notifications, h.history)
	if h.latest != nil {
		ts := h.latest.Timestamp
		st.LastUpdate = &ts
		st.Channels = len(h.latest.Channels)
		st.MaxPowerDBm = h.latest.MaxPowers()
	}
	return st
}

// ConfigSnapshot returns the validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateConfig validates cfg and applies it. A smaller history limit drops
// the oldest notifications; a new subscriber buffer applies to later
// subscribers only.
func (h *Hub) UpdateConfig(cfg Config) (Config, error) {
	cfg, err := validateConfig(cfg)
	if err != nil {
		return Config{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = cfg
	h.historyLimit = cfg.HistoryLimit
	if len(h.history) > h.historyLimit {
		h.history = append([]Notification(nil), h.history[len(h.history)-h.historyLimit:]...)
	}
	return cfg, nil
}

// Subscribe registers a listener for live spectrum updates. The returned
// cancel func is idempotent and closes the channel.
func (h *Hub) Subscribe() (<-chan SpectrumUpdate, func()) {
	h.mu.Lock()
	ch := make(chan SpectrumUpdate, h.config.SubscriberBuffer)
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}
