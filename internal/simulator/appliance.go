// Package simulator is an in-process stand-in for the DAQ appliance. It
// speaks the control and data protocols and synthesises a tone plus noise
// on every antenna channel.
package simulator

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rjboer/heimdallclient/internal/control"
	"github.com/rjboer/heimdallclient/internal/daq"
	"github.com/rjboer/heimdallclient/internal/iqheader"
	"github.com/rjboer/heimdallclient/internal/logging"
)

// Config carries the synthetic signal parameters.
type Config struct {
	Channels   int
	CPILength  int
	SampleRate float64 // Hz
	ToneOffset float64 // Hz from the centre frequency
	NoiseLevel float64 // peak-to-peak amplitude of the uniform noise
	// SilentChannel is emitted as all zeros; negative disables.
	SilentChannel int
	HardwareID    string
	UnitID        uint32
	Seed          int64
}

// DefaultConfig mirrors a five channel receiver at 2.4 MS/s.
func DefaultConfig() Config {
	return Config{
		Channels:      5,
		CPILength:     1024,
		SampleRate:    2.4e6,
		ToneOffset:    200e3,
		NoiseLevel:    0.01,
		SilentChannel: -1,
		HardwareID:    "KRAKEN-SIM",
		Seed:          1,
	}
}

// Appliance holds the simulated radio state shared by both ports.
type Appliance struct {
	cfg    Config
	logger logging.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	running   bool
	agc       bool
	rfHz      uint64
	gains     [control.GainChannels]int32
	squelch   float32
	cpiIndex  uint32
	blockIdx  uint32
	commands  []control.Command
	dataConns int
}

// New creates an appliance. Zero fields in cfg take DefaultConfig values.
func New(cfg Config, logger logging.Logger) *Appliance {
	def := DefaultConfig()
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.CPILength < 0 {
		cfg.CPILength = 0
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.HardwareID == "" {
		cfg.HardwareID = def.HardwareID
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Appliance{
		cfg:    cfg,
		logger: logger.With(logging.Field{Key: "subsystem", Value: "simulator"}),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		rfHz:   416_588_000,
	}
}

// Running reports whether INIT has been received since the last EXIT.
func (a *Appliance) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Commands returns the command tags received so far, in order.
func (a *Appliance) Commands() []control.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]control.Command(nil), a.commands...)
}

// FrequencyHz is the tuned centre frequency.
func (a *Appliance) FrequencyHz() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rfHz
}

// Gains are the per-channel gains from the last GAIN command.
func (a *Appliance) Gains() []int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int32(nil), a.gains[:]...)
}

// Squelch is the threshold from the last STHU command.
func (a *Appliance) Squelch() float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.squelch
}

// AGC reports whether automatic gain control is active.
func (a *Appliance) AGC() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agc
}

// DataConnections counts accepted data port connections.
func (a *Appliance) DataConnections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dataConns
}

// Apply executes one control frame and returns the text reply.
func (a *Appliance) Apply(f control.Frame) string {
	tag := f.Tag()
	p := f.Params()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = append(a.commands, tag)
	switch tag {
	case control.CmdInit:
		a.running = true
	case control.CmdExit:
		a.running = false
	case control.CmdAGC:
		a.agc = true
	case control.CmdFreq:
		a.rfHz = binary.LittleEndian.Uint64(p[0:8])
	case control.CmdGain:
		for i := range a.gains {
			a.gains[i] = int32(binary.LittleEndian.Uint32(p[4*i:]))
		}
		a.agc = false
	case control.CmdSquelch:
		a.squelch = math.Float32frombits(binary.LittleEndian.Uint32(p[0:4]))
	default:
		return "ERR unknown command"
	}
	return strings.TrimSpace(string(tag)) + " OK"
}

// NextFrame builds the next header and payload. Before INIT the appliance
// answers with EMPTY frames that carry no payload.
func (a *Appliance) NextFrame() (iqheader.Header, [][]float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.blockIdx++
	h := iqheader.Header{
		SyncWord:        iqheader.SyncWord,
		FrameType:       iqheader.FrameEmpty,
		HardwareID:      a.cfg.HardwareID,
		UnitID:          a.cfg.UnitID,
		ActiveAntChs:    uint32(a.cfg.Channels),
		RFCenterFreq:    a.rfHz,
		ADCSamplingFreq: uint64(a.cfg.SampleRate),
		SamplingFreq:    uint64(a.cfg.SampleRate),
		TimeStamp:       uint64(time.Now().UnixMilli()),
		DAQBlockIndex:   a.blockIdx,
		CPIIndex:        a.cpiIndex,
		DataType:        iqheader.DataTypeInUse,
		SampleBitDepth:  32,
		DelaySyncFlag:   1,
		IQSyncFlag:      1,
		SyncState:       1,
		HeaderVersion:   7,
	}
	for i := 0; i < a.cfg.Channels && i < iqheader.MaxIFGains; i++ {
		if i < len(a.gains) {
			h.IFGains[i] = uint32(a.gains[i])
		}
	}
	if !a.running || a.cfg.CPILength == 0 {
		return h, nil
	}

	h.FrameType = iqheader.FrameData
	h.CPILength = uint32(a.cfg.CPILength)
	a.cpiIndex++
	return h, a.synthesize()
}

// synthesize generates a complex tone at ToneOffset plus uniform noise on
// every channel. Must be called with a.mu held.
func (a *Appliance) synthesize() [][]float32 {
	n := a.cfg.CPILength
	step := 2 * math.Pi * a.cfg.ToneOffset / a.cfg.SampleRate
	out := make([][]float32, a.cfg.Channels)
	for ch := range out {
		row := make([]float32, 2*n)
		if ch != a.cfg.SilentChannel {
			for i := 0; i < n; i++ {
				phase := step * float64(i)
				noiseI := a.cfg.NoiseLevel * (a.rng.Float64() - 0.5)
				noiseQ := a.cfg.NoiseLevel * (a.rng.Float64() - 0.5)
				row[2*i] = float32(math.Cos(phase) + noiseI)
				row[2*i+1] = float32(math.Sin(phase) + noiseQ)
			}
		}
		out[ch] = row
	}
	return out
}

// ServeControl accepts control connections until ctx ends or ln fails.
func (a *Appliance) ServeControl(ctx context.Context, ln net.Listener) error {
	return a.serve(ctx, ln, a.handleControl)
}

// ServeData accepts data connections until ctx ends or ln fails.
func (a *Appliance) ServeData(ctx context.Context, ln net.Listener) error {
	return a.serve(ctx, ln, a.handleData)
}

// ListenAndServe binds both ports and serves them until ctx ends.
func (a *Appliance) ListenAndServe(ctx context.Context, controlAddr, dataAddr string) error {
	cln, err := net.Listen("tcp", controlAddr)
	if err != nil {
		return err
	}
	dln, err := net.Listen("tcp", dataAddr)
	if err != nil {
		cln.Close()
		return err
	}
	a.logger.Info("listening",
		logging.Field{Key: "control", Value: cln.Addr().String()},
		logging.Field{Key: "data", Value: dln.Addr().String()})

	errs := make(chan error, 2)
	go func() { errs <- a.ServeControl(ctx, cln) }()
	go func() { errs <- a.ServeData(ctx, dln) }()
	err = <-errs
	if err2 := <-errs; err == nil {
		err = err2
	}
	return err
}

func (a *Appliance) serve(ctx context.Context, ln net.Listener, handle func(net.Conn)) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	conns := make(map[net.Conn]struct{})

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				conn.Close()
			}()
			handle(conn)
		}()
	}
}

func (a *Appliance) handleControl(conn net.Conn) {
	for {
		var f control.Frame
		if _, err := io.ReadFull(conn, f[:]); err != nil {
			return
		}
		reply := make([]byte, control.FrameSize)
		copy(reply, a.Apply(f))
		a.logger.Debug("control command", logging.Field{Key: "command", Value: string(f.Tag())})
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

func (a *Appliance) handleData(conn net.Conn) {
	a.mu.Lock()
	a.dataConns++
	a.mu.Unlock()

	if !expect(conn, daq.TokenStreaming) {
		return
	}
	for expect(conn, daq.TokenRequest) {
		h, samples := a.NextFrame()
		if _, err := conn.Write(h.Encode()); err != nil {
			return
		}
		if len(samples) > 0 {
			if _, err := conn.Write(daq.EncodePayload(samples)); err != nil {
				return
			}
		}
	}
}

func expect(r io.Reader, token string) bool {
	buf := make([]byte, len(token))
	if _, err := io.ReadFull(r, buf); err != nil {
		return false
	}
	return string(buf) == token
}
