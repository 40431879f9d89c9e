// Package daq streams I/Q frames from the DAQ data port.
package daq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/heimdallclient/internal/connectionmgr"
	"github.com/rjboer/heimdallclient/internal/iqheader"
	"github.com/rjboer/heimdallclient/internal/logging"
	"github.com/rjboer/heimdallclient/internal/metrics"
)

const (
	// TokenStreaming is sent once after connecting to start the stream.
	TokenStreaming = "streaming"
	// TokenRequest asks for the next frame.
	TokenRequest = "IQDownload"
)

const (
	DefaultReadTimeout        = 15 * time.Second
	DefaultRecvBuffer         = 15 * 1024 * 1024
	DefaultReconnectDelay     = 100 * time.Millisecond
	DefaultIntegrityChannel   = 4
	DefaultIntegrityThreshold = 0.01
	DefaultMaxPayload         = 256 << 20
)

// ErrPayloadTooLarge is returned when a header announces more than
// Config.MaxPayload bytes. The connection is reset.
var ErrPayloadTooLarge = errors.New("daq: payload too large")

// Notifier receives human readable status updates.
type Notifier interface {
	Notify(source, message string)
}

// Config holds the data connection parameters.
type Config struct {
	Address        string
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	RecvBuffer     int
	ReconnectDelay time.Duration
	// IntegrityChannel is the unused antenna channel whose RMS must reach
	// IntegrityThreshold for a frame to be delivered. Negative disables the
	// check; frames with fewer channels skip it.
	IntegrityChannel   int
	IntegrityThreshold float32
	MaxPayload         int64
}

// DefaultConfig returns the appliance defaults for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Address:            addr,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        DefaultReadTimeout,
		RecvBuffer:         DefaultRecvBuffer,
		ReconnectDelay:     DefaultReconnectDelay,
		IntegrityChannel:   DefaultIntegrityChannel,
		IntegrityThreshold: DefaultIntegrityThreshold,
		MaxPayload:         DefaultMaxPayload,
	}
}

// Option customises a Channel.
type Option func(*Channel)

// WithLogger sets the logger; nil keeps the default.
func WithLogger(l logging.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithNotifier receives the connect and disconnect messages.
func WithNotifier(n Notifier) Option {
	return func(c *Channel) { c.notifier = n }
}

// WithDialer overrides how the socket is opened (e.g. an SSH tunnel).
func WithDialer(d connectionmgr.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithMetrics records frames, drops and reconnects.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithStateHook registers fn to observe every state transition. fn runs
// on the worker goroutine and must not block.
func WithStateHook(fn func(connectionmgr.State)) Option {
	return func(c *Channel) { c.hook = fn }
}

// Channel is the streaming data connection. A single worker owns the
// socket; frames are handed to the out channel supplied to New.
type Channel struct {
	cfg      Config
	out      chan<- Frame
	logger   logging.Logger
	notifier Notifier
	metrics  *metrics.Metrics
	dialer   connectionmgr.Dialer
	hook     func(connectionmgr.State)
	port     string

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	sess   *session
}

// session is the per-connection state. It is rebuilt on every reconnect.
type session struct {
	mgr     *connectionmgr.Manager
	header  [iqheader.Size]byte
	payload []byte
}

func (s *session) buffer(n int) []byte {
	if cap(s.payload) < n {
		s.payload = make([]byte, n)
	}
	return s.payload[:n]
}

// New creates a data channel that delivers DATA frames on out.
func New(cfg Config, out chan<- Frame, opts ...Option) *Channel {
	def := DefaultConfig(cfg.Address)
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = def.RecvBuffer
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.IntegrityThreshold <= 0 {
		cfg.IntegrityThreshold = def.IntegrityThreshold
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = def.MaxPayload
	}

	c := &Channel{
		cfg:    cfg,
		out:    out,
		logger: logging.Default(),
		port:   portOf(cfg.Address),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.Field{Key: "subsystem", Value: "daq"})
	return c
}

// State reports the connection state.
func (c *Channel) State() connectionmgr.State {
	return connectionmgr.State(c.state.Load())
}

// Connect starts the streaming worker. It returns immediately; dialing,
// handshaking and reconnecting happen in the background. Calling Connect
// on a running channel is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Disconnect stops the worker, unblocking any pending read, and waits for
// it to exit. It is safe to call in any state.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	cancel, done, sess := c.cancel, c.done, c.sess
	c.cancel, c.done, c.sess = nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if sess != nil {
		_ = sess.mgr.Close()
	}
	<-done
	c.setState(connectionmgr.Disconnected)
	c.logger.Info("disconnected", logging.Field{Key: "port", Value: c.port})
	c.notify("Disconnected from data port " + c.port)
	return nil
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.NewConstantBackOff(c.cfg.ReconnectDelay)
	for {
		c.setState(connectionmgr.Connecting)
		sess := c.newSession()
		err := c.serve(ctx, sess)
		if ctx.Err() != nil {
			c.detach(sess)
			return
		}

		c.setState(connectionmgr.Reconnecting)
		c.metrics.RecordReconnect()
		c.logger.Info("connection lost, reconnecting",
			logging.Field{Key: "addr", Value: c.cfg.Address},
			logging.Field{Key: "error", Value: err})
		c.detach(sess)
		c.setState(connectionmgr.Disconnected)

		t := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Channel) newSession() *session {
	mgr := connectionmgr.New(c.cfg.Address)
	mgr.Timeout = c.cfg.DialTimeout
	mgr.ReadTimeout = c.cfg.ReadTimeout
	mgr.RecvBuffer = c.cfg.RecvBuffer
	mgr.Logger = c.logger
	if c.dialer != nil {
		mgr.Dialer = c.dialer
	}
	return &session{mgr: mgr}
}

// serve runs one connection from dial to failure.
func (c *Channel) serve(ctx context.Context, sess *session) error {
	if err := c.attach(ctx, sess); err != nil {
		return err
	}

	c.logger.Info("connecting", logging.Field{Key: "addr", Value: c.cfg.Address})
	if err := sess.mgr.Connect(ctx); err != nil {
		return err
	}
	// A dial racing Disconnect can install the socket after it was closed.
	stop := context.AfterFunc(ctx, func() { _ = sess.mgr.Close() })
	defer stop()

	if err := sess.mgr.WriteAll([]byte(TokenStreaming)); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}
	c.setState(connectionmgr.Connected)
	c.logger.Info("connected", logging.Field{Key: "port", Value: c.port})
	c.notify("Connected to data port " + c.port)

	for ctx.Err() == nil {
		if err := c.cycle(ctx, sess); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// cycle requests and consumes exactly one frame. A returned error means
// the stream is no longer usable.
func (c *Channel) cycle(ctx context.Context, sess *session) error {
	if err := sess.mgr.WriteAll([]byte(TokenRequest)); err != nil {
		return fmt.Errorf("request frame: %w", err)
	}
	if _, err := sess.mgr.ReadFull(sess.header[:]); err != nil {
		return fmt.Errorf("receive header: %w", err)
	}
	h, err := iqheader.Decode(sess.header[:])
	if err != nil {
		return err
	}
	c.logger.Debug("frame header", h.LogFields()...)
	for _, d := range h.Diagnostics() {
		c.logger.Debug("header check", logging.Field{Key: "detail", Value: d})
	}

	size := h.PayloadSize()
	c.metrics.RecordFrame(h.FrameType.String(), size)
	if size <= 0 {
		c.logger.Debug("empty frame", logging.Field{Key: "frame_type", Value: h.FrameType.String()})
		c.metrics.RecordDropped("empty")
		return nil
	}
	if size > c.cfg.MaxPayload {
		c.metrics.RecordDropped("oversize")
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, size, c.cfg.MaxPayload)
	}

	payload := sess.buffer(int(size))
	if _, err := sess.mgr.ReadFull(payload); err != nil {
		return fmt.Errorf("receive payload: %w", err)
	}

	if h.FrameType != iqheader.FrameData {
		c.logger.Debug("frame not delivered", logging.Field{Key: "frame_type", Value: h.FrameType.String()})
		c.metrics.RecordDropped("not_data")
		return nil
	}
	samples, err := DecodePayload(h, payload)
	if err != nil {
		c.logger.Warn("dropping frame", logging.Field{Key: "error", Value: err})
		c.metrics.RecordDropped("decode")
		return nil
	}
	frame := Frame{Header: h, Samples: samples}
	if !c.integrityOK(frame) {
		c.metrics.RecordSuppressed()
		return nil
	}

	select {
	case c.out <- frame:
		c.metrics.RecordDelivered()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) integrityOK(f Frame) bool {
	ch := c.cfg.IntegrityChannel
	if ch < 0 || ch >= f.Channels() {
		return true
	}
	rms := RMS(f.Samples[ch])
	if rms < c.cfg.IntegrityThreshold {
		c.logger.Info("IQ RMS below threshold",
			logging.Field{Key: "channel", Value: ch},
			logging.Field{Key: "rms", Value: rms})
		return false
	}
	return true
}

// attach publishes sess so Disconnect can close it. It fails once the run
// context is cancelled so no socket outlives Disconnect.
func (c *Channel) attach(ctx context.Context, sess *session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sess = sess
	return nil
}

// detach closes sess and forgets it if it is still the published one.
func (c *Channel) detach(sess *session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
	if err := sess.mgr.Close(); err != nil {
		c.logger.Debug("close data socket", logging.Field{Key: "error", Value: err})
	}
}

func (c *Channel) setState(s connectionmgr.State) {
	c.state.Store(int32(s))
	c.metrics.SetConnectionState("data", int(s))
	if c.hook != nil {
		c.hook(s)
	}
}

func (c *Channel) notify(msg string) {
	if c.notifier != nil {
		c.notifier.Notify("daq", msg)
	}
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}
