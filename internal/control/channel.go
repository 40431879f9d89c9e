package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/heimdallclient/internal/connectionmgr"
	"github.com/rjboer/heimdallclient/internal/logging"
	"github.com/rjboer/heimdallclient/internal/metrics"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("control channel closed")

// Notifier receives human readable status updates. Implementations must be
// safe for concurrent use; the control and data workers share one.
type Notifier interface {
	Notify(source, message string)
}

// Config holds the control connection parameters.
type Config struct {
	Address     string
	DialTimeout time.Duration
	// ResponseTimeout bounds the read after each command. Zero waits until
	// the peer answers, the context is cancelled, or the channel is closed.
	ResponseTimeout time.Duration
	QueueSize       int
}

// Settings is the start-up configuration pushed to the appliance.
type Settings struct {
	FrequencyMHz     string
	Gains            []int
	SquelchThreshold float32
}

// Option customises a Channel.
type Option func(*Channel)

// WithLogger sets the logger used by the channel.
func WithLogger(l logging.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithNotifier sets the status sink.
func WithNotifier(n Notifier) Option {
	return func(c *Channel) { c.notifier = n }
}

// WithDialer overrides how the socket is opened (e.g. an SSH tunnel).
func WithDialer(d connectionmgr.Dialer) Option {
	return func(c *Channel) { c.mgr.Dialer = d }
}

// WithMetrics records command results and connection state.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithStateHook registers fn to observe every state transition. fn must not
// block.
func WithStateHook(fn func(connectionmgr.State)) Option {
	return func(c *Channel) { c.hook = fn }
}

// Channel is the command connection. All socket work runs on one worker
// goroutine so commands reach the appliance in the order they were issued.
type Channel struct {
	cfg      Config
	mgr      *connectionmgr.Manager
	logger   logging.Logger
	notifier Notifier
	metrics  *metrics.Metrics
	hook     func(connectionmgr.State)
	port     string

	state atomic.Int32

	jobs      chan job
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type job struct {
	ctx    context.Context
	fn     func(context.Context) (string, error)
	result chan result
}

type result struct {
	msg string
	err error
}

// New creates a control channel and starts its worker.
func New(cfg Config, opts ...Option) *Channel {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	mgr := connectionmgr.New(cfg.Address)
	if cfg.DialTimeout > 0 {
		mgr.Timeout = cfg.DialTimeout
	}
	mgr.ReadTimeout = cfg.ResponseTimeout

	c := &Channel{
		cfg:    cfg,
		mgr:    mgr,
		logger: logging.Default(),
		port:   portOf(cfg.Address),
		jobs:   make(chan job, cfg.QueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.Field{Key: "subsystem", Value: "control"})
	c.mgr.Logger = c.logger
	go c.run()
	return c
}

// State reports the connection state.
func (c *Channel) State() connectionmgr.State {
	return connectionmgr.State(c.state.Load())
}

// Connect opens the control socket. It is a no-op when already connected.
func (c *Channel) Connect(ctx context.Context) error {
	_, err := c.submit(ctx, func(ctx context.Context) (string, error) {
		if c.mgr.Connected() {
			return "", nil
		}
		c.setState(connectionmgr.Connecting)
		c.logger.Info("connecting", logging.Field{Key: "addr", Value: c.cfg.Address})
		if err := c.mgr.Connect(ctx); err != nil {
			c.setState(connectionmgr.Disconnected)
			c.logger.Error("connect to control port failed", logging.Field{Key: "error", Value: err})
			return "", err
		}
		c.setState(connectionmgr.Connected)
		c.notify("Connected to control port " + c.port)
		return "", nil
	})
	return err
}

// Disconnect closes the control socket once all previously issued commands
// have completed. Calling it on a closed channel is harmless.
func (c *Channel) Disconnect() error {
	_, err := c.submit(context.Background(), func(context.Context) (string, error) {
		c.disconnect()
		return "", nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Channel) disconnect() {
	if err := c.mgr.Close(); err != nil {
		c.logger.Warn("close control socket", logging.Field{Key: "error", Value: err})
	}
	c.setState(connectionmgr.Disconnected)
	c.logger.Info("disconnected", logging.Field{Key: "port", Value: c.port})
	c.notify("Disconnected from control port " + c.port)
}

// Close disconnects immediately, abandoning queued commands, and stops the
// worker.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		_ = c.mgr.Close()
	})
	<-c.done
	c.setState(connectionmgr.Disconnected)
	return nil
}

// Send transmits one command frame and waits for the appliance's reply. The
// trimmed reply is returned and forwarded to the notifier; an empty reply is
// not an error.
func (c *Channel) Send(ctx context.Context, cmd Command, payload []byte) (string, error) {
	frame := Encode(cmd, payload)
	return c.submit(ctx, func(ctx context.Context) (string, error) {
		msg, err := c.exchange(ctx, frame)
		c.metrics.RecordCommand(string(cmd), err)
		return msg, err
	})
}

func (c *Channel) exchange(ctx context.Context, frame Frame) (msg string, err error) {
	// A cancelled caller must not leave the worker parked in Read.
	stop := context.AfterFunc(ctx, func() { _ = c.mgr.Close() })
	defer func() {
		if stop() {
			return
		}
		// The socket was closed under us, so whatever was read is not a reply.
		c.setState(connectionmgr.Disconnected)
		msg, err = "", fmt.Errorf("send %s: %w", frame.Tag(), ctx.Err())
	}()

	if err := c.mgr.WriteAll(frame[:]); err != nil {
		c.logger.Error("error sending message",
			logging.Field{Key: "command", Value: string(frame.Tag())},
			logging.Field{Key: "error", Value: err})
		return "", fmt.Errorf("send %s: %w", frame.Tag(), err)
	}

	resp := make([]byte, FrameSize)
	n, err := c.mgr.ReadSome(resp)
	if n <= 0 {
		c.logger.Info("no response",
			logging.Field{Key: "command", Value: string(frame.Tag())},
			logging.Field{Key: "error", Value: err})
		return "", nil
	}
	msg = trimResponse(resp[:n])
	c.logger.Info("received response",
		logging.Field{Key: "command", Value: string(frame.Tag())},
		logging.Field{Key: "raw", Value: resp[:n]})
	c.notify("Received response: " + msg)
	return msg, nil
}

// SendInit asks the appliance to (re)initialise acquisition.
func (c *Channel) SendInit(ctx context.Context) (string, error) {
	return c.Send(ctx, CmdInit, nil)
}

// SendExit asks the appliance to stop acquisition.
func (c *Channel) SendExit(ctx context.Context) (string, error) {
	return c.Send(ctx, CmdExit, nil)
}

// SendAGC enables automatic gain control.
func (c *Channel) SendAGC(ctx context.Context) (string, error) {
	return c.Send(ctx, CmdAGC, nil)
}

// SendSquelchThreshold sets the squelch threshold.
func (c *Channel) SendSquelchThreshold(ctx context.Context, threshold float32) (string, error) {
	return c.Send(ctx, CmdSquelch, SquelchPayload(threshold))
}

// SendFrequency tunes the receiver to mhz.
func (c *Channel) SendFrequency(ctx context.Context, mhz float64) (string, error) {
	return c.Send(ctx, CmdFreq, FrequencyPayload(mhz))
}

// SendGain sets per-channel gains after quantizing each to the gain table.
func (c *Channel) SendGain(ctx context.Context, gains ...int) (string, error) {
	return c.Send(ctx, CmdGain, GainPayload(gains...))
}

// Configure pushes gain, frequency and squelch settings and then starts
// acquisition with INIT. Unparseable settings abandon the sequence before
// anything is sent; the channel stays usable.
func (c *Channel) Configure(ctx context.Context, s Settings) error {
	mhz, err := ParseFrequencyMHz(s.FrequencyMHz)
	if err != nil {
		c.logger.Error("invalid frequency input", logging.Field{Key: "input", Value: s.FrequencyMHz})
		return err
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	steps := []func(context.Context) (string, error){
		func(ctx context.Context) (string, error) { return c.SendGain(ctx, s.Gains...) },
		func(ctx context.Context) (string, error) { return c.SendFrequency(ctx, mhz) },
		func(ctx context.Context) (string, error) { return c.SendSquelchThreshold(ctx, s.SquelchThreshold) },
		c.SendInit,
	}
	for _, step := range steps {
		if _, err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) submit(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	res := make(chan result, 1)
	select {
	case <-c.quit:
		return "", ErrClosed
	default:
	}
	select {
	case c.jobs <- job{ctx: ctx, fn: fn, result: res}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.quit:
		return "", ErrClosed
	}
	select {
	case r := <-res:
		return r.msg, r.err
	case <-c.done:
		select {
		case r := <-res:
			return r.msg, r.err
		default:
			return "", ErrClosed
		}
	}
}

func (c *Channel) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case j := <-c.jobs:
			if err := j.ctx.Err(); err != nil {
				j.result <- result{err: err}
				continue
			}
			msg, err := j.fn(j.ctx)
			j.result <- result{msg: msg, err: err}
		}
	}
}

func (c *Channel) setState(s connectionmgr.State) {
	c.state.Store(int32(s))
	c.metrics.SetConnectionState("control", int(s))
	if c.hook != nil {
		c.hook(s)
	}
}

func (c *Channel) notify(msg string) {
	if c.notifier != nil {
		c.notifier.Notify("control", msg)
	}
}

// trimResponse strips the NUL padding and whitespace the appliance leaves
// around its text replies.
func trimResponse(b []byte) string {
	return strings.TrimFunc(string(b), func(r rune) bool { return r <= ' ' })
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}
