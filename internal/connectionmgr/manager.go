package connectionmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rjboer/heimdallclient/internal/logging"
)

// ErrNotConnected is returned by I/O helpers when no socket is open.
var ErrNotConnected = errors.New("not connected")

// Dialer opens stream connections. *net.Dialer and *SSHDialer satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Manager owns one TCP socket to the appliance. Reads are unbuffered so the
// caller always sees exactly the bytes the peer sent.
type Manager struct {
	Address string
	// Timeout bounds dialing and each write.
	Timeout time.Duration
	// ReadTimeout bounds each blocking read. Zero leaves reads unbounded.
	ReadTimeout time.Duration
	// RecvBuffer sets SO_RCVBUF on TCP sockets when positive.
	RecvBuffer int
	Dialer     Dialer
	Logger     logging.Logger

	mu   sync.Mutex
	conn net.Conn
}

// ---------- Construction / lifecycle ----------

func New(addr string) *Manager {
	return &Manager{
		Address: addr,
		Timeout: 5 * time.Second,
	}
}

// Connect dials the configured address. It is a no-op if a socket is
// already open.
func (m *Manager) Connect(ctx context.Context) error {
	if m.Connected() {
		return nil
	}
	d := m.Dialer
	if d == nil {
		d = &net.Dialer{Timeout: m.Timeout, KeepAlive: -1}
	}
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	c, err := d.DialContext(ctx, "tcp", m.Address)
	if err != nil {
		return fmt.Errorf("connect %s: %w", m.Address, err)
	}
	if tcp, ok := c.(*net.TCPConn); ok && m.RecvBuffer > 0 {
		if err := tcp.SetReadBuffer(m.RecvBuffer); err != nil {
			m.logger().Warn("set receive buffer failed",
				logging.Field{Key: "addr", Value: m.Address},
				logging.Field{Key: "error", Value: err})
		}
	}
	m.SetConn(c)
	return nil
}

// Connected reports whether a socket is currently held.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// SetConn injects an established connection (tests, tunnels).
func (m *Manager) SetConn(conn net.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

// Close closes and forgets the socket. It may be called from any goroutine
// and unblocks a pending read. Closing an already closed Manager is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (m *Manager) current() (net.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

func (m *Manager) logger() logging.Logger {
	if m.Logger == nil {
		return logging.Default()
	}
	return m.Logger
}

// ---------- Raw I/O (NO BUFFERING) ----------

// WriteAll writes the full buffer to the socket, handling short writes.
func (m *Manager) WriteAll(b []byte) error {
	c, err := m.current()
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	for len(b) > 0 {
		if m.Timeout > 0 {
			_ = c.SetWriteDeadline(time.Now().Add(m.Timeout))
		}
		n, err := c.Write(b)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		b = b[n:]
	}
	return nil
}

// ReadFull reads exactly len(b) bytes, looping over partial reads. A peer
// that closes the stream part way through yields io.ErrUnexpectedEOF.
func (m *Manager) ReadFull(b []byte) (int, error) {
	c, err := m.current()
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	total := 0
	for total < len(b) {
		m.applyReadDeadline(c)
		n, err := c.Read(b[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				if total == 0 {
					return total, io.EOF
				}
				err = io.ErrUnexpectedEOF
			}
			return total, fmt.Errorf("read %d of %d bytes: %w", total, len(b), err)
		}
	}
	return total, nil
}

// ReadSome performs a single read into b and returns whatever arrived.
func (m *Manager) ReadSome(b []byte) (int, error) {
	c, err := m.current()
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	m.applyReadDeadline(c)
	return c.Read(b)
}

// applyReadDeadline applies the configured read timeout to the socket.
func (m *Manager) applyReadDeadline(c net.Conn) {
	if m.ReadTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(m.ReadTimeout))
	}
}
