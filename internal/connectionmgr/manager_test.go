package connectionmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFullAccumulatesPartialReads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	m := &Manager{Timeout: time.Second, ReadTimeout: time.Second}
	m.SetConn(client)

	go func() {
		_, _ = server.Write([]byte{1, 2, 3})
		_, _ = server.Write([]byte{4, 5})
		_, _ = server.Write([]byte{6, 7, 8})
	}()

	buf := make([]byte, 8)
	n, err := m.ReadFull(buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf)
}

func TestReadFullReportsUnexpectedEOF(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	m := &Manager{Timeout: time.Second}
	m.SetConn(client)

	go func() {
		_, _ = server.Write([]byte{1, 2})
		server.Close()
	}()

	n, err := m.ReadFull(make([]byte, 4))
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
}

func TestReadFullTimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	m := &Manager{ReadTimeout: 20 * time.Millisecond}
	m.SetConn(client)

	_, err := m.ReadFull(make([]byte, 4))
	var ne net.Error
	require.True(t, errors.As(err, &ne), "expected net.Error, got %v", err)
	assert.True(t, ne.Timeout())
}

func TestWriteAllDeliversEverything(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	m := &Manager{Timeout: time.Second}
	m.SetConn(client)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		_, _ = io.ReadFull(server, buf)
		got <- buf
	}()

	require.NoError(t, m.WriteAll(payload))
	assert.Equal(t, payload, <-got)
}

func TestIOWithoutConnection(t *testing.T) {
	m := New("127.0.0.1:1")
	assert.ErrorIs(t, m.WriteAll([]byte("x")), ErrNotConnected)
	_, err := m.ReadFull(make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = m.ReadSome(make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectAndCloseAreIdempotent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	m := New(ln.Addr().String())
	m.RecvBuffer = 1 << 20
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.Connected())

	select {
	case c := <-accepted:
		defer c.Close()
	case <-time.After(time.Second):
		t.Fatal("listener never accepted")
	}
	select {
	case <-accepted:
		t.Fatal("second Connect must not dial again")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.False(t, m.Connected())
}

func TestCloseUnblocksPendingRead(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	m := &Manager{}
	m.SetConn(client)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.ReadFull(make([]byte, 16))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("read was not unblocked by Close")
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	m := New(addr)
	m.Timeout = 200 * time.Millisecond
	assert.Error(t, m.Connect(context.Background()))
	assert.False(t, m.Connected())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestNewSSHDialerValidation(t *testing.T) {
	_, err := NewSSHDialer(SSHConfig{})
	assert.Error(t, err)

	d, err := NewSSHDialer(SSHConfig{Host: "jump.example"})
	require.NoError(t, err)
	assert.Equal(t, "root", d.cfg.User)
	assert.Equal(t, 22, d.cfg.Port)

	_, err = d.authMethods()
	assert.Error(t, err, "expected missing credentials error")
	assert.NoError(t, d.Close())
}

func TestSSHDialerHonoursContextDuringHandshake(t *testing.T) {
	// The listener accepts but never speaks SSH.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		var conns []net.Conn
		for {
			c, err := ln.Accept()
			if err != nil {
				for _, c := range conns {
					_ = c.Close()
				}
				return
			}
			conns = append(conns, c)
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	var p int
	_, err = fmt.Sscan(port, &p)
	require.NoError(t, err)

	d, err := NewSSHDialer(SSHConfig{Host: host, Port: p, Password: "secret"})
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)
	start := time.Now()
	_, err = d.DialContext(ctx, "tcp", "127.0.0.1:1234")
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Nil(t, d.client)
}
