package control

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rjboer/heimdallclient/internal/connectionmgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(_ string, msg string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recordingNotifier) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

// fakeAppliance accepts one control connection and answers every frame
// with reply(frame). A nil reply closes the connection instead.
func fakeAppliance(t *testing.T, reply func(Frame) []byte) (string, <-chan Frame) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	frames := make(chan Frame, 32)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f Frame
			if _, err := io.ReadFull(conn, f[:]); err != nil {
				return
			}
			frames <- f
			resp := reply(f)
			if resp == nil {
				return
			}
			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), frames
}

func okReply(f Frame) []byte {
	resp := make([]byte, FrameSize)
	copy(resp, " OK "+string(f.Tag()))
	return resp
}

func TestConfigureSendsStartupSequenceInOrder(t *testing.T) {
	addr, frames := fakeAppliance(t, okReply)
	notes := &recordingNotifier{}
	c := New(Config{Address: addr, DialTimeout: time.Second}, WithNotifier(notes))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Configure(ctx, Settings{FrequencyMHz: "100.0", Gains: []int{496, 496, 496, 496, 496}, SquelchThreshold: 0.5})
	require.NoError(t, err)

	var tags []Command
	var freq Frame
	for i := 0; i < 4; i++ {
		f := <-frames
		tags = append(tags, f.Tag())
		if f.Tag() == CmdFreq {
			freq = f
		}
	}
	assert.Equal(t, []Command{CmdGain, CmdFreq, CmdSquelch, CmdInit}, tags)
	assert.Equal(t, uint64(100000000), binary.LittleEndian.Uint64(freq[4:12]))

	require.NoError(t, c.Disconnect())
	msgs := notes.messages()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[0], "Connected to control port")
	assert.Contains(t, msgs, "Received response: OK INIT")
	assert.Contains(t, msgs[len(msgs)-1], "Disconnected from control port")
}

func TestSendReturnsTrimmedResponse(t *testing.T) {
	addr, _ := fakeAppliance(t, okReply)
	c := New(Config{Address: addr})
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx), "second connect is a no-op")

	msg, err := c.SendAGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, "OK AGC", msg)
}

func TestSendWithoutResponseIsNotAnError(t *testing.T) {
	addr, frames := fakeAppliance(t, func(Frame) []byte { return nil })
	notes := &recordingNotifier{}
	c := New(Config{Address: addr}, WithNotifier(notes))
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	msg, err := c.SendExit(ctx)
	require.NoError(t, err)
	assert.Empty(t, msg)
	assert.Equal(t, CmdExit, (<-frames).Tag())
	for _, m := range notes.messages() {
		assert.NotContains(t, m, "Received response")
	}
}

func TestInvalidFrequencyAbandonsConfigure(t *testing.T) {
	addr, frames := fakeAppliance(t, okReply)
	c := New(Config{Address: addr})
	defer c.Close()

	ctx := context.Background()
	err := c.Configure(ctx, Settings{FrequencyMHz: "not-a-number"})
	require.True(t, errors.Is(err, ErrInvalidParameter))

	// The channel keeps working for later commands.
	require.NoError(t, c.Connect(ctx))
	_, err = c.SendFrequency(ctx, 433.92)
	require.NoError(t, err)
	assert.Equal(t, CmdFreq, (<-frames).Tag())
}

func TestSendWhenDisconnectedFails(t *testing.T) {
	c := New(Config{Address: "127.0.0.1:1"})
	defer c.Close()

	_, err := c.SendInit(context.Background())
	assert.Error(t, err)
	assert.NoError(t, c.Disconnect())
	assert.NoError(t, c.Disconnect())
}

func TestCancelledSendUnblocksWorker(t *testing.T) {
	// The peer never answers.
	addr, _ := fakeAppliance(t, func(Frame) []byte { time.Sleep(time.Hour); return nil })
	c := New(Config{Address: addr})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		msg, err := c.SendInit(ctx)
		assert.Empty(t, msg)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return after cancellation")
	}
	assert.Equal(t, connectionmgr.Disconnected, c.State())
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	c := New(Config{Address: "127.0.0.1:1"})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.SendInit(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Disconnect())
}

func TestTrimResponse(t *testing.T) {
	assert.Equal(t, "FREQ OK", trimResponse([]byte("\x00 FREQ OK\r\n\x00\x00")))
}
