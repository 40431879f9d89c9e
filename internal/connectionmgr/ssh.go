package connectionmgr

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshHandshakeTimeout = 5 * time.Second

// SSHConfig describes a jump host through which the control and data sockets
// are tunnelled when the appliance is not directly routable.
type SSHConfig struct {
	Host     string
	User     string
	Password string
	KeyPath  string
	Port     int
}

// SSHDialer implements Dialer by opening direct-tcpip channels on a shared
// SSH client. The client is established lazily and reused.
type SSHDialer struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
}

// NewSSHDialer validates configuration and prepares a dialer instance.
func NewSSHDialer(cfg SSHConfig) (*SSHDialer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required for tunnelling")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SSHDialer{cfg: cfg}, nil
}

// DialContext opens a tunnelled connection to address as seen from the jump host.
func (d *SSHDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ssh tunnel to %s: %w", address, ctx.Err())
		}
		// The jump host may have dropped us; force a fresh client next time.
		d.reset(client)
		return nil, fmt.Errorf("ssh tunnel to %s: %w", address, err)
	}
	return conn, nil
}

// Close releases the underlying SSH client.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

func (d *SSHDialer) reset(stale *ssh.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == stale {
		_ = d.client.Close()
		d.client = nil
	}
}

func (d *SSHDialer) dial(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return d.client, nil
	}

	auth, err := d.authMethods()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshHandshakeTimeout,
	}

	addr := net.JoinHostPort(d.cfg.Host, fmt.Sprint(d.cfg.Port))
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	// ssh.NewClientConn has no context; bound the handshake by the deadline
	// and tear the socket down if ctx ends first.
	deadline := time.Now().Add(config.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if fired := !stop(); fired && err == nil {
		_ = clientConn.Close()
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ssh handshake: %w", ctx.Err())
		}
		return nil, fmt.Errorf("create ssh client: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	d.client = ssh.NewClient(clientConn, chans, reqs)
	return d.client, nil
}

func (d *SSHDialer) authMethods() ([]ssh.AuthMethod, error) {
	auth := []ssh.AuthMethod{}
	if d.cfg.Password != "" {
		auth = append(auth, ssh.Password(d.cfg.Password))
	}
	if d.cfg.KeyPath != "" {
		key, err := os.ReadFile(d.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}
	return auth, nil
}
