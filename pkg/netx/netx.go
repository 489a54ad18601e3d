// Package netx provides tuned TCP dialing and listening primitives.
package netx

import (
	"context"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DialTimeout is the default timeout for establishing upstream
	// connections.
	DialTimeout = 10 * time.Second

	// KeepAliveInterval for TCP keepalive probes.
	KeepAliveInterval = 30 * time.Second
)

// Dialer dials upstream servers with keepalive and socket tuning applied.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer returns a dialer with default timeouts.
func NewDialer() *Dialer {
	return &Dialer{
		Timeout:   DialTimeout,
		KeepAlive: KeepAliveInterval,
	}
}

// DialContext connects to the address with context support.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
		Control:   control,
	}

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return conn, nil
}

// Listen opens a TCP listener with SO_REUSEADDR and SO_REUSEPORT set so a
// rebuilt listener can rebind its previous port immediately.
func Listen(ctx context.Context, network, address string) (net.Listener, error) {
	lc := net.ListenConfig{Control: control}
	return lc.Listen(ctx, network, address)
}

// control is called before the socket is bound or connected.
func control(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = tuneSocket(int(fd))
	})
	if err != nil {
		return err
	}
	return sockErr
}

// tuneSocket sets low-level socket options.
func tuneSocket(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return err
	}
	return nil
}
