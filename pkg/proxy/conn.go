// Package proxy implements the connection-orchestration core of the
// intercepting proxy: the per-connection data model shared by protocol
// layers, the command/hook contract between a layer state machine and the
// host, and the handler that bridges that state machine to live I/O.
package proxy

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConnState is a set of independent readiness capabilities. Half-closed
// states are representable even though the current surface only exposes
// the fully-open/fully-closed projection.
type ConnState uint8

const (
	StateClosed   ConnState = 0
	StateCanRead  ConnState = 1 << 0
	StateCanWrite ConnState = 1 << 1
	StateOpen     ConnState = StateCanRead | StateCanWrite
)

// String returns the state name for debugging.
func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateCanRead:
		return "CanRead"
	case StateCanWrite:
		return "CanWrite"
	case StateOpen:
		return "Open"
	default:
		return "Unknown"
	}
}

// SNIMode selects what SNI a server connection sends upstream.
type SNIMode int

const (
	// SNIMirrorClient sends the SNI the client offered us.
	SNIMirrorClient SNIMode = iota
	// SNIDisabled sends no SNI at all.
	SNIDisabled
	// SNIExplicit sends ServerSNI.Value.
	SNIExplicit
)

// String returns the mode name for debugging.
func (m SNIMode) String() string {
	switch m {
	case SNIMirrorClient:
		return "MirrorClient"
	case SNIDisabled:
		return "Disabled"
	case SNIExplicit:
		return "Explicit"
	default:
		return "Unknown"
	}
}

// ServerSNI is the tri-state SNI configuration of a server connection.
// Mirroring the client's SNI and sending an explicit value that happens to
// equal the client's SNI are deliberately distinguishable states.
type ServerSNI struct {
	Mode  SNIMode
	Value string
}

// Connection describes one endpoint of a proxied connection. Layers only
// see metadata; no socket is held here. The readiness flags are mutated
// exclusively by the ConnectionHandler that owns the enclosing Context;
// layers request transitions through commands instead of flipping them.
type Connection struct {
	// Address is the remote endpoint. Nil for a server connection that
	// has not been pointed at an upstream yet.
	Address net.Addr
	State   ConnState

	// TLS metadata.
	TLS               bool
	TLSEstablished    bool
	ALPN              string
	ALPNOffers        []string
	Cipher            string
	TLSVersion        string
	TimestampTLSSetup time.Time
}

// Connected reports whether both read and write capabilities are held.
func (c *Connection) Connected() bool {
	return c.State == StateOpen
}

// SetConnected sets or clears both readiness capabilities at once.
func (c *Connection) SetConnected(v bool) {
	if v {
		c.State = StateOpen
	} else {
		c.State = StateClosed
	}
}

func (c *Connection) describe() string {
	var b strings.Builder
	if c.Address != nil {
		fmt.Fprintf(&b, "%s, ", c.Address)
	}
	fmt.Fprintf(&b, "state=%s", c.State)
	if c.TLSEstablished {
		fmt.Fprintf(&b, ", tls=%s", c.TLSVersion)
	}
	return b.String()
}

// Client is the connection between the end client and the proxy.
// It is constructed already open and closes at most once.
type Client struct {
	Connection

	// ID identifies the client connection across log records and flows.
	ID string

	// SNI is the server name the client offered us, if any.
	SNI string
}

// NewClient returns an open client connection for the given peer address.
func NewClient(address net.Addr) *Client {
	return &Client{
		Connection: Connection{Address: address, State: StateOpen},
		ID:         uuid.NewString(),
	}
}

// SetConnected is monotonic for clients: once closed, a client connection
// never reopens.
func (c *Client) SetConnected(v bool) {
	if v && c.State == StateClosed {
		return
	}
	c.Connection.SetConnected(v)
}

func (c *Client) String() string {
	return fmt.Sprintf("Client(%s)", c.describe())
}

// Server is the connection between the proxy and an upstream server.
// It is constructed closed and may cycle open and closed again across
// reconnects within the same proxy transaction.
type Server struct {
	Connection

	// SNI configures what server name is sent upstream during a TLS
	// handshake on this connection.
	SNI ServerSNI
}

// NewServer returns a closed server connection. The address may be nil
// until a layer decides where to connect.
func NewServer(address net.Addr) *Server {
	return &Server{
		Connection: Connection{Address: address, State: StateClosed},
	}
}

func (s *Server) String() string {
	return fmt.Sprintf("Server(%s)", s.describe())
}

// Addr is a lightweight net.Addr for upstream targets that have not been
// resolved yet.
type Addr struct {
	Net  string
	Host string
}

// NewAddr returns an unresolved address value.
func NewAddr(network, host string) Addr {
	return Addr{Net: network, Host: host}
}

func (a Addr) Network() string { return a.Net }
func (a Addr) String() string  { return a.Host }
