package proxy

import (
	"net"
	"testing"
)

// TestConnection_Connected tests the open iff read+write equivalence.
func TestConnection_Connected(t *testing.T) {
	testCases := []struct {
		name      string
		state     ConnState
		connected bool
	}{
		{"Closed", StateClosed, false},
		{"CanRead", StateCanRead, false},
		{"CanWrite", StateCanWrite, false},
		{"Open", StateOpen, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Connection{State: tc.state}
			if c.Connected() != tc.connected {
				t.Errorf("Connected() with state %v: got %v, want %v", tc.state, c.Connected(), tc.connected)
			}
		})
	}
}

// TestConnection_SetConnected tests that setting connected flips both
// capabilities at once.
func TestConnection_SetConnected(t *testing.T) {
	c := &Connection{State: StateCanRead}

	c.SetConnected(true)
	if c.State != StateOpen {
		t.Errorf("after SetConnected(true): got %v, want StateOpen", c.State)
	}

	c.SetConnected(false)
	if c.State != StateClosed {
		t.Errorf("after SetConnected(false): got %v, want StateClosed", c.State)
	}
}

// TestClient_InitialState tests that clients are constructed open.
func TestClient_InitialState(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 50000}
	c := NewClient(addr)

	if !c.Connected() {
		t.Error("new client should be connected")
	}
	if c.Address != addr {
		t.Error("client address mismatch")
	}
	if c.ID == "" {
		t.Error("client should get an ID")
	}
}

// TestClient_MonotonicClose tests that a closed client never reopens.
func TestClient_MonotonicClose(t *testing.T) {
	c := NewClient(nil)

	c.SetConnected(false)
	if c.Connected() {
		t.Fatal("client should be closed")
	}

	c.SetConnected(true)
	if c.Connected() {
		t.Error("closed client must not reopen")
	}
}

// TestServer_Reconnect tests that a server connection may cycle
// open/closed across reconnects.
func TestServer_Reconnect(t *testing.T) {
	s := NewServer(nil)

	if s.Connected() {
		t.Fatal("new server should be closed")
	}

	s.SetConnected(true)
	if !s.Connected() {
		t.Fatal("server should be open after connect")
	}

	s.SetConnected(false)
	if s.Connected() {
		t.Fatal("server should be closed after disconnect")
	}

	s.SetConnected(true)
	if !s.Connected() {
		t.Error("server should be allowed to reconnect")
	}
}

// TestServerSNI_Modes tests that the three SNI configurations stay
// distinguishable.
func TestServerSNI_Modes(t *testing.T) {
	mirror := ServerSNI{Mode: SNIMirrorClient}
	none := ServerSNI{Mode: SNIDisabled}
	explicit := ServerSNI{Mode: SNIExplicit, Value: "example.com"}

	if mirror == none || none == explicit || mirror == explicit {
		t.Error("SNI modes must be distinguishable")
	}

	// Explicit value equal to what the client offered is still a
	// distinct configuration from mirroring.
	alsoExplicit := ServerSNI{Mode: SNIExplicit, Value: "example.com"}
	if explicit != alsoExplicit {
		t.Error("equal explicit configurations should compare equal")
	}
	if (ServerSNI{Mode: SNIMirrorClient, Value: "example.com"}) == explicit {
		t.Error("mirror and explicit must differ even with equal values")
	}
}

// TestConnState_String tests state names for debugging output.
func TestConnState_String(t *testing.T) {
	testCases := []struct {
		state    ConnState
		expected string
	}{
		{StateClosed, "Closed"},
		{StateCanRead, "CanRead"},
		{StateCanWrite, "CanWrite"},
		{StateOpen, "Open"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			if tc.state.String() != tc.expected {
				t.Errorf("String(): got %q, want %q", tc.state.String(), tc.expected)
			}
		})
	}
}
