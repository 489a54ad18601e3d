package proxy

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickhuber/mitmproxy/pkg/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestServer(t *testing.T, v config.Values) (*Proxyserver, *config.Options) {
	t.Helper()
	v.ListenHost = "127.0.0.1"
	if v.IdleTimeout == 0 {
		v.IdleTimeout = 5 * time.Second
	}
	opts := testOptions(t, v)
	s := NewProxyserver(opts, &recordingPipeline{autoCommit: true}, zerolog.Nop())
	t.Cleanup(func() {
		s.Shutdown()
		s.Wait()
	})
	return s, opts
}

func waitForPort(t *testing.T, s *Proxyserver, port int) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		addr, ok := s.Addr().(*net.TCPAddr)
		return ok && addr.Port == port
	})
}

// TestProxyserver_StartAndAccept tests the basic listen and accept path.
func TestProxyserver_StartAndAccept(t *testing.T) {
	s, _ := newTestServer(t, config.Values{Server: true})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr()
	if addr == nil {
		t.Fatal("enabled server should be listening")
	}

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}

// TestProxyserver_Disabled tests that a disabled server never binds.
func TestProxyserver_Disabled(t *testing.T) {
	s, _ := newTestServer(t, config.Values{Server: false})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Addr() != nil {
		t.Error("disabled server must not listen")
	}
}

// TestProxyserver_RapidOptionChanges tests that a burst of listen address
// changes settles into exactly one listener, bound to the last requested
// port.
func TestProxyserver_RapidOptionChanges(t *testing.T) {
	s, opts := newTestServer(t, config.Values{Server: true})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := s.Addr().(*net.TCPAddr).Port

	ports := []int{freePort(t), freePort(t), freePort(t)}
	for _, port := range ports {
		v := opts.Get()
		v.ListenPort = port
		if err := opts.Set(v); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	last := ports[len(ports)-1]
	waitForPort(t, s, last)

	if conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second); err != nil {
		t.Fatalf("dial final port: %v", err)
	} else {
		conn.Close()
	}

	// Every superseded address must be released.
	for _, port := range append([]int{first}, ports[:len(ports)-1]...) {
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		if conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond); err == nil {
			conn.Close()
			t.Errorf("stale listener still accepting on port %d", port)
		}
	}
}

// TestProxyserver_ToggleServer tests disable and re-enable through the
// options store.
func TestProxyserver_ToggleServer(t *testing.T) {
	s, opts := newTestServer(t, config.Values{Server: true})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	port := s.Addr().(*net.TCPAddr).Port

	v := opts.Get()
	v.Server = false
	if err := opts.Set(v); err != nil {
		t.Fatalf("Set: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Addr() == nil })

	v.Server = true
	v.ListenPort = port
	if err := opts.Set(v); err != nil {
		t.Fatalf("Set: %v", err)
	}
	waitForPort(t, s, port)
}

// TestProxyserver_ConfigureBeforeStart tests that option changes before
// Start do not bind a socket.
func TestProxyserver_ConfigureBeforeStart(t *testing.T) {
	s, _ := newTestServer(t, config.Values{Server: true})

	s.Configure([]string{"listen_port"})
	time.Sleep(50 * time.Millisecond)
	if s.Addr() != nil {
		t.Error("Configure before Start must not open a listener")
	}
}

// TestProxyserver_Shutdown tests that the listener is gone after
// Shutdown while accepted connections were already handed off.
func TestProxyserver_Shutdown(t *testing.T) {
	s, _ := newTestServer(t, config.Values{Server: true})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr().String()

	s.Shutdown()
	if s.Addr() != nil {
		t.Error("listener should be closed after Shutdown")
	}
	if conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond); err == nil {
		conn.Close()
		t.Error("dial should fail after Shutdown")
	}
}
