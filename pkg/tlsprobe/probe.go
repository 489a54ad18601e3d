// Package tlsprobe inspects upstream TLS endpoints: reachability, handshake
// parameters, and the served certificate chain. Results are cached so
// repeated lookups of the same endpoint do not hammer the upstream.
package tlsprobe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/quickhuber/mitmproxy/pkg/netx"
)

// Result describes one probed endpoint.
type Result struct {
	Address string
	RTT     time.Duration

	TLSVersion string
	Cipher     string
	ALPN       string

	Subject   string
	Issuer    string
	NotBefore time.Time
	NotAfter  time.Time
	DNSNames  []string
	Chain     []*x509.Certificate

	FetchedAt time.Time
	refreshAt time.Time
}

// Stale reports whether the cached result should be refreshed. Results
// near certificate expiry refresh early.
func (r *Result) Stale() bool {
	return time.Now().After(r.refreshAt)
}

// Prober dials endpoints and caches what it learns.
type Prober struct {
	Timeout time.Duration
	// Refresh is how long a cached result stays fresh. A jitter below one
	// hour is added so many probers do not refresh in lockstep.
	Refresh time.Duration

	// NextProtos is offered during the probing handshake.
	NextProtos []string

	dialer *netx.Dialer

	mu    sync.RWMutex
	cache map[string]*Result
}

// NewProber returns a prober with default timeouts.
func NewProber() *Prober {
	return &Prober{
		Timeout: 10 * time.Second,
		Refresh: 5 * time.Hour,
		dialer:  netx.NewDialer(),
		cache:   make(map[string]*Result),
	}
}

// Probe returns endpoint details, from cache when fresh. serverName is the
// SNI sent during the handshake; empty disables SNI. On a failed refresh a
// stale cached result is returned rather than an error.
func (p *Prober) Probe(ctx context.Context, address, serverName string) (*Result, error) {
	key := address + "|" + serverName

	p.mu.RLock()
	cached, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && !cached.Stale() {
		return cached, nil
	}

	res, err := p.fetch(ctx, address, serverName)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}

	p.mu.Lock()
	p.cache[key] = res
	p.mu.Unlock()
	return res, nil
}

func (p *Prober) fetch(ctx context.Context, address, serverName string) (*Result, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := p.dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	rtt := time.Since(start)
	defer raw.Close()

	conn := tls.Client(raw, &tls.Config{
		ServerName: serverName,
		NextProtos: p.NextProtos,
		// The point is to see what the upstream serves, valid or not.
		InsecureSkipVerify: true,
	})
	if err := conn.HandshakeContext(dialCtx); err != nil {
		return nil, fmt.Errorf("handshake with %s: %w", address, err)
	}

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no certificates from %s", address)
	}
	leaf := state.PeerCertificates[0]

	now := time.Now()
	refreshAt := now.Add(p.Refresh + jitter(now))
	if expiryGuard := leaf.NotAfter.Add(-time.Hour); refreshAt.After(expiryGuard) {
		refreshAt = expiryGuard
	}

	return &Result{
		Address:    address,
		RTT:        rtt,
		TLSVersion: tls.VersionName(state.Version),
		Cipher:     tls.CipherSuiteName(state.CipherSuite),
		ALPN:       state.NegotiatedProtocol,
		Subject:    leaf.Subject.String(),
		Issuer:     leaf.Issuer.String(),
		NotBefore:  leaf.NotBefore,
		NotAfter:   leaf.NotAfter,
		DNSNames:   leaf.DNSNames,
		Chain:      state.PeerCertificates,
		FetchedAt:  now,
		refreshAt:  refreshAt,
	}, nil
}

// jitter spreads refreshes over a one hour window centered on zero.
func jitter(now time.Time) time.Duration {
	return time.Duration(now.UnixNano()%int64(time.Hour)) - 30*time.Minute
}
