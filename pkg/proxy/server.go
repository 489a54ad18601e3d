package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/quickhuber/mitmproxy/pkg/config"
	"github.com/quickhuber/mitmproxy/pkg/metrics"
	"github.com/quickhuber/mitmproxy/pkg/netx"
)

// Proxyserver owns the listening socket lifecycle. It opens and closes the
// listener in response to live configuration changes and spawns one
// ConnectionHandler per accepted connection. The listening socket is
// mutated only while holding the rebuild lock.
type Proxyserver struct {
	opts     *config.Options
	pipeline Pipeline
	logger   zerolog.Logger

	mu         sync.Mutex // serializes listener rebuilds
	ln         net.Listener
	acceptDone chan struct{}

	running  atomic.Bool
	handlers sync.WaitGroup
}

// NewProxyserver returns a server that is not yet listening.
func NewProxyserver(opts *config.Options, pipeline Pipeline, logger zerolog.Logger) *Proxyserver {
	return &Proxyserver{
		opts:     opts,
		pipeline: pipeline,
		logger:   logger.With().Str("component", "proxyserver").Logger(),
	}
}

// Start opens the listener according to current options and subscribes to
// option changes for live rebuilds.
func (s *Proxyserver) Start() error {
	s.running.Store(true)
	s.opts.Subscribe(s.Configure)
	return s.Rebuild()
}

// Configure schedules an asynchronous listener rebuild if a relevant
// option changed. It is a no-op before Start and never blocks the caller.
func (s *Proxyserver) Configure(changed []string) {
	if !s.running.Load() {
		return
	}
	relevant := false
	for _, name := range changed {
		switch name {
		case "server", "listen_host", "listen_port":
			relevant = true
		}
	}
	if !relevant {
		return
	}
	go func() {
		if err := s.Rebuild(); err != nil {
			s.logger.Error().Err(err).Msg("listener rebuild failed")
		}
	}()
}

// Rebuild swaps the listening socket to match current options. Bursts of
// configuration changes serialize on the rebuild lock into one consistent
// final state: the old socket is closed and fully shut down before a new
// one is opened. On error the listener is left closed, never
// half-initialized.
func (s *Proxyserver) Rebuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeListenerLocked()

	v := s.opts.Get()
	if !v.Server {
		return nil
	}

	addr := net.JoinHostPort(v.ListenHost, strconv.Itoa(v.ListenPort))
	ln, err := netx.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	metrics.ListenerRebuilds.Inc()
	s.ln = ln
	done := make(chan struct{})
	s.acceptDone = done
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("proxy server listening")
	go s.acceptLoop(ln, done)
	return nil
}

func (s *Proxyserver) closeListenerLocked() {
	if s.ln == nil {
		return
	}
	s.ln.Close()
	<-s.acceptDone
	s.ln = nil
	s.acceptDone = nil
}

// Shutdown closes the listening socket and waits for the in-flight accept
// to settle. Already-accepted connection handlers drain independently.
func (s *Proxyserver) Shutdown() {
	s.running.Store(false)
	s.mu.Lock()
	s.closeListenerLocked()
	s.mu.Unlock()
}

// Wait blocks until every spawned connection handler has finished.
func (s *Proxyserver) Wait() {
	s.handlers.Wait()
}

// Addr returns the bound listener address, or nil when not listening.
func (s *Proxyserver) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Proxyserver) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}
		metrics.AcceptedTotal.Inc()
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection binds a ConnectionHandler to a fresh Context and runs
// it to completion. Each handler is its own unit of concurrency; the
// accept loop never waits on it.
func (s *Proxyserver) handleConnection(conn net.Conn) {
	client := NewClient(conn.RemoteAddr())
	ctx := NewContext(client, s.opts)
	ctx.Layers = append(ctx.Layers, NewRelayLayer(ctx))
	h := NewConnectionHandler(conn, ctx, s.pipeline, s.logger)
	h.Run()
}
