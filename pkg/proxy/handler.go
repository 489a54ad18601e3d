package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickhuber/mitmproxy/pkg/metrics"
	"github.com/quickhuber/mitmproxy/pkg/netx"
)

// ErrHandlerClosed is returned from suspension points when the handler is
// torn down while waiting.
var ErrHandlerClosed = errors.New("connection handler closed")

// Pipeline is the addon execution contract the handler consults at
// lifecycle points. For lifecycle hooks the implementation must eventually
// commit the payload's reply exactly once; log records carry a
// pre-committed reply and are delivered best-effort.
type Pipeline interface {
	HandleLifecycle(ctx context.Context, kind HookKind, payload Payload) error
}

// streamData and streamClosed are the raw events posted by reader
// goroutines. The run loop translates them into layer events after
// checking they still belong to the current stream, so a reader left over
// from a replaced server connection cannot corrupt state.
type streamData struct {
	conn   *Connection
	stream net.Conn
	data   []byte
}

type streamClosed struct {
	conn   *Connection
	stream net.Conn
}

func (streamData) isEvent()   {}
func (streamClosed) isEvent() {}

// ConnectionHandler drives one accepted connection: it owns the live
// streams, runs the layer stack, executes emitted commands, and manages
// the idle-timeout watchdog. Each handler runs on its own goroutine and
// shares nothing with its siblings except the addon pipeline.
type ConnectionHandler struct {
	ctx      *Context
	pipeline Pipeline
	logger   zerolog.Logger
	dialer   *netx.Dialer
	watchdog *Watchdog

	// mu guards the stream fields against the watchdog goroutine; the
	// run loop is otherwise their only writer.
	mu         sync.Mutex
	clientConn net.Conn
	serverConn net.Conn

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	runCtx    context.Context
	runCancel context.CancelFunc

	logPrefix string
}

// NewConnectionHandler binds a handler to an accepted client stream and a
// fresh Context.
func NewConnectionHandler(conn net.Conn, ctx *Context, pipeline Pipeline, logger zerolog.Logger) *ConnectionHandler {
	runCtx, cancel := context.WithCancel(context.Background())
	addr := formatAddr(ctx.Client.Address)
	h := &ConnectionHandler{
		ctx:        ctx,
		pipeline:   pipeline,
		logger:     logger.With().Str("client", addr).Logger(),
		dialer:     netx.NewDialer(),
		clientConn: conn,
		events:     make(chan Event, 8),
		done:       make(chan struct{}),
		runCtx:     runCtx,
		runCancel:  cancel,
		logPrefix:  addr + ": ",
	}
	h.watchdog = NewWatchdog(ctx.Options.Get().IdleTimeout, func() {
		h.log("idle timeout, closing connection", "info")
		h.shutdown()
	})
	return h
}

// Run drives the connection until both sides are closed or a fatal error
// occurs. Errors never escape: a failing connection tears down alone.
func (h *ConnectionHandler) Run() {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	defer h.teardown()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Msg("connection handler panicked")
		}
	}()

	go h.readLoop(h.clientConn, &h.ctx.Client.Connection)

	if err := h.deliver(Start{}); err != nil {
		h.fail(err)
		return
	}
	for {
		if h.drained() {
			return
		}
		select {
		case ev := <-h.events:
			if err := h.deliver(ev); err != nil {
				h.fail(err)
				return
			}
		case <-h.done:
			return
		}
	}
}

// drained reports that the layer has nothing left to do: both connections
// are closed.
func (h *ConnectionHandler) drained() bool {
	return !h.ctx.Client.Connected() && !h.ctx.Server.Connected()
}

func (h *ConnectionHandler) fail(err error) {
	if errors.Is(err, ErrHandlerClosed) {
		return
	}
	h.log(fmt.Sprintf("connection terminated: %v", err), "warn")
}

// deliver feeds one event into the layer stack and executes every command
// it emits, in emission order.
func (h *ConnectionHandler) deliver(ev Event) error {
	switch ev := ev.(type) {
	case streamData:
		if h.streamFor(ev.conn) != ev.stream || !ev.conn.Connected() {
			return nil
		}
		return h.deliverToLayer(DataReceived{Conn: ev.conn, Data: ev.data})
	case streamClosed:
		if h.streamFor(ev.conn) != ev.stream || !ev.conn.Connected() {
			return nil
		}
		ev.conn.SetConnected(false)
		return h.deliverToLayer(ConnectionClosed{Conn: ev.conn})
	}
	return h.deliverToLayer(ev)
}

func (h *ConnectionHandler) deliverToLayer(ev Event) error {
	if len(h.ctx.Layers) == 0 {
		return errors.New("no layer installed")
	}
	cmds, err := h.ctx.Layers[0].Handle(ev)
	if err != nil {
		return fmt.Errorf("layer: %w", err)
	}
	for _, cmd := range cmds {
		if err := h.execute(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (h *ConnectionHandler) execute(cmd Command) error {
	switch cmd := cmd.(type) {
	case OpenConnection:
		return h.openConnection(cmd.Server)
	case SendData:
		stream := h.streamFor(cmd.Conn)
		if stream == nil || !cmd.Conn.Connected() {
			return fmt.Errorf("send on %s connection that is not open", h.sideOf(cmd.Conn))
		}
		if _, err := stream.Write(cmd.Data); err != nil {
			return fmt.Errorf("write to %s: %w", h.sideOf(cmd.Conn), err)
		}
		h.watchdog.Notify()
		return nil
	case CloseConnection:
		cmd.Conn.SetConnected(false)
		if stream := h.streamFor(cmd.Conn); stream != nil {
			stream.Close()
		}
		return nil
	case StartTLS:
		return h.startTLS(cmd)
	case RunHook:
		return h.runHook(cmd.Hook)
	case EmitLog:
		h.log(cmd.Message, cmd.Level)
		return nil
	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
}

// openConnection dials the server connection at its configured address.
// Dial failures are not handler failures; they come back to the layer as
// an event.
func (h *ConnectionHandler) openConnection(srv *Server) error {
	if srv.Connected() {
		return h.deliver(ConnectCompleted{Conn: &srv.Connection, Err: errors.New("server connection already open")})
	}
	if srv.Address == nil {
		return h.deliver(ConnectCompleted{Conn: &srv.Connection, Err: errors.New("no server address set")})
	}
	conn, err := h.dialer.DialContext(h.runCtx, srv.Address.Network(), srv.Address.String())
	if err != nil {
		return h.deliver(ConnectCompleted{Conn: &srv.Connection, Err: err})
	}
	h.setServerConn(conn)
	srv.Address = conn.RemoteAddr()
	srv.SetConnected(true)
	h.watchdog.Notify()
	if err := h.deliver(ConnectCompleted{Conn: &srv.Connection}); err != nil {
		return err
	}
	// The reader starts only after the layer had its chance to upgrade
	// the stream in response to ConnectCompleted.
	if srv.Connected() {
		go h.readLoop(h.currentServerConn(), &srv.Connection)
	}
	return nil
}

// startTLS upgrades the server stream to TLS, sending SNI according to
// the connection's tri-state configuration. Client-side TLS is owned by
// the TLS layer, not the handler.
func (h *ConnectionHandler) startTLS(cmd StartTLS) error {
	srv := h.ctx.Server
	if cmd.Conn != &srv.Connection {
		return errors.New("start tls: handler only upgrades the server connection")
	}
	stream := h.currentServerConn()
	if !srv.Connected() || stream == nil {
		return h.deliver(StartTLSCompleted{Conn: cmd.Conn, Err: errors.New("start tls: server connection is not open")})
	}

	cfg := cmd.Config
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	switch srv.SNI.Mode {
	case SNIMirrorClient:
		cfg.ServerName = h.ctx.Client.SNI
	case SNIDisabled:
		cfg.ServerName = ""
	case SNIExplicit:
		cfg.ServerName = srv.SNI.Value
	}

	srv.TLS = true
	srv.ALPNOffers = cfg.NextProtos
	tlsConn := tls.Client(stream, cfg)
	if err := tlsConn.HandshakeContext(h.runCtx); err != nil {
		return h.deliver(StartTLSCompleted{Conn: cmd.Conn, Err: err})
	}
	state := tlsConn.ConnectionState()
	srv.TLSEstablished = true
	srv.ALPN = state.NegotiatedProtocol
	srv.Cipher = tls.CipherSuiteName(state.CipherSuite)
	srv.TLSVersion = tls.VersionName(state.Version)
	srv.TimestampTLSSetup = time.Now()
	h.setServerConn(tlsConn)
	return h.deliver(StartTLSCompleted{Conn: cmd.Conn})
}

// runHook dispatches a lifecycle hook through the addon pipeline and
// suspends this connection's causal path until the reply commits. The
// watchdog is disarmed for the whole dispatch: hook completion may depend
// on a human decision and is unbounded. Rearming happens on every exit
// path.
func (h *ConnectionHandler) runHook(hook Hook) error {
	rearm := h.watchdog.Disarm()
	defer rearm()

	if len(hook.Args) != 1 {
		return fmt.Errorf("%s hook carries %d payloads, want exactly 1", hook.Kind, len(hook.Args))
	}
	payload := hook.Args[0]
	reply := NewReply(payload)
	payload.SetReply(reply)

	metrics.HooksDispatched.WithLabelValues(hook.Kind.String()).Inc()
	start := time.Now()
	if err := h.pipeline.HandleLifecycle(h.runCtx, hook.Kind, payload); err != nil {
		return fmt.Errorf("%s hook: %w", hook.Kind, err)
	}
	select {
	case <-reply.Done():
	case <-h.done:
		return ErrHandlerClosed
	}
	metrics.HookDuration.Observe(time.Since(start).Seconds())

	// Clear the reply so any later reuse surfaces as a nil dereference
	// instead of silently re-signaling a consumed reply.
	payload.SetReply(nil)
	rearm()
	return h.deliver(HookCompleted{Hook: hook})
}

// log emits a record on the fire-and-forget side channel: local structured
// logging plus a best-effort log hook through the pipeline. Delivery order
// relative to awaited hooks is not guaranteed.
func (h *ConnectionHandler) log(message, level string) {
	msg := h.logPrefix + message
	logEvent(h.logger, level, message)
	rec := &LogRecord{Message: msg, Level: level}
	rec.SetReply(NewDummyReply())
	go func() {
		_ = h.pipeline.HandleLifecycle(context.Background(), KindLog, rec)
	}()
}

func (h *ConnectionHandler) readLoop(stream net.Conn, meta *Connection) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			h.watchdog.Notify()
			data := make([]byte, n)
			copy(data, buf[:n])
			h.postEvent(streamData{conn: meta, stream: stream, data: data})
		}
		if err != nil {
			h.postEvent(streamClosed{conn: meta, stream: stream})
			return
		}
	}
}

func (h *ConnectionHandler) postEvent(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *ConnectionHandler) streamFor(conn *Connection) net.Conn {
	switch conn {
	case &h.ctx.Client.Connection:
		return h.clientConn
	case &h.ctx.Server.Connection:
		return h.currentServerConn()
	}
	return nil
}

func (h *ConnectionHandler) sideOf(conn *Connection) string {
	if conn == &h.ctx.Client.Connection {
		return "client"
	}
	return "server"
}

func (h *ConnectionHandler) setServerConn(conn net.Conn) {
	h.mu.Lock()
	h.serverConn = conn
	h.mu.Unlock()
}

func (h *ConnectionHandler) currentServerConn() net.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serverConn
}

// shutdown unblocks the run loop and closes both streams. Safe to call
// from any goroutine, any number of times.
func (h *ConnectionHandler) shutdown() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.runCancel()
		h.clientConn.Close()
		if conn := h.currentServerConn(); conn != nil {
			conn.Close()
		}
	})
}

func (h *ConnectionHandler) teardown() {
	h.shutdown()
	h.watchdog.Stop()
	h.ctx.Client.SetConnected(false)
	h.ctx.Server.SetConnected(false)
	h.logger.Debug().Msg("connection handler finished")
}

func logEvent(l zerolog.Logger, level, msg string) {
	switch level {
	case "debug":
		l.Debug().Msg(msg)
	case "warn", "warning":
		l.Warn().Msg(msg)
	case "error":
		l.Error().Msg(msg)
	default:
		l.Info().Msg(msg)
	}
}

func formatAddr(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
