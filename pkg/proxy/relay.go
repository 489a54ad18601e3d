package proxy

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/quickhuber/mitmproxy/pkg/config"
)

// relayState tracks where a relayed transaction stands.
type relayState int

const (
	relayGreeting       relayState = iota // clientconnect hook in flight
	relayIdle                             // waiting for client data (lazy strategy)
	relayServerConnect                    // serverconnect hook in flight
	relayConnecting                       // upstream dial in flight
	relayServerGreeting                   // serverconnected hook in flight
	relayEstablished                      // forwarding in both directions
	relayDone
)

// RelayLayer forwards raw bytes between the client and a configured
// upstream, consulting addons at every connection lifecycle point. It is
// the innermost layer for connections no protocol-specific layer claims.
type RelayLayer struct {
	ctx      *Context
	flow     *ConnFlow
	state    relayState
	upstream string
	pending  [][]byte // client data buffered until the upstream is ready
}

// NewRelayLayer returns a relay layer bound to the given context.
func NewRelayLayer(ctx *Context) *RelayLayer {
	return &RelayLayer{ctx: ctx}
}

// Handle implements Layer.
func (l *RelayLayer) Handle(ev Event) ([]Command, error) {
	switch ev := ev.(type) {
	case Start:
		opts := l.ctx.Options.Get()
		l.upstream = opts.Upstream
		if l.upstream != "" {
			l.ctx.Server.Address = NewAddr("tcp", l.upstream)
		}
		l.flow = &ConnFlow{
			ID:     uuid.NewString(),
			Client: l.ctx.Client,
			Server: l.ctx.Server,
		}
		l.state = relayGreeting
		return []Command{RunHook{NewHook(KindClientConnected, l.flow)}}, nil

	case HookCompleted:
		return l.hookDone(ev.Hook)

	case ConnectCompleted:
		if ev.Err != nil {
			l.state = relayDone
			return []Command{
				EmitLog{Message: fmt.Sprintf("failed to connect to %s: %v", l.upstream, ev.Err), Level: "warn"},
				CloseConnection{Conn: &l.ctx.Client.Connection},
			}, nil
		}
		l.state = relayServerGreeting
		return []Command{RunHook{NewHook(KindServerConnected, l.flow)}}, nil

	case DataReceived:
		return l.dataReceived(ev)

	case ConnectionClosed:
		if ev.Conn == &l.ctx.Client.Connection {
			l.state = relayDone
			return []Command{
				RunHook{NewHook(KindClientDisconnected, l.flow)},
				CloseConnection{Conn: &l.ctx.Server.Connection},
			}, nil
		}
		l.state = relayDone
		return []Command{
			RunHook{NewHook(KindServerDisconnected, l.flow)},
			CloseConnection{Conn: &l.ctx.Client.Connection},
		}, nil
	}
	return nil, nil
}

func (l *RelayLayer) dataReceived(ev DataReceived) ([]Command, error) {
	if ev.Conn == &l.ctx.Server.Connection {
		return []Command{SendData{Conn: &l.ctx.Client.Connection, Data: ev.Data}}, nil
	}
	if l.state == relayEstablished {
		return []Command{SendData{Conn: &l.ctx.Server.Connection, Data: ev.Data}}, nil
	}
	l.pending = append(l.pending, ev.Data)
	if l.state == relayIdle {
		return l.requestServer()
	}
	return nil, nil
}

func (l *RelayLayer) hookDone(hook Hook) ([]Command, error) {
	switch hook.Kind {
	case KindClientConnected:
		if l.flow.Killed() {
			return l.kill()
		}
		if l.ctx.Options.Get().ConnectionStrategy == config.StrategyEager && l.upstream != "" {
			return l.requestServer()
		}
		l.state = relayIdle
		return nil, nil

	case KindServerConnect:
		if l.flow.Killed() {
			return l.kill()
		}
		l.state = relayConnecting
		return []Command{OpenConnection{Server: l.ctx.Server}}, nil

	case KindServerConnected:
		l.state = relayEstablished
		cmds := make([]Command, 0, len(l.pending))
		for _, data := range l.pending {
			cmds = append(cmds, SendData{Conn: &l.ctx.Server.Connection, Data: data})
		}
		l.pending = nil
		return cmds, nil
	}
	return nil, nil
}

func (l *RelayLayer) requestServer() ([]Command, error) {
	if l.upstream == "" {
		l.state = relayDone
		return []Command{
			EmitLog{Message: "no upstream configured, dropping connection", Level: "warn"},
			CloseConnection{Conn: &l.ctx.Client.Connection},
		}, nil
	}
	l.state = relayServerConnect
	return []Command{RunHook{NewHook(KindServerConnect, l.flow)}}, nil
}

func (l *RelayLayer) kill() ([]Command, error) {
	l.state = relayDone
	return []Command{
		EmitLog{Message: fmt.Sprintf("flow killed by addon: %s", l.flow.Error), Level: "info"},
		CloseConnection{Conn: &l.ctx.Client.Connection},
	}, nil
}
