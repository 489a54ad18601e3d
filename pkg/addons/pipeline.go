// Package addons implements the addon pipeline: external extensions
// registered before the proxy starts accepting connections, consulted in a
// fixed priority order at connection lifecycle points.
package addons

import (
	"context"
	"fmt"
	"sync"

	"github.com/quickhuber/mitmproxy/pkg/proxy"
)

// Addon is an external extension. Implement any of the capability
// interfaces below to be consulted at the matching lifecycle point; the
// pipeline skips addons that don't care about a given hook.
type Addon interface {
	Name() string
}

// ClientConnectedHandler observes a client that just connected.
type ClientConnectedHandler interface {
	ClientConnected(ctx context.Context, flow *proxy.ConnFlow)
}

// ClientDisconnectedHandler observes a client that disconnected.
type ClientDisconnectedHandler interface {
	ClientDisconnected(ctx context.Context, flow *proxy.ConnFlow)
}

// ServerConnectHandler runs before an upstream connection is established
// and may veto it by setting the flow's error.
type ServerConnectHandler interface {
	ServerConnect(ctx context.Context, flow *proxy.ConnFlow)
}

// ServerConnectedHandler observes an established upstream connection.
type ServerConnectedHandler interface {
	ServerConnected(ctx context.Context, flow *proxy.ConnFlow)
}

// ServerDisconnectedHandler observes a closed upstream connection.
type ServerDisconnectedHandler interface {
	ServerDisconnected(ctx context.Context, flow *proxy.ConnFlow)
}

// LogHandler receives log records emitted by connection handlers.
type LogHandler interface {
	Log(rec *proxy.LogRecord)
}

// Pipeline runs registered addons in registration order. The set of addons
// is sealed before the listener starts accepting; registration afterwards
// is an error. An addon setting a flow error does not stop later addons
// from running.
type Pipeline struct {
	mu     sync.RWMutex
	addons []Addon
	sealed bool
}

// NewPipeline returns an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Register appends an addon. Registration order is priority order.
func (p *Pipeline) Register(a Addon) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return fmt.Errorf("cannot register addon %q: pipeline already sealed", a.Name())
	}
	p.addons = append(p.addons, a)
	return nil
}

// Seal freezes the addon set. Called once before the listener starts.
func (p *Pipeline) Seal() {
	p.mu.Lock()
	p.sealed = true
	p.mu.Unlock()
}

// HandleLifecycle implements proxy.Pipeline: it runs the payload through
// every interested addon in order, then commits the payload's reply so the
// dispatching handler resumes. Commit is unconditional: an addon-set flow
// error is state for the resuming layer, not a pipeline failure.
func (p *Pipeline) HandleLifecycle(ctx context.Context, kind proxy.HookKind, payload proxy.Payload) error {
	p.mu.RLock()
	addons := p.addons
	p.mu.RUnlock()

	switch kind {
	case proxy.KindClientConnected:
		flow, err := connFlow(kind, payload)
		if err != nil {
			return err
		}
		for _, a := range addons {
			if h, ok := a.(ClientConnectedHandler); ok {
				h.ClientConnected(ctx, flow)
			}
		}
	case proxy.KindClientDisconnected:
		flow, err := connFlow(kind, payload)
		if err != nil {
			return err
		}
		for _, a := range addons {
			if h, ok := a.(ClientDisconnectedHandler); ok {
				h.ClientDisconnected(ctx, flow)
			}
		}
	case proxy.KindServerConnect:
		flow, err := connFlow(kind, payload)
		if err != nil {
			return err
		}
		for _, a := range addons {
			if h, ok := a.(ServerConnectHandler); ok {
				h.ServerConnect(ctx, flow)
			}
		}
	case proxy.KindServerConnected:
		flow, err := connFlow(kind, payload)
		if err != nil {
			return err
		}
		for _, a := range addons {
			if h, ok := a.(ServerConnectedHandler); ok {
				h.ServerConnected(ctx, flow)
			}
		}
	case proxy.KindServerDisconnected:
		flow, err := connFlow(kind, payload)
		if err != nil {
			return err
		}
		for _, a := range addons {
			if h, ok := a.(ServerDisconnectedHandler); ok {
				h.ServerDisconnected(ctx, flow)
			}
		}
	case proxy.KindLog:
		rec, ok := payload.(*proxy.LogRecord)
		if !ok {
			return fmt.Errorf("log payload must be *proxy.LogRecord, got %T", payload)
		}
		for _, a := range addons {
			if h, ok := a.(LogHandler); ok {
				h.Log(rec)
			}
		}
	default:
		return fmt.Errorf("unknown hook kind %d", kind)
	}

	if reply := payload.Reply(); reply != nil {
		reply.Commit()
	}
	return nil
}

func connFlow(kind proxy.HookKind, payload proxy.Payload) (*proxy.ConnFlow, error) {
	flow, ok := payload.(*proxy.ConnFlow)
	if !ok {
		return nil, fmt.Errorf("%s payload must be *proxy.ConnFlow, got %T", kind, payload)
	}
	return flow, nil
}
