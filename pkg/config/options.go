package config

import (
	"fmt"
	"sync"
	"time"
)

// Connection strategies controlling when server-side connections are
// established.
const (
	StrategyEager = "eager"
	StrategyLazy  = "lazy"
)

// Values is one consistent snapshot of the live-reloadable options.
type Values struct {
	// Server enables or disables the listening socket.
	Server bool
	// ListenHost and ListenPort select where the proxy listens.
	ListenHost string
	ListenPort int
	// ConnectionStrategy is "eager" or "lazy".
	ConnectionStrategy string
	// Upstream is the host:port the relay layer forwards to.
	Upstream string
	// IdleTimeout is the per-connection idle window. Zero disables it.
	IdleTimeout time.Duration
}

// Validate checks the cross-field constraints of a snapshot.
func (v Values) Validate() error {
	switch v.ConnectionStrategy {
	case StrategyEager, StrategyLazy:
	default:
		return fmt.Errorf("connection_strategy must be %q or %q, got %q",
			StrategyEager, StrategyLazy, v.ConnectionStrategy)
	}
	if v.ListenPort < 0 || v.ListenPort > 65535 {
		return fmt.Errorf("listen_port out of range: %d", v.ListenPort)
	}
	return nil
}

// Options is the live options store shared by every connection. Reads see
// a consistent snapshot; updates replace the snapshot atomically and tell
// subscribers which option names changed.
type Options struct {
	mu   sync.RWMutex
	v    Values
	subs []func(changed []string)
}

// NewOptions returns a store seeded with the given snapshot.
func NewOptions(v Values) (*Options, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &Options{v: v}, nil
}

// Get returns the current snapshot.
func (o *Options) Get() Values {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.v
}

// Subscribe registers fn to run after every successful Set with the names
// of the options that changed.
func (o *Options) Subscribe(fn func(changed []string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subs = append(o.subs, fn)
}

// Set replaces the snapshot and notifies subscribers. Subscribers run on
// the caller's goroutine; anything slow belongs behind the subscriber's
// own scheduling.
func (o *Options) Set(v Values) error {
	if err := v.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	changed := diff(o.v, v)
	o.v = v
	subs := append([](func([]string))(nil), o.subs...)
	o.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	for _, fn := range subs {
		fn(changed)
	}
	return nil
}

func diff(old, next Values) []string {
	var changed []string
	if old.Server != next.Server {
		changed = append(changed, "server")
	}
	if old.ListenHost != next.ListenHost {
		changed = append(changed, "listen_host")
	}
	if old.ListenPort != next.ListenPort {
		changed = append(changed, "listen_port")
	}
	if old.ConnectionStrategy != next.ConnectionStrategy {
		changed = append(changed, "connection_strategy")
	}
	if old.Upstream != next.Upstream {
		changed = append(changed, "upstream")
	}
	if old.IdleTimeout != next.IdleTimeout {
		changed = append(changed, "idle_timeout")
	}
	return changed
}
