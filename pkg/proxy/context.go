package proxy

import (
	"github.com/quickhuber/mitmproxy/pkg/config"
)

// Context is the per-connection handle passed to every protocol layer. It
// bundles the client connection, the (initially closed, addressless) server
// connection, the live options store, and the active layer stack ordered
// outermost to innermost.
//
// A Context lives exactly as long as the connection it was created for: the
// handler builds it on accept and discards it on teardown.
type Context struct {
	Client  *Client
	Server  *Server
	Options *config.Options

	// Layers is mutated only by the owning handler when it instantiates
	// sub-layers.
	Layers []Layer
}

// NewContext returns a context for a freshly accepted client connection.
func NewContext(client *Client, opts *config.Options) *Context {
	return &Context{
		Client:  client,
		Server:  NewServer(nil),
		Options: opts,
	}
}

// Fork returns a child context for a nested sub-layer. Client and Server
// are shared by reference, so connection state changes stay visible to the
// parent; the layer stack is a snapshot copy so the child can grow its own
// view without corrupting the parent's.
func (c *Context) Fork() *Context {
	child := NewContext(c.Client, c.Options)
	child.Server = c.Server
	child.Layers = append([]Layer(nil), c.Layers...)
	return child
}
