package proxy

// HookKind is the closed set of lifecycle points at which addons are
// consulted. The vocabulary is fixed at compile time; the dispatch boundary
// rejects anything outside it.
type HookKind int

const (
	KindClientConnected HookKind = iota
	KindClientDisconnected
	KindServerConnect
	KindServerConnected
	KindServerDisconnected
	KindLog
)

// String returns the lifecycle event name.
func (k HookKind) String() string {
	switch k {
	case KindClientConnected:
		return "clientconnect"
	case KindClientDisconnected:
		return "clientdisconnected"
	case KindServerConnect:
		return "serverconnect"
	case KindServerConnected:
		return "serverconnected"
	case KindServerDisconnected:
		return "serverdisconnected"
	case KindLog:
		return "log"
	default:
		return "unknown"
	}
}

// Payload is the mutable record a hook carries through the addon pipeline.
// Addons may edit it in place or mark it failed before the proxy continues.
type Payload interface {
	Reply() *Reply
	SetReply(*Reply)
}

// Hook is a named lifecycle event. The current contract supports exactly
// one payload per hook; Args exists so the dispatch boundary can reject
// anything else instead of silently mis-delivering.
type Hook struct {
	Kind HookKind
	Args []Payload
}

// NewHook returns a hook carrying a single payload.
func NewHook(kind HookKind, payload Payload) Hook {
	return Hook{Kind: kind, Args: []Payload{payload}}
}

// ConnFlow is the payload of connection lifecycle hooks. Addons observe
// the shared Client/Server state and may set Error to kill the flow.
type ConnFlow struct {
	ID     string
	Client *Client
	Server *Server

	// Error, when non-empty, tells the resuming layer that an addon
	// rejected the flow. Setting it is not a pipeline failure.
	Error string

	reply *Reply
}

func (f *ConnFlow) Reply() *Reply     { return f.reply }
func (f *ConnFlow) SetReply(r *Reply) { f.reply = r }

// Killed reports whether an addon marked the flow as failed.
func (f *ConnFlow) Killed() bool { return f.Error != "" }

// LogRecord is the payload of log hooks. Its reply is pre-committed, so
// nobody ever blocks on log delivery.
type LogRecord struct {
	Message string
	Level   string

	reply *Reply
}

func (r *LogRecord) Reply() *Reply      { return r.reply }
func (r *LogRecord) SetReply(rp *Reply) { r.reply = rp }
