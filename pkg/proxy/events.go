package proxy

// Event is one input to a layer state machine. Events are fed to the layer
// strictly one at a time; the next event is not delivered until every
// command emitted for the previous one has been executed.
type Event interface {
	isEvent()
}

// Start is the first event delivered to a layer after the handler binds
// its I/O stream.
type Start struct{}

// DataReceived carries bytes read from one of the two connections.
type DataReceived struct {
	Conn *Connection
	Data []byte
}

// ConnectionClosed reports that a connection stopped being readable and
// writable. Delivered at most once per close.
type ConnectionClosed struct {
	Conn *Connection
}

// ConnectCompleted reports the outcome of an OpenConnection command.
type ConnectCompleted struct {
	Conn *Connection
	Err  error
}

// StartTLSCompleted reports the outcome of a StartTLS command.
type StartTLSCompleted struct {
	Conn *Connection
	Err  error
}

// HookCompleted resumes the layer after a RunHook command's reply has been
// committed by the addon pipeline. The payload may have been mutated.
type HookCompleted struct {
	Hook Hook
}

func (Start) isEvent()             {}
func (DataReceived) isEvent()      {}
func (ConnectionClosed) isEvent()  {}
func (ConnectCompleted) isEvent()  {}
func (StartTLSCompleted) isEvent() {}
func (HookCompleted) isEvent()     {}
