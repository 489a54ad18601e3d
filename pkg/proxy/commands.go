package proxy

import "crypto/tls"

// Command is an effect request emitted by a layer and executed by the
// handler, in emission order. A command with an asynchronous effect
// (OpenConnection, StartTLS, RunHook) suspends further layer progress
// until its result comes back as an event.
type Command interface {
	isCommand()
}

// OpenConnection asks the handler to establish the server connection at
// its configured address. The outcome arrives as ConnectCompleted.
type OpenConnection struct {
	Server *Server
}

// SendData asks the handler to write bytes to the live stream behind the
// given connection.
type SendData struct {
	Conn *Connection
	Data []byte
}

// CloseConnection asks the handler to close the stream behind the given
// connection and clear its readiness flags.
type CloseConnection struct {
	Conn *Connection
}

// StartTLS asks the handler to upgrade the server stream to TLS. The SNI
// sent upstream follows the server connection's tri-state configuration.
// The outcome arrives as StartTLSCompleted.
type StartTLS struct {
	Conn   *Connection
	Config *tls.Config
}

// RunHook asks the handler to run a lifecycle hook through the addon
// pipeline and wait for its reply. The (possibly mutated) payload comes
// back inside HookCompleted.
type RunHook struct {
	Hook Hook
}

// EmitLog asks the handler to emit a log record through its fire-and-forget
// log side channel.
type EmitLog struct {
	Message string
	Level   string
}

func (OpenConnection) isCommand()  {}
func (SendData) isCommand()        {}
func (CloseConnection) isCommand() {}
func (StartTLS) isCommand()        {}
func (RunHook) isCommand()         {}
func (EmitLog) isCommand()         {}

// Layer is a protocol-specific state machine operating purely on events in
// and commands out, with no direct I/O or addon access.
type Layer interface {
	// Handle consumes one event and returns the commands to execute for
	// it. A returned error is fatal for this connection only.
	Handle(ev Event) ([]Command, error)
}
