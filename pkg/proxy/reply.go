package proxy

import (
	"sync"
	"sync/atomic"
)

// KilledMessage is the error set on a flow by the deprecated kill path.
const KilledMessage = "connection killed"

// Reply bridges the addon pipeline's synchronous completion signal into a
// channel the connection handler can block on. Exactly one producer
// (Commit, called by the pipeline when the last interested addon has
// finished) wakes the consumers waiting on Done.
//
// Commit is safe from any goroutine: the wake-up is a channel close, so a
// commit that races connection teardown is a harmless no-op rather than an
// error. The handler clears the payload's reply reference right after
// observing completion; reuse after that point is a programming error, not
// silent corruption.
type Reply struct {
	obj       Payload
	done      chan struct{}
	once      sync.Once
	committed atomic.Bool
}

// NewReply wraps a payload that a dispatched hook is carrying.
func NewReply(obj Payload) *Reply {
	return &Reply{obj: obj, done: make(chan struct{})}
}

// NewDummyReply returns an already-committed reply for payloads nobody
// waits on, such as log records.
func NewDummyReply() *Reply {
	r := &Reply{done: make(chan struct{})}
	r.Commit()
	return r
}

// Done is closed once the pipeline has committed this reply.
func (r *Reply) Done() <-chan struct{} { return r.done }

// Committed reports whether Commit has fired.
func (r *Reply) Committed() bool { return r.committed.Load() }

// Commit signals that all interested addons have processed the payload.
// Calling it more than once, or after the awaiting handler is gone, does
// nothing.
func (r *Reply) Commit() {
	r.once.Do(func() {
		r.committed.Store(true)
		close(r.done)
	})
}

// Kill marks the carried flow as killed instead of merely completing it.
//
// Deprecated: set the payload's error field directly.
func (r *Reply) Kill() {
	if f, ok := r.obj.(*ConnFlow); ok {
		f.Error = KilledMessage
	}
}
