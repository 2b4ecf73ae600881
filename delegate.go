package duplex

import (
	"context"

	"github.com/Zereker/duplex/proto"
)

// Builder produces the reader and writer delegates of one connection. The two
// usually share application state such as an outbound queue.
type Builder interface {
	Build() (ReaderDelegate, WriterDelegate)
}

// WriterDelegate feeds the write loop and reacts to its termination.
type WriterDelegate interface {
	// Recv blocks for the next envelope to send. Returning false ends the
	// write loop. ctx is canceled when the write task is aborted.
	Recv(ctx context.Context) (*Envelope, bool)
	// Disconnect is called after m failed to write with err. It usually
	// tells the read side to stop and closes the envelope source.
	Disconnect(m proto.Message, err error)
	// Exit is called once the envelope source is exhausted.
	Exit()
}

// ReaderDelegate receives inbound messages and read-side lifecycle events.
type ReaderDelegate interface {
	// WaitShutdown returns a channel that is closed when the application
	// wants the connection to stop reading.
	WaitShutdown() <-chan struct{}
	// Disconnect is called when reading fails. writer lets the delegate wait
	// for or abort the write loop.
	Disconnect(err error, writer *WriteTask)
	// Exit is called exactly once when the read loop returns.
	Exit()
	// HandleMsg dispatches one inbound message. id is only meaningful when
	// the connection runs with a message store.
	HandleMsg(ctx context.Context, id uint64, m proto.Message)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func() (ReaderDelegate, WriterDelegate)

func (f BuilderFunc) Build() (ReaderDelegate, WriterDelegate) {
	return f()
}
