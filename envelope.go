package duplex

import (
	"context"
	"sync"

	"github.com/Zereker/duplex/proto"
)

// Envelope pairs an outbound message with the channel its write outcome is
// reported on. The write loop reports exactly one outcome per dequeued envelope.
type Envelope struct {
	Message proto.Message

	once   sync.Once
	result chan error
}

// NewEnvelope wraps m for the write loop.
func NewEnvelope(m proto.Message) *Envelope {
	return &Envelope{
		Message: m,
		result:  make(chan error, 1),
	}
}

// Result returns the channel that receives the write outcome: nil on success,
// the write error otherwise.
func (e *Envelope) Result() <-chan error {
	return e.result
}

// Wait blocks until the outcome is reported or ctx is done.
func (e *Envelope) Wait(ctx context.Context) error {
	select {
	case err := <-e.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// report delivers err and reports whether it was the first outcome.
// The channel is buffered so the write loop never blocks on a caller that has
// stopped listening.
func (e *Envelope) report(err error) bool {
	sent := false
	e.once.Do(func() {
		e.result <- err
		sent = true
	})
	return sent
}
