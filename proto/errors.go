package proto

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Kind classifies a failure surfaced by the transport core.
type Kind int

const (
	// KindOther is a generic wrapped failure.
	KindOther Kind = iota
	// KindEndOfStream marks a clean close of the peer or the end of a durable log.
	// It terminates loops and loads but is not a fault.
	KindEndOfStream
	// KindTransport is an I/O failure on the underlying stream.
	KindTransport
	// KindDecode is a malformed frame.
	KindDecode
	// KindStorage is an I/O failure on the durable message file.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindEndOfStream:
		return "end of stream"
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindStorage:
		return "storage"
	default:
		return "other"
	}
}

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with kind and op. A nil err still yields an error so the
// kind is never lost.
func NewError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind of err. A bare io.EOF is treated as end of stream and
// io.ErrUnexpectedEOF as a decode failure; anything unclassified is KindOther.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, io.EOF):
		return KindEndOfStream
	case errors.Is(err, io.ErrUnexpectedEOF):
		return KindDecode
	}
	return KindOther
}

// IsEndOfStream reports whether err signals a clean end of stream.
func IsEndOfStream(err error) bool {
	return err != nil && KindOf(err) == KindEndOfStream
}
