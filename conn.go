// Package duplex runs one RPC connection over a duplex byte stream.
//
// A Connection splits the stream into a read half and a write half. The write
// half belongs to a background write loop fed by a WriterDelegate; the read
// half belongs to Run, which decodes inbound frames and hands them to a
// ReaderDelegate until the peer disconnects or the delegate asks to shut down.
// RunWithMessageStore additionally persists every inbound message before
// dispatch so that a restarted process can replay unfinished requests.
package duplex

import (
	"bufio"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Zereker/duplex/proto"
	"github.com/Zereker/duplex/store"
)

// Errors returned by connection operations.
var (
	// ErrInvalidBuilder is returned when no builder is provided or it yields a nil delegate.
	ErrInvalidBuilder = errors.New("invalid builder")
	// ErrInvalidName is returned when a connection without a valid identity
	// is run with a message store.
	ErrInvalidName = errors.New("invalid connection name")
	// ErrInvalidStore is returned when RunWithMessageStore gets a nil store.
	ErrInvalidStore = errors.New("invalid message store")
	// ErrAlreadyRunning is returned when Run is called a second time.
	ErrAlreadyRunning = errors.New("connection already running")
)

// Default configuration values.
const (
	// defaultBufferSize is the default size of the read and write buffers.
	defaultBufferSize = 32 * 1024
)

// State is the lifecycle stage of a Connection.
type State int32

const (
	StateConstructed State = iota
	StateRunning
	StateDisconnecting
	StateShuttingDown
	StateExited
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateRunning:
		return "running"
	case StateDisconnecting:
		return "disconnecting"
	case StateShuttingDown:
		return "shutting down"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// NewConnectionName returns a fresh identity suitable for a message store.
func NewConnectionName() string {
	return uuid.NewString()
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// readHalf and writeHalf narrow the stream so each side can only use its own
// direction.
type readHalf struct{ r io.Reader }

func (h readHalf) Read(p []byte) (int, error) { return h.r.Read(p) }

type writeHalf struct{ w io.Writer }

func (h writeHalf) Write(p []byte) (int, error) { return h.w.Write(p) }

func split(rw io.ReadWriter) (io.Reader, io.Writer) {
	return readHalf{rw}, writeHalf{rw}
}

// Connection is one RPC connection. It is single use: once Run or
// RunWithMessageStore returns, the Connection is finished.
type Connection struct {
	name     string
	reader   *bufio.Reader
	writer   *WriteTask
	delegate ReaderDelegate
	logger   Logger
	opts     options

	deadliner  readDeadliner
	deadlineMu sync.Mutex
	readClosed bool

	state atomic.Int32
}

// NewConnection splits stream, builds the delegates and starts the write loop
// before returning.
func NewConnection(stream io.ReadWriter, builder Builder, opt ...Option) (*Connection, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	if builder == nil {
		return nil, ErrInvalidBuilder
	}

	readerDelegate, writerDelegate := builder.Build()
	if readerDelegate == nil || writerDelegate == nil {
		return nil, ErrInvalidBuilder
	}

	r, w := split(stream)
	c := &Connection{
		name:     opts.name,
		reader:   bufio.NewReaderSize(r, opts.bufferSize),
		delegate: readerDelegate,
		logger:   opts.logger,
		opts:     opts,
	}
	c.deadliner, _ = stream.(readDeadliner)
	c.writer = startWriteTask(opts.name, bufio.NewWriterSize(w, opts.bufferSize), opts.codec, writerDelegate, opts.logger)
	return c, nil
}

// checkOptions sets default values for connection options.
func checkOptions(opts *options) {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = proto.DefaultMaxLength
	}

	if opts.codec == nil {
		opts.codec = proto.FrameCodec{MaxLength: opts.maxReadLength}
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// Name returns the connection identity.
func (c *Connection) Name() string {
	return c.name
}

// State returns the current lifecycle stage.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Writer returns the handle of the write loop.
func (c *Connection) Writer() *WriteTask {
	return c.writer
}

// Run reads and dispatches inbound messages until the peer disconnects, the
// reader delegate signals shutdown or ctx is done. Every message is handed to
// HandleMsg with id 0. ReaderDelegate.Exit is called exactly once before Run
// returns. Connection loss is reported through the delegate, not the result.
func (c *Connection) Run(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateConstructed), int32(StateRunning)) {
		return ErrAlreadyRunning
	}
	c.logger.Info("connection running", "conn", c.name)

	c.serve(ctx, func(m proto.Message) error {
		c.delegate.HandleMsg(ctx, 0, m)
		return nil
	})
	c.exit()
	return nil
}

// RunWithMessageStore is Run with at-least-once delivery across restarts.
//
// Records ms holds for this connection are dispatched first, in stored order
// and with their original ids. Fresh messages are inserted into ms before
// dispatch, with ids continuing after the largest replayed one. The
// application removes a record from ms once the request is complete; a crash
// before that replays it on the next start. A failed insert disconnects the
// connection. The fd-store registration of the name is released when the
// loop ends on shutdown or disconnect. It is kept when ctx is cancelled, so
// a process stopping for a restart hands the stream to its successor.
func (c *Connection) RunWithMessageStore(ctx context.Context, ms *store.MessageStore) error {
	if len(c.name) != store.ConnectionIDLen {
		return errors.Wrapf(ErrInvalidName, "%q is not %d bytes", c.name, store.ConnectionIDLen)
	}
	if ms == nil {
		return ErrInvalidStore
	}
	if !c.state.CompareAndSwap(int32(StateConstructed), int32(StateRunning)) {
		return ErrAlreadyRunning
	}

	records := ms.Messages(c.name)
	c.logger.Info("connection running", "conn", c.name, "replay", len(records))
	for _, rec := range records {
		c.delegate.HandleMsg(ctx, rec.ID, rec.Message)
	}

	id := nextID(records)
	canceled := c.serve(ctx, func(m proto.Message) error {
		if err := ms.Insert(c.name, id, m); err != nil {
			return errors.WithMessage(err, "persist inbound message")
		}
		c.delegate.HandleMsg(ctx, id, m)
		id++
		return nil
	})
	c.exit()
	if !canceled {
		c.release()
	}
	return nil
}

// nextID returns one past the largest id in records, or 0 when there are none.
func nextID(records []store.Record) uint64 {
	var id uint64
	for _, rec := range records {
		if rec.ID >= id {
			id = rec.ID + 1
		}
	}
	return id
}

type frame struct {
	msg proto.Message
	err error
}

// serve is the read loop shared by Run and RunWithMessageStore. The next
// frame races the shutdown signal and ctx in a single select; a frame that
// loses the race is dropped before anything is done with it. It reports
// whether the loop ended because ctx was cancelled.
func (c *Connection) serve(ctx context.Context, dispatch func(proto.Message) error) bool {
	done := make(chan struct{})
	frames := make(chan frame)
	go c.readFrames(done, frames)
	defer func() {
		close(done)
		c.unblockRead()
	}()

	shutdown := c.delegate.WaitShutdown()
	for {
		select {
		case f := <-frames:
			if f.err != nil {
				c.disconnect(readError(f.err))
				return false
			}
			c.logger.Debug("got message", "conn", c.name, "length", f.msg.Length())
			if err := dispatch(f.msg); err != nil {
				c.disconnect(err)
				return false
			}
		case <-shutdown:
			c.state.Store(int32(StateShuttingDown))
			c.logger.Debug("receive shutdown", "conn", c.name)
			return false
		case <-ctx.Done():
			c.state.Store(int32(StateShuttingDown))
			c.logger.Debug("context done", "conn", c.name, "error", ctx.Err())
			return true
		}
	}
}

// readFrames decodes frames one at a time and hands them to serve. It stops
// after the first error or once done is closed.
func (c *Connection) readFrames(done <-chan struct{}, out chan<- frame) {
	for {
		c.armReadDeadline()
		msg, err := c.opts.codec.Decode(c.reader)
		select {
		case out <- frame{msg: msg, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) disconnect(err error) {
	c.state.Store(int32(StateDisconnecting))
	if proto.IsEndOfStream(err) {
		c.logger.Info("connection closed by peer", "conn", c.name)
	} else {
		c.logger.Info("connection closed with error", "conn", c.name, "error", err)
	}
	c.delegate.Disconnect(err, c.writer)
}

func (c *Connection) exit() {
	c.delegate.Exit()
	c.state.Store(int32(StateExited))
	c.logger.Debug("reader task exit", "conn", c.name)
}

func (c *Connection) release() {
	if c.opts.releaser == nil {
		return
	}
	if err := c.opts.releaser.Remove(c.name); err != nil {
		c.logger.Warn("failed to release fd", "conn", c.name, "error", err)
	}
}

func (c *Connection) armReadDeadline() {
	if c.deadliner == nil || c.opts.idleTimeout <= 0 {
		return
	}
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	if !c.readClosed {
		_ = c.deadliner.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
	}
}

// unblockRead wakes a decoder still blocked on the stream once the loop has
// returned. Streams without read deadlines keep the decoder until their next
// read completes.
func (c *Connection) unblockRead() {
	if c.deadliner == nil {
		return
	}
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readClosed = true
	_ = c.deadliner.SetReadDeadline(time.Now())
}

// readError gives a decode failure its kind so delegates can tell a closed
// peer from a broken one.
func readError(err error) error {
	var perr *proto.Error
	switch {
	case errors.As(err, &perr):
		return err
	case err == io.EOF:
		return proto.NewError(proto.KindEndOfStream, "read", err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return proto.NewError(proto.KindDecode, "read", err)
	default:
		return proto.NewError(proto.KindTransport, "read", err)
	}
}
