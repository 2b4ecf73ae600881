package duplex

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Zereker/duplex/proto"
)

const testTimeout = 5 * time.Second

// handled is one HandleMsg call seen by testReader.
type handled struct {
	id   uint64
	body string
}

// testReader records every callback of the read side.
type testReader struct {
	shutdown chan struct{}
	handled  chan handled

	mu          sync.Mutex
	msgs        []handled
	disconnects []error
	writers     []*WriteTask

	disconnected chan struct{}
	exits        atomic.Int32

	// onDisconnect runs inside Disconnect when set.
	onDisconnect func(err error, writer *WriteTask)
}

func (r *testReader) WaitShutdown() <-chan struct{} {
	return r.shutdown
}

func (r *testReader) Disconnect(err error, writer *WriteTask) {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, err)
	r.writers = append(r.writers, writer)
	first := len(r.disconnects) == 1
	r.mu.Unlock()

	if r.onDisconnect != nil {
		r.onDisconnect(err, writer)
	}
	if first {
		close(r.disconnected)
	}
}

func (r *testReader) Exit() {
	r.exits.Add(1)
}

func (r *testReader) HandleMsg(ctx context.Context, id uint64, m proto.Message) {
	h := handled{id: id, body: string(m.Body())}
	r.mu.Lock()
	r.msgs = append(r.msgs, h)
	r.mu.Unlock()
	r.handled <- h
}

func (r *testReader) messages() []handled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]handled(nil), r.msgs...)
}

func (r *testReader) disconnectErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.disconnects...)
}

// testWriter feeds the write loop from a queue, as an application would.
type testWriter struct {
	queue chan *Envelope

	mu          sync.Mutex
	disconnects []error
	exits       atomic.Int32
	exited      chan struct{}
	closeOnce   sync.Once
}

func (w *testWriter) Recv(ctx context.Context) (*Envelope, bool) {
	select {
	case env, ok := <-w.queue:
		return env, ok
	case <-ctx.Done():
		return nil, false
	}
}

func (w *testWriter) Disconnect(m proto.Message, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disconnects = append(w.disconnects, err)
}

func (w *testWriter) Exit() {
	if w.exits.Add(1) == 1 {
		close(w.exited)
	}
}

func (w *testWriter) close() {
	w.closeOnce.Do(func() { close(w.queue) })
}

func (w *testWriter) disconnectErrors() []error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]error(nil), w.disconnects...)
}

// newTestDelegates returns a builder producing the given reader and writer.
// The writer queue is closed on cleanup so the write loop always ends.
func newTestDelegates(t *testing.T) (*testReader, *testWriter, Builder) {
	t.Helper()
	r := &testReader{
		shutdown:     make(chan struct{}),
		handled:      make(chan handled, 64),
		disconnected: make(chan struct{}),
	}
	w := &testWriter{
		queue:  make(chan *Envelope, 64),
		exited: make(chan struct{}),
	}
	t.Cleanup(w.close)
	return r, w, BuilderFunc(func() (ReaderDelegate, WriterDelegate) { return r, w })
}

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		t.Cleanup(func() {
			_ = serverConn.Close()
			_ = clientConn.Close()
		})
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(testTimeout):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// blockingStream never yields a frame until closed.
type blockingStream struct {
	closed chan struct{}
	once   sync.Once
}

func newBlockingStream(t *testing.T) *blockingStream {
	s := &blockingStream{closed: make(chan struct{})}
	t.Cleanup(s.close)
	return s
}

func (s *blockingStream) Read(p []byte) (int, error) {
	<-s.closed
	return 0, io.EOF
}

func (s *blockingStream) Write(p []byte) (int, error) {
	return len(p), nil
}

func (s *blockingStream) close() {
	s.once.Do(func() { close(s.closed) })
}

// scriptStream reads from a fixed script and writes to w.
type scriptStream struct {
	r io.Reader
	w io.Writer
}

func (s scriptStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s scriptStream) Write(p []byte) (int, error) { return s.w.Write(p) }

// runAsync starts Run and returns a channel closed when it returns.
func runAsync(ctx context.Context, t *testing.T, conn *Connection) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(ctx)
	}()
	return done
}

func waitHandled(t *testing.T, r *testReader) handled {
	t.Helper()
	select {
	case h := <-r.handled:
		return h
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for HandleMsg")
		return handled{}
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for run to return")
		return nil
	}
}
