//go:build linux

package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Zereker/duplex"
	"github.com/Zereker/duplex/fdstore"
	"github.com/Zereker/duplex/proto"
	"github.com/Zereker/duplex/store"
)

// echoState is shared by the reader and writer delegates of one connection.
type echoState struct {
	queue    chan *duplex.Envelope
	shutdown chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
}

func newEchoState() *echoState {
	return &echoState{
		queue:    make(chan *duplex.Envelope, 16),
		shutdown: make(chan struct{}),
	}
}

func (s *echoState) stop() {
	s.stopOnce.Do(func() { close(s.shutdown) })
}

func (s *echoState) closeQueue() {
	s.closeOnce.Do(func() { close(s.queue) })
}

type echoReader struct {
	name   string
	ms     *store.MessageStore
	state  *echoState
	logger *slog.Logger
}

func (r *echoReader) WaitShutdown() <-chan struct{} {
	return r.state.shutdown
}

func (r *echoReader) Disconnect(err error, writer *duplex.WriteTask) {
	r.logger.Info("client gone", "conn", r.name, "error", err)
}

// Exit closes the outbound queue. No HandleMsg runs after it, so nothing
// sends on the closed queue.
func (r *echoReader) Exit() {
	r.state.closeQueue()
}

// HandleMsg echoes the payload and drops the request from the store once the
// reply is on the wire.
func (r *echoReader) HandleMsg(ctx context.Context, id uint64, m proto.Message) {
	var streamID uint32
	if gm, ok := m.(*proto.GenMessage); ok {
		streamID = gm.Header.StreamID
	}
	env := duplex.NewEnvelope(proto.NewGenMessage(streamID, proto.MessageTypeResponse, m.Body()))

	select {
	case r.state.queue <- env:
	case <-r.state.shutdown:
		return
	}
	if err := env.Wait(ctx); err != nil {
		r.logger.Warn("reply not sent", "conn", r.name, "id", id, "error", err)
		return
	}
	if err := r.ms.Remove(r.name, id); err != nil {
		r.logger.Error("failed to complete request", "conn", r.name, "id", id, "error", err)
	}
}

type echoWriter struct {
	name   string
	state  *echoState
	logger *slog.Logger
}

func (w *echoWriter) Recv(ctx context.Context) (*duplex.Envelope, bool) {
	select {
	case env, ok := <-w.state.queue:
		return env, ok
	case <-ctx.Done():
		return nil, false
	}
}

func (w *echoWriter) Disconnect(m proto.Message, err error) {
	w.logger.Info("write failed, stopping connection", "conn", w.name, "error", err)
	w.state.stop()
}

func (w *echoWriter) Exit() {
	w.logger.Debug("writer finished", "conn", w.name)
}

type host struct {
	ms       *store.MessageStore
	notifier *fdstore.Notifier
	logger   *slog.Logger
}

// Handle keeps the accepted stream in the fd store so that a restarted
// process can pick it up, then serves it.
func (h *host) Handle(ctx context.Context, name string, conn net.Conn) {
	if sc, ok := conn.(syscall.Conn); ok {
		if err := h.notifier.Store(name, sc); err != nil {
			h.logger.Warn("connection will not survive restart", "conn", name, "error", err)
		}
	}
	h.serve(ctx, name, conn)
}

func (h *host) serve(ctx context.Context, name string, conn net.Conn) {
	defer conn.Close()

	state := newEchoState()
	builder := duplex.BuilderFunc(func() (duplex.ReaderDelegate, duplex.WriterDelegate) {
		return &echoReader{name: name, ms: h.ms, state: state, logger: h.logger},
			&echoWriter{name: name, state: state, logger: h.logger}
	})

	c, err := duplex.NewConnection(conn, builder,
		duplex.NameOption(name),
		duplex.FDReleaserOption(h.notifier),
		duplex.LoggerOption(h.logger),
	)
	if err != nil {
		h.logger.Error("failed to create connection", "conn", name, "error", err)
		return
	}
	if err := c.RunWithMessageStore(ctx, h.ms); err != nil {
		h.logger.Error("connection failed", "conn", name, "error", err)
	}
	_ = c.Writer().Wait()
}

// restore serves the connections a previous instance left in the fd store.
func (h *host) restore(ctx context.Context, inherited map[string]*os.File) {
	for name, f := range inherited {
		if len(name) != store.ConnectionIDLen {
			_ = f.Close()
			continue
		}
		conn, err := net.FileConn(f)
		_ = f.Close()
		if err != nil {
			h.logger.Warn("failed to restore connection", "conn", name, "error", err)
			continue
		}
		h.logger.Info("restored connection", "conn", name, "pending", len(h.ms.Messages(name)))
		go h.serve(ctx, name, conn)
	}
}

func run(ctx context.Context, socket, storeName string) error {
	logger := slog.Default()
	notifier := fdstore.NewNotifier(fdstore.WithLogger(logger))

	inherited, err := fdstore.Inherited(true)
	if err != nil {
		logger.Warn("failed to close unused inherited fds", "error", err)
	}
	f, restored, err := notifier.Open(storeName, inherited)
	if err != nil {
		return err
	}
	ms, err := store.Load(f, store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer ms.Close()
	logger.Info("message store ready", "restored", restored, "pending", ms.Len())

	_ = os.Remove(socket)
	server, err := duplex.Listen("unix", socket, duplex.ServerLoggerOption(logger))
	if err != nil {
		return err
	}
	defer server.Close()

	h := &host{ms: ms, notifier: notifier, logger: logger}
	h.restore(ctx, inherited)

	err = server.Serve(ctx, h)
	_ = server.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func main() {
	var socket, storeName string

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Echo server that survives restarts without dropping requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, socket, storeName)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "/tmp/duplex-echo.sock", "unix socket to listen on")
	cmd.Flags().StringVar(&storeName, "store", "duplex-messages", "fd store name of the message file")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("echo failed", "error", err)
		os.Exit(1)
	}
}
