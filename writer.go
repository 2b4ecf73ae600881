package duplex

import (
	"bufio"
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Zereker/duplex/proto"
)

// WriteTask is the handle of a connection's write loop. The read side hands it
// to ReaderDelegate.Disconnect so the delegate can wait for or abort writing.
type WriteTask struct {
	name     string
	writer   *bufio.Writer
	codec    proto.Codec
	delegate WriterDelegate
	logger   Logger

	group  errgroup.Group
	cancel context.CancelFunc
	done   chan struct{}
}

// startWriteTask spawns the write loop. The loop owns w exclusively.
func startWriteTask(name string, w *bufio.Writer, codec proto.Codec, d WriterDelegate, logger Logger) *WriteTask {
	ctx, cancel := context.WithCancel(context.Background())
	t := &WriteTask{
		name:     name,
		writer:   w,
		codec:    codec,
		delegate: d,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.group.Go(func() error {
		defer close(t.done)
		defer cancel()
		return t.loop(ctx)
	})
	return t
}

// Wait blocks until the write loop returns. It returns context.Canceled if the
// loop was aborted and nil otherwise.
func (t *WriteTask) Wait() error {
	return t.group.Wait()
}

// Abort cancels the context passed to WriterDelegate.Recv. The loop stops once
// Recv returns; an envelope already dequeued is still written and reported.
func (t *WriteTask) Abort() {
	t.cancel()
}

// Done is closed when the write loop has returned.
func (t *WriteTask) Done() <-chan struct{} {
	return t.done
}

// loop sends envelopes until the delegate's source is exhausted. Exactly one
// outcome is reported per envelope, including on the failure path.
func (t *WriteTask) loop(ctx context.Context) error {
	for {
		env, ok := t.delegate.Recv(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				t.logger.Debug("writer task aborted", "conn", t.name)
				return err
			}
			break
		}
		if env == nil {
			continue
		}

		t.logger.Debug("write message", "conn", t.name, "length", env.Message.Length())
		if err := t.write(env.Message); err != nil {
			t.logger.Error("write message failed", "conn", t.name, "error", err)
			env.report(err)
			t.delegate.Disconnect(env.Message, err)
			continue
		}
		env.report(nil)
	}

	t.delegate.Exit()
	t.logger.Debug("writer task exit", "conn", t.name)
	return nil
}

func (t *WriteTask) write(m proto.Message) error {
	if err := t.codec.Encode(t.writer, m); err != nil {
		return err
	}
	if err := t.writer.Flush(); err != nil {
		return proto.NewError(proto.KindTransport, "flush", err)
	}
	return nil
}
