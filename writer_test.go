package duplex

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/duplex/proto"
)

// flakyWriter fails every write that carries the marker.
type flakyWriter struct {
	mu     sync.Mutex
	marker []byte
	buf    bytes.Buffer
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bytes.Contains(p, w.marker) {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func startTestWriteTask(t *testing.T, sink io.Writer) (*testWriter, *WriteTask) {
	t.Helper()
	_, w, _ := newTestDelegates(t)
	task := startWriteTask("test", bufio.NewWriter(sink), proto.FrameCodec{}, w, defaultLogger())
	return w, task
}

func TestWriteTask_ReportsSuccess(t *testing.T) {
	var sink bytes.Buffer
	w, task := startTestWriteTask(t, &sink)

	env := NewEnvelope(proto.NewGenMessage(5, proto.MessageTypeResponse, []byte("ok")))
	w.queue <- env
	w.close()

	if err := task.Wait(); err != nil {
		t.Fatalf("Wait returned %v", err)
	}
	if err := <-env.Result(); err != nil {
		t.Errorf("result = %v, want nil", err)
	}

	msg, err := proto.FrameCodec{}.Decode(&sink)
	if err != nil {
		t.Fatalf("decode written frame: %v", err)
	}
	if string(msg.Body()) != "ok" {
		t.Errorf("written body = %q, want ok", msg.Body())
	}
	if n := w.exits.Load(); n != 1 {
		t.Errorf("Exit called %d times, want 1", n)
	}
}

func TestWriteTask_ExactlyOneResultPerEnvelope(t *testing.T) {
	sink := &flakyWriter{marker: []byte("bad")}
	w, task := startTestWriteTask(t, sink)

	bodies := []string{"good-1", "good-2", "bad", "good-3"}
	envs := make([]*Envelope, len(bodies))
	for i, body := range bodies {
		envs[i] = NewEnvelope(proto.NewGenMessage(uint32(i), proto.MessageTypeRequest, []byte(body)))
		w.queue <- envs[i]
	}
	w.close()
	if err := task.Wait(); err != nil {
		t.Fatalf("Wait returned %v", err)
	}

	failures := 0
	for i, env := range envs {
		select {
		case err := <-env.Result():
			if err != nil {
				failures++
				if !errors.Is(err, io.ErrClosedPipe) {
					t.Errorf("envelope %d: unexpected error %v", i, err)
				}
			}
		default:
			t.Fatalf("envelope %d: no result reported", i)
		}
		select {
		case err := <-env.Result():
			t.Errorf("envelope %d: second result %v", i, err)
		default:
		}
	}

	// The buffered writer stays broken after the first failure.
	if failures != 2 {
		t.Fatalf("failures = %d, want 2", failures)
	}
	if got := len(w.disconnectErrors()); got != failures {
		t.Errorf("Disconnect called %d times, want %d", got, failures)
	}
	if n := w.exits.Load(); n != 1 {
		t.Errorf("Exit called %d times, want 1", n)
	}
}

func TestWriteTask_FailureIsTransport(t *testing.T) {
	sink := &flakyWriter{marker: []byte("x")}
	w, task := startTestWriteTask(t, sink)

	env := NewEnvelope(proto.NewGenMessage(1, proto.MessageTypeRequest, []byte("x")))
	w.queue <- env

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := env.Wait(ctx)
	if proto.KindOf(err) != proto.KindTransport {
		t.Errorf("kind = %v, want %v", proto.KindOf(err), proto.KindTransport)
	}

	w.close()
	_ = task.Wait()
	errs := w.disconnectErrors()
	if len(errs) != 1 || errs[0] != err {
		t.Errorf("Disconnect errors = %v, want [%v]", errs, err)
	}
}

func TestWriteTask_Abort(t *testing.T) {
	w, task := startTestWriteTask(t, io.Discard)

	task.Abort()
	if err := task.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
	select {
	case <-task.Done():
	case <-time.After(testTimeout):
		t.Fatal("Done not closed")
	}
	if n := w.exits.Load(); n != 0 {
		t.Errorf("Exit called %d times after abort, want 0", n)
	}
}

func TestWriteTask_SkipsNilEnvelope(t *testing.T) {
	var sink bytes.Buffer
	w, task := startTestWriteTask(t, &sink)

	w.queue <- nil
	env := NewEnvelope(proto.NewGenMessage(1, proto.MessageTypeRequest, []byte("after nil")))
	w.queue <- env
	w.close()

	if err := task.Wait(); err != nil {
		t.Fatalf("Wait returned %v", err)
	}
	if err := <-env.Result(); err != nil {
		t.Errorf("result = %v, want nil", err)
	}
}

func TestEnvelope_ReportOnce(t *testing.T) {
	env := NewEnvelope(proto.NewGenMessage(1, proto.MessageTypeRequest, nil))

	if !env.report(io.ErrClosedPipe) {
		t.Fatal("first report should be delivered")
	}
	if env.report(nil) {
		t.Error("second report must be dropped")
	}
	if err := <-env.Result(); err != io.ErrClosedPipe {
		t.Errorf("result = %v, want %v", err, io.ErrClosedPipe)
	}
	select {
	case err := <-env.Result():
		t.Errorf("unexpected second result %v", err)
	default:
	}
}

func TestEnvelope_WaitContext(t *testing.T) {
	env := NewEnvelope(proto.NewGenMessage(1, proto.MessageTypeRequest, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := env.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait = %v, want context.DeadlineExceeded", err)
	}
}
