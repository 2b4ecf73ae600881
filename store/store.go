// Package store keeps inbound requests that have not been completed yet in a
// single durable file, so a restarted process can deliver them again.
//
// The file is rewritten from memory on every mutation. The working set is the
// handful of requests in flight across a restart, not steady-state traffic.
package store

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/Zereker/duplex/proto"
)

// File is the durable handle backing a MessageStore. *os.File satisfies it.
type File interface {
	io.ReadWriteSeeker
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Logger is the logging surface used by the store. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type options struct {
	codec      proto.Codec
	logger     Logger
	bestEffort bool
}

// Option configures a MessageStore.
type Option func(*options)

// WithCodec sets the codec used for the message part of each record.
// Defaults to proto.FrameCodec.
func WithCodec(codec proto.Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// WithLogger sets the store logger. Defaults to slog.Default().
func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBestEffort makes dump failures non-fatal: they are logged and the
// mutation reports success.
func WithBestEffort() Option {
	return func(o *options) {
		o.bestEffort = true
	}
}

// MessageStore indexes pending records per connection and mirrors them to a File.
type MessageStore struct {
	opts options

	fileMu sync.Mutex
	file   File

	mu    sync.Mutex
	cache map[string][]Record
	order []string // connection ids in first-seen order
}

// Load reads every record in f and returns a store backed by it.
// A record cut short by a crash mid-dump fails the load.
func Load(f File, opt ...Option) (*MessageStore, error) {
	s := &MessageStore{
		file:  f,
		cache: make(map[string][]Record),
	}
	for _, o := range opt {
		o(&s.opts)
	}
	if s.opts.codec == nil {
		s.opts.codec = proto.FrameCodec{}
	}
	if s.opts.logger == nil {
		s.opts.logger = slog.Default()
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, proto.NewError(proto.KindStorage, "seek", err)
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	r := bufio.NewReader(f)
	for {
		rec, err := DecodeRecord(r, s.opts.codec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessage(err, "load message store")
		}
		s.opts.logger.Debug("loaded message", "conn", rec.ConnectionID, "id", rec.ID)
		s.add(*rec)
	}
	return s, nil
}

// Insert records m under connID with the given id and rewrites the file.
// A message the store codec cannot encode is rejected and never enters the
// store.
func (s *MessageStore) Insert(connID string, id uint64, m proto.Message) error {
	if len(connID) != ConnectionIDLen {
		return errors.Wrapf(ErrInvalidConnectionID, "got %d bytes", len(connID))
	}
	rec := Record{ConnectionID: connID, ID: id, Message: m}
	if err := rec.Encode(io.Discard, s.opts.codec); err != nil {
		return errors.WithMessagef(err, "insert %s#%d", connID, id)
	}
	s.add(rec)
	return s.persist()
}

// Remove drops the record with id from connID and rewrites the file.
// Removing an unknown record is not an error.
func (s *MessageStore) Remove(connID string, id uint64) error {
	s.mu.Lock()
	if l, ok := s.cache[connID]; ok {
		kept := l[:0]
		for _, rec := range l {
			if rec.ID != id {
				kept = append(kept, rec)
			}
		}
		if len(kept) == 0 {
			s.forget(connID)
		} else {
			s.cache[connID] = kept
		}
	}
	s.mu.Unlock()
	return s.persist()
}

// Messages returns a copy of the records held for connID in arrival order.
func (s *MessageStore) Messages(connID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.cache[connID]
	res := make([]Record, len(l))
	copy(res, l)
	return res
}

// Connections returns the identities that currently hold records.
func (s *MessageStore) Connections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]string, len(s.order))
	copy(res, s.order)
	return res
}

// Len returns the number of records across all connections.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, l := range s.cache {
		n += len(l)
	}
	return n
}

// Dump truncates the file and writes every record back, connection by
// connection in first-seen order. It is the only path that writes the file.
// The snapshot is encoded in full before the file is touched, so a failed
// encode leaves the previous contents in place.
func (s *MessageStore) Dump() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	records := s.snapshot()

	var buf bytes.Buffer
	for i := range records {
		if err := records[i].Encode(&buf, s.opts.codec); err != nil {
			return err
		}
	}

	if err := s.file.Truncate(0); err != nil {
		return proto.NewError(proto.KindStorage, "truncate", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return proto.NewError(proto.KindStorage, "rewind", err)
	}
	if _, err := buf.WriteTo(s.file); err != nil {
		return proto.NewError(proto.KindStorage, "write", err)
	}
	if err := s.file.Sync(); err != nil {
		return proto.NewError(proto.KindStorage, "sync", err)
	}
	return nil
}

// Close writes the current state one last time and closes the file.
func (s *MessageStore) Close() error {
	err := s.Dump()

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return multierr.Append(err, s.file.Close())
}

func (s *MessageStore) persist() error {
	err := s.Dump()
	if err != nil && s.opts.bestEffort {
		s.opts.logger.Warn("failed to dump message store", "error", err)
		return nil
	}
	return err
}

func (s *MessageStore) add(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[rec.ConnectionID]; !ok {
		s.order = append(s.order, rec.ConnectionID)
	}
	s.cache[rec.ConnectionID] = append(s.cache[rec.ConnectionID], rec)
}

// forget must be called with mu held.
func (s *MessageStore) forget(connID string) {
	delete(s.cache, connID)
	for i, id := range s.order {
		if id == connID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *MessageStore) snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []Record
	for _, id := range s.order {
		res = append(res, s.cache[id]...)
	}
	return res
}
