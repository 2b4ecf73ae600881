package duplex

import (
	"time"

	"github.com/Zereker/duplex/proto"
)

// FDReleaser releases the restart-survival registration of a connection
// identity. fdstore.Notifier implements it.
type FDReleaser interface {
	Remove(name string) error
}

// options holds the configuration for a connection.
type options struct {
	codec    proto.Codec
	logger   Logger
	releaser FDReleaser

	name          string        // connection identity, required by RunWithMessageStore
	bufferSize    int           // size of the read and write buffers
	maxReadLength int           // maximum payload accepted by the default codec
	idleTimeout   time.Duration // read deadline per frame, zero disables it
}

// Option is a function that configures connection options.
type Option func(*options)

// CodecOption sets the wire codec. Defaults to proto.FrameCodec.
func CodecOption(codec proto.Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// NameOption sets the connection identity. Connections that run with a
// message store need a name of exactly store.ConnectionIDLen bytes, see
// NewConnectionName.
func NameOption(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// BufferSizeOption sets the size of the read and write buffers.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// MessageMaxSize caps the payload accepted by the default codec.
// It has no effect when CodecOption is used.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// IdleTimeoutOption sets how long the read loop waits for a frame before the
// connection is considered lost. Only streams with SetReadDeadline honour it.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// FDReleaserOption sets the hook used to drop the fd-store registration of
// the connection name when RunWithMessageStore ends on shutdown or
// disconnect.
func FDReleaserOption(r FDReleaser) Option {
	return func(o *options) {
		o.releaser = r
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
