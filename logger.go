package duplex

import "log/slog"

// Logger receives the lifecycle events of this package: a Connection logs
// start, replay counts, peer close and read failures under the "conn" key;
// a WriteTask logs write failures; a Server logs accepted streams and
// shutdown. LoggerOption and ServerLoggerOption install it.
//
// The store and fdstore packages declare narrower Logger interfaces of their
// own, so one *slog.Logger can be passed to LoggerOption, store.WithLogger
// and fdstore.WithLogger alike.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger is used when no logger option is given.
func defaultLogger() Logger {
	return slog.Default()
}
