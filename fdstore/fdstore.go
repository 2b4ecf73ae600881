//go:build linux

package fdstore

import (
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// ErrNoNotifySocket is returned when the process was not started with NOTIFY_SOCKET.
var ErrNoNotifySocket = errors.New("NOTIFY_SOCKET not set")

// ErrInvalidName is returned for names systemd would reject.
var ErrInvalidName = errors.New("invalid fd name")

// maxNameLen is the limit systemd places on FDNAME values.
const maxNameLen = 255

// Logger is the logging surface used by the package. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Notifier talks to the service manager on behalf of one process.
type Notifier struct {
	socket string
	logger Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithLogger sets the notifier logger. Defaults to slog.Default().
func WithLogger(logger Logger) NotifierOption {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// WithSocket overrides the notification socket path taken from NOTIFY_SOCKET.
func WithSocket(path string) NotifierOption {
	return func(n *Notifier) {
		n.socket = path
	}
}

// NewNotifier returns a Notifier for the socket named by NOTIFY_SOCKET.
func NewNotifier(opt ...NotifierOption) *Notifier {
	n := &Notifier{
		socket: os.Getenv("NOTIFY_SOCKET"),
		logger: slog.Default(),
	}
	for _, o := range opt {
		o(n)
	}
	return n
}

func validName(name string) error {
	if name == "" || len(name) > maxNameLen || strings.ContainsAny(name, ":\n") {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

// Store hands the descriptor behind c to the service manager under name.
func (n *Notifier) Store(name string, c syscall.Conn) error {
	if err := validName(name); err != nil {
		return err
	}
	if n.socket == "" {
		return ErrNoNotifySocket
	}

	raw, err := c.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "fdstore: raw conn")
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: n.socket, Net: "unixgram"})
	if err != nil {
		return errors.Wrap(err, "fdstore: dial notify socket")
	}
	defer conn.Close()

	state := []byte("FDSTORE=1\nFDNAME=" + name)
	var werr error
	if err := raw.Control(func(fd uintptr) {
		_, _, werr = conn.WriteMsgUnix(state, unix.UnixRights(int(fd)), nil)
	}); err != nil {
		return errors.Wrap(err, "fdstore: control")
	}
	if werr != nil {
		return errors.Wrap(werr, "fdstore: send")
	}
	n.logger.Debug("stored fd", "name", name)
	return nil
}

// Remove asks the service manager to close and forget every fd stored under name.
func (n *Notifier) Remove(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if n.socket == "" {
		return ErrNoNotifySocket
	}
	sent, err := notify(n.socket, "FDSTOREREMOVE=1\nFDNAME="+name)
	if err != nil {
		return errors.Wrap(err, "fdstore: remove")
	}
	if !sent {
		return ErrNoNotifySocket
	}
	n.logger.Debug("removed fd", "name", name)
	return nil
}

// notify sends state through daemon.SdNotify with NOTIFY_SOCKET pointing at socket.
func notify(socket, state string) (bool, error) {
	if os.Getenv("NOTIFY_SOCKET") != socket {
		conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socket, Net: "unixgram"})
		if err != nil {
			return false, err
		}
		defer conn.Close()
		if _, err := conn.Write([]byte(state)); err != nil {
			return false, err
		}
		return true, nil
	}
	return daemon.SdNotify(false, state)
}

// Inherited returns the descriptors passed in by the service manager, keyed by
// their FDNAME. Unnamed descriptors are closed. When unsetEnv is true the
// LISTEN_* variables are cleared so children do not inherit them.
func Inherited(unsetEnv bool) (map[string]*os.File, error) {
	res := make(map[string]*os.File)
	var err error
	for _, f := range activation.Files(unsetEnv) {
		name := f.Name()
		if name == "" || strings.HasPrefix(name, "LISTEN_FD_") {
			err = multierr.Append(err, f.Close())
			continue
		}
		if prev, ok := res[name]; ok {
			err = multierr.Append(err, prev.Close())
		}
		res[name] = f
	}
	return res, err
}

// CreateMemfd creates an anonymous in-memory file suitable for backing a
// message store.
func CreateMemfd(name string) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "fdstore: memfd_create")
	}
	return os.NewFile(uintptr(fd), name), nil
}

// Open returns the file stored under name by a previous instance of this
// process, or creates a fresh memfd and stores it. restored reports which
// path was taken.
func (n *Notifier) Open(name string, inherited map[string]*os.File) (f *os.File, restored bool, err error) {
	if f, ok := inherited[name]; ok {
		delete(inherited, name)
		n.logger.Debug("restored fd", "name", name)
		return f, true, nil
	}

	f, err = CreateMemfd(name)
	if err != nil {
		return nil, false, err
	}
	if err = n.Store(name, f); err != nil {
		if errors.Is(err, ErrNoNotifySocket) {
			n.logger.Warn("fd store unavailable, state will not survive restart", "name", name)
			return f, false, nil
		}
		_ = f.Close()
		return nil, false, err
	}
	return f, false, nil
}
