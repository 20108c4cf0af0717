// Package errclass classifies receive/send errors as ignorable or fatal.
//
// The redirector runs until a fatal error. A small, fixed set of errno
// values is considered harmless: those failures are logged and the
// operation skipped, everything else terminates the process. The set is
// built once at startup from the resolved configuration.
package errclass

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Set is a precomputed membership set of errno values that are safe to
// log and skip during receive or send.
type Set struct {
	ignorable map[syscall.Errno]struct{}
}

// New builds the classification set. EINTR is always ignorable. When
// ignoreErrors is enabled (the default), transient delivery failures are
// ignorable too; when disabled, everything except EINTR is fatal.
func New(ignoreErrors bool) Set {
	s := Set{
		ignorable: map[syscall.Errno]struct{}{
			unix.EINTR: {},
		},
	}

	if ignoreErrors {
		// Harmless recvfrom / sendto errors. EWOULDBLOCK aliases
		// EAGAIN on Linux but is listed for other platforms.
		for _, errno := range []syscall.Errno{
			unix.EAGAIN,
			unix.EWOULDBLOCK,
			unix.EHOSTUNREACH,
			unix.ENETDOWN,
			unix.ENETUNREACH,
			unix.ENOBUFS,
			unix.EPIPE,
			unix.EADDRNOTAVAIL,
		} {
			s.ignorable[errno] = struct{}{}
		}
	}

	return s
}

// Ignorable reports whether err carries an errno in the ignorable set.
// Errors that are not errno values are never ignorable.
func (s Set) Ignorable(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	_, ok := s.ignorable[errno]
	return ok
}

// Name returns the symbolic errno name for err (e.g. "EAGAIN"), or the
// error string when err is not an errno.
func Name(err error) string {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return err.Error()
	}

	if name := unix.ErrnoName(errno); name != "" {
		return name
	}
	return errno.Error()
}
