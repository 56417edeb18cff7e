//go:build unix

package apartment

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func socketErrorKind(errno syscall.Errno) SocketErrorKind {
	switch errno {
	case unix.EAGAIN, unix.EINPROGRESS, unix.EALREADY:
		return SocketErrorWouldBlock
	case unix.ECONNRESET, unix.EPIPE:
		return SocketErrorConnectionReset
	case unix.ECONNABORTED:
		return SocketErrorConnectionAborted
	case unix.ECONNREFUSED:
		return SocketErrorConnectionRefused
	case unix.EADDRINUSE:
		return SocketErrorAddressInUse
	case unix.EHOSTUNREACH:
		return SocketErrorHostUnreachable
	case unix.ENETUNREACH, unix.ENETDOWN:
		return SocketErrorNetworkUnreachable
	case unix.ETIMEDOUT:
		return SocketErrorTimeout
	case unix.ESHUTDOWN:
		return SocketErrorShutdownInProgress
	case unix.ENOBUFS:
		return SocketErrorBufferTooSmall
	case unix.EMSGSIZE:
		return SocketErrorBufferTooBig
	case unix.ENOPROTOOPT, unix.EOPNOTSUPP:
		return SocketErrorUnsupportedOption
	default:
		return SocketErrorOther
	}
}
