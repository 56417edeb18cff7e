//go:build !unix

package apartment

import (
	"syscall"
)

func socketErrorKind(syscall.Errno) SocketErrorKind { return SocketErrorOther }
