package apartment

import (
	"errors"
	"fmt"
	"syscall"
)

// SocketErrorKind classifies an OS error from the socket layer.
type SocketErrorKind int

const (
	// SocketErrorOther is any error not otherwise classified.
	SocketErrorOther SocketErrorKind = iota
	SocketErrorWouldBlock
	SocketErrorConnectionReset
	SocketErrorConnectionAborted
	SocketErrorConnectionRefused
	SocketErrorAddressInUse
	SocketErrorHostUnreachable
	SocketErrorNetworkUnreachable
	SocketErrorTimeout
	SocketErrorShutdownInProgress
	SocketErrorBufferTooSmall
	SocketErrorBufferTooBig
	SocketErrorUnsupportedOption
)

// Socket error kinds, matched by errors.Is against a *SocketError.
var (
	ErrWouldBlock         = errors.New("apartment: operation would block")
	ErrConnectionReset    = errors.New("apartment: connection reset")
	ErrConnectionAborted  = errors.New("apartment: connection aborted")
	ErrConnectionRefused  = errors.New("apartment: connection refused")
	ErrAddressInUse       = errors.New("apartment: address in use")
	ErrHostUnreachable    = errors.New("apartment: host unreachable")
	ErrNetworkUnreachable = errors.New("apartment: network unreachable")
	ErrTimeout            = errors.New("apartment: timed out")
	ErrShutdownInProgress = errors.New("apartment: shutdown in progress")
	ErrBufferTooSmall     = errors.New("apartment: buffer too small")
	ErrBufferTooBig       = errors.New("apartment: buffer too big")
	ErrUnsupportedOption  = errors.New("apartment: unsupported option")
	ErrSocketOther        = errors.New("apartment: socket error")
)

var socketErrorSentinels = [...]error{
	SocketErrorOther:              ErrSocketOther,
	SocketErrorWouldBlock:         ErrWouldBlock,
	SocketErrorConnectionReset:    ErrConnectionReset,
	SocketErrorConnectionAborted:  ErrConnectionAborted,
	SocketErrorConnectionRefused:  ErrConnectionRefused,
	SocketErrorAddressInUse:       ErrAddressInUse,
	SocketErrorHostUnreachable:    ErrHostUnreachable,
	SocketErrorNetworkUnreachable: ErrNetworkUnreachable,
	SocketErrorTimeout:            ErrTimeout,
	SocketErrorShutdownInProgress: ErrShutdownInProgress,
	SocketErrorBufferTooSmall:     ErrBufferTooSmall,
	SocketErrorBufferTooBig:       ErrBufferTooBig,
	SocketErrorUnsupportedOption:  ErrUnsupportedOption,
}

// SocketError is an OS error from the socket layer, carrying the call site
// and the original errno.
type SocketError struct {
	Op    string
	Kind  SocketErrorKind
	Errno syscall.Errno
}

// String returns the description of the kind.
func (k SocketErrorKind) String() string {
	return k.sentinel().Error()[len(`apartment: `):]
}

func (k SocketErrorKind) sentinel() error {
	if k < 0 || int(k) >= len(socketErrorSentinels) {
		return ErrSocketOther
	}
	return socketErrorSentinels[k]
}

// Error implements the error interface.
func (e *SocketError) Error() string {
	return fmt.Sprintf("apartment: socket %s: %s: %v", e.Op, e.Kind, e.Errno)
}

// Unwrap returns the errno.
func (e *SocketError) Unwrap() error {
	return e.Errno
}

// Is matches the sentinel for the error's kind.
func (e *SocketError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// MapSocketError classifies err, returned by the operation op. Errors that
// don't carry an errno are wrapped, unclassified. A nil err returns nil.
func MapSocketError(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("apartment: socket %s: %w", op, err)
	}
	return &SocketError{Op: op, Kind: socketErrorKind(errno), Errno: errno}
}
