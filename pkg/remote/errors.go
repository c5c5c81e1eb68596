package remote

import (
	"errors"
	"fmt"
)

// ErrUnknownHost is returned for host names missing from the configuration.
var ErrUnknownHost = errors.New("unknown remote host")

// Error is a failure in the SSH transport.
type Error struct {
	// Op is the operation that failed (connect, exec, upload, download).
	Op string

	// Host is the configured host name.
	Host string

	Err error

	// Temporary marks failures worth retrying, such as dropped connections.
	Temporary bool

	// Auth marks authentication and host key failures.
	Auth bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is a remote error worth retrying.
func IsTemporary(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Temporary
}
