package vacvision

import (
	"errors"
	"fmt"
)

// ErrNotWritable is returned by Write for parameters whose schema access
// mode does not allow writing.
var ErrNotWritable = errors.New("parameter is read-only")

// ErrClosed is returned when an operation is attempted on a client whose
// connection has been closed or has faulted.
var ErrClosed = errors.New("connection closed")

// ConnectionError reports a failure of the TCP session itself. Once one
// occurs the connection is faulted and every pending and future request
// fails until the consumer reconnects.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err indicates a faulted connection.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// ProtocolError reports a response whose framing was intact but whose
// payload did not parse. It fails only the request it belongs to.
type ProtocolError struct {
	Op     string
	Offset int
	Msg    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s response at offset %d: %s", e.Op, e.Offset, e.Msg)
}

// TimeoutError reports a single request that received no response in time.
// The connection survives unless timeouts repeat consecutively, at which
// point the engine escalates to a connection fault.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s response", e.Op)
}
