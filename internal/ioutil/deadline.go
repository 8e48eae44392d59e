// Package ioutil implements the two timeout primitives used for
// imposing deadlines on reads from a client socket.
package ioutil

import (
	"errors"
	"net"
	"time"
)

// ErrTimeout is returned by ReadWithDeadline and BoundedReadUntil when
// a deadline elapses before the requested condition is satisfied.
var ErrTimeout = errors.New("ioutil: read deadline exceeded")

// ErrSizeExceeded is returned by BoundedReadUntil when the accumulated
// buffer exceeds maxBytes before predicate is satisfied.
var ErrSizeExceeded = errors.New("ioutil: max bytes exceeded")

// deadlineConn is the subset of net.Conn this package needs. Handlers
// pass a *net.TCPConn in production; tests pass a net.Pipe() endpoint.
type deadlineConn interface {
	Read(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
}

// ReadWithDeadline attempts a single read into buf, returning
// ErrTimeout if deadline elapses before any bytes arrive. Used to
// enforce an idle timeout between successive reads.
func ReadWithDeadline(conn deadlineConn, buf []byte, deadline time.Time) (int, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrTimeout
		}
		return n, err
	}
	return n, nil
}

// BoundedReadUntil repeatedly reads from conn, appending into an
// internal buffer, until predicate(buf) reports satisfied, the
// accumulated buffer exceeds maxBytes (ErrSizeExceeded), the overall
// deadline elapses, or any single read exceeds idleTimeout
// (ErrTimeout for either). Used for the HTTP end-of-headers scan and
// for accumulating an MQTT CONNECT packet to its declared length.
func BoundedReadUntil(
	conn deadlineConn,
	maxBytes int,
	overallDeadline time.Time,
	idleTimeout time.Duration,
	predicate func(buf []byte) bool,
) ([]byte, error) {
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 4096)

	for {
		if predicate(buf) {
			return buf, nil
		}
		if len(buf) > maxBytes {
			return buf, ErrSizeExceeded
		}

		readDeadline := overallDeadline
		if idleDeadline := time.Now().Add(idleTimeout); idleDeadline.Before(readDeadline) {
			readDeadline = idleDeadline
		}
		if !time.Now().Before(readDeadline) {
			return buf, ErrTimeout
		}

		if err := conn.SetReadDeadline(readDeadline); err != nil {
			return buf, err
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return buf, ErrTimeout
			}
			return buf, err
		}
	}
}
