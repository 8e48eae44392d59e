// Package guard implements the stateless protocol classifiers: the
// HTTP sniff, the HTTP header-stream validator, and (in mqtt.go) the
// MQTT CONNECT parser. Every function here is pure: it consumes bytes
// already read from the client and returns a verdict, never
// performing I/O itself.
package guard

import (
	"bytes"
	"errors"
)

// httpMethods is the broader candidate method set used by the quick
// sniff. The header-stream line count does not look at the method.
var httpMethods = []string{
	"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH", "TRACE", "CONNECT",
}

// SniffFirstByte implements the cheap first-byte rejection: true if b
// could start one of httpMethods. An MQTT CONNECT fixed header starts
// with 0x10, which never collides with an uppercase ASCII letter, so
// this check is unambiguous even before any further bytes have
// arrived.
func SniffFirstByte(b byte) bool {
	for _, method := range httpMethods {
		if method[0] == b {
			return true
		}
	}
	return false
}

// ErrHeaderCountExceeded is returned by ValidateHeaderCount when more
// than maxHeaderCount header lines are observed before CRLFCRLF.
var ErrHeaderCountExceeded = errors.New("guard: http header count exceeded")

// HeadersComplete reports whether buf already contains the
// end-of-headers sequence CRLF CRLF. This is the predicate handed to
// internal/ioutil.BoundedReadUntil to drive the header scan; the bound
// on total bytes and elapsed time is BoundedReadUntil's job, not this
// function's.
func HeadersComplete(buf []byte) bool {
	return bytes.Contains(buf, []byte("\r\n\r\n"))
}

// ValidateHeaderCount counts header lines in a complete header block
// (buf up to and including the terminating CRLFCRLF) and fails if the
// count exceeds maxHeaderCount. The request line itself is not counted
// as a header line.
func ValidateHeaderCount(buf []byte, maxHeaderCount int) error {
	end := bytes.Index(buf, []byte("\r\n\r\n"))
	if end < 0 {
		end = len(buf)
	}
	lines := bytes.Split(buf[:end], []byte("\r\n"))

	headerLines := 0
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		headerLines++
	}
	if headerLines > maxHeaderCount {
		return ErrHeaderCountExceeded
	}
	return nil
}
