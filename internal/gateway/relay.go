package gateway

import (
	"io"
	"net"
	"sync"
)

// halfCloser is satisfied by *net.TCPConn; the relay uses it to
// propagate a half-close instead of fully closing a socket the moment
// one direction reaches EOF.
type halfCloser interface {
	CloseWrite() error
}

// Relay bridges client and upstream until both directions finish. The
// pre-read buffer (bytes already consumed from the client while
// classifying and validating) is written to upstream before the
// client-side copy loop begins its first read.
func Relay(client, upstream net.Conn, preRead []byte) error {
	if len(preRead) > 0 {
		if _, err := upstream.Write(preRead); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := io.Copy(upstream, client)
		halfClose(upstream)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(client, upstream)
		halfClose(client)
		errs <- err
	}()

	wg.Wait()
	close(errs)

	// Report the first non-nil error, if any; EOF from io.Copy is never
	// surfaced (io.Copy already swallows io.EOF as success).
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// halfClose shuts down the write side of conn if it supports
// CloseWrite, so the peer observes EOF without losing the ability to
// finish writing its own half. Falls back to nothing for connection
// types that don't support it (e.g. net.Pipe in tests).
func halfClose(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
	}
}
