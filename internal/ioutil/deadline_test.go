package ioutil

import (
	"errors"
	"net"
	"testing"
	"time"
)

func TestReadWithDeadlineSucceeds(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("hello"))
	}()

	buf := make([]byte, 16)
	n, err := ReadWithDeadline(server, buf, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestReadWithDeadlineTimesOut(t *testing.T) {
	_, server := net.Pipe()
	defer server.Close()

	buf := make([]byte, 16)
	_, err := ReadWithDeadline(server, buf, time.Now().Add(10*time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestBoundedReadUntilSatisfiesPredicate(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("GET / HTTP/1.1\r\n"))
		client.Write([]byte("Host: example.com\r\n\r\n"))
	}()

	predicate := func(buf []byte) bool {
		for i := 0; i+3 < len(buf); i++ {
			if buf[i] == '\r' && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
				return true
			}
		}
		return false
	}

	buf, err := BoundedReadUntil(server, 4096, time.Now().Add(time.Second), 500*time.Millisecond, predicate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !predicate(buf) {
		t.Fatalf("predicate not satisfied on returned buffer: %q", buf)
	}
}

func TestBoundedReadUntilSizeExceeded(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write(make([]byte, 100))
	}()

	never := func(buf []byte) bool { return false }
	_, err := BoundedReadUntil(server, 10, time.Now().Add(time.Second), 500*time.Millisecond, never)
	if !errors.Is(err, ErrSizeExceeded) {
		t.Fatalf("expected ErrSizeExceeded, got %v", err)
	}
}

func TestBoundedReadUntilOverallDeadline(t *testing.T) {
	_, server := net.Pipe()
	defer server.Close()

	never := func(buf []byte) bool { return false }
	_, err := BoundedReadUntil(server, 4096, time.Now().Add(20*time.Millisecond), time.Second, never)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestBoundedReadUntilIdleTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("partial"))
		// No further writes: idle timeout should fire before overall deadline.
	}()

	never := func(buf []byte) bool { return false }
	_, err := BoundedReadUntil(server, 4096, time.Now().Add(5*time.Second), 30*time.Millisecond, never)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout from idle timeout, got %v", err)
	}
}
