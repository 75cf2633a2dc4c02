// Package transport implements byte-level framing primitives over a character
// stream: flush, exact write and reads bounded by deadlines.
package transport

import (
	"errors"
	"io"
	"time"
)

// maxFlushBytes bounds a flush against a peer that never goes quiet.
const maxFlushBytes = 64 << 10

// Stream is a serial port or network connection.
//
// SetReadTimeout bounds the next Read. A Read that times out returns (0, nil),
// which is how go.bug.st/serial ports behave.
type Stream interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Flush discards buffered input until no byte arrives within window.
func Flush(s Stream, window time.Duration) error {
	buf := make([]byte, 64)
	drained := 0

	for {
		if err := s.SetReadTimeout(window); err != nil {
			return &IOError{Op: "flush", Err: err}
		}

		n, err := s.Read(buf)
		if err != nil {
			return &IOError{Op: "flush", Err: err}
		}
		if n == 0 {
			return nil
		}

		drained += n
		if drained > maxFlushBytes {
			return &IOError{Op: "flush", Err: errors.New("input never became quiescent")}
		}
	}
}

// Write sends b in a single call. A short write is fatal and never retried.
func Write(s Stream, b []byte) error {
	n, err := s.Write(b)
	if err != nil {
		return &IOError{Op: "write", Err: err}
	}
	if n != len(b) {
		return &IOError{Op: "write", Err: io.ErrShortWrite}
	}
	return nil
}

// ReadExact reads exactly n bytes before timeout elapses. On timeout the
// partial bytes are returned along with a *TimeoutError.
func ReadExact(s Stream, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(timeout)

	for got < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf[:got], &TimeoutError{Op: "read", Read: got}
		}

		if err := s.SetReadTimeout(remaining); err != nil {
			return buf[:got], &IOError{Op: "read", Err: err}
		}

		m, err := s.Read(buf[got:])
		if err != nil {
			return buf[:got], &IOError{Op: "read", Err: err}
		}
		got += m
	}

	return buf, nil
}

// ReadUntil reads until term or maxLen bytes, whichever comes first. The first
// byte may take up to first; every following byte must arrive within next of
// the previous one. The terminator is included in the result.
func ReadUntil(s Stream, term byte, maxLen int, first, next time.Duration) ([]byte, error) {
	out := make([]byte, 0, maxLen)
	b := make([]byte, 1)
	deadline := time.Now().Add(first)

	for len(out) < maxLen {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, &TimeoutError{Op: "read until", Read: len(out)}
		}

		if err := s.SetReadTimeout(remaining); err != nil {
			return out, &IOError{Op: "read until", Err: err}
		}

		m, err := s.Read(b)
		if err != nil {
			return out, &IOError{Op: "read until", Err: err}
		}
		if m == 0 {
			continue
		}

		out = append(out, b[0])
		if b[0] == term {
			return out, nil
		}
		deadline = time.Now().Add(next)
	}

	return out, nil
}
