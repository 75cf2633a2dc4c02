package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// tcpStream adapts a net.Conn to the Stream read-timeout contract.
type tcpStream struct {
	net.Conn
}

// DialTCP connects to address (host:port) within timeout.
func DialTCP(ctx context.Context, address string, timeout time.Duration) (Stream, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, address, err)
	}
	return &tcpStream{Conn: conn}, nil
}

func (s *tcpStream) SetReadTimeout(t time.Duration) error {
	return s.Conn.SetReadDeadline(time.Now().Add(t))
}

func (s *tcpStream) Read(p []byte) (int, error) {
	n, err := s.Conn.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}
