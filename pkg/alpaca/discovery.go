package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DiscoveryPort    = 32227
	discoveryRequest = "alpacadiscovery1"
)

// DiscoveryResponder responds to Alpaca discovery requests.
type DiscoveryResponder struct {
	addr           string
	port           int
	alpacaResponse []byte
	logger         log.FieldLogger
}

// NewDiscoveryResponder creates a discovery responder announcing the
// Alpaca API on alpacaPort.
func NewDiscoveryResponder(addr string, alpacaPort int, logger log.FieldLogger) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:           addr,
		port:           DiscoveryPort,
		alpacaResponse: []byte(fmt.Sprintf(`{"AlpacaPort": %d}`, alpacaPort)),
		logger:         logger,
	}
}

// respond returns the reply to one datagram, or nil when it is not a
// discovery request.
func (d *DiscoveryResponder) respond(data []byte) []byte {
	if !strings.Contains(string(data), discoveryRequest) {
		return nil
	}
	return d.alpacaResponse
}

// Run answers discovery requests until ctx is cancelled.
func (d *DiscoveryResponder) Run(ctx context.Context) error {
	deviceAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, fmt.Sprint(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve device address: %v", err)
	}

	sock, err := net.ListenUDP("udp", deviceAddress)
	if err != nil {
		return fmt.Errorf("cannot bind discovery socket: %v", err)
	}
	defer sock.Close()

	d.logger.Debugf("Discovery responder started on %s", sock.LocalAddr())

	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Set a read deadline to periodically check for context cancellation
		sock.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			d.logger.Debugf("Error reading from socket: %v", err)
			continue
		}

		d.logger.Debugf("Received %q from %s", buf[:n], addr)
		if reply := d.respond(buf[:n]); reply != nil {
			if _, err := sock.WriteToUDP(reply, addr); err != nil {
				d.logger.Errorf("Error writing to socket: %v", err)
			}
		}
	}
}
