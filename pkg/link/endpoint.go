package link

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultNetworkPort is used for network endpoints that omit the port.
const DefaultNetworkPort = 8080

// Endpoint is a parsed device address. A bare path ("/dev/ttyUSB0") is a
// serial device; "scheme://host[:port]" is a network or simulated endpoint.
type Endpoint struct {
	Raw    string
	Scheme string
	Path   string
	Host   string
	Port   int
}

// ParseEndpoint parses addr into an Endpoint.
func ParseEndpoint(addr string) (Endpoint, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}

	scheme, rest, found := strings.Cut(addr, "://")
	if !found {
		return Endpoint{Raw: addr, Path: addr}, nil
	}
	if scheme == "" || rest == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q", addr)
	}

	ep := Endpoint{Raw: addr, Scheme: scheme, Host: rest, Port: DefaultNetworkPort}
	if strings.HasPrefix(rest, "[") {
		// IPv6 literal, with a port only after the closing bracket.
		end := strings.Index(rest, "]")
		if end < 0 {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing ']'", addr)
		}
		if end == len(rest)-1 {
			ep.Host = rest[1:end]
			return ep, nil
		}
	} else if !strings.Contains(rest, ":") {
		return ep, nil
	}

	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %v", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port in endpoint %q", addr)
	}
	ep.Host = host
	ep.Port = n
	return ep, nil
}

// Serial reports whether the endpoint is a local serial device.
func (e Endpoint) Serial() bool {
	return e.Scheme == ""
}

// Address returns host:port for network endpoints and the path otherwise.
func (e Endpoint) Address() string {
	if e.Serial() {
		return e.Path
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Raw
}
