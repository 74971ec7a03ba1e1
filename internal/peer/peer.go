// Package peer defines the minimal peer-endpoint value type the core
// works with. Discovery backends map their own address representations
// onto it so that none of their types leak into task logic.
package peer

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint identifies a peer's upload server.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint parses a "host:port" string into an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid peer endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid peer port in %q", s)
	}
	return Endpoint{Host: host, Port: port}, nil
}
