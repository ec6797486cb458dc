// Package transport provides the local listening endpoints and accepted
// connections driven by an ipc.Reactor: loopback TCP and unix domain sockets.
package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/fzft/agent-ipc/ipc"
)

const (
	TCP  = "tcp"
	Unix = "unix"
)

// ErrNotLocal is returned for TCP addresses that are not on the loopback interface.
var ErrNotLocal = errors.New("transport: address is not local")

// Endpoint describes one listening endpoint.
type Endpoint struct {
	Name      string
	Network   string // tcp or unix
	Address   string // host:port for tcp, socket path for unix
	Callbacks ipc.Callbacks
}

func (ep Endpoint) validate() error {
	if ep.Name == "" {
		return errors.New("transport: endpoint needs a name")
	}
	switch ep.Network {
	case TCP:
		host, _, err := net.SplitHostPort(ep.Address)
		if err != nil {
			return fmt.Errorf("transport: endpoint %q: %w", ep.Name, err)
		}
		if host == "localhost" {
			return nil
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("%w: %s", ErrNotLocal, ep.Address)
		}
		return nil
	case Unix:
		if ep.Address == "" {
			return fmt.Errorf("transport: endpoint %q needs a socket path", ep.Name)
		}
		return nil
	default:
		return fmt.Errorf("transport: unsupported network %q", ep.Network)
	}
}
