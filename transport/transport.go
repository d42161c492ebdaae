// Package transport provides the framed, bidirectional octet stream
// abstraction that diampeer consumes, with concrete TCP and SCTP
// implementations. A Diameter message is framed by its own header
// length on TCP; on SCTP each message occupies exactly one data chunk
// on stream 0.
package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/ishidawataru/sctp"
)

// Protocol selects the wire transport used for a peer connection.
type Protocol int

const (
	TCP Protocol = iota
	SCTP
)

func (p Protocol) String() string {
	if p == SCTP {
		return "sctp"
	}
	return "tcp"
}

// Conn is the bidirectional connection handle used by a peer. Both
// net.TCPConn and *sctp.SCTPConn satisfy it directly.
type Conn = net.Conn

// Listener accepts inbound peer connections.
type Listener = net.Listener

// Dial opens an active connection to address (host:port) using the
// requested protocol, honoring the connect timeout.
func Dial(protocol Protocol, address string, timeout time.Duration) (Conn, error) {
	switch protocol {
	case TCP:
		return net.DialTimeout("tcp4", address, timeout)

	case SCTP:
		addr, err := sctp.ResolveSCTPAddr("sctp4", address)
		if err != nil {
			return nil, fmt.Errorf("transport: resolving sctp address %s: %w", address, err)
		}
		return sctp.DialSCTP("sctp4", nil, addr)

	default:
		return nil, fmt.Errorf("transport: unsupported protocol %v", protocol)
	}
}

// Listen opens a passive listening socket on address (host:port).
func Listen(protocol Protocol, address string) (Listener, error) {
	switch protocol {
	case TCP:
		return net.Listen("tcp4", address)

	case SCTP:
		addr, err := sctp.ResolveSCTPAddr("sctp4", address)
		if err != nil {
			return nil, fmt.Errorf("transport: resolving sctp address %s: %w", address, err)
		}
		return sctp.ListenSCTP("sctp4", addr)

	default:
		return nil, fmt.Errorf("transport: unsupported protocol %v", protocol)
	}
}
