package diampeer

import (
	"time"

	"github.com/diapcc/node/diamcodec"
	"github.com/diapcc/node/transport"
)

// PeerUpEvent is sent on the owner's control channel once CER/CEA
// completes successfully (spec §4.2 transitions into OPEN).
type PeerUpEvent struct {
	Sender       *Peer
	DiameterHost string
	Capabilities Capabilities
}

// PeerDownEvent is sent on the owner's control channel when the peer
// has fully closed; Error is nil for a clean/administrative close.
type PeerDownEvent struct {
	Sender *Peer
	Error  error
}

// MessageHandler processes one inbound non-base-application request
// and produces the answer to send back. The peer stamps hop-by-hop and
// end-to-end identifiers on the answer itself.
type MessageHandler func(request *diamcodec.Message) (*diamcodec.Message, error)

// internal actor-loop messages

type connectedMsg struct{ conn transport.Conn }
type connectErrorMsg struct{ err error }
type readEOFMsg struct{}
type readErrorMsg struct{ err error }
type writeErrorMsg struct{ err error }

type peerUpMsg struct {
	diameterHost string
	capabilities Capabilities
}

type closeCommandMsg struct{}
type closeTimeoutMsg struct{}

type egressMsg struct {
	message *diamcodec.Message
	rchan   chan interface{} // nil for answers and base-application messages
	timeout time.Duration
}

type ingressMsg struct {
	message *diamcodec.Message
}

type cancelRequestMsg struct {
	hopByHopId uint32
	reason     error
}

type watchdogTickMsg struct{}
