// Package diampeer implements the per-peer Diameter connection and
// protocol state machine (spec §4.2): CER/CEA, Device-Watchdog,
// Disconnect-Peer, and request/answer correlation by hop-by-hop id.
//
// A Peer follows the actor model: every field below is touched only
// from the single goroutine running eventLoop; all other goroutines
// (connect, readLoop, timers) communicate exclusively by sending
// messages on eventCh.
package diampeer

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diapcc/node/config"
	"github.com/diapcc/node/diamcodec"
	"github.com/diapcc/node/instrumentation"
	"github.com/diapcc/node/transport"
	"go.uber.org/zap"
)

// State is one of the Peer FSM states of spec §4.2.
type State int32

const (
	StateClosed State = iota
	StateWaitConnAck
	StateWaitCEA
	StateWaitCER
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateWaitConnAck:
		return "WAIT_CONN_ACK"
	case StateWaitCEA:
		return "WAIT_CEA"
	case StateWaitCER:
		return "WAIT_CER"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

const eventLoopCapacity = 256

// Capabilities is the peer capability set learned at CER/CEA (spec
// §3 Peer: "a capability set ... learned at CER/CEA"). It becomes
// immutable once recorded (spec §5).
type Capabilities struct {
	AuthApplicationIds []uint32
	AcctApplicationIds []uint32
	VendorIds          []uint32
}

func (c Capabilities) supports(applicationId uint32) bool {
	for _, id := range c.AuthApplicationIds {
		if id == applicationId {
			return true
		}
	}
	for _, id := range c.AcctApplicationIds {
		if id == applicationId {
			return true
		}
	}
	return false
}

type pendingRequest struct {
	rchan         chan interface{}
	timer         *time.Timer
	applicationId uint32
}

// Identity groups the fields that define a Peer's identity (spec §3).
type Identity struct {
	OriginHost string
	Realm      string
}

// Peer abstracts one Diameter peer connection, active or passive, over
// TCP or SCTP.
type Peer struct {
	logger *zap.SugaredLogger
	codec  diamcodec.Codec

	// This node's own identity, stamped on every outgoing message.
	originHost  string
	originRealm string

	// Config of the remote peer. For an active peer this is known from
	// construction; for a passive peer it is filled once the CER names
	// the remote Origin-Host.
	PeerConfig config.PeerConfig

	// Metrics is nil unless the owning Node wired an instrumentation
	// server; every call site guards through its nil-safe methods.
	Metrics *instrumentation.Server

	caps Capabilities

	eventCh         chan interface{}
	readLoopDoneCh  chan struct{}
	controlCh       chan interface{} // owner's channel for Up/Down events

	// state is written only from the event loop goroutine; read
	// atomically so State() is safe to call from any goroutine.
	state int32

	conn       net.Conn
	connReader *bufio.Reader
	connWriter *bufio.Writer
	cancelConn context.CancelFunc

	pending map[uint32]pendingRequest

	handler MessageHandler

	watchdogTicker  *time.Ticker
	watchdogTw      time.Duration
	outstandingDWA  int

	bytesIn  int64
	bytesOut int64

	// outstandingCount mirrors len(pending); only ever written from the
	// event loop goroutine but read with atomic ops from others (the
	// routing agent's load-based peer selection).
	outstandingCount int32

	wg sync.WaitGroup
}

// NewActive creates a Peer that dials out and drives the CER/CEA
// handshake once connected (spec §4.2: CLOSED -> WAIT_CONN_ACK).
func NewActive(logger *zap.SugaredLogger, originHost, originRealm string, peerConfig config.PeerConfig, control chan interface{}, handler MessageHandler) *Peer {
	p := &Peer{
		logger:      logger,
		codec:       diamcodec.DefaultCodec{},
		originHost:  originHost,
		originRealm: originRealm,
		PeerConfig:  peerConfig,
		eventCh:     make(chan interface{}, eventLoopCapacity),
		controlCh:   control,
		pending:     make(map[uint32]pendingRequest),
		handler:     handler,
		state:       int32(StateClosed),
	}

	timeout := peerConfig.ConnectionTimeoutMillis
	if timeout == 0 {
		timeout = 5000
	}

	p.setState(StateWaitConnAck)
	p.wg.Add(1)
	go p.connect(time.Duration(timeout) * time.Millisecond)
	go p.eventLoop()

	return p
}

// NewPassive creates a Peer wrapping a connection this node has just
// accepted, awaiting the remote's CER (spec §4.2: CLOSED -> WAIT_CER).
func NewPassive(logger *zap.SugaredLogger, originHost, originRealm string, conn net.Conn, control chan interface{}, handler MessageHandler) *Peer {
	p := &Peer{
		logger:      logger,
		codec:       diamcodec.DefaultCodec{},
		originHost:  originHost,
		originRealm: originRealm,
		eventCh:     make(chan interface{}, eventLoopCapacity),
		controlCh:   control,
		conn:        conn,
		pending:     make(map[uint32]pendingRequest),
		handler:     handler,
		state:       int32(StateWaitCER),
	}

	p.connReader = bufio.NewReader(conn)
	p.connWriter = bufio.NewWriter(conn)
	p.readLoopDoneCh = make(chan struct{})
	go p.readLoop()
	go p.eventLoop()

	return p
}

// State returns the peer's current FSM state.
func (p *Peer) State() State { return State(atomic.LoadInt32(&p.state)) }

// setState updates the FSM state; called only from the event loop
// goroutine.
func (p *Peer) setState(s State) { atomic.StoreInt32(&p.state, int32(s)) }

// GetPeerConfig returns the (possibly still partial) configuration.
func (p *Peer) GetPeerConfig() config.PeerConfig { return p.PeerConfig }

// Capabilities returns the capability set learned at CER/CEA.
func (p *Peer) Capabilities() Capabilities { return p.caps }

// Supports reports whether the peer has advertised support for
// applicationId, used by the routing agent to build candidate sets
// (spec §4.6).
func (p *Peer) Supports(applicationId uint32) bool {
	return p.caps.supports(applicationId)
}

// OutstandingRequests returns the number of requests sent on this
// peer awaiting an answer, used as the load metric for the routing
// agent's least-loaded selection (spec §4.6).
func (p *Peer) OutstandingRequests() int {
	return int(atomic.LoadInt32(&p.outstandingCount))
}

// SetDown starts the Disconnect procedure: sends DPR if OPEN, then
// closes the connection and fails all outstanding requests with
// ErrPeerClosed.
func (p *Peer) SetDown() {
	select {
	case p.eventCh <- closeCommandMsg{}:
	default:
		// Event loop already gone/full; nothing more we can do.
	}
}

// Close waits for the internal goroutines to finish and releases
// resources. Call only after a PeerDownEvent has been observed.
func (p *Peer) Close() {
	if p.readLoopDoneCh != nil {
		<-p.readLoopDoneCh
	}
	p.wg.Wait()
}

// connect dials the remote peer; to be run in its own goroutine.
func (p *Peer) connect(timeout time.Duration) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	address := fmt.Sprintf("%s:%d", firstAddress(p.PeerConfig.IPAddresses), p.PeerConfig.Port)
	proto := transport.TCP
	if p.PeerConfig.Transport == "sctp" {
		proto = transport.SCTP
	}

	conn, err := dialWithContext(ctx, proto, address, timeout)
	if err != nil {
		p.eventCh <- connectErrorMsg{err}
		return
	}
	p.eventCh <- connectedMsg{conn}
}

func dialWithContext(ctx context.Context, proto transport.Protocol, address string, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := transport.Dial(proto, address, timeout)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func firstAddress(addresses []string) string {
	if len(addresses) == 0 {
		return ""
	}
	return addresses[0]
}

// readLoop decodes messages off the wire and forwards them to the
// event loop; to be run in its own goroutine.
func (p *Peer) readLoop() {
	for {
		dm, err := p.codec.Decode(p.connReader)
		if err != nil {
			if err.Error() == "EOF" {
				p.eventCh <- readEOFMsg{}
			} else {
				p.eventCh <- readErrorMsg{err}
			}
			break
		}
		p.eventCh <- ingressMsg{dm}
	}
	close(p.readLoopDoneCh)
}

// watchdogInterval draws Tw with ±20% jitter around the configured
// interval, or a 30s default (spec §4.2).
func (p *Peer) watchdogInterval() time.Duration {
	base := time.Duration(p.PeerConfig.WatchdogIntervalMillis) * time.Millisecond
	if base <= 0 {
		base = 30 * time.Second
	}
	jitter := float64(base) * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitter)
}

func (p *Peer) sendMessage(m *diamcodec.Message) error {
	if err := p.codec.Encode(p.connWriter, m); err != nil {
		return err
	}
	return p.connWriter.Flush()
}
