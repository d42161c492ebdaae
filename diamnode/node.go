// Package diamnode implements the Diameter node of spec §4.3: it owns
// peers by origin-host, binds applications to (application-id, realm)
// pairs, accepts inbound connections, dials persistent peers with
// reconnect backoff, and dispatches inbound requests to the bound
// application or answers UNABLE_TO_DELIVER. Grounded on the teacher's
// router.DiameterRouter actor loop (peer table, accept loop, peer
// lifecycle handling, updatePeersTable reconnect logic).
package diamnode

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/diapcc/node/config"
	"github.com/diapcc/node/diamcodec"
	"github.com/diapcc/node/diampeer"
	"github.com/diapcc/node/instrumentation"
	"github.com/diapcc/node/transport"
)

const (
	peerCheckInterval  = 10 * time.Second
	controlQueueSize   = 64
	defaultSendTimeout = 10 * time.Second
)

// Application is implemented by the Gx/Rx/Sy applications wired into a
// Node via AddApplication; Node dispatches inbound requests to it by
// application-id and realm (spec §4.3).
type Application interface {
	ApplicationId() uint32
	HandleRequest(request *diamcodec.Message) (*diamcodec.Message, error)
}

type binding struct {
	app    Application
	realms map[string]bool // empty means "any realm"
}

func (b *binding) acceptsRealm(realm string) bool {
	if len(b.realms) == 0 {
		return true
	}
	return b.realms[realm]
}

type peerEntry struct {
	peer             *diampeer.Peer
	config           config.PeerConfig
	isEngaged        bool
	lastStatusChange time.Time
	lastError        error
	backoff          *diampeer.Backoff
	nextAttempt      time.Time
}

// PeerStatus is a point-in-time snapshot of one peer entry, used by
// Node.PeersStatus() for instrumentation/inspection.
type PeerStatus struct {
	DiameterHost     string
	Realm            string
	IsEngaged        bool
	LastStatusChange time.Time
	LastError        error
}

// Node owns the set of configured peers and the application bindings
// of one Diameter node identity. Peer lifecycle (engage, disengage,
// reconnect) runs on the single eventLoop goroutine (actor model, spec
// §5); the peers and bindings maps are guarded by mu because AddPeer,
// AddApplication, dispatch and the snapshot methods reach them from
// other goroutines.
type Node struct {
	logger      *zap.SugaredLogger
	OriginHost  string
	OriginRealm string

	// Metrics is nil unless the constructing façade wired an
	// instrumentation server; nil-safe methods make every call site
	// below correct regardless.
	Metrics *instrumentation.Server

	mu       sync.Mutex // guards peers/bindings
	peers    map[string]*peerEntry
	bindings map[uint32]*binding

	// DefaultHandler processes an inbound request when no application
	// is bound for its (application-id, realm); a DSC entity plugs in
	// the routing agent's Forward here instead of leaving it nil.
	DefaultHandler diampeer.MessageHandler

	peerControlCh chan interface{}
	nodeControlCh chan interface{}
	doneCh        chan struct{}
	listeners     []transport.Listener
	closing       bool
}

func New(logger *zap.SugaredLogger, originHost, originRealm string) *Node {
	return &Node{
		logger:        logger,
		OriginHost:    originHost,
		OriginRealm:   originRealm,
		peers:         make(map[string]*peerEntry),
		bindings:      make(map[uint32]*binding),
		peerControlCh: make(chan interface{}, controlQueueSize),
		nodeControlCh: make(chan interface{}, controlQueueSize),
		doneCh:        make(chan struct{}),
	}
}

// AddPeer registers a peer by configuration; the connection itself is
// created (if persistent) or awaited (if passive) once Start runs.
func (n *Node) AddPeer(cfg config.PeerConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[cfg.DiameterHost] = &peerEntry{config: cfg, lastStatusChange: time.Now(), backoff: diampeer.NewBackoff()}
}

// AddApplication binds app to applicationId for the given realms
// (empty realms means "any realm", spec §4.3).
func (n *Node) AddApplication(app Application, realms []string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	realmSet := make(map[string]bool, len(realms))
	for _, r := range realms {
		realmSet[r] = true
	}
	n.bindings[app.ApplicationId()] = &binding{app: app, realms: realmSet}
}

// Start dials every persistent peer and, if bindAddr is non-empty,
// accepts inbound connections on it over the given transport.
func (n *Node) Start(bindAddr string, protocol transport.Protocol) error {
	if bindAddr != "" {
		listener, err := transport.Listen(protocol, bindAddr)
		if err != nil {
			return fmt.Errorf("diamnode: listen on %s: %w", bindAddr, err)
		}
		n.listeners = append(n.listeners, listener)
		go n.acceptLoop(listener)
	}

	go n.eventLoop()

	return nil
}

// Stop initiates DPR/close on all peers and blocks until the node has
// fully shut down (spec §4.3 "stop() initiates DPR/close on all peers
// and joins workers").
func (n *Node) Stop() {
	n.nodeControlCh <- stopCommandMsg{}
	<-n.doneCh
}

func (n *Node) acceptLoop(listener transport.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		n.mu.Lock()
		valid := false
		for _, pe := range n.peers {
			for _, addr := range pe.config.IPAddresses {
				if addr == remoteIP(conn) {
					valid = true
				}
			}
		}
		n.mu.Unlock()

		if !valid {
			n.logger.Warnf("rejecting connection from unconfigured address %s", remoteIP(conn))
			conn.Close()
			continue
		}

		peer := diampeer.NewPassive(n.logger, n.OriginHost, n.OriginRealm, conn, n.peerControlCh, n.dispatch)
		peer.Metrics = n.Metrics
	}
}

func remoteIP(conn transport.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
