package diamnode

import (
	"strconv"
	"time"

	"github.com/diapcc/node/diamcodec"
	"github.com/diapcc/node/diampeer"
	"github.com/diapcc/node/routingagent"
)

type stopCommandMsg struct{}

// eventLoop owns peer lifecycle (engage/disengage on Up/Down events)
// and persistent-peer reconnection, grounded on the teacher's
// DiameterRouter.eventLoop peerControlChannel/routerControlChannel
// handling.
func (n *Node) eventLoop() {
	ticker := time.NewTicker(peerCheckInterval)
	defer ticker.Stop()

	n.reconcilePeers()

	for {
		select {
		case cmd := <-n.nodeControlCh:
			switch cmd.(type) {
			case stopCommandMsg:
				n.closing = true
				for _, l := range n.listeners {
					l.Close()
				}
				n.mu.Lock()
				for _, pe := range n.peers {
					if pe.peer != nil {
						pe.peer.SetDown()
					}
				}
				allDown := true
				for _, pe := range n.peers {
					if pe.peer != nil {
						allDown = false
					}
				}
				n.mu.Unlock()
				if allDown {
					close(n.doneCh)
					return
				}
			}

		case <-ticker.C:
			if !n.closing {
				n.reconcilePeers()
			}

		case ev := <-n.peerControlCh:
			switch v := ev.(type) {
			case diampeer.PeerUpEvent:
				n.handlePeerUp(v)
			case diampeer.PeerDownEvent:
				if n.handlePeerDown(v) {
					close(n.doneCh)
					return
				}
			}
		}
	}
}

func (n *Node) handlePeerUp(v diampeer.PeerUpEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	pe, found := n.peers[v.DiameterHost]
	if !found {
		n.logger.Warnf("unconfigured peer %s reported up, disengaging", v.DiameterHost)
		v.Sender.SetDown()
		return
	}

	if pe.peer != nil && pe.peer != v.Sender && pe.isEngaged {
		v.Sender.SetDown()
		return
	}

	pe.peer = v.Sender
	pe.isEngaged = true
	pe.lastStatusChange = time.Now()
	pe.lastError = nil
	if pe.backoff != nil {
		pe.backoff.Reset()
	}
}

// handlePeerDown returns true if the node was closing and this was the
// last engaged peer, signalling the eventLoop to finish.
func (n *Node) handlePeerDown(v diampeer.PeerDownEvent) bool {
	go v.Sender.Close()

	n.mu.Lock()
	defer n.mu.Unlock()

	for host, pe := range n.peers {
		if pe.peer == v.Sender {
			pe.peer = nil
			pe.isEngaged = false
			pe.lastStatusChange = time.Now()
			pe.lastError = v.Error
			if pe.config.IsPersistent() && pe.backoff != nil {
				pe.nextAttempt = time.Now().Add(pe.backoff.Next())
			}
			n.logger.Infof("peer %s is down: %v", host, v.Error)
		}
	}

	if !n.closing {
		return false
	}
	for _, pe := range n.peers {
		if pe.peer != nil {
			return false
		}
	}
	return true
}

// reconcilePeers ensures every configured persistent peer without a
// live connection gets a new one, honoring reconnect backoff (spec
// §4.2: "exponential backoff starting at 1s, doubling to 30s").
func (n *Node) reconcilePeers() {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	for _, pe := range n.peers {
		if !pe.config.IsPersistent() || pe.peer != nil {
			continue
		}
		if now.Before(pe.nextAttempt) {
			continue
		}
		pe.peer = diampeer.NewActive(n.logger, n.OriginHost, n.OriginRealm, pe.config, n.peerControlCh, n.dispatch)
		pe.peer.Metrics = n.Metrics
	}
}

// dispatch handles one inbound non-base-application request: find the
// application bound for (application-id, inbound realm), else answer
// UNABLE_TO_DELIVER unless a DefaultHandler (DSC routing) is set (spec
// §4.3).
func (n *Node) dispatch(request *diamcodec.Message) (*diamcodec.Message, error) {
	n.mu.Lock()
	b, found := n.bindings[request.ApplicationId]
	n.mu.Unlock()

	realm := request.GetString("Destination-Realm")

	if found && b.acceptsRealm(realm) {
		return b.app.HandleRequest(request)
	}

	if n.DefaultHandler != nil {
		return n.DefaultHandler(request)
	}

	n.Metrics.RouteUnableToDeliver(realm, strconv.FormatUint(uint64(request.ApplicationId), 10))
	answer := diamcodec.NewAnswer(request)
	answer.Add("Result-Code", uint32(diamcodec.ResultUnableToDeliver))
	return answer, nil
}

// CandidatesForRealm implements routingagent.PeerSource: every OPEN
// peer in the given realm that supports applicationId.
func (n *Node) CandidatesForRealm(applicationId uint32, realm string) []routingagent.Candidate {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []routingagent.Candidate
	for _, pe := range n.peers {
		if pe.peer == nil || pe.peer.State() != diampeer.StateOpen {
			continue
		}
		if pe.config.Realm != realm {
			continue
		}
		if !pe.peer.Supports(applicationId) {
			continue
		}

		peer := pe.peer
		out = append(out, routingagent.Candidate{
			OriginHost:  pe.config.DiameterHost,
			Realm:       pe.config.Realm,
			Outstanding: peer.OutstandingRequests,
			Exchange: func(m *diamcodec.Message, timeout time.Duration) (*diamcodec.Message, error) {
				return peer.Exchange(m, timeout)
			},
		})
	}
	return out
}

// PeersStatus returns a snapshot of every configured peer's status.
func (n *Node) PeersStatus() []PeerStatus {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]PeerStatus, 0, len(n.peers))
	for host, pe := range n.peers {
		out = append(out, PeerStatus{
			DiameterHost:     host,
			Realm:            pe.config.Realm,
			IsEngaged:        pe.isEngaged,
			LastStatusChange: pe.lastStatusChange,
			LastError:        pe.lastError,
		})
	}
	return out
}

// SendRequest performs a blocking send-and-await on the peer whose
// origin-host is destinationHost, used by applications for direct
// (non-routed) outbound sends.
func (n *Node) SendRequest(destinationHost string, m *diamcodec.Message, timeout time.Duration) (*diamcodec.Message, error) {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	n.mu.Lock()
	pe, found := n.peers[destinationHost]
	n.mu.Unlock()

	if !found || pe.peer == nil || pe.peer.State() != diampeer.StateOpen {
		answer := diamcodec.NewAnswer(m)
		answer.Add("Result-Code", uint32(diamcodec.ResultUnableToDeliver))
		return answer, nil
	}

	return pe.peer.Exchange(m, timeout)
}
