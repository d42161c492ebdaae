package diampeer

import (
	"bufio"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/diapcc/node/diamcodec"
)

// ErrPeerClosed is delivered to every outstanding request when the
// peer goes down (spec §7 "Peer-closed").
var ErrPeerClosed = errors.New("diampeer: peer closed")

// ErrTimeout is delivered when a request's deadline elapses before a
// matching answer arrives (spec §7 "Timeout").
var ErrTimeout = errors.New("diampeer: request timeout")

// ErrCancelled is delivered when a pending request is explicitly
// cancelled by its caller (spec §5 "Cancellation").
var ErrCancelled = errors.New("diampeer: request cancelled")

func (p *Peer) eventLoop() {
	defer func() {
		if p.watchdogTicker != nil {
			p.watchdogTicker.Stop()
		}
		if p.conn != nil {
			p.conn.Close()
		}
	}()

	// Idle until engaged; watchdogInterval() is computed once OPEN.
	p.watchdogTicker = time.NewTicker(365 * 24 * time.Hour)

	for {
		select {
		case <-p.watchdogTicker.C:
			if p.State() == StateOpen {
				p.eventCh <- watchdogTickMsg{}
			}

		case in := <-p.eventCh:
			if p.handleEvent(in) {
				return
			}
		}
	}
}

// handleEvent processes one actor message; returns true when the loop
// must terminate.
func (p *Peer) handleEvent(in interface{}) bool {
	switch v := in.(type) {

	case connectedMsg:
		p.conn = v.conn
		p.connReader = bufio.NewReader(p.conn)
		p.connWriter = bufio.NewWriter(p.conn)
		p.readLoopDoneCh = make(chan struct{})
		go p.readLoop()

		p.setState(StateWaitCEA)
		cer := diamcodec.NewRequest(diamcodec.AppBase, diamcodec.CmdCapabilitiesExchange)
		cer.AddOriginAVPs(p.originHost, p.originRealm)
		p.addCapabilityAVPs(cer)
		if err := p.sendMessage(cer); err != nil {
			p.logger.Errorf("could not send CER to %s: %v", p.PeerConfig.DiameterHost, err)
			return p.fail(err)
		}
		return false

	case connectErrorMsg:
		p.logger.Errorf("connection error with %s: %v", p.PeerConfig.DiameterHost, v.err)
		return p.fail(v.err)

	case readEOFMsg:
		p.logger.Debugf("peer %s closed the connection", p.PeerConfig.DiameterHost)
		return p.fail(nil)

	case readErrorMsg:
		p.logger.Errorf("read error from %s: %v", p.PeerConfig.DiameterHost, v.err)
		return p.fail(v.err)

	case writeErrorMsg:
		p.logger.Errorf("write error to %s: %v", p.PeerConfig.DiameterHost, v.err)
		return p.fail(v.err)

	case peerUpMsg:
		p.setState(StateOpen)
		p.caps = v.capabilities
		if v.diameterHost != "" {
			p.PeerConfig.DiameterHost = v.diameterHost
		}
		p.controlCh <- PeerUpEvent{Sender: p, DiameterHost: p.PeerConfig.DiameterHost, Capabilities: p.caps}
		p.Metrics.PeerStateChange(p.PeerConfig.DiameterHost, StateOpen.String())

		p.watchdogTicker.Stop()
		p.watchdogTw = p.watchdogInterval()
		p.watchdogTicker = time.NewTicker(p.watchdogTw)
		return false

	case closeCommandMsg:
		return p.handleCloseCommand()

	case closeTimeoutMsg:
		if p.State() == StateClosing {
			return p.shutdown(nil)
		}
		return false

	case egressMsg:
		p.handleEgress(v)
		return false

	case ingressMsg:
		return p.handleIngress(v.message)

	case cancelRequestMsg:
		p.completeRequest(v.hopByHopId, v.reason)
		return false

	case watchdogTickMsg:
		p.handleWatchdogTick()
		return false
	}

	return false
}

// handleCloseCommand implements the administrative-close transition
// of spec §4.2: an OPEN peer sends DPR and waits (briefly) for DPA
// before hard-closing; any other state closes immediately.
func (p *Peer) handleCloseCommand() bool {
	if p.State() != StateOpen {
		return p.shutdown(nil)
	}

	dpr := diamcodec.NewRequest(diamcodec.AppBase, diamcodec.CmdDisconnectPeer)
	dpr.AddOriginAVPs(p.originHost, p.originRealm)
	p.setState(StateClosing)

	if err := p.sendMessage(dpr); err != nil {
		return p.shutdown(nil)
	}

	time.AfterFunc(2*time.Second, func() {
		p.eventCh <- closeTimeoutMsg{}
	})
	return false
}

func (p *Peer) handleEgress(v egressMsg) {
	if p.State() != StateOpen && p.State() != StateWaitCEA {
		p.logger.Errorf("%s not sent: peer state is %s", v.message.LogicalName(), p.State())
		if v.rchan != nil {
			v.rchan <- fmt.Errorf("diampeer: peer not ready, state %s", p.State())
		}
		return
	}

	if v.message.IsRequest {
		if _, dup := p.pending[v.message.HopByHopId]; dup {
			if v.rchan != nil {
				v.rchan <- fmt.Errorf("diampeer: duplicate hop-by-hop id %d", v.message.HopByHopId)
			}
			return
		}
	}

	if err := p.sendMessage(v.message); err != nil {
		if v.rchan != nil {
			v.rchan <- err
		}
		p.eventCh <- writeErrorMsg{err}
		return
	}

	if v.message.IsRequest {
		p.Metrics.PeerRequestSent(p.PeerConfig.DiameterHost)
	} else {
		p.Metrics.PeerAnswerSent(p.PeerConfig.DiameterHost)
	}

	if v.message.IsRequest && v.rchan != nil {
		timer := time.AfterFunc(v.timeout, func() {
			p.eventCh <- cancelRequestMsg{hopByHopId: v.message.HopByHopId, reason: ErrTimeout}
		})
		p.pending[v.message.HopByHopId] = pendingRequest{
			rchan:         v.rchan,
			timer:         timer,
			applicationId: v.message.ApplicationId,
		}
		atomic.AddInt32(&p.outstandingCount, 1)
	}
}

func (p *Peer) handleIngress(m *diamcodec.Message) bool {
	if m.ApplicationId == diamcodec.AppBase {
		return p.handleBaseIngress(m)
	}

	if m.IsRequest {
		p.Metrics.PeerRequestReceived(p.PeerConfig.DiameterHost)
		go func() {
			resp, err := p.handler(m)
			if err != nil {
				resp = diamcodec.NewAnswer(m)
				resp.Add("Result-Code", uint32(diamcodec.ResultUnableToComply))
			}
			resp.AddOriginAVPs(p.originHost, p.originRealm)
			resp.HopByHopId, resp.EndToEndId = m.HopByHopId, m.EndToEndId
			p.eventCh <- egressMsg{message: resp}
		}()
		return false
	}

	// Answer to an outstanding request.
	p.completeRequest(m.HopByHopId, m)
	return false
}

func (p *Peer) handleBaseIngress(m *diamcodec.Message) bool {
	if m.IsRequest {
		switch m.CommandCode {
		case diamcodec.CmdCapabilitiesExchange:
			return p.handleCER(m)

		case diamcodec.CmdDeviceWatchdog:
			dwa := diamcodec.NewAnswer(m)
			dwa.AddOriginAVPs(p.originHost, p.originRealm)
			dwa.Add("Result-Code", uint32(diamcodec.ResultSuccess))
			p.eventCh <- egressMsg{message: dwa}
			return false

		case diamcodec.CmdDisconnectPeer:
			dpa := diamcodec.NewAnswer(m)
			dpa.AddOriginAVPs(p.originHost, p.originRealm)
			dpa.Add("Result-Code", uint32(diamcodec.ResultSuccess))
			if err := p.sendMessage(dpa); err != nil {
				p.logger.Errorf("could not send DPA: %v", err)
			}
			return p.shutdown(nil)

		default:
			p.logger.Warnf("unsupported base application command %d", m.CommandCode)
			return false
		}
	}

	switch m.CommandCode {
	case diamcodec.CmdCapabilitiesExchange:
		if m.GetResultCode() != diamcodec.ResultSuccess {
			err := fmt.Errorf("diampeer: CEA result code %d", m.GetResultCode())
			return p.fail(err)
		}
		p.eventCh <- peerUpMsg{diameterHost: p.PeerConfig.DiameterHost, capabilities: capabilitiesFromMessage(m)}
		return false

	case diamcodec.CmdDeviceWatchdog:
		if m.GetResultCode() != diamcodec.ResultSuccess {
			return p.fail(fmt.Errorf("diampeer: DWA result code %d", m.GetResultCode()))
		}
		if p.outstandingDWA > 0 {
			p.outstandingDWA--
		}
		return false

	case diamcodec.CmdDisconnectPeer:
		return p.shutdown(nil)

	default:
		p.logger.Warnf("unsupported base application answer %d", m.CommandCode)
		return false
	}
}

// handleCER validates an inbound CER and replies with CEA, completing
// WAIT_CER -> OPEN (spec §4.2).
func (p *Peer) handleCER(request *diamcodec.Message) bool {
	originHost := request.GetString("Origin-Host")
	if originHost == "" {
		p.logger.Errorf("CER missing Origin-Host")
		return p.fail(fmt.Errorf("diampeer: CER missing Origin-Host"))
	}

	p.PeerConfig.DiameterHost = originHost
	p.PeerConfig.Realm = request.GetString("Origin-Realm")

	cea := diamcodec.NewAnswer(request)
	cea.AddOriginAVPs(p.originHost, p.originRealm)
	cea.Add("Result-Code", uint32(diamcodec.ResultSuccess))
	p.addCapabilityAVPs(cea)
	if err := p.sendMessage(cea); err != nil {
		return p.fail(err)
	}

	p.eventCh <- peerUpMsg{diameterHost: originHost, capabilities: capabilitiesFromMessage(request)}
	return false
}

func (p *Peer) handleWatchdogTick() {
	const maxOutstandingDWA = 2
	if p.outstandingDWA > maxOutstandingDWA {
		p.logger.Errorf("too many unanswered DWR on %s, disconnecting", p.PeerConfig.DiameterHost)
		p.shutdown(fmt.Errorf("diampeer: watchdog timeout"))
		return
	}

	dwr := diamcodec.NewRequest(diamcodec.AppBase, diamcodec.CmdDeviceWatchdog)
	dwr.AddOriginAVPs(p.originHost, p.originRealm)
	if err := p.sendMessage(dwr); err != nil {
		p.eventCh <- writeErrorMsg{err}
		return
	}
	p.outstandingDWA++
}

// completeRequest resolves a pending request by hop-by-hop id with
// either an answer message or an error, and removes its entry.
func (p *Peer) completeRequest(hopByHopId uint32, result interface{}) {
	req, ok := p.pending[hopByHopId]
	if !ok {
		p.logger.Warnf("stalled/unknown answer for hop-by-hop id %d", hopByHopId)
		return
	}
	req.timer.Stop()
	switch result.(type) {
	case *diamcodec.Message:
		p.Metrics.PeerAnswerReceived(p.PeerConfig.DiameterHost)
	case error:
		if result == ErrTimeout {
			p.Metrics.PeerTimeout(p.PeerConfig.DiameterHost)
		}
	}
	req.rchan <- result
	close(req.rchan)
	delete(p.pending, hopByHopId)
	atomic.AddInt32(&p.outstandingCount, -1)
}

// fail transitions to CLOSED immediately (no DPR exchange possible:
// transport already failed) and reports PeerDownEvent.
func (p *Peer) fail(err error) bool {
	p.setState(StateClosed)
	p.Metrics.PeerStateChange(p.PeerConfig.DiameterHost, StateClosed.String())
	p.failPending(ErrPeerClosed)
	if p.conn != nil {
		p.conn.Close()
	}
	p.controlCh <- PeerDownEvent{Sender: p, Error: err}
	return true
}

// shutdown drives CLOSING -> CLOSED for an administrative close (local
// SetDown or remote DPR), failing any pending requests.
func (p *Peer) shutdown(err error) bool {
	p.setState(StateClosing)
	p.failPending(ErrPeerClosed)
	if p.conn != nil {
		p.conn.Close()
	}
	p.setState(StateClosed)
	p.Metrics.PeerStateChange(p.PeerConfig.DiameterHost, StateClosed.String())
	p.controlCh <- PeerDownEvent{Sender: p, Error: err}
	return true
}

func (p *Peer) failPending(reason error) {
	for id, req := range p.pending {
		req.timer.Stop()
		req.rchan <- reason
		close(req.rchan)
		delete(p.pending, id)
		atomic.AddInt32(&p.outstandingCount, -1)
	}
}

func capabilitiesFromMessage(m *diamcodec.Message) Capabilities {
	var caps Capabilities
	for _, avp := range m.GetAll("Auth-Application-Id") {
		caps.AuthApplicationIds = append(caps.AuthApplicationIds, avp.GetUint32())
	}
	for _, avp := range m.GetAll("Acct-Application-Id") {
		caps.AcctApplicationIds = append(caps.AcctApplicationIds, avp.GetUint32())
	}
	for _, avp := range m.GetAll("Vendor-Id") {
		caps.VendorIds = append(caps.VendorIds, avp.GetUint32())
	}
	return caps
}

func (p *Peer) addCapabilityAVPs(m *diamcodec.Message) {
	m.Add("Vendor-Id", uint32(10415))
	m.Add("Product-Name", "diapcc-node")
	m.Add("Auth-Application-Id", uint32(diamcodec.AppGx))
	m.Add("Auth-Application-Id", uint32(diamcodec.AppRx))
	m.Add("Auth-Application-Id", uint32(diamcodec.AppSy))
}
